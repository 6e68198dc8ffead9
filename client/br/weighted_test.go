package br

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/balancer"

	"github.com/jrmarcco/xmux/client"
)

func TestWeightedPicker_SmoothDistribution(t *testing.T) {
	t.Parallel()

	info, scs := buildInfo(
		testEndpoint{addr: "a", serviceIDs: []int32{1}, weight: 5},
		testEndpoint{addr: "b", serviceIDs: []int32{1}, weight: 1},
		testEndpoint{addr: "c", serviceIDs: []int32{1}, weight: 1},
	)
	p := (&WeightedPickerBuilder{}).Build(info)

	// nginx swrr 对 {a:5, b:1, c:1} 的经典序列。
	want := []string{"a", "a", "b", "a", "c", "a", "a"}
	for i, addr := range want {
		if sc := mustPick(t, p, context.Background()); sc != scs[addr] {
			t.Fatalf("pick %d: expected %s", i, addr)
		}
	}
}

func TestWeightedPicker_DefaultWeightAndFilter(t *testing.T) {
	t.Parallel()

	info, scs := buildInfo(
		testEndpoint{addr: "a", serviceIDs: []int32{1}},
		testEndpoint{addr: "b", serviceIDs: []int32{1, 2}},
	)
	p := (&WeightedPickerBuilder{}).Build(info)

	counts := map[balancer.SubConn]int{}
	for range 10 {
		counts[mustPick(t, p, context.Background())]++
	}
	if counts[scs["a"]] != 5 || counts[scs["b"]] != 5 {
		t.Fatalf("zero weights should default to equal share, got a=%d b=%d", counts[scs["a"]], counts[scs["b"]])
	}

	ctx := client.ContextWithServiceIDs(context.Background(), 2)
	for range 3 {
		if sc := mustPick(t, p, ctx); sc != scs["b"] {
			t.Fatalf("only b hosts service 2")
		}
	}

	ctx = client.ContextWithServiceIDs(context.Background(), 3)
	if _, err := p.Pick(pickInfo(ctx)); !errors.Is(err, ErrNoEndpointForServices) {
		t.Fatalf("expected ErrNoEndpointForServices, got %v", err)
	}
}

func pickInfo(ctx context.Context) balancer.PickInfo {
	return balancer.PickInfo{Ctx: ctx}
}
