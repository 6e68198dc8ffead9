package br

import (
	"context"
	"errors"
	"testing"

	"github.com/jrmarcco/xmux/client"
)

func TestRoundRobinPicker_Rotates(t *testing.T) {
	t.Parallel()

	info, scs := buildInfoFromAddrs("10.0.0.2:9000", "10.0.0.1:9000", "")
	p := (&RoundRobinPickerBuilder{}).Build(info)

	ctx := context.Background()
	got := []any{mustPick(t, p, ctx), mustPick(t, p, ctx), mustPick(t, p, ctx)}
	want := []any{scs["10.0.0.1:9000"], scs["10.0.0.2:9000"], scs["10.0.0.1:9000"]}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pick %d: unexpected SubConn", i)
		}
	}
}

func TestRoundRobinPicker_FiltersByServices(t *testing.T) {
	t.Parallel()

	info, scs := buildInfo(
		testEndpoint{addr: "10.0.0.1:9000", serviceIDs: []int32{1}},
		testEndpoint{addr: "10.0.0.2:9000", serviceIDs: []int32{1, 2}},
		testEndpoint{addr: "10.0.0.3:9000", serviceIDs: []int32{2, 3}},
	)
	p := (&RoundRobinPickerBuilder{}).Build(info)

	ctx := client.ContextWithServiceIDs(context.Background(), 1, 2)
	for i := range 4 {
		if sc := mustPick(t, p, ctx); sc != scs["10.0.0.2:9000"] {
			t.Fatalf("pick %d: only 10.0.0.2 hosts services 1 and 2", i)
		}
	}

	ctx = client.ContextWithServiceIDs(context.Background(), 2)
	seen := map[any]bool{}
	for range 4 {
		seen[mustPick(t, p, ctx)] = true
	}
	if len(seen) != 2 || seen[scs["10.0.0.1:9000"]] {
		t.Fatalf("service 2 picks should rotate over the two hosting endpoints")
	}

	ctx = client.ContextWithServiceIDs(context.Background(), 9)
	if _, err := p.Pick(pickInfo(ctx)); !errors.Is(err, ErrNoEndpointForServices) {
		t.Fatalf("expected ErrNoEndpointForServices, got %v", err)
	}
}

func TestRoundRobinPicker_EndpointWithoutTableIsEligible(t *testing.T) {
	t.Parallel()

	info, scs := buildInfo(
		testEndpoint{addr: "10.0.0.1:9000"},
		testEndpoint{addr: "10.0.0.2:9000", serviceIDs: []int32{5}},
	)
	p := (&RoundRobinPickerBuilder{}).Build(info)

	ctx := client.ContextWithServiceIDs(context.Background(), 7)
	for range 3 {
		if sc := mustPick(t, p, ctx); sc != scs["10.0.0.1:9000"] {
			t.Fatalf("endpoint without a service table should be the only candidate")
		}
	}
}
