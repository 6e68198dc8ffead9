package client_test

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc/resolver"

	"github.com/jrmarcco/xmux/client"
)

type noopResolverBuilder struct{}

func (noopResolverBuilder) Build(resolver.Target, resolver.ClientConn, resolver.BuildOptions) (resolver.Resolver, error) {
	return noopResolver{}, nil
}

func (noopResolverBuilder) Scheme() string { return "xmux-noop" }

type noopResolver struct{}

func (noopResolver) ResolveNow(resolver.ResolveNowOptions) {}
func (noopResolver) Close()                                {}

// schemeSeq 为每个测试生成独立的 resolver scheme。
var schemeSeq atomic.Int64

func newManager(t *testing.T, srv *testServer) *client.Manager {
	t.Helper()

	scheme := fmt.Sprintf("xmux-test-%d", schemeSeq.Add(1))
	m := client.NewManagerBuilder(newManualResolver(scheme), nil).
		Insecure().
		DialOptions(srv.dialer()).
		Build()
	t.Cleanup(func() { _ = m.CloseAll() })
	return m
}

func TestManager_Get_ConcurrentSingleflight(t *testing.T) {
	t.Parallel()

	srv := startServer(t, 1)
	m := newManager(t, srv)

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	results := make([]*client.Session, goroutines)
	errs := make([]error, goroutines)

	for i := range goroutines {
		go func() {
			defer wg.Done()
			results[i], errs[i] = m.Get(t.Context(), "edge")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Get failed at index %d: %v", i, err)
		}
	}
	first := results[0]
	for i := 1; i < len(results); i++ {
		if results[i] != first {
			t.Fatalf("expected same cached session at index %d", i)
		}
	}

	ids, err := first.ListServices(t.Context())
	if err != nil || !slices.Equal(ids, []int32{1}) {
		t.Fatalf("cached session should be usable, got %v %v", ids, err)
	}
}

func TestManager_Get_ValidateConfig(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		mgr     *client.Manager
		wantErr error
	}{
		{
			name:    "missing resolver",
			mgr:     client.NewManagerBuilder(nil, nil).Insecure().Build(),
			wantErr: client.ErrResolverBuilderRequired,
		},
		{
			name:    "missing transport security config",
			mgr:     client.NewManagerBuilder(noopResolverBuilder{}, nil).Build(),
			wantErr: client.ErrTransportSecurityRequired,
		},
		{
			name:    "negative connect timeout",
			mgr:     client.NewManagerBuilder(noopResolverBuilder{}, nil).Insecure().ConnectTimeout(-time.Second).Build(),
			wantErr: client.ErrInvalidConnectTimeout,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := tc.mgr.Get(t.Context(), "edge")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got: %v", tc.wantErr, err)
			}
		})
	}
}

func TestManager_Get_ConnectTimeout(t *testing.T) {
	t.Parallel()

	m := client.NewManagerBuilder(noopResolverBuilder{}, nil).
		Insecure().
		ConnectTimeout(20 * time.Millisecond).
		Build()

	_, err := m.Get(t.Context(), "edge")
	if err == nil {
		t.Fatalf("expected connect timeout error")
	}
	if !strings.Contains(err.Error(), "within") {
		t.Fatalf("expected timeout details in error, got: %v", err)
	}
}

func TestManager_RecreatesDeadSession(t *testing.T) {
	t.Parallel()

	srv := startServer(t, 1)
	m := newManager(t, srv)

	first, err := m.Get(t.Context(), "edge")
	if err != nil {
		t.Fatalf("first Get failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close session: %v", err)
	}

	second, err := m.Get(t.Context(), "edge")
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if first == second || first.ID() == second.ID() {
		t.Fatalf("dead session should be replaced")
	}
	if _, err := second.Join(t.Context(), 1); err != nil {
		t.Fatalf("recreated session should work: %v", err)
	}
}

func TestManager_Close(t *testing.T) {
	t.Parallel()

	srv := startServer(t, 1)
	m := newManager(t, srv)

	first, err := m.Get(t.Context(), "edge")
	if err != nil {
		t.Fatalf("first Get failed: %v", err)
	}
	if err := m.Close("edge"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if first.Alive() {
		t.Fatalf("Close should close the cached session")
	}
	if err := m.Close("edge"); err != nil {
		t.Fatalf("closing an unknown endpoint should be a no-op, got %v", err)
	}
}

func TestManager_CloseAll_PreventsFutureGet(t *testing.T) {
	t.Parallel()

	srv := startServer(t, 1)
	m := newManager(t, srv)

	s, err := m.Get(t.Context(), "edge")
	if err != nil {
		t.Fatalf("initial Get failed: %v", err)
	}
	if err := m.CloseAll(); err != nil {
		t.Fatalf("CloseAll failed: %v", err)
	}
	if s.Alive() {
		t.Fatalf("CloseAll should close cached sessions")
	}

	_, err = m.Get(t.Context(), "edge")
	if !errors.Is(err, client.ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got: %v", err)
	}
	if err := m.CloseAll(); err != nil {
		t.Fatalf("second CloseAll failed: %v", err)
	}
}

func TestManager_OnDataDrop(t *testing.T) {
	t.Parallel()

	srv := startServer(t, 1)

	var drops atomic.Int32
	m := client.NewManagerBuilder(newManualResolver("xmux-test-drop"), nil).
		Insecure().
		DialOptions(srv.dialer()).
		SubscribeBuffer(1).
		OnDataDrop(func(name string, serviceID int32) {
			if name == "edge" && serviceID == 1 {
				drops.Add(1)
			}
		}).
		Build()
	defer m.CloseAll()

	s, err := m.Get(t.Context(), "edge")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := s.Join(t.Context(), 1); err != nil {
		t.Fatalf("join: %v", err)
	}
	_ = s.Subscribe(1)
	for range 2 {
		_ = s.Send(1, []byte("x"))
	}

	deadline := time.Now().Add(waitTimeout)
	for drops.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected one drop reported with the endpoint name, got %d", drops.Load())
	}
}
