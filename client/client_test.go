package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/resolver/manual"
	"google.golang.org/grpc/test/bufconn"

	"github.com/jrmarcco/xmux/mux"
	"github.com/jrmarcco/xmux/transport/grpcx"
)

const waitTimeout = 3 * time.Second

type testServer struct {
	lis       *bufconn.Listener
	transport *grpcx.Server
	mux       *mux.Server
}

// startServer 启动一个 bufconn 上的多路复用服务端，每个服务都把数据原样回写给发送方。
func startServer(t *testing.T, serviceIDs ...int32) *testServer {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	transport := grpcx.NewServerBuilder().Build()
	s, err := mux.NewServerBuilder(transport).Logger(zap.NewNop()).Build()
	if err != nil {
		t.Fatalf("build mux server: %v", err)
	}

	for _, id := range serviceIDs {
		svc, err := s.CreateService(id)
		if err != nil {
			t.Fatalf("create service %d: %v", id, err)
		}
		svc.AddListener(mux.NewServiceListener(func(c *mux.ServiceClient) {
			c.AddDataListener(mux.NewDataListener(func(payload []byte) {
				_ = c.Send(payload)
			}))
		}, nil))
	}

	if err := transport.Serve(lis); err != nil {
		t.Fatalf("serve: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return &testServer{lis: lis, transport: transport, mux: s}
}

func (s *testServer) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return s.lis.DialContext(ctx)
	})
}

func newManualResolver(scheme string) *manual.Resolver {
	r := manual.NewBuilderWithScheme(scheme)
	r.InitialState(resolver.State{Addresses: []resolver.Address{{Addr: "bufnet"}}})
	return r
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()

	select {
	case payload, ok := <-ch:
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return payload
	case <-time.After(waitTimeout):
		t.Fatalf("timeout waiting for data")
		return nil
	}
}
