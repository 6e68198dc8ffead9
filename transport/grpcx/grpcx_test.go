package grpcx_test

import (
	"context"
	"errors"
	"net"
	"slices"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/jrmarcco/xmux/mux"
	"github.com/jrmarcco/xmux/protocol"
	"github.com/jrmarcco/xmux/transport/grpcx"
)

const waitTimeout = 3 * time.Second

type packetChan chan protocol.Packet

func (ch packetChan) PacketReceived(p protocol.Packet) {
	ch <- p
}

func (ch packetChan) next(t *testing.T) protocol.Packet {
	t.Helper()

	select {
	case p := <-ch:
		return p
	case <-time.After(waitTimeout):
		t.Fatalf("timeout waiting for packet")
		return nil
	}
}

type connEvents struct {
	connected    chan mux.Conn
	disconnected chan mux.DisconnectReason
}

func newConnEvents() *connEvents {
	return &connEvents{
		connected:    make(chan mux.Conn, 8),
		disconnected: make(chan mux.DisconnectReason, 8),
	}
}

func (e *connEvents) ClientConnected(c mux.Conn) {
	e.connected <- c
}

func (e *connEvents) ClientDisconnected(_ mux.Conn, reason mux.DisconnectReason, _ string) {
	e.disconnected <- reason
}

func (e *connEvents) waitDisconnected(t *testing.T) mux.DisconnectReason {
	t.Helper()

	select {
	case r := <-e.disconnected:
		return r
	case <-time.After(waitTimeout):
		t.Fatalf("timeout waiting for disconnect")
		return mux.ReasonUnknown
	}
}

func startServer(t *testing.T) (*grpcx.Server, *grpc.ClientConn) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpcx.NewServerBuilder().Logger(zap.NewNop()).Build()
	if err := srv.Serve(lis); err != nil {
		t.Fatalf("serve: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	cc, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close() })
	return srv, cc
}

func TestTransport_EndToEnd(t *testing.T) {
	t.Parallel()

	srv, cc := startServer(t)

	s, err := mux.NewServerBuilder(srv).Build()
	if err != nil {
		t.Fatalf("build mux server: %v", err)
	}
	svc, err := s.CreateService(7)
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	svc.AddListener(mux.NewServiceListener(func(c *mux.ServiceClient) {
		c.AddDataListener(mux.NewDataListener(func(payload []byte) {
			_ = c.Send(append([]byte("echo:"), payload...))
		}))
	}, nil))

	conn, err := grpcx.Open(t.Context(), cc, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	received := make(packetChan, 8)
	conn.AddPacketListener(received)

	if err := conn.Send(&protocol.ListingRequest{}); err != nil {
		t.Fatalf("send listing request: %v", err)
	}
	listing, ok := received.next(t).(*protocol.Listing)
	if !ok || !slices.Equal(listing.ServiceIDs, []int32{7}) {
		t.Fatalf("unexpected listing %+v", listing)
	}

	if err := conn.Send(&protocol.Join{ServiceIDs: []int32{7, 99}}); err != nil {
		t.Fatalf("send join: %v", err)
	}
	joined, ok := received.next(t).(*protocol.JoinResponse)
	if !ok || !slices.Equal(joined.Joined, []int32{7}) {
		t.Fatalf("unexpected join response %+v", joined)
	}

	if err := conn.Send(&protocol.Data{ServiceID: 7, Payload: []byte("hi")}); err != nil {
		t.Fatalf("send data: %v", err)
	}
	data, ok := received.next(t).(*protocol.Data)
	if !ok || data.ServiceID != 7 || string(data.Payload) != "echo:hi" {
		t.Fatalf("unexpected data %+v", data)
	}
}

func TestTransport_ClientClose(t *testing.T) {
	t.Parallel()

	srv, cc := startServer(t)
	events := newConnEvents()
	srv.AddConnectionListener(events)

	conn, err := grpcx.Open(t.Context(), cc, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// 建流后服务端在首个报文到达时才感知连接。
	if err := conn.Send(&protocol.ListingRequest{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-events.connected:
	case <-time.After(waitTimeout):
		t.Fatalf("timeout waiting for connect")
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if reason := events.waitDisconnected(t); reason != mux.ReasonRemoteClosed {
		t.Fatalf("expected remote closed, got %s", reason)
	}

	err = conn.Send(&protocol.ListingRequest{})
	if !errors.Is(err, mux.ErrTransportFailure) {
		t.Fatalf("expected ErrTransportFailure after close, got: %v", err)
	}
}

func TestTransport_ServerClose(t *testing.T) {
	t.Parallel()

	srv, cc := startServer(t)
	events := newConnEvents()
	srv.AddConnectionListener(events)

	conn, err := grpcx.Open(t.Context(), cc, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if err := conn.Send(&protocol.ListingRequest{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-events.connected:
	case <-time.After(waitTimeout):
		t.Fatalf("timeout waiting for connect")
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("close server: %v", err)
	}
	if reason := events.waitDisconnected(t); reason != mux.ReasonServerClosed {
		t.Fatalf("expected server closed, got %s", reason)
	}

	select {
	case <-conn.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("client should observe the stream ending")
	}
	if !errors.Is(conn.Err(), mux.ErrTransportFailure) {
		t.Fatalf("expected ErrTransportFailure, got: %v", conn.Err())
	}
}

func TestTransport_SendNotTransmittable(t *testing.T) {
	t.Parallel()

	_, cc := startServer(t)
	conn, err := grpcx.Open(t.Context(), cc, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	tcs := []struct {
		name string
		pkt  protocol.Packet
	}{
		{name: "nil packet", pkt: nil},
		{name: "oversize payload", pkt: &protocol.Data{ServiceID: 1, Payload: make([]byte, protocol.MaxPayloadSize+1)}},
		{name: "unknown packet", pkt: &protocol.Unknown{Raw: 42}},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			if err := conn.Send(tc.pkt); !errors.Is(err, protocol.ErrNotTransmittable) {
				t.Fatalf("expected ErrNotTransmittable, got: %v", err)
			}
		})
	}
}

func TestServer_ServeTwice(t *testing.T) {
	t.Parallel()

	srv, _ := startServer(t)
	if err := srv.Serve(bufconn.Listen(1024)); !errors.Is(err, grpcx.ErrAlreadyServing) {
		t.Fatalf("expected ErrAlreadyServing, got: %v", err)
	}

	_ = srv.Close()
	if err := srv.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}
}

type funcConnListener struct {
	onConnected func(c mux.Conn)
}

func (f funcConnListener) ClientConnected(c mux.Conn) { f.onConnected(c) }

func (f funcConnListener) ClientDisconnected(mux.Conn, mux.DisconnectReason, string) {}

func TestServer_RejectsUncomparableListener(t *testing.T) {
	t.Parallel()

	s := grpcx.NewServerBuilder().Build()
	t.Cleanup(func() { _ = s.Close() })

	l := funcConnListener{onConnected: func(mux.Conn) {}}
	if s.AddConnectionListener(l) {
		t.Fatalf("uncomparable connection listener must be rejected")
	}
	if s.RemoveConnectionListener(l) {
		t.Fatalf("removing an uncomparable listener must report false")
	}
	if s.AddConnectionListener(nil) {
		t.Fatalf("nil listener must be rejected")
	}
}
