package grpcx

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jrmarcco/xmux/mux"
	"github.com/jrmarcco/xmux/protocol"
)

var (
	ErrServerClosed   = errors.New("grpc transport is closed")
	ErrAlreadyServing = errors.New("grpc transport is already serving")
	ErrConnClosed     = errors.New("connection is closed")
)

// ServerBuilder 是 gRPC 传输层服务端 builder。
type ServerBuilder struct {
	logger *zap.Logger
	opts   []grpc.ServerOption
}

func NewServerBuilder() *ServerBuilder {
	return &ServerBuilder{}
}

func (b *ServerBuilder) Logger(logger *zap.Logger) *ServerBuilder {
	b.logger = logger
	return b
}

// ServerOptions 允许注入额外 grpc.ServerOption ( 例如 TLS、拦截器、keepalive )。
func (b *ServerBuilder) ServerOptions(opts ...grpc.ServerOption) *ServerBuilder {
	b.opts = append(b.opts, opts...)
	return b
}

func (b *ServerBuilder) Build() *Server {
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		logger:     logger,
		grpcServer: grpc.NewServer(b.opts...),
		listeners:  make(map[mux.ConnectionListener]struct{}),
	}
	s.grpcServer.RegisterService(&serviceDesc, &streamHandler{server: s})
	return s
}

var _ mux.Transport = (*Server)(nil)

// Server 是基于 gRPC 双向流的 mux.Transport 实现。
// 每条 Connect 流对应一个物理客户端，流内的报文在处理流的 goroutine 中按序分发。
type Server struct {
	logger     *zap.Logger
	grpcServer *grpc.Server

	lmu       sync.RWMutex
	listeners map[mux.ConnectionListener]struct{}

	// mu 保护监听状态，并与 handlers 配合保证 Close 等待所有流处理结束。
	mu       sync.Mutex
	addr     string
	serving  bool
	closed   bool
	handlers sync.WaitGroup
}

func (s *Server) AddConnectionListener(l mux.ConnectionListener) bool {
	if !hashable(l) {
		return false
	}

	s.lmu.Lock()
	defer s.lmu.Unlock()

	if _, ok := s.listeners[l]; ok {
		return false
	}
	s.listeners[l] = struct{}{}
	return true
}

func (s *Server) RemoveConnectionListener(l mux.ConnectionListener) bool {
	if !hashable(l) {
		return false
	}

	s.lmu.Lock()
	defer s.lmu.Unlock()

	if _, ok := s.listeners[l]; !ok {
		return false
	}
	delete(s.listeners, l)
	return true
}

func (s *Server) connectionListeners() []mux.ConnectionListener {
	s.lmu.RLock()
	defer s.lmu.RUnlock()

	res := make([]mux.ConnectionListener, 0, len(s.listeners))
	for l := range s.listeners {
		res = append(res, l)
	}
	return res
}

// Listen 在 tcp 地址上监听并在后台提供服务。
func (s *Server) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("[grpcx] failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Serve 在给定 listener 上后台提供服务，不阻塞。
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = lis.Close()
		return fmt.Errorf("[grpcx] %w", ErrServerClosed)
	}
	if s.serving {
		s.mu.Unlock()
		_ = lis.Close()
		return fmt.Errorf("[grpcx] %w", ErrAlreadyServing)
	}
	s.serving = true
	s.addr = lis.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("grpc transport stopped serving", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Close 立即断开所有连接，并等待每条连接的断开通知分发完成。
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.grpcServer.Stop()
	s.handlers.Wait()
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type streamHandler struct {
	server *Server
}

var _ connectServer = (*streamHandler)(nil)

func (h *streamHandler) Connect(stream grpc.ServerStream) error {
	s := h.server

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return status.Error(codes.Unavailable, ErrServerClosed.Error())
	}
	s.handlers.Add(1)
	s.mu.Unlock()
	defer s.handlers.Done()

	c := &serverConn{stream: stream}

	for _, l := range s.connectionListeners() {
		l.ClientConnected(c)
	}

	reason, text := s.serveConn(c)
	c.markDone()

	for _, l := range s.connectionListeners() {
		l.ClientDisconnected(c, reason, text)
	}
	return nil
}

func (s *Server) serveConn(c *serverConn) (mux.DisconnectReason, string) {
	for {
		var f protocol.Frame
		if err := c.stream.RecvMsg(&f); err != nil {
			return s.classify(err)
		}

		p, err := protocol.Decode(&f)
		if err != nil {
			s.logger.Warn("failed to decode frame", zap.Error(err))
			continue
		}
		c.listeners.deliver(p)
	}
}

func (s *Server) classify(err error) (mux.DisconnectReason, string) {
	if s.isClosed() {
		return mux.ReasonServerClosed, "server closed"
	}
	if errors.Is(err, io.EOF) {
		return mux.ReasonRemoteClosed, "remote closed"
	}
	if status.Code(err) == codes.Canceled {
		return mux.ReasonRemoteClosed, "stream canceled"
	}
	return mux.ReasonNetworkError, err.Error()
}

var _ mux.Conn = (*serverConn)(nil)

// serverConn 是服务端视角的物理连接。
type serverConn struct {
	stream    grpc.ServerStream
	listeners packetListeners

	// sendMu 串行化 SendMsg，grpc 不允许多个 goroutine 同时发送。
	sendMu sync.Mutex
	done   bool
}

func (c *serverConn) Send(p protocol.Packet) error {
	f, err := protocol.Encode(p)
	if err != nil {
		return fmt.Errorf("[grpcx] %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.done {
		return fmt.Errorf("[grpcx] %w: %w", mux.ErrTransportFailure, ErrConnClosed)
	}
	if err := c.stream.SendMsg(f); err != nil {
		return fmt.Errorf("[grpcx] %w: %w", mux.ErrTransportFailure, err)
	}
	return nil
}

func (c *serverConn) AddPacketListener(l mux.PacketListener) bool {
	return c.listeners.add(l)
}

func (c *serverConn) RemovePacketListener(l mux.PacketListener) bool {
	return c.listeners.remove(l)
}

// markDone 在流处理结束前调用，之后的 Send 直接失败。
func (c *serverConn) markDone() {
	c.sendMu.Lock()
	c.done = true
	c.sendMu.Unlock()
}
