package mux

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jrmarcco/jit/xsync"
	"go.uber.org/zap"

	"github.com/jrmarcco/xmux/protocol"
)

// ServerBuilder 是多路复用服务端 builder。
type ServerBuilder struct {
	transport Transport
	logger    *zap.Logger

	// 可选观测回调 ( 默认 nil，不影响核心流程 )。
	// 回调可能在持有成员关系锁时执行，不能阻塞。
	onClientConnected    func()
	onClientDisconnected func(reason DisconnectReason)
	onJoin               func(serviceID int32)
	onLeave              func(serviceID int32, reason DisconnectReason)
	onDataDelivered      func(serviceID int32)
	onDataDropped        func(serviceID int32, registered bool)
	onConsistencyFailure func(op string)
}

func NewServerBuilder(transport Transport) *ServerBuilder {
	return &ServerBuilder{
		transport: transport,
	}
}

func (b *ServerBuilder) Logger(logger *zap.Logger) *ServerBuilder {
	b.logger = logger
	return b
}

// OnClientConnected 设置物理连接建立回调。
func (b *ServerBuilder) OnClientConnected(fn func()) *ServerBuilder {
	b.onClientConnected = fn
	return b
}

// OnClientDisconnected 设置物理连接断开回调。
func (b *ServerBuilder) OnClientDisconnected(fn func(reason DisconnectReason)) *ServerBuilder {
	b.onClientDisconnected = fn
	return b
}

// OnJoin 设置客户端首次加入服务回调，重复加入不会触发。
func (b *ServerBuilder) OnJoin(fn func(serviceID int32)) *ServerBuilder {
	b.onJoin = fn
	return b
}

// OnLeave 设置客户端离开服务回调。
func (b *ServerBuilder) OnLeave(fn func(serviceID int32, reason DisconnectReason)) *ServerBuilder {
	b.onLeave = fn
	return b
}

func (b *ServerBuilder) OnDataDelivered(fn func(serviceID int32)) *ServerBuilder {
	b.onDataDelivered = fn
	return b
}

// OnDataDropped 设置数据因发送方不是服务成员而被丢弃的回调。
// serviceID 来自远端，registered 表示该 id 是否是已创建的服务。
func (b *ServerBuilder) OnDataDropped(fn func(serviceID int32, registered bool)) *ServerBuilder {
	b.onDataDropped = fn
	return b
}

// OnConsistencyFailure 设置协议一致性错误回调 ( 同时会记录 error 日志 )。
func (b *ServerBuilder) OnConsistencyFailure(fn func(op string)) *ServerBuilder {
	b.onConsistencyFailure = fn
	return b
}

func (b *ServerBuilder) Build() (*Server, error) {
	if b.transport == nil {
		return nil, fmt.Errorf("[mux] %w", ErrTransportRequired)
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		transport: b.transport,
		logger:    logger,

		onClientConnected:    b.onClientConnected,
		onClientDisconnected: b.onClientDisconnected,
		onJoin:               b.onJoin,
		onLeave:              b.onLeave,
		onDataDelivered:      b.onDataDelivered,
		onDataDropped:        b.onDataDropped,
		onConsistencyFailure: b.onConsistencyFailure,
	}
	s.connListener = &connectionListener{server: s}
	s.transport.AddConnectionListener(s.connListener)
	return s, nil
}

// clientHandler 是一个物理客户端的成员关系。
type clientHandler struct {
	server *Server
	conn   Conn
	id     string

	// joined 是已加入服务的只读快照。
	// 只在 Server.mu 内以写时复制方式发布，读取无需加锁。
	joined atomic.Pointer[map[int32]*Service]
}

var _ PacketListener = (*clientHandler)(nil)

func (h *clientHandler) PacketReceived(p protocol.Packet) {
	h.server.handlePacket(h, p)
}

func (h *clientHandler) service(id int32) (*Service, bool) {
	joined := h.joined.Load()
	if joined == nil {
		return nil, false
	}
	svc, ok := (*joined)[id]
	return svc, ok
}

var _ ConnectionListener = (*connectionListener)(nil)

type connectionListener struct {
	server *Server
}

func (l *connectionListener) ClientConnected(c Conn) {
	l.server.handleConnected(c)
}

func (l *connectionListener) ClientDisconnected(c Conn, reason DisconnectReason, text string) {
	l.server.handleDisconnected(c, reason, text)
}

// Server 在一个物理传输之上提供多个逻辑服务。
//
// 成员关系 ( 连接、加入、断开 ) 的变更由 mu 串行化，保证：
//  1. 客户端出现在服务的客户端列表中，当且仅当该服务在客户端的成员关系中。
//  2. 只有成员发往服务的数据才会被投递。
//  3. 重复加入不会重复通知。
//  4. 断开时，客户端已加入的每个服务恰好收到一次离开通知。
type Server struct {
	transport    Transport
	logger       *zap.Logger
	connListener *connectionListener

	// svcMu 串行化服务创建，services 读取无需加锁。
	svcMu    sync.Mutex
	services xsync.Map[int32, *Service]

	mu      sync.Mutex
	clients xsync.Map[Conn, *clientHandler]

	closed atomic.Bool

	onClientConnected    func()
	onClientDisconnected func(reason DisconnectReason)
	onJoin               func(serviceID int32)
	onLeave              func(serviceID int32, reason DisconnectReason)
	onDataDelivered      func(serviceID int32)
	onDataDropped        func(serviceID int32, registered bool)
	onConsistencyFailure func(op string)
}

// Open 在指定地址开始监听。
func (s *Server) Open(addr string) error {
	if s.closed.Load() {
		return fmt.Errorf("[mux] %w", ErrServerClosed)
	}
	if err := s.transport.Listen(addr); err != nil {
		return fmt.Errorf("[mux] %w: %w", ErrNetwork, err)
	}

	s.logger.Info("mux server listening", zap.String("addr", s.transport.Addr()))
	return nil
}

func (s *Server) Addr() string {
	return s.transport.Addr()
}

// Close 关闭传输层。
// 关闭后不再接受新连接，已有连接的断开仍会通知到各个服务。
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := s.transport.Close()
	s.transport.RemoveConnectionListener(s.connListener)
	if err != nil {
		return fmt.Errorf("[mux] failed to close transport: %w", err)
	}

	s.logger.Info("mux server closed")
	return nil
}

// CreateService 创建服务，服务立即对后续的列表与加入请求可见。
// id 已存在时返回 ErrServiceExists。
func (s *Server) CreateService(id int32) (*Service, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("[mux] %w", ErrServerClosed)
	}

	s.svcMu.Lock()
	defer s.svcMu.Unlock()

	if _, ok := s.services.Load(id); ok {
		return nil, fmt.Errorf("[mux] %w: %d", ErrServiceExists, id)
	}

	svc := newService(s, id)
	s.services.Store(id, svc)

	s.logger.Info("service created", zap.Int32("service_id", id))
	return svc, nil
}

func (s *Server) Service(id int32) (*Service, bool) {
	return s.services.Load(id)
}

// ServiceIDs 返回所有已注册的服务 id ( 升序 )。
func (s *Server) ServiceIDs() []int32 {
	ids := make([]int32, 0)
	s.services.Range(func(id int32, _ *Service) bool {
		ids = append(ids, id)
		return true
	})
	slices.Sort(ids)
	return ids
}

// IsJoined 返回物理客户端当前是否是服务成员。
func (s *Server) IsJoined(c Conn, serviceID int32) bool {
	h, ok := s.clients.Load(c)
	if !ok {
		return false
	}
	_, ok = h.service(serviceID)
	return ok
}

// Kick 把客户端移出单个服务，服务以 ReasonUserAction 收到一次离开通知。
// 客户端的其它成员关系不受影响，之后发往该服务的数据被丢弃。
// 客户端不是该服务成员时返回 false。
// 持有成员关系锁，不能在 ServiceListener 回调内调用。
func (s *Server) Kick(c Conn, serviceID int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.clients.Load(c)
	if !ok {
		return false
	}
	cur := h.joined.Load()
	if cur == nil {
		return false
	}
	svc, ok := (*cur)[serviceID]
	if !ok {
		return false
	}

	next := maps.Clone(*cur)
	delete(next, serviceID)
	// 先发布成员关系再通知，离开回调内 IsJoined 已为 false。
	h.joined.Store(&next)

	svc.notifyClientDisconnected(c, ReasonUserAction, "user action")
	if s.onLeave != nil {
		s.onLeave(serviceID, ReasonUserAction)
	}

	s.logger.Debug("client removed from service",
		zap.String("client", h.id),
		zap.Int32("service_id", serviceID))
	return true
}

func (s *Server) handleConnected(c Conn) {
	if s.closed.Load() {
		s.logger.Debug("ignore client connected after close")
		return
	}

	h := &clientHandler{
		server: s,
		conn:   c,
		id:     uuid.NewString(),
	}

	s.mu.Lock()
	if _, loaded := s.clients.Load(c); loaded {
		s.mu.Unlock()
		s.consistencyFailure("connect", "client connected twice")
		return
	}
	s.clients.Store(c, h)
	s.mu.Unlock()

	c.AddPacketListener(h)

	s.logger.Debug("client connected", zap.String("client", h.id))
	if s.onClientConnected != nil {
		s.onClientConnected()
	}
}

func (s *Server) handleDisconnected(c Conn, reason DisconnectReason, text string) {
	s.mu.Lock()
	h, ok := s.clients.LoadAndDelete(c)
	if !ok {
		s.mu.Unlock()
		if s.closed.Load() {
			// 关闭后才建立的连接从未登记。
			return
		}
		s.consistencyFailure("disconnect", "got disconnect from client but no handler found",
			zap.Stringer("reason", reason))
		return
	}

	// 先清空成员关系，离开回调内 IsJoined 已为 false。
	joined := h.joined.Swap(nil)
	if joined != nil {
		for id, svc := range *joined {
			svc.notifyClientDisconnected(c, reason, text)
			if s.onLeave != nil {
				s.onLeave(id, reason)
			}
		}
	}
	s.mu.Unlock()

	c.RemovePacketListener(h)

	s.logger.Debug("client disconnected",
		zap.String("client", h.id),
		zap.Stringer("reason", reason),
		zap.String("text", text))
	if s.onClientDisconnected != nil {
		s.onClientDisconnected(reason)
	}
}

func (s *Server) handlePacket(h *clientHandler, p protocol.Packet) {
	switch pkt := p.(type) {
	case *protocol.ListingRequest:
		s.handleListing(h)
	case *protocol.Join:
		s.handleJoin(h, pkt)
	case *protocol.Data:
		s.handleData(h, pkt)
	default:
		if p != nil {
			s.logger.Debug("ignore packet", zap.String("client", h.id), zap.Stringer("kind", p.Kind()))
		}
	}
}

// handleListing 应答服务列表，发送失败只记录，列表不属于握手保证的一部分。
func (s *Server) handleListing(h *clientHandler) {
	if err := h.conn.Send(&protocol.Listing{ServiceIDs: s.ServiceIDs()}); err != nil {
		s.logger.Debug("failed to send service listing", zap.String("client", h.id), zap.Error(err))
	}
}

func (s *Server) handleJoin(h *clientHandler, pkt *protocol.Join) {
	joined := make([]int32, 0, len(pkt.ServiceIDs))

	s.mu.Lock()
	if cur, ok := s.clients.Load(h.conn); !ok || cur != h {
		s.mu.Unlock()
		s.consistencyFailure("join", "got join from client but no handler found", zap.String("client", h.id))
		return
	}

	var next map[int32]*Service
	if cur := h.joined.Load(); cur != nil {
		next = maps.Clone(*cur)
	} else {
		next = make(map[int32]*Service, len(pkt.ServiceIDs))
	}

	seen := make(map[int32]struct{}, len(pkt.ServiceIDs))
	fresh := make([]*Service, 0, len(pkt.ServiceIDs))
	for _, id := range pkt.ServiceIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		svc, ok := s.services.Load(id)
		if !ok {
			continue
		}
		seen[id] = struct{}{}
		joined = append(joined, id)

		if _, member := next[id]; member {
			continue
		}
		next[id] = svc
		fresh = append(fresh, svc)
	}

	if len(fresh) > 0 {
		// 先发布成员关系再通知，加入回调内 IsJoined 已为 true。
		h.joined.Store(&next)
		for _, svc := range fresh {
			svc.notifyClientConnected(h)
			if s.onJoin != nil {
				s.onJoin(svc.id)
			}
		}
	}
	s.mu.Unlock()

	if err := h.conn.Send(&protocol.JoinResponse{Joined: joined}); err != nil {
		s.logger.Debug("failed to send join response", zap.String("client", h.id), zap.Error(err))
	}
}

func (s *Server) handleData(h *clientHandler, pkt *protocol.Data) {
	svc, ok := h.service(pkt.ServiceID)
	if !ok {
		s.logger.Warn("got data for a service the client does not belong to, dropped",
			zap.String("client", h.id),
			zap.Int32("service_id", pkt.ServiceID))
		if s.onDataDropped != nil {
			_, registered := s.services.Load(pkt.ServiceID)
			s.onDataDropped(pkt.ServiceID, registered)
		}
		return
	}

	if svc.notifyDataReceived(h.conn, pkt.Payload) && s.onDataDelivered != nil {
		s.onDataDelivered(pkt.ServiceID)
	}
}

func (s *Server) consistencyFailure(op, msg string, fields ...zap.Field) {
	s.logger.Error(msg, append(fields, zap.String("op", op))...)
	if s.onConsistencyFailure != nil {
		s.onConsistencyFailure(op)
	}
}
