package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/jrmarcco/xmux/mux"
	"github.com/jrmarcco/xmux/protocol"
	"github.com/jrmarcco/xmux/transport/grpcx"
)

var (
	ErrSessionClosed = errors.New("session is closed")
	ErrNotJoined     = errors.New("service is not joined")
)

const defaultSubscribeBuffer = 64

// SessionBuilder 是客户端会话 builder。
type SessionBuilder struct {
	cc grpc.ClientConnInterface

	logger     *zap.Logger
	bufferSize int
	onDataDrop func(serviceID int32)
	callOpts   []grpc.CallOption
}

func NewSessionBuilder(cc grpc.ClientConnInterface) *SessionBuilder {
	return &SessionBuilder{
		cc:         cc,
		bufferSize: defaultSubscribeBuffer,
	}
}

func (b *SessionBuilder) Logger(logger *zap.Logger) *SessionBuilder {
	b.logger = logger
	return b
}

// BufferSize 设置每个订阅 channel 的缓冲大小 ( <=0 时使用默认值 )。
func (b *SessionBuilder) BufferSize(size int) *SessionBuilder {
	b.bufferSize = size
	return b
}

// OnDataDrop 在订阅者消费过慢导致数据被丢弃时回调。
// 回调在接收 goroutine 中执行，不应阻塞。
func (b *SessionBuilder) OnDataDrop(fn func(serviceID int32)) *SessionBuilder {
	b.onDataDrop = fn
	return b
}

func (b *SessionBuilder) CallOptions(opts ...grpc.CallOption) *SessionBuilder {
	b.callOpts = append(b.callOpts, opts...)
	return b
}

// Build 打开一条物理连接并返回会话。
// ctx 只约束建流阶段，其携带的值 ( 如 ContextWithSessionKey ) 对 picker 可见。
func (b *SessionBuilder) Build(ctx context.Context) (*Session, error) {
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := b.bufferSize
	if size <= 0 {
		size = defaultSubscribeBuffer
	}

	id := uuid.NewString()
	logger = logger.With(zap.String("session", id))

	conn, err := grpcx.Open(ctx, b.cc, logger, b.callOpts...)
	if err != nil {
		return nil, fmt.Errorf("[client] failed to open session: %w", err)
	}

	s := &Session{
		id:         id,
		conn:       conn,
		logger:     logger,
		bufferSize: size,
		onDataDrop: b.onDataDrop,
		joined:     make(map[int32]struct{}),
		subs:       make(map[int32][]chan []byte),
	}
	conn.AddPacketListener(s)
	go s.watch()
	return s, nil
}

var _ mux.PacketListener = (*Session)(nil)

// Session 是客户端的一条物理连接，在其上复用多个服务。
// 服务端按请求顺序应答，因此 listing 与 join 的等待者以 FIFO 队列匹配应答。
type Session struct {
	id     string
	conn   *grpcx.ClientConn
	logger *zap.Logger

	bufferSize int
	onDataDrop func(serviceID int32)

	// reqMu 保证 "入队等待者 + 发送请求" 的原子性。
	reqMu sync.Mutex

	mu          sync.Mutex
	closed      bool
	listWaiters []chan []int32
	joinWaiters []chan []int32
	joined      map[int32]struct{}
	subs        map[int32][]chan []byte
}

func (s *Session) ID() string {
	return s.id
}

// Done 在物理连接断开后关闭。
func (s *Session) Done() <-chan struct{} {
	return s.conn.Done()
}

// Alive 返回会话是否仍可用。
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// ListServices 查询服务端当前的服务 id 列表 ( 升序 )。
func (s *Session) ListServices(ctx context.Context) ([]int32, error) {
	ch, err := s.request(&protocol.ListingRequest{}, func() *[]chan []int32 { return &s.listWaiters })
	if err != nil {
		return nil, err
	}
	return s.await(ctx, ch)
}

// Join 请求加入指定服务，返回实际加入的服务 id。
// 服务端未创建的服务 id 被忽略，重复加入保持幂等。
func (s *Session) Join(ctx context.Context, ids ...int32) ([]int32, error) {
	ch, err := s.request(&protocol.Join{ServiceIDs: ids}, func() *[]chan []int32 { return &s.joinWaiters })
	if err != nil {
		return nil, err
	}

	return s.await(ctx, ch)
}

// IsJoined 返回本会话是否已加入指定服务。
func (s *Session) IsJoined(serviceID int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[serviceID]
	return ok
}

// Send 向已加入的服务发送数据。
func (s *Session) Send(serviceID int32, payload []byte) error {
	if !s.IsJoined(serviceID) {
		return fmt.Errorf("[client] %w: %d", ErrNotJoined, serviceID)
	}
	if err := s.conn.Send(&protocol.Data{ServiceID: serviceID, Payload: payload}); err != nil {
		return fmt.Errorf("[client] failed to send data to service %d: %w", serviceID, err)
	}
	return nil
}

// Subscribe 订阅指定服务下发的数据。
// channel 写满时新数据被丢弃并触发 OnDataDrop，会话关闭时 channel 被关闭。
func (s *Session) Subscribe(serviceID int32) <-chan []byte {
	ch := make(chan []byte, s.bufferSize)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		close(ch)
		return ch
	}
	s.subs[serviceID] = append(s.subs[serviceID], ch)
	return ch
}

// Close 关闭物理连接，所有等待中的请求返回 ErrSessionClosed。
func (s *Session) Close() error {
	err := s.conn.Close()
	s.shutdown()
	if err != nil {
		return fmt.Errorf("[client] %w", err)
	}
	return nil
}

func (s *Session) request(p protocol.Packet, queue func() *[]chan []int32) (chan []int32, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	// 缓冲为 1：等待者放弃后迟到的应答不会阻塞接收 goroutine。
	ch := make(chan []int32, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("[client] %w", ErrSessionClosed)
	}
	q := queue()
	*q = append(*q, ch)
	s.mu.Unlock()

	if err := s.conn.Send(p); err != nil {
		s.mu.Lock()
		// reqMu 持有期间队尾一定是刚入队的 ch。
		if n := len(*q); n > 0 && (*q)[n-1] == ch {
			*q = (*q)[:n-1]
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("[client] failed to send %s: %w", p.Kind(), err)
	}
	return ch, nil
}

func (s *Session) await(ctx context.Context, ch chan []int32) ([]int32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case ids, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("[client] %w", ErrSessionClosed)
		}
		return ids, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) PacketReceived(p protocol.Packet) {
	switch pkt := p.(type) {
	case *protocol.Listing:
		s.resolve(&s.listWaiters, pkt.ServiceIDs)
	case *protocol.JoinResponse:
		// 等待者放弃后服务端仍会加入，成员关系以应答为准。
		s.markJoined(pkt.Joined)
		s.resolve(&s.joinWaiters, pkt.Joined)
	case *protocol.Data:
		s.dispatch(pkt)
	default:
		s.logger.Debug("ignoring unexpected packet", zap.Stringer("kind", p.Kind()))
	}
}

func (s *Session) markJoined(ids []int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		s.joined[id] = struct{}{}
	}
}

func (s *Session) resolve(queue *[]chan []int32, ids []int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(*queue) == 0 {
		s.logger.Warn("received unsolicited response", zap.Int32s("service_ids", ids))
		return
	}
	ch := (*queue)[0]
	*queue = (*queue)[1:]
	ch <- slices.Clone(ids)
}

func (s *Session) dispatch(pkt *protocol.Data) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subs[pkt.ServiceID] {
		select {
		case ch <- pkt.Payload:
		default:
			s.logger.Debug("subscriber is slow, dropping data", zap.Int32("service_id", pkt.ServiceID))
			if s.onDataDrop != nil {
				s.onDataDrop(pkt.ServiceID)
			}
		}
	}
}

func (s *Session) watch() {
	<-s.conn.Done()
	if err := s.conn.Err(); err != nil {
		s.logger.Info("session connection ended", zap.Error(err))
	}
	s.shutdown()
}

func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	for _, ch := range s.listWaiters {
		close(ch)
	}
	for _, ch := range s.joinWaiters {
		close(ch)
	}
	s.listWaiters, s.joinWaiters = nil, nil

	for id, chs := range s.subs {
		for _, ch := range chs {
			close(ch)
		}
		delete(s.subs, id)
	}
}
