package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jrmarcco/jit/xsync"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/resolver"
)

var (
	ErrManagerClosed             = errors.New("client manager is closed")
	ErrResolverBuilderRequired   = errors.New("resolver builder is required")
	ErrTransportSecurityRequired = errors.New("transport security is required")
	ErrInvalidConnectTimeout     = errors.New("connect timeout must be >= 0")
)

// ManagerBuilder 是会话管理器 builder。
type ManagerBuilder struct {
	rb resolver.Builder
	bb balancer.Builder

	insecure       bool
	transportCreds credentials.TransportCredentials

	keepaliveParams keepalive.ClientParameters

	dialOptions    []grpc.DialOption
	connectTimeout time.Duration

	logger          *zap.Logger
	subscribeBuffer int
	onDataDrop      func(name string, serviceID int32)
}

func NewManagerBuilder(rb resolver.Builder, bb balancer.Builder) *ManagerBuilder {
	const defaultPingTimeout = 10 * time.Second
	return &ManagerBuilder{
		rb: rb,
		bb: bb,
		keepaliveParams: keepalive.ClientParameters{
			Time:                time.Minute,
			Timeout:             defaultPingTimeout,
			PermitWithoutStream: true,
		},
	}
}

func (b *ManagerBuilder) Insecure() *ManagerBuilder {
	b.insecure = true
	b.transportCreds = nil
	return b
}

func (b *ManagerBuilder) TransportCredentials(creds credentials.TransportCredentials) *ManagerBuilder {
	b.transportCreds = creds
	if creds != nil {
		b.insecure = false
	}
	return b
}

func (b *ManagerBuilder) KeepAlive(params keepalive.ClientParameters) *ManagerBuilder {
	b.keepaliveParams = params
	return b
}

// DialOptions 允许注入额外 grpc.DialOption ( 例如 tracing/metrics 拦截器 )。
func (b *ManagerBuilder) DialOptions(opts ...grpc.DialOption) *ManagerBuilder {
	b.dialOptions = append(b.dialOptions, opts...)
	return b
}

// ConnectTimeout 开启首连等待 ( <=0 表示沿用 gRPC 默认异步建连行为 )。
func (b *ManagerBuilder) ConnectTimeout(timeout time.Duration) *ManagerBuilder {
	b.connectTimeout = timeout
	return b
}

func (b *ManagerBuilder) Logger(logger *zap.Logger) *ManagerBuilder {
	b.logger = logger
	return b
}

// SubscribeBuffer 设置会话订阅 channel 的缓冲大小。
func (b *ManagerBuilder) SubscribeBuffer(size int) *ManagerBuilder {
	b.subscribeBuffer = size
	return b
}

// OnDataDrop 设置订阅数据被丢弃时的回调。
func (b *ManagerBuilder) OnDataDrop(fn func(name string, serviceID int32)) *ManagerBuilder {
	b.onDataDrop = fn
	return b
}

func (b *ManagerBuilder) Build() *Manager {
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		sg: &singleflight.Group{},

		rb: b.rb,
		bb: b.bb,

		insecure:       b.insecure,
		transportCreds: b.transportCreds,

		keepaliveParams: b.keepaliveParams,

		dialOptions:    append([]grpc.DialOption(nil), b.dialOptions...),
		connectTimeout: b.connectTimeout,

		logger:          logger,
		subscribeBuffer: b.subscribeBuffer,
		onDataDrop:      b.onDataDrop,
	}
	m.configErr = m.validateConfig()
	return m
}

type sessionEntry struct {
	cc      *grpc.ClientConn
	session atomic.Pointer[Session]
}

// Manager 按 endpoint 名缓存会话。
// 目标是“懒加载 + 连接复用 + 断线重建 + 可统一关闭”。
type Manager struct {
	sg *singleflight.Group

	entries xsync.Map[string, *sessionEntry]

	rb resolver.Builder
	bb balancer.Builder

	insecure       bool
	transportCreds credentials.TransportCredentials

	keepaliveParams keepalive.ClientParameters

	dialOptions    []grpc.DialOption
	connectTimeout time.Duration

	logger          *zap.Logger
	subscribeBuffer int
	onDataDrop      func(name string, serviceID int32)

	// closed 标记管理器是否已进入关闭态 ( CloseAll 后不再允许 Get )。
	closed    atomic.Bool
	configErr error
}

// Get 获取指定 endpoint 的会话，会话已断开时在原有 ClientConn 上重建。
// ctx 携带的值 ( ContextWithSessionKey、ContextWithServiceIDs ) 在建流时交给 picker。
func (m *Manager) Get(ctx context.Context, name string) (*Session, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("[client-manager] %w", ErrManagerClosed)
	}
	if err := m.configErr; err != nil {
		return nil, err
	}

	if s := m.alive(name); s != nil {
		return s, nil
	}

	val, err, _ := m.sg.Do(name, func() (any, error) {
		if s := m.alive(name); s != nil {
			return s, nil
		}

		entry, ok := m.entries.Load(name)
		if !ok {
			cc, err := m.dial(name)
			if err != nil {
				return nil, fmt.Errorf("[client-manager] failed to create grpc client connection for %s: %w", name, err)
			}
			entry = &sessionEntry{cc: cc}
		}

		s, err := m.newSession(ctx, name, entry.cc)
		if err != nil {
			if !ok {
				_ = entry.cc.Close()
			}
			return nil, err
		}

		if m.closed.Load() {
			_ = s.Close()
			_ = entry.cc.Close()
			return nil, fmt.Errorf("[client-manager] %w", ErrManagerClosed)
		}

		if old := entry.session.Swap(s); old != nil {
			m.logger.Info("session recreated", zap.String("endpoint", name), zap.String("old", old.ID()), zap.String("new", s.ID()))
		}
		m.entries.Store(name, entry)
		return s, nil
	})
	if err != nil {
		return nil, err
	}

	s, ok := val.(*Session)
	if !ok {
		return nil, fmt.Errorf("[client-manager] failed to convert cached entry to expected type")
	}
	return s, nil
}

func (m *Manager) alive(name string) *Session {
	entry, ok := m.entries.Load(name)
	if !ok {
		return nil
	}
	if s := entry.session.Load(); s != nil && s.Alive() {
		return s
	}
	return nil
}

func (m *Manager) newSession(ctx context.Context, name string, cc *grpc.ClientConn) (*Session, error) {
	b := NewSessionBuilder(cc).
		Logger(m.logger.With(zap.String("endpoint", name))).
		BufferSize(m.subscribeBuffer)
	if fn := m.onDataDrop; fn != nil {
		b.OnDataDrop(func(serviceID int32) { fn(name, serviceID) })
	}
	return b.Build(ctx)
}

// dial 为指定 endpoint 创建 ClientConn。
func (m *Manager) dial(name string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithResolvers(m.rb),
		grpc.WithNoProxy(),
		grpc.WithKeepaliveParams(m.keepaliveParams),
	}

	if m.transportCreds != nil {
		opts = append(opts, grpc.WithTransportCredentials(m.transportCreds))
	} else if m.insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if m.bb != nil {
		opts = append(opts, grpc.WithDefaultServiceConfig(
			fmt.Sprintf(`{"loadBalancingPolicy": %q}`, m.bb.Name()),
		))
	}
	if len(m.dialOptions) > 0 {
		opts = append(opts, m.dialOptions...)
	}

	addr := fmt.Sprintf("%s:///%s", m.rb.Scheme(), name)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}

	if m.connectTimeout > 0 {
		if err := waitForReady(cc, m.connectTimeout); err != nil {
			_ = cc.Close()
			return nil, fmt.Errorf("[client-manager] failed to connect to %s within %s: %w", name, m.connectTimeout, err)
		}
	}
	return cc, nil
}

func (m *Manager) validateConfig() error {
	if m.rb == nil {
		return fmt.Errorf("[client-manager] %w", ErrResolverBuilderRequired)
	}
	if !m.insecure && m.transportCreds == nil {
		return fmt.Errorf("[client-manager] %w: call Insecure() or TransportCredentials()", ErrTransportSecurityRequired)
	}
	if m.connectTimeout < 0 {
		return fmt.Errorf("[client-manager] %w", ErrInvalidConnectTimeout)
	}
	return nil
}

// Close 关闭指定 endpoint 的会话与连接。
func (m *Manager) Close(name string) error {
	entry, ok := m.entries.LoadAndDelete(name)
	if !ok {
		return nil
	}
	return entry.close()
}

// CloseAll 关闭所有会话与连接。
func (m *Manager) CloseAll() error {
	m.closed.Store(true)

	var errs []error
	m.entries.Range(func(name string, entry *sessionEntry) bool {
		if err := entry.close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", name, err))
		}
		m.entries.Delete(name)
		return true
	})

	if len(errs) > 0 {
		return fmt.Errorf("[client-manager] errors closing sessions: %w", errors.Join(errs...))
	}
	return nil
}

func (e *sessionEntry) close() error {
	var errs []error
	if s := e.session.Load(); s != nil {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.cc.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func waitForReady(cc *grpc.ClientConn, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cc.Connect()
	for {
		state := cc.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle, connectivity.Connecting, connectivity.TransientFailure:
		case connectivity.Shutdown:
			return fmt.Errorf("[client-manager] connection is shutdown")
		default:
			return fmt.Errorf("[client-manager] unexpected connection state: %v", state)
		}
		if !cc.WaitForStateChange(ctx, state) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("[client-manager] connection state did not change")
		}
	}
}
