package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/jrmarcco/xmux/internal/errs"
	"github.com/jrmarcco/xmux/register"
)

type Builder struct {
	etcdClient *clientv3.Client
	logger     *zap.Logger

	// keyPrefix 是 etcd 中 endpoint 注册目录的根前缀。
	//
	// endpoint 目录： /{keyPrefix}/{name}
	// 实例：         /{keyPrefix}/{name}/{addr}
	keyPrefix string

	// 租约 ttl ( 默认 30s )。
	// 实例 key 绑定在租约上，进程异常退出后 ttl 内自动摘除。
	leaseTTL int

	// 可选观测回调 ( 默认 nil，不影响核心流程 )。
	onWatchError      func(name string, err error)
	onWatchNotifyDrop func(name string)
	onListDecodeError func(name, key string, err error)
}

func NewBuilder(etcdClient *clientv3.Client) *Builder {
	return &Builder{
		etcdClient: etcdClient,
		keyPrefix:  "xmux",
		leaseTTL:   30,
	}
}

func (b *Builder) Logger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// LeaseTTL 设置租约 ttl ( 单位为秒 )。
func (b *Builder) LeaseTTL(ttl int) *Builder {
	b.leaseTTL = ttl
	return b
}

// KeyPrefix 设置注册 key 前缀。
func (b *Builder) KeyPrefix(keyPrefix string) *Builder {
	b.keyPrefix = keyPrefix
	return b
}

// OnWatchError 设置 watch 异常回调。
func (b *Builder) OnWatchError(fn func(name string, err error)) *Builder {
	b.onWatchError = fn
	return b
}

// OnWatchNotifyDrop 设置通知被合并 ( 丢弃 ) 回调。
func (b *Builder) OnWatchNotifyDrop(fn func(name string)) *Builder {
	b.onWatchNotifyDrop = fn
	return b
}

// OnListDecodeError 设置实例解码失败回调，解码失败的实例会被跳过。
func (b *Builder) OnListDecodeError(fn func(name, key string, err error)) *Builder {
	b.onListDecodeError = fn
	return b
}

// Build 构建注册器。
func (b *Builder) Build() (*Registry, error) {
	if b.leaseTTL <= 0 {
		return nil, errs.ErrInvalidEtcdLeaseTTL
	}

	keyPrefix := strings.Trim(strings.TrimSpace(b.keyPrefix), "/")
	if keyPrefix == "" {
		return nil, errs.ErrInvalidEtcdKeyPrefix
	}

	session, err := concurrency.NewSession(b.etcdClient, concurrency.WithTTL(b.leaseTTL))
	if err != nil {
		return nil, fmt.Errorf("[etcd-registry] failed to create lease session: %w", err)
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		keyPrefix: keyPrefix,
		logger:    logger,

		etcdClient:  b.etcdClient,
		etcdSession: session,

		watchCancel: make(map[uint64]context.CancelFunc),

		onWatchError:      b.onWatchError,
		onWatchNotifyDrop: b.onWatchNotifyDrop,
		onListDecodeError: b.onListDecodeError,
	}, nil
}

var _ register.Registry = (*Registry)(nil)

type Registry struct {
	mu sync.Mutex

	keyPrefix string
	logger    *zap.Logger

	etcdClient *clientv3.Client
	// etcdSession 承载租约续约，Register 写入的 key 绑定在该 lease 上。
	etcdSession *concurrency.Session

	nextWatchID uint64
	watchCancel map[uint64]context.CancelFunc
	closed      bool

	onWatchError      func(name string, err error)
	onWatchNotifyDrop func(name string)
	onListDecodeError func(name, key string, err error)
}

// Register 注册实例，重复注册会覆盖同地址的旧值。
func (r *Registry) Register(ctx context.Context, si register.ServiceInstance) error {
	if err := validate(si); err != nil {
		return err
	}

	val, err := json.Marshal(si)
	if err != nil {
		return fmt.Errorf("[etcd-registry] failed to encode instance: %w", err)
	}

	if _, err = r.etcdClient.Put(ctx, r.instanceKey(si), string(val), clientv3.WithLease(r.etcdSession.Lease())); err != nil {
		return fmt.Errorf("[etcd-registry] failed to register %s/%s: %w", si.Name, si.Addr, err)
	}
	return nil
}

func (r *Registry) Unregister(ctx context.Context, si register.ServiceInstance) error {
	if err := validate(si); err != nil {
		return err
	}

	if _, err := r.etcdClient.Delete(ctx, r.instanceKey(si)); err != nil {
		return fmt.Errorf("[etcd-registry] failed to unregister %s/%s: %w", si.Name, si.Addr, err)
	}
	return nil
}

// ListServices 列出 endpoint 下的实例。
// 无法解码的实例会被跳过并通过 OnListDecodeError 上报，不影响其余实例。
func (r *Registry) ListServices(ctx context.Context, name string) ([]register.ServiceInstance, error) {
	if !isValidName(name) {
		return nil, errs.ErrInvalidEndpointName
	}

	// 末尾的 "/" 避免 "svc" 前缀匹配到 "svc-2" 目录。
	resp, err := r.etcdClient.Get(ctx, r.endpointKey(name)+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("[etcd-registry] failed to list %s: %w", name, err)
	}

	res := make([]register.ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var si register.ServiceInstance
		if err := json.Unmarshal(kv.Value, &si); err != nil {
			r.logger.Warn("skipping undecodable instance", zap.String("key", string(kv.Key)), zap.Error(err))
			if r.onListDecodeError != nil {
				r.onListDecodeError(name, string(kv.Key), err)
			}
			continue
		}
		res = append(res, si)
	}
	return res, nil
}

// Subscribe 订阅 endpoint 实例变更。
func (r *Registry) Subscribe(name string) <-chan struct{} {
	return r.SubscribeWithContext(context.Background(), name)
}

// SubscribeWithContext 允许调用方通过 ctx 控制订阅生命周期。
// 连续的变更会被合并为一次通知，订阅结束时 channel 被关闭。
func (r *Registry) SubscribeWithContext(ctx context.Context, name string) <-chan struct{} {
	if !isValidName(name) {
		// Subscribe 不返回 error，已关闭的 channel 让调用方立即感知订阅不可用。
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	watchCtx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	watchID := r.nextWatchID
	r.nextWatchID++
	r.watchCancel[watchID] = cancel
	r.mu.Unlock()

	watchChan := r.etcdClient.Watch(watchCtx, r.endpointKey(name)+"/", clientv3.WithPrefix())

	ch := make(chan struct{}, 1)
	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.watchCancel, watchID)
			r.mu.Unlock()
			cancel()
			close(ch)
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case resp, ok := <-watchChan:
				if !ok {
					return
				}
				if err := resp.Err(); err != nil {
					r.logger.Warn("etcd watch failed", zap.String("endpoint", name), zap.Error(err))
					if r.onWatchError != nil {
						r.onWatchError(name, err)
					}
					continue
				}
				if resp.Canceled {
					return
				}

				select {
				case ch <- struct{}{}:
				default:
					if r.onWatchNotifyDrop != nil {
						r.onWatchNotifyDrop(name)
					}
				}
			}
		}
	}()
	return ch
}

func (r *Registry) endpointKey(name string) string {
	return fmt.Sprintf("/%s/%s", r.keyPrefix, name)
}

func (r *Registry) instanceKey(si register.ServiceInstance) string {
	return fmt.Sprintf("/%s/%s/%s", r.keyPrefix, si.Name, si.Addr)
}

func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}

	r.closed = true
	cancels := make([]context.CancelFunc, 0, len(r.watchCancel))
	for _, cancel := range r.watchCancel {
		cancels = append(cancels, cancel)
	}
	r.watchCancel = nil
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return r.etcdSession.Close()
}

func validate(si register.ServiceInstance) error {
	if !isValidName(si.Name) {
		return errs.ErrInvalidEndpointName
	}
	if !isValidName(si.Addr) {
		return errs.ErrInvalidEndpointAddr
	}
	return nil
}

// isValidName 约束 key 片段非空且不含 "/"，避免污染层级路径。
func isValidName(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && !strings.Contains(s, "/")
}
