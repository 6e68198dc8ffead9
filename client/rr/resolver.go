package rr

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/attributes"
	"google.golang.org/grpc/resolver"

	"github.com/jrmarcco/xmux/client"
	"github.com/jrmarcco/xmux/register"
)

// Scheme 是 resolver 注册的 scheme，目标地址形如 xmux:///{endpoint}。
const Scheme = "xmux"

var _ resolver.Builder = (*ResolverBuilder)(nil)

type ResolverBuilder struct {
	registry register.Registry
	timeout  time.Duration
	logger   *zap.Logger

	onResolveError   func(name string, err error)
	onResolveUpdated func(name string, instanceCount int)
}

func NewResolverBuilder(registry register.Registry, timeout time.Duration) *ResolverBuilder {
	return &ResolverBuilder{
		registry: registry,
		timeout:  timeout,
	}
}

func (b *ResolverBuilder) Logger(logger *zap.Logger) *ResolverBuilder {
	b.logger = logger
	return b
}

// OnResolveError 设置解析失败回调。
func (b *ResolverBuilder) OnResolveError(fn func(name string, err error)) *ResolverBuilder {
	b.onResolveError = fn
	return b
}

// OnResolveUpdated 设置解析结果更新回调 ( 去重后的有效更新才会触发 )。
func (b *ResolverBuilder) OnResolveUpdated(fn func(name string, instanceCount int)) *ResolverBuilder {
	b.onResolveUpdated = fn
	return b
}

func (b *ResolverBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	r := &Resolver{
		registry:    b.registry,
		timeout:     b.timeout,
		logger:      logger,
		target:      target,
		cc:          cc,
		watchCtx:    watchCtx,
		watchCancel: watchCancel,

		onResolveError:   b.onResolveError,
		onResolveUpdated: b.onResolveUpdated,
	}

	r.resolve()
	go r.watch()
	return r, nil
}

func (b *ResolverBuilder) Scheme() string {
	return Scheme
}

var _ resolver.Resolver = (*Resolver)(nil)

// Resolver 从注册中心全量解析 endpoint 下的实例。
type Resolver struct {
	registry register.Registry
	timeout  time.Duration
	logger   *zap.Logger

	target resolver.Target
	cc     resolver.ClientConn

	// watchCtx 在 Close 时取消，用于结束 watch 与进行中的解析。
	watchCtx    context.Context
	watchCancel context.CancelFunc

	// mu 串行化 resolve，并保护 last。
	mu   sync.Mutex
	last []register.ServiceInstance

	onResolveError   func(name string, err error)
	onResolveUpdated func(name string, instanceCount int)
}

// resolve 全量解析实例，实例集合未变化时不重复更新。
func (r *Resolver) resolve() {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := r.endpoint()

	ctx, cancel := context.WithTimeout(r.watchCtx, r.timeout)
	instances, err := r.registry.ListServices(ctx, name)
	cancel()

	if err != nil {
		// Close 导致的取消不是解析失败。
		if r.watchCtx.Err() != nil && errors.Is(err, context.Canceled) {
			return
		}
		r.reportError(name, fmt.Errorf("[resolver] failed to list instances of %s: %w", name, err))
		return
	}

	instances = normalize(instances)
	if r.last != nil && slices.EqualFunc(r.last, instances, sameInstance) {
		return
	}

	addrs := make([]resolver.Address, 0, len(instances))
	for _, inst := range instances {
		addrs = append(addrs, resolver.Address{
			Addr:       inst.Addr,
			ServerName: inst.Name,
			Attributes: attributes.New(client.AttrNameServiceIDs, client.ServiceIDs(inst.ServiceIDs)).
				WithValue(client.AttrNameWeight, inst.Weight).
				WithValue(client.AttrNameGroup, inst.Group),
		})
	}

	if err = r.cc.UpdateState(resolver.State{Addresses: addrs}); err != nil {
		r.reportError(name, fmt.Errorf("[resolver] failed to update state of %s: %w", name, err))
		return
	}

	r.last = instances
	r.logger.Debug("resolved endpoint", zap.String("endpoint", name), zap.Int("instances", len(instances)))
	if r.onResolveUpdated != nil {
		r.onResolveUpdated(name, len(instances))
	}
}

func (r *Resolver) reportError(name string, err error) {
	r.logger.Warn("resolve failed", zap.String("endpoint", name), zap.Error(err))
	r.cc.ReportError(err)
	if r.onResolveError != nil {
		r.onResolveError(name, err)
	}
}

// endpoint 返回目标 endpoint 名，xmux://{host} 形式的目标回退到 host。
func (r *Resolver) endpoint() string {
	if ep := r.target.Endpoint(); ep != "" {
		return ep
	}
	return r.target.URL.Host
}

// watch 监听注册中心变化并重新全量解析。
// grpc 无法单独更新某个地址，因此每次变更都是全量解析。
func (r *Resolver) watch() {
	events := r.registry.Subscribe(r.endpoint())
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
			r.resolve()
		case <-r.watchCtx.Done():
			return
		}
	}
}

func (r *Resolver) ResolveNow(_ resolver.ResolveNowOptions) {
	r.resolve()
}

func (r *Resolver) Close() {
	r.watchCancel()
}

// normalize 返回按地址排序的副本，服务 id 同样排序。
func normalize(instances []register.ServiceInstance) []register.ServiceInstance {
	res := make([]register.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		inst.ServiceIDs = slices.Clone(inst.ServiceIDs)
		slices.Sort(inst.ServiceIDs)
		res = append(res, inst)
	}
	slices.SortFunc(res, func(a, b register.ServiceInstance) int {
		return strings.Compare(a.Addr, b.Addr)
	})
	return res
}

func sameInstance(a, b register.ServiceInstance) bool {
	return a.Name == b.Name &&
		a.Addr == b.Addr &&
		a.Group == b.Group &&
		a.Weight == b.Weight &&
		slices.Equal(a.ServiceIDs, b.ServiceIDs)
}
