package register

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var ErrAnnouncerWithdrawn = errors.New("announcer is withdrawn")

// Announcer 让一个多路复用服务端实例在注册中心中的记录与其服务表保持一致。
type Announcer struct {
	registry Registry

	mu        sync.Mutex
	instance  ServiceInstance
	announced bool
	withdrawn bool
}

// NewAnnouncer 创建 Announcer，instance 的 ServiceIDs 会在 Announce 时被覆盖。
func NewAnnouncer(registry Registry, instance ServiceInstance) *Announcer {
	return &Announcer{
		registry: registry,
		instance: instance,
	}
}

// Announce 以给定服务 id 注册 ( 或刷新 ) 实例。
// 服务 id 与上次一致时不重复写入。
func (a *Announcer) Announce(ctx context.Context, ids []int32) error {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.withdrawn {
		return fmt.Errorf("[announcer] %w", ErrAnnouncerWithdrawn)
	}
	if a.announced && slices.Equal(a.instance.ServiceIDs, ids) {
		return nil
	}

	si := a.instance
	si.ServiceIDs = ids
	if err := a.registry.Register(ctx, si); err != nil {
		return fmt.Errorf("[announcer] failed to announce %s/%s: %w", si.Name, si.Addr, err)
	}
	a.instance = si
	a.announced = true
	return nil
}

// Withdraw 注销实例，之后的 Announce 返回 ErrAnnouncerWithdrawn。
func (a *Announcer) Withdraw(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.withdrawn {
		return nil
	}
	a.withdrawn = true

	if !a.announced {
		return nil
	}
	if err := a.registry.Unregister(ctx, a.instance); err != nil {
		return fmt.Errorf("[announcer] failed to withdraw %s/%s: %w", a.instance.Name, a.instance.Addr, err)
	}
	return nil
}

// Instance 返回最近一次成功注册的实例。
func (a *Announcer) Instance() (ServiceInstance, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	si := a.instance
	si.ServiceIDs = slices.Clone(si.ServiceIDs)
	return si, a.announced
}
