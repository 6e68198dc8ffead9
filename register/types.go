package register

import (
	"context"
	"io"
	"slices"
)

// Registry 是 endpoint 注册器，用于多路复用服务端的注册发现。
type Registry interface {
	// 注册 endpoint 实例。
	Register(ctx context.Context, si ServiceInstance) error

	// 注销 endpoint 实例。
	Unregister(ctx context.Context, si ServiceInstance) error

	// 获取 endpoint 下的实例列表。
	ListServices(ctx context.Context, name string) ([]ServiceInstance, error)

	// 订阅 endpoint 实例变更。
	Subscribe(name string) <-chan struct{}

	io.Closer
}

// ServiceInstance 是一个多路复用服务端实例。
type ServiceInstance struct {
	Name       string  `json:"name"`                  // endpoint ( 集群 ) 名
	Addr       string  `json:"addr"`                  // 监听地址
	Group      string  `json:"group,omitempty"`       // 分组信息 ( 可选 )
	ServiceIDs []int32 `json:"service_ids,omitempty"` // 实例承载的服务 id ( 升序 )
	Weight     uint32  `json:"weight,omitempty"`      // 权重
}

// Hosts 返回实例是否承载全部给定服务。
func (si ServiceInstance) Hosts(ids ...int32) bool {
	for _, id := range ids {
		if !slices.Contains(si.ServiceIDs, id) {
			return false
		}
	}
	return true
}
