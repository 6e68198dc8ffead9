package br

import (
	"fmt"
	"sync/atomic"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/balancer/base"

	"github.com/jrmarcco/xmux/client"
)

var _ base.PickerBuilder = (*RoundRobinPickerBuilder)(nil)

// RoundRobinPickerBuilder 每次构建独立的 picker，可被多个 ClientConn 共享。
type RoundRobinPickerBuilder struct{}

func (b *RoundRobinPickerBuilder) Build(info base.PickerBuildInfo) balancer.Picker {
	nodes := readyNodes(info)
	if len(nodes) == 0 {
		return base.NewErrPicker(balancer.ErrNoSubConnAvailable)
	}
	return &RoundRobinPicker{nodes: nodes}
}

var _ balancer.Picker = (*RoundRobinPicker)(nil)

// RoundRobinPicker 在承载 context 内全部服务的 endpoint 间轮询。
type RoundRobinPicker struct {
	nodes []node
	index atomic.Uint64
}

func (p *RoundRobinPicker) Pick(info balancer.PickInfo) (balancer.PickResult, error) {
	var ids []int32
	if info.Ctx != nil {
		ids, _ = client.ContextServiceIDs(info.Ctx)
	}

	// index - 1 让首次选择从 0 开始。
	start := p.index.Add(1) - 1
	n := uint64(len(p.nodes))
	for i := range n {
		candidate := p.nodes[(start+i)%n]
		if candidate.hosts(ids) {
			return pickResult(candidate.sc), nil
		}
	}
	return balancer.PickResult{}, fmt.Errorf("[round-robin-picker] %w: %v", ErrNoEndpointForServices, ids)
}
