package br

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/balancer/base"

	"github.com/jrmarcco/xmux/client"
)

// defaultWeight 用于未携带权重 ( 或权重为 0 ) 的 endpoint。
const defaultWeight = 1

var _ base.PickerBuilder = (*WeightedPickerBuilder)(nil)

type WeightedPickerBuilder struct{}

func (b *WeightedPickerBuilder) Build(info base.PickerBuildInfo) balancer.Picker {
	nodes := readyNodes(info)
	if len(nodes) == 0 {
		return base.NewErrPicker(balancer.ErrNoSubConnAvailable)
	}

	p := &WeightedPicker{
		nodes:   nodes,
		current: make([]int64, len(nodes)),
	}
	for i := range p.nodes {
		if p.nodes[i].weight == 0 {
			p.nodes[i].weight = defaultWeight
		}
	}
	return p
}

var _ balancer.Picker = (*WeightedPicker)(nil)

// WeightedPicker 是平滑加权轮询 ( nginx swrr )，只在承载 context 内全部服务的 endpoint 间选择。
type WeightedPicker struct {
	mu      sync.Mutex
	nodes   []node
	current []int64
}

func (p *WeightedPicker) Pick(info balancer.PickInfo) (balancer.PickResult, error) {
	var ids []int32
	if info.Ctx != nil {
		ids, _ = client.ContextServiceIDs(info.Ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var total int64
	selected := -1
	for i, n := range p.nodes {
		if !n.hosts(ids) {
			continue
		}

		w := int64(n.weight)
		total += w
		p.current[i] += w
		if selected == -1 || p.current[i] > p.current[selected] {
			selected = i
		}
	}

	if selected == -1 {
		return balancer.PickResult{}, fmt.Errorf("[weighted-picker] %w: %v", ErrNoEndpointForServices, ids)
	}

	p.current[selected] -= total
	return pickResult(p.nodes[selected].sc), nil
}
