package br

import (
	"cmp"
	"fmt"
	"slices"
	"sort"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/balancer/base"

	"github.com/jrmarcco/xmux/client"
)

const defaultVirtualNodeCnt = 100

var _ base.PickerBuilder = (*CHPickerBuilder)(nil)

type CHPickerBuilder struct {
	virtualNodeCnt int // 每个 endpoint 的虚拟节点数量
}

func NewCHPickerBuilder() *CHPickerBuilder {
	return &CHPickerBuilder{
		virtualNodeCnt: defaultVirtualNodeCnt,
	}
}

// VirtualNodeCnt 设置虚拟节点数量，需在注册 balancer 之前调用。
func (b *CHPickerBuilder) VirtualNodeCnt(cnt int) *CHPickerBuilder {
	b.virtualNodeCnt = cnt
	return b
}

func (b *CHPickerBuilder) Build(info base.PickerBuildInfo) balancer.Picker {
	if b.virtualNodeCnt <= 0 {
		return base.NewErrPicker(fmt.Errorf("[consistent-hash-picker] virtual node count must be greater than 0"))
	}

	nodes := readyNodes(info)
	if len(nodes) == 0 {
		return base.NewErrPicker(balancer.ErrNoSubConnAvailable)
	}

	// 为每个 endpoint 创建多个虚拟节点，让会话在 endpoint 间均匀分布。
	//
	// 假设 3 个 endpoint 直接哈希后落在：
	// 	s1: hash=100
	// 	s2: hash=200
	// 	s3: hash=300
	// 则 (300, 100] 区间全部落到 s1，分布严重不均。
	// 每个 endpoint 100 个虚拟节点后，环上为 s1 - s2 - s3 - s1 - ... 交错排列。
	p := &CHPicker{
		ring: make([]vnode, 0, b.virtualNodeCnt*len(nodes)),
		scs:  make(map[string]balancer.SubConn, len(nodes)),
	}
	for _, n := range nodes {
		p.scs[n.addr] = n.sc
		for i := range b.virtualNodeCnt {
			p.ring = append(p.ring, vnode{
				hash: hash(fmt.Sprintf("%s#%d", n.addr, i)),
				addr: n.addr,
			})
		}
	}
	slices.SortFunc(p.ring, func(a, b vnode) int {
		return cmp.Compare(a.hash, b.hash)
	})
	return p
}

type vnode struct {
	hash uint32
	addr string
}

var _ balancer.Picker = (*CHPicker)(nil)

// CHPicker 以会话 key 在哈希环上选择 endpoint，相同 key 的会话落在同一 endpoint。
type CHPicker struct {
	ring []vnode
	scs  map[string]balancer.SubConn
}

func (p *CHPicker) Pick(info balancer.PickInfo) (balancer.PickResult, error) {
	if info.Ctx == nil {
		return balancer.PickResult{}, fmt.Errorf("[consistent-hash-picker] %w", ErrSessionKeyRequired)
	}
	key, ok := client.ContextSessionKey(info.Ctx)
	if !ok {
		return balancer.PickResult{}, fmt.Errorf("[consistent-hash-picker] %w", ErrSessionKeyRequired)
	}

	addr := p.lookup(hash(key))
	return pickResult(p.scs[addr]), nil
}

// lookup 返回第一个 hash 值大于等于 h 的虚拟节点，越过环尾则回到环首。
func (p *CHPicker) lookup(h uint32) string {
	index := sort.Search(len(p.ring), func(i int) bool {
		return p.ring[i].hash >= h
	})
	if index >= len(p.ring) {
		index = 0
	}
	return p.ring[index].addr
}

// hash 取 xxhash 低 32 位。
func hash(src string) uint32 {
	return uint32(xxhash.Sum64String(src))
}
