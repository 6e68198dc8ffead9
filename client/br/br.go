// Package br 提供面向多路复用 endpoint 的 gRPC picker。
//
// 一条 Session 即一条长连接的 Connect 流，picker 只在建流时生效一次，
// 因此这里的选择依据是会话意图 ( 准备加入的服务、亲和 key )，而不是单次请求负载。
package br

import (
	"errors"
	"slices"
	"strings"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/balancer/base"

	"github.com/jrmarcco/xmux/client"
)

const (
	RoundRobinName     = "xmux_round_robin"
	WeightedName       = "xmux_weighted"
	ConsistentHashName = "xmux_consistent_hash"
)

var (
	ErrNoEndpointForServices = errors.New("no ready endpoint hosts the requested services")
	ErrSessionKeyRequired    = errors.New("session key not found in context")
)

func init() {
	balancer.Register(NewRoundRobinBuilder())
	balancer.Register(NewWeightedBuilder())
	balancer.Register(NewConsistentHashBuilder())
}

// NewRoundRobinBuilder 返回按服务过滤的轮询 balancer.Builder。
func NewRoundRobinBuilder() balancer.Builder {
	return base.NewBalancerBuilder(RoundRobinName, &RoundRobinPickerBuilder{}, base.Config{HealthCheck: true})
}

// NewWeightedBuilder 返回按服务过滤的平滑加权轮询 balancer.Builder。
func NewWeightedBuilder() balancer.Builder {
	return base.NewBalancerBuilder(WeightedName, &WeightedPickerBuilder{}, base.Config{HealthCheck: true})
}

// NewConsistentHashBuilder 返回按会话 key 做一致性哈希的 balancer.Builder。
func NewConsistentHashBuilder() balancer.Builder {
	return base.NewBalancerBuilder(ConsistentHashName, NewCHPickerBuilder(), base.Config{HealthCheck: true})
}

// node 是一个就绪 endpoint 的快照。
type node struct {
	sc         balancer.SubConn
	addr       string
	serviceIDs client.ServiceIDs
	// hasTable 为 false 表示地址未携带服务表 ( 例如直连地址 )，此时不做过滤。
	hasTable bool
	weight   uint32
}

func (n node) hosts(ids []int32) bool {
	return !n.hasTable || n.serviceIDs.Hosts(ids...)
}

// readyNodes 提取就绪 SubConn，忽略空地址，并按地址排序保证选择稳定。
func readyNodes(info base.PickerBuildInfo) []node {
	nodes := make([]node, 0, len(info.ReadySCs))
	for sc, scInfo := range info.ReadySCs {
		addr := scInfo.Address.Addr
		if addr == "" {
			continue
		}

		n := node{sc: sc, addr: addr}
		if attrs := scInfo.Address.Attributes; attrs != nil {
			n.serviceIDs, n.hasTable = attrs.Value(client.AttrNameServiceIDs).(client.ServiceIDs)
			n.weight, _ = attrs.Value(client.AttrNameWeight).(uint32)
		}
		nodes = append(nodes, n)
	}

	slices.SortFunc(nodes, func(a, b node) int {
		return strings.Compare(a.addr, b.addr)
	})
	return nodes
}

func pickResult(sc balancer.SubConn) balancer.PickResult {
	return balancer.PickResult{
		SubConn: sc,
		Done:    func(_ balancer.DoneInfo) {},
	}
}
