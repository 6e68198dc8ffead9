package client

import (
	"context"
	"slices"
)

// resolver 写入 address attributes 时使用的 key。
const (
	AttrNameServiceIDs = "attr_service_ids"
	AttrNameWeight     = "attr_weight"
	AttrNameGroup      = "attr_group"
)

type contextKeySessionKey struct{}

// ContextWithSessionKey 在 context.Context 内写入会话亲和 key。
// 一致性哈希 picker 以该 key 选择 endpoint，相同 key 的会话落在同一节点。
func ContextWithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, contextKeySessionKey{}, key)
}

// ContextSessionKey 从 context.Context 获取会话亲和 key。
func ContextSessionKey(ctx context.Context) (string, bool) {
	val := ctx.Value(contextKeySessionKey{})
	key, ok := val.(string)
	return key, ok
}

type contextKeyServiceIDs struct{}

// ContextWithServiceIDs 在 context.Context 内写入会话准备加入的服务 id。
func ContextWithServiceIDs(ctx context.Context, ids ...int32) context.Context {
	return context.WithValue(ctx, contextKeyServiceIDs{}, slices.Clone(ids))
}

// ContextServiceIDs 从 context.Context 获取会话准备加入的服务 id。
func ContextServiceIDs(ctx context.Context) ([]int32, bool) {
	val := ctx.Value(contextKeyServiceIDs{})
	ids, ok := val.([]int32)
	return ids, ok && len(ids) > 0
}

// ServiceIDs 是写入 address attributes 的服务 id 集合。
// attributes 比较时要求值可比较，因此以 Equal 方法代替切片比较。
type ServiceIDs []int32

func (s ServiceIDs) Equal(o any) bool {
	other, ok := o.(ServiceIDs)
	return ok && slices.Equal(s, other)
}

// Hosts 返回集合是否包含全部给定服务 id。
func (s ServiceIDs) Hosts(ids ...int32) bool {
	for _, id := range ids {
		if !slices.Contains(s, id) {
			return false
		}
	}
	return true
}
