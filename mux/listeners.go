package mux

import (
	"reflect"
	"sync"
)

// listenerSet 是并发安全的监听器集合，零值可用。
// 回调时遍历快照，监听器可以在回调内增删监听器。
// 监听器以动态值作为 map key，不可比较的值 ( 含 func/map/slice 字段的结构体 ) 会被拒绝。
type listenerSet[L comparable] struct {
	mu  sync.RWMutex
	set map[L]struct{}
}

func (s *listenerSet[L]) add(l L) bool {
	if !hashable(l) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.set[l]; ok {
		return false
	}
	if s.set == nil {
		s.set = make(map[L]struct{})
	}
	s.set[l] = struct{}{}
	return true
}

func (s *listenerSet[L]) remove(l L) bool {
	if !hashable(l) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.set[l]; !ok {
		return false
	}
	delete(s.set, l)
	return true
}

func (s *listenerSet[L]) snapshot() []L {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]L, 0, len(s.set))
	for l := range s.set {
		res = append(res, l)
	}
	return res
}

// hashable 报告 v 是否非 nil 且可以作为 map key。
func hashable(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.IsValid() && rv.Comparable()
}
