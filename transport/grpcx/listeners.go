package grpcx

import (
	"reflect"
	"sync"

	"github.com/jrmarcco/xmux/mux"
	"github.com/jrmarcco/xmux/protocol"
)

// packetListeners 拒绝不可比较的监听器值。
type packetListeners struct {
	mu  sync.RWMutex
	set map[mux.PacketListener]struct{}
}

func (ls *packetListeners) add(l mux.PacketListener) bool {
	if !hashable(l) {
		return false
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if _, ok := ls.set[l]; ok {
		return false
	}
	if ls.set == nil {
		ls.set = make(map[mux.PacketListener]struct{})
	}
	ls.set[l] = struct{}{}
	return true
}

func (ls *packetListeners) remove(l mux.PacketListener) bool {
	if !hashable(l) {
		return false
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if _, ok := ls.set[l]; !ok {
		return false
	}
	delete(ls.set, l)
	return true
}

func (ls *packetListeners) deliver(p protocol.Packet) {
	ls.mu.RLock()
	snapshot := make([]mux.PacketListener, 0, len(ls.set))
	for l := range ls.set {
		snapshot = append(snapshot, l)
	}
	ls.mu.RUnlock()

	for _, l := range snapshot {
		l.PacketReceived(p)
	}
}

func hashable(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.IsValid() && rv.Comparable()
}
