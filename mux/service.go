package mux

import (
	"sync"

	"go.uber.org/zap"
)

// Service 是共享连接上的一个逻辑服务。
// 对服务的使用方而言，它就像一个独占的服务端：只能看到加入了该服务的客户端。
type Service struct {
	id     int32
	server *Server

	listeners listenerSet[ServiceListener]

	// mu 只保护 clients，与 Server 的成员关系锁相互独立。
	mu      sync.RWMutex
	clients map[Conn]*ServiceClient
}

func newService(server *Server, id int32) *Service {
	return &Service{
		id:      id,
		server:  server,
		clients: make(map[Conn]*ServiceClient),
	}
}

func (s *Service) ID() int32 {
	return s.id
}

// Addr 返回共享的监听地址。
func (s *Service) Addr() string {
	return s.server.Addr()
}

// AddListener 注册加入 / 离开监听器，重复注册返回 false。
func (s *Service) AddListener(l ServiceListener) bool {
	return s.listeners.add(l)
}

// RemoveListener 注销监听器，未注册时返回 false。
func (s *Service) RemoveListener(l ServiceListener) bool {
	return s.listeners.remove(l)
}

// Clients 返回当前成员快照。
func (s *Service) Clients() []*ServiceClient {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]*ServiceClient, 0, len(s.clients))
	for _, sc := range s.clients {
		res = append(res, sc)
	}
	return res
}

// notifyClientConnected 为客户端创建视图并通知监听器。
// 调用方保证客户端此前不是成员。
func (s *Service) notifyClientConnected(h *clientHandler) *ServiceClient {
	sc := newServiceClient(s, h)

	s.mu.Lock()
	s.clients[h.conn] = sc
	s.mu.Unlock()

	for _, l := range s.listeners.snapshot() {
		l.ClientConnected(sc)
	}
	return sc
}

func (s *Service) notifyClientDisconnected(c Conn, reason DisconnectReason, text string) {
	s.mu.Lock()
	sc, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()

	if !ok {
		s.server.consistencyFailure("disconnect", "disconnected client is not on service clients list",
			zap.Int32("service_id", s.id))
		return
	}

	for _, l := range s.listeners.snapshot() {
		l.ClientDisconnected(sc, reason, text)
	}
}

// notifyDataReceived 把数据交给客户端视图分发，返回是否投递。
func (s *Service) notifyDataReceived(c Conn, payload []byte) bool {
	s.mu.RLock()
	sc, ok := s.clients[c]
	s.mu.RUnlock()

	if !ok {
		s.server.consistencyFailure("data", "client is not on service clients list",
			zap.Int32("service_id", s.id))
		return false
	}

	sc.deliver(payload)
	return true
}
