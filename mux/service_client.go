package mux

import (
	"fmt"

	"github.com/jrmarcco/xmux/protocol"
)

// ServiceClient 是物理客户端在某个服务上的视图。
// 在客户端加入服务时创建，离开 ( 断开 ) 后失效。
type ServiceClient struct {
	serviceID int32
	id        string
	conn      Conn
	server    *Server

	listeners listenerSet[DataListener]
}

func newServiceClient(svc *Service, h *clientHandler) *ServiceClient {
	return &ServiceClient{
		serviceID: svc.id,
		id:        h.id,
		conn:      h.conn,
		server:    svc.server,
	}
}

func (c *ServiceClient) ServiceID() int32 {
	return c.serviceID
}

// ID 返回物理连接的会话 id，同一物理客户端在不同服务上的视图 ID 相同。
func (c *ServiceClient) ID() string {
	return c.id
}

func (c *ServiceClient) Conn() Conn {
	return c.conn
}

// Send 以本服务 id 封装数据并通过物理连接发送。
// 错误原样返回：protocol.ErrNotTransmittable 或 ErrTransportFailure。
func (c *ServiceClient) Send(payload []byte) error {
	return c.conn.Send(&protocol.Data{ServiceID: c.serviceID, Payload: payload})
}

// IsJoined 返回客户端当前是否仍是本服务成员。
func (c *ServiceClient) IsJoined() bool {
	return c.server.IsJoined(c.conn, c.serviceID)
}

// Leave 把客户端移出本服务，等价于 Server.Kick。
func (c *ServiceClient) Leave() bool {
	return c.server.Kick(c.conn, c.serviceID)
}

func (c *ServiceClient) AddDataListener(l DataListener) bool {
	return c.listeners.add(l)
}

func (c *ServiceClient) RemoveDataListener(l DataListener) bool {
	return c.listeners.remove(l)
}

func (c *ServiceClient) deliver(payload []byte) {
	for _, l := range c.listeners.snapshot() {
		l.DataReceived(payload)
	}
}

func (c *ServiceClient) String() string {
	return fmt.Sprintf("service-client(service=%d, client=%s)", c.serviceID, c.id)
}
