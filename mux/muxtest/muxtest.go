// Package muxtest 提供内存版的 mux.Transport，用于测试服务与分发逻辑。
package muxtest

import (
	"fmt"
	"sync"

	"github.com/jrmarcco/xmux/mux"
	"github.com/jrmarcco/xmux/protocol"
)

var _ mux.Transport = (*Transport)(nil)

// Transport 是内存传输层，所有事件在调用方 goroutine 中同步回调。
type Transport struct {
	mu        sync.Mutex
	listeners map[mux.ConnectionListener]struct{}
	addr      string
	closed    bool
	conns     map[*Conn]struct{}

	// ListenErr 不为 nil 时 Listen 返回该错误。
	ListenErr error
}

func NewTransport() *Transport {
	return &Transport{
		listeners: make(map[mux.ConnectionListener]struct{}),
		conns:     make(map[*Conn]struct{}),
	}
}

func (t *Transport) AddConnectionListener(l mux.ConnectionListener) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.listeners[l]; ok {
		return false
	}
	t.listeners[l] = struct{}{}
	return true
}

func (t *Transport) RemoveConnectionListener(l mux.ConnectionListener) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.listeners[l]; !ok {
		return false
	}
	delete(t.listeners, l)
	return true
}

func (t *Transport) Listen(addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ListenErr != nil {
		return t.ListenErr
	}
	t.addr = addr
	return nil
}

func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

// Close 断开所有仍在线的连接 ( ReasonServerClosed )。
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Disconnect(mux.ReasonServerClosed, "server closed")
	}
	return nil
}

// Connect 模拟一个新的物理客户端连入。
func (t *Transport) Connect() *Conn {
	c := &Conn{
		transport: t,
		listeners: make(map[mux.PacketListener]struct{}),
	}

	t.mu.Lock()
	t.conns[c] = struct{}{}
	t.mu.Unlock()

	for _, l := range t.snapshot() {
		l.ClientConnected(c)
	}
	return c
}

func (t *Transport) snapshot() []mux.ConnectionListener {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := make([]mux.ConnectionListener, 0, len(t.listeners))
	for l := range t.listeners {
		res = append(res, l)
	}
	return res
}

var _ mux.Conn = (*Conn)(nil)

// Conn 是内存中的物理连接，记录所有发往客户端的报文。
type Conn struct {
	transport *Transport

	mu           sync.Mutex
	listeners    map[mux.PacketListener]struct{}
	sent         []protocol.Packet
	sendErr      error
	disconnected bool
}

// Send 经过 protocol.Encode 校验后记录报文。
func (c *Conn) Send(p protocol.Packet) error {
	if _, err := protocol.Encode(p); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return fmt.Errorf("[muxtest] %w: connection closed", mux.ErrTransportFailure)
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, p)
	return nil
}

func (c *Conn) AddPacketListener(l mux.PacketListener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.listeners[l]; ok {
		return false
	}
	c.listeners[l] = struct{}{}
	return true
}

func (c *Conn) RemovePacketListener(l mux.PacketListener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.listeners[l]; !ok {
		return false
	}
	delete(c.listeners, l)
	return true
}

// Deliver 模拟客户端发来一个报文。
func (c *Conn) Deliver(p protocol.Packet) {
	c.mu.Lock()
	listeners := make([]mux.PacketListener, 0, len(c.listeners))
	for l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l.PacketReceived(p)
	}
}

// Disconnect 模拟连接断开，重复调用无效。
func (c *Conn) Disconnect(reason mux.DisconnectReason, text string) {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	c.mu.Unlock()

	c.transport.mu.Lock()
	delete(c.transport.conns, c)
	c.transport.mu.Unlock()

	for _, l := range c.transport.snapshot() {
		l.ClientDisconnected(c, reason, text)
	}
}

// FailSends 让后续 Send 返回 err，传 nil 恢复。
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent 返回已发送报文的副本。
func (c *Conn) Sent() []protocol.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Packet(nil), c.sent...)
}

// Last 返回最后一个已发送报文，没有时返回 nil。
func (c *Conn) Last() protocol.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}
