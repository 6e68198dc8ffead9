package mux

import (
	"errors"
	"strconv"

	"github.com/jrmarcco/xmux/protocol"
)

var (
	ErrTransportRequired = errors.New("transport is required")
	ErrServiceExists     = errors.New("service already exists")
	ErrServerClosed      = errors.New("server is closed")
	// ErrNetwork 表示监听端口绑定 / 监听失败。
	ErrNetwork = errors.New("network error")
	// ErrTransportFailure 表示物理连接发送失败 ( 连接已断开或底层传输异常 )。
	// 传输层实现应使用该错误包装发送失败的原因。
	ErrTransportFailure = errors.New("transport failure")
)

// DisconnectReason 是断开原因码。
type DisconnectReason int

const (
	ReasonUnknown DisconnectReason = iota
	ReasonUserAction
	ReasonRemoteClosed
	ReasonNetworkError
	ReasonServerClosed
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonUserAction:
		return "user_action"
	case ReasonRemoteClosed:
		return "remote_closed"
	case ReasonNetworkError:
		return "network_error"
	case ReasonServerClosed:
		return "server_closed"
	case ReasonUnknown:
		return "unknown"
	default:
		return "reason(" + strconv.Itoa(int(r)) + ")"
	}
}

// Conn 是一条物理连接。
// 实现需可作为 map key ( 通常是指针类型 )。
type Conn interface {
	// Send 发送一个报文。
	// 失败时返回的错误包装 protocol.ErrNotTransmittable 或 ErrTransportFailure。
	Send(p protocol.Packet) error

	AddPacketListener(l PacketListener) bool
	RemovePacketListener(l PacketListener) bool
}

// PacketListener 接收物理连接上的入站报文。
// 同一连接的报文按到达顺序串行回调。
// 实现的动态值必须可比较 ( 通常是指针 )，不可比较的值注册时被拒绝。
type PacketListener interface {
	PacketReceived(p protocol.Packet)
}

// ConnectionListener 监听物理连接的建立与断开。
// 实现的动态值必须可比较。
type ConnectionListener interface {
	ClientConnected(c Conn)
	ClientDisconnected(c Conn, reason DisconnectReason, text string)
}

// Transport 是物理传输层。
// 同一连接的 ClientConnected / PacketReceived / ClientDisconnected 必须按发生顺序串行回调，
// ClientDisconnected 对每条连接恰好回调一次。
type Transport interface {
	AddConnectionListener(l ConnectionListener) bool
	RemoveConnectionListener(l ConnectionListener) bool

	// Listen 绑定地址并开始接受连接，不阻塞。
	Listen(addr string) error
	// Addr 返回实际监听地址，未监听时为空。
	Addr() string
	Close() error
}

// ServiceListener 监听某个服务上客户端的加入与离开。
// 实现的动态值必须可比较。
// 回调在成员关系锁内执行，不能阻塞：需要在加入 / 离开时发送数据的实现应转交给其它 goroutine，
// 也不能在回调内调用 Server.Kick 或 ServiceClient.Leave。
type ServiceListener interface {
	ClientConnected(c *ServiceClient)
	ClientDisconnected(c *ServiceClient, reason DisconnectReason, text string)
}

// DataListener 接收某个服务客户端发来的数据。
// 实现的动态值必须可比较。
type DataListener interface {
	DataReceived(payload []byte)
}

type serviceListenerFuncs struct {
	onConnected    func(c *ServiceClient)
	onDisconnected func(c *ServiceClient, reason DisconnectReason, text string)
}

// NewServiceListener 使用函数构造 ServiceListener，任一函数可为 nil。
// 每次调用返回不同的监听器，可用于 RemoveListener。
func NewServiceListener(
	onConnected func(c *ServiceClient),
	onDisconnected func(c *ServiceClient, reason DisconnectReason, text string),
) ServiceListener {
	return &serviceListenerFuncs{
		onConnected:    onConnected,
		onDisconnected: onDisconnected,
	}
}

func (f *serviceListenerFuncs) ClientConnected(c *ServiceClient) {
	if f.onConnected != nil {
		f.onConnected(c)
	}
}

func (f *serviceListenerFuncs) ClientDisconnected(c *ServiceClient, reason DisconnectReason, text string) {
	if f.onDisconnected != nil {
		f.onDisconnected(c, reason, text)
	}
}

type dataListenerFunc struct {
	fn func(payload []byte)
}

// NewDataListener 使用函数构造 DataListener。
func NewDataListener(fn func(payload []byte)) DataListener {
	return &dataListenerFunc{fn: fn}
}

func (f *dataListenerFunc) DataReceived(payload []byte) {
	if f.fn != nil {
		f.fn(payload)
	}
}
