package grpcx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/jrmarcco/xmux/mux"
	"github.com/jrmarcco/xmux/protocol"
)

// closeGrace 是 Close 半关闭后等待对端结束流的时长。
const closeGrace = time.Second

var _ mux.Conn = (*ClientConn)(nil)

// ClientConn 是客户端视角的物理连接，对应一条 Connect 双向流。
type ClientConn struct {
	logger    *zap.Logger
	stream    grpc.ClientStream
	cancel    context.CancelFunc
	listeners packetListeners

	sendMu sync.Mutex
	closed bool

	done chan struct{}
	err  error
}

// Open 在 cc 上打开一条 Connect 流。
// 返回的连接在后台 goroutine 中接收报文并同步分发给 PacketListener。
func Open(ctx context.Context, cc grpc.ClientConnInterface, logger *zap.Logger, opts ...grpc.CallOption) (*ClientConn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// 流的生命周期不跟随 ctx，ctx 只约束建流阶段。
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopAfter := context.AfterFunc(ctx, cancel)

	callOpts := append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := cc.NewStream(streamCtx, &serviceDesc.Streams[0], connectMethod, callOpts...)
	stopAfter()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("[grpcx] %w: %w", mux.ErrNetwork, err)
	}

	c := &ClientConn{
		logger: logger,
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.recvLoop()
	return c, nil
}

func (c *ClientConn) recvLoop() {
	var err error
	for {
		var f protocol.Frame
		if err = c.stream.RecvMsg(&f); err != nil {
			break
		}

		p, derr := protocol.Decode(&f)
		if derr != nil {
			c.logger.Warn("failed to decode frame", zap.Error(derr))
			continue
		}
		c.listeners.deliver(p)
	}

	if errors.Is(err, io.EOF) {
		err = ErrConnClosed
	}

	c.sendMu.Lock()
	c.closed = true
	c.err = fmt.Errorf("[grpcx] %w: %w", mux.ErrTransportFailure, err)
	c.sendMu.Unlock()

	c.cancel()
	close(c.done)
}

func (c *ClientConn) Send(p protocol.Packet) error {
	f, err := protocol.Encode(p)
	if err != nil {
		return fmt.Errorf("[grpcx] %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return fmt.Errorf("[grpcx] %w: %w", mux.ErrTransportFailure, ErrConnClosed)
	}
	if err := c.stream.SendMsg(f); err != nil {
		return fmt.Errorf("[grpcx] %w: %w", mux.ErrTransportFailure, err)
	}
	return nil
}

func (c *ClientConn) AddPacketListener(l mux.PacketListener) bool {
	return c.listeners.add(l)
}

func (c *ClientConn) RemovePacketListener(l mux.PacketListener) bool {
	return c.listeners.remove(l)
}

// Close 半关闭流，等待服务端结束后释放资源。
func (c *ClientConn) Close() error {
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	err := c.stream.CloseSend()
	c.sendMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(closeGrace):
		c.cancel()
		<-c.done
	}

	if err != nil {
		return fmt.Errorf("[grpcx] failed to close stream: %w", err)
	}
	return nil
}

// Done 在接收循环退出后关闭。
func (c *ClientConn) Done() <-chan struct{} {
	return c.done
}

// Err 返回连接断开的原因，连接存活时返回 nil。
func (c *ClientConn) Err() error {
	select {
	case <-c.done:
	default:
		return nil
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.err
}
