// Package apps 提供可直接挂载到服务上的参考实现。
package apps

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jrmarcco/xmux/mux"
)

const (
	KindEcho      = "echo"
	KindBroadcast = "broadcast"
)

var ErrUnknownKind = errors.New("unknown app kind")

// Attach 按 kind 创建应用并挂载到服务上。
func Attach(svc *mux.Service, kind string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.Int32("service_id", svc.ID()), zap.String("app", kind))

	var l mux.ServiceListener
	switch kind {
	case KindEcho:
		l = NewEcho(logger)
	case KindBroadcast:
		l = NewBroadcast(svc, logger)
	default:
		return fmt.Errorf("[apps] %w: %q", ErrUnknownKind, kind)
	}

	svc.AddListener(l)
	return nil
}

var _ mux.ServiceListener = (*Echo)(nil)

// Echo 把每条数据原样回写给发送方。
type Echo struct {
	logger *zap.Logger
}

func NewEcho(logger *zap.Logger) *Echo {
	return &Echo{logger: logger}
}

func (e *Echo) ClientConnected(c *mux.ServiceClient) {
	c.AddDataListener(mux.NewDataListener(func(payload []byte) {
		if err := c.Send(payload); err != nil {
			e.logger.Debug("echo failed", zap.String("client", c.ID()), zap.Error(err))
		}
	}))
}

func (e *Echo) ClientDisconnected(*mux.ServiceClient, mux.DisconnectReason, string) {}

var _ mux.ServiceListener = (*Broadcast)(nil)

// Broadcast 把每条数据转发给服务的全部成员 ( 包括发送方 )。
type Broadcast struct {
	svc    *mux.Service
	logger *zap.Logger
}

func NewBroadcast(svc *mux.Service, logger *zap.Logger) *Broadcast {
	return &Broadcast{svc: svc, logger: logger}
}

func (b *Broadcast) ClientConnected(c *mux.ServiceClient) {
	b.logger.Debug("member joined", zap.String("client", c.ID()))
	c.AddDataListener(mux.NewDataListener(func(payload []byte) {
		for _, member := range b.svc.Clients() {
			if err := member.Send(payload); err != nil {
				b.logger.Debug("broadcast to member failed", zap.String("client", member.ID()), zap.Error(err))
			}
		}
	}))
}

func (b *Broadcast) ClientDisconnected(c *mux.ServiceClient, reason mux.DisconnectReason, _ string) {
	b.logger.Debug("member left", zap.String("client", c.ID()), zap.Stringer("reason", reason))
}
