package main

import (
	"context"
	"errors"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jrmarcco/xmux/client"
	"github.com/jrmarcco/xmux/client/br"
	"github.com/jrmarcco/xmux/client/rr"
	"github.com/jrmarcco/xmux/internal/logging"
	"github.com/jrmarcco/xmux/register/etcd"
)

var (
	errNoTarget      = errors.New("either --addr or --etcd is required")
	errUnknownPolicy = errors.New("unknown balancer")
)

// conn 是一次命令使用的会话及其关闭函数。
type conn struct {
	session *client.Session
	closers []func() error
}

func (c *conn) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}

// connect 建立会话。经 etcd 连接时 ids 用于挑选承载这些服务的节点。
func connect(ctx context.Context, ids ...int32) (*conn, error) {
	level := "warn"
	if flags.verbose {
		level = "debug"
	}
	logger, err := logging.New(level, true)
	if err != nil {
		return nil, err
	}

	switch {
	case flags.addr != "":
		return connectDirect(ctx, logger)
	case len(flags.etcd) > 0:
		return connectDiscovered(ctx, logger, ids)
	default:
		return nil, errNoTarget
	}
}

func connectDirect(ctx context.Context, logger *zap.Logger) (*conn, error) {
	cc, err := grpc.NewClient(flags.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", flags.addr, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, flags.timeout)
	defer cancel()

	s, err := client.NewSessionBuilder(cc).Logger(logger).Build(dialCtx)
	if err != nil {
		_ = cc.Close()
		return nil, err
	}
	return &conn{session: s, closers: []func() error{cc.Close, s.Close}}, nil
}

func connectDiscovered(ctx context.Context, logger *zap.Logger, ids []int32) (*conn, error) {
	bb, err := balancerBuilder(flags.balancer)
	if err != nil {
		return nil, err
	}

	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   flags.etcd,
		DialTimeout: flags.timeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	c := &conn{closers: []func() error{etcdClient.Close}}

	registry, err := etcd.NewBuilder(etcdClient).KeyPrefix(flags.keyPrefix).Logger(logger).Build()
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.closers = append(c.closers, registry.Close)

	rb := rr.NewResolverBuilder(registry, flags.timeout).Logger(logger)
	m := client.NewManagerBuilder(rb, bb).
		Insecure().
		ConnectTimeout(flags.timeout).
		Logger(logger).
		Build()
	c.closers = append(c.closers, m.CloseAll)

	if len(ids) > 0 {
		ctx = client.ContextWithServiceIDs(ctx, ids...)
	}
	if flags.sessionKey != "" {
		ctx = client.ContextWithSessionKey(ctx, flags.sessionKey)
	}

	getCtx, cancel := context.WithTimeout(ctx, flags.timeout)
	defer cancel()

	s, err := m.Get(getCtx, flags.endpoint)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.session = s
	return c, nil
}

func balancerBuilder(name string) (balancer.Builder, error) {
	switch name {
	case "round_robin":
		return br.NewRoundRobinBuilder(), nil
	case "weighted":
		return br.NewWeightedBuilder(), nil
	case "consistent_hash":
		if flags.sessionKey == "" {
			return nil, fmt.Errorf("%w: consistent_hash requires --session-key", br.ErrSessionKeyRequired)
		}
		return br.NewConsistentHashBuilder(), nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownPolicy, name)
	}
}
