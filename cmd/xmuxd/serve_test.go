package main

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jrmarcco/xmux/client"
	"github.com/jrmarcco/xmux/internal/config"
)

func TestDaemon_StartAndShutdown(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Services = []config.ServiceConfig{{ID: 1, Kind: "echo"}, {ID: 2, Kind: "broadcast"}}

	d := &daemon{cfg: cfg, logger: zap.NewNop()}
	if err := d.start(context.Background()); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	if d.announcer != nil || d.metricsSrv != nil {
		t.Fatalf("etcd and metrics should be disabled by default")
	}

	cc, err := grpc.NewClient(d.server.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	defer func() { _ = cc.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := client.NewSessionBuilder(cc).Build(ctx)
	if err != nil {
		t.Fatalf("build session: %v", err)
	}

	ids, err := s.ListServices(ctx)
	if err != nil {
		t.Fatalf("list services: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("expected services [1 2], got %v", ids)
	}

	if _, err = s.Join(ctx, 1); err != nil {
		t.Fatalf("join: %v", err)
	}
	replies := s.Subscribe(1)
	if err = s.Send(1, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case payload := <-replies:
		if string(payload) != "ping" {
			t.Fatalf("expected echo of ping, got %q", payload)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for echo")
	}

	if err = d.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case <-s.Done():
	case <-ctx.Done():
		t.Fatalf("session should end after daemon shutdown")
	}
}

func TestDaemon_DuplicateServiceFailsStart(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Services = []config.ServiceConfig{{ID: 1, Kind: "echo"}, {ID: 1, Kind: "echo"}}

	d := &daemon{cfg: cfg, logger: zap.NewNop()}
	if err := d.start(context.Background()); err == nil {
		t.Fatalf("duplicate service id should fail start")
	}
	if err := d.shutdown(); err != nil {
		t.Fatalf("shutdown after failed start: %v", err)
	}
}
