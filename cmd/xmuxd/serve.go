package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/jrmarcco/xmux/internal/apps"
	"github.com/jrmarcco/xmux/internal/config"
	"github.com/jrmarcco/xmux/internal/logging"
	"github.com/jrmarcco/xmux/metrics"
	"github.com/jrmarcco/xmux/mux"
	"github.com/jrmarcco/xmux/register"
	"github.com/jrmarcco/xmux/register/etcd"
	"github.com/jrmarcco/xmux/transport/grpcx"
)

const shutdownTimeout = 5 * time.Second

func serve(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := &daemon{cfg: cfg, logger: logger}
	defer func() {
		if err := d.shutdown(); err != nil {
			logger.Error("shutdown failed", zap.Error(err))
		}
	}()

	if err = d.start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")
	return nil
}

// daemon 持有进程内各组件，按启动的逆序关闭。
type daemon struct {
	cfg    *config.Config
	logger *zap.Logger

	metricsSrv *http.Server
	server     *mux.Server
	etcdClient *clientv3.Client
	registry   *etcd.Registry
	announcer  *register.Announcer
}

func (d *daemon) start(ctx context.Context) error {
	collector := metrics.NewCollector()
	if d.cfg.MetricsAddr != "" {
		if err := d.startMetrics(collector); err != nil {
			return err
		}
	}

	transport := grpcx.NewServerBuilder().Logger(d.logger).Build()
	server, err := collector.Instrument(mux.NewServerBuilder(transport).Logger(d.logger)).Build()
	if err != nil {
		return err
	}
	d.server = server

	for _, sc := range d.cfg.Services {
		svc, err := server.CreateService(sc.ID)
		if err != nil {
			return err
		}
		if err = apps.Attach(svc, sc.Kind, d.logger); err != nil {
			return err
		}
	}

	if err = server.Open(d.cfg.ListenAddr); err != nil {
		return err
	}

	if d.cfg.Etcd.Enabled() {
		return d.announce(ctx)
	}
	return nil
}

func (d *daemon) startMetrics(collector *metrics.Collector) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := collector.Register(reg); err != nil {
		return err
	}

	handler := http.NewServeMux()
	handler.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	d.metricsSrv = &http.Server{
		Addr:              d.cfg.MetricsAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	d.logger.Info("metrics server listening", zap.String("addr", d.cfg.MetricsAddr))
	return nil
}

func (d *daemon) announce(ctx context.Context) error {
	ec := d.cfg.Etcd
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   ec.Endpoints,
		DialTimeout: ec.DialTimeout,
		Logger:      d.logger.Named("etcd"),
	})
	if err != nil {
		return fmt.Errorf("failed to create etcd client: %w", err)
	}
	d.etcdClient = client

	registry, err := etcd.NewBuilder(client).
		KeyPrefix(ec.KeyPrefix).
		LeaseTTL(ec.LeaseTTL).
		Logger(d.logger).
		Build()
	if err != nil {
		return err
	}
	d.registry = registry

	addr := d.cfg.AdvertiseAddr
	if addr == "" {
		addr = d.server.Addr()
	}
	d.announcer = register.NewAnnouncer(registry, register.ServiceInstance{
		Name:   d.cfg.Endpoint,
		Addr:   addr,
		Group:  d.cfg.Group,
		Weight: d.cfg.Weight,
	})

	regCtx, cancel := context.WithTimeout(ctx, ec.DialTimeout)
	defer cancel()
	if err = d.announcer.Announce(regCtx, d.server.ServiceIDs()); err != nil {
		return err
	}

	d.logger.Info("instance announced",
		zap.String("endpoint", d.cfg.Endpoint),
		zap.String("addr", addr),
		zap.Int32s("service_ids", d.server.ServiceIDs()),
	)
	return nil
}

// shutdown 先从注册中心摘除实例，再关闭服务端，最后关闭指标与 etcd 连接。
func (d *daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if d.announcer != nil {
		errs = append(errs, d.announcer.Withdraw(ctx))
	}
	if d.server != nil {
		errs = append(errs, d.server.Close())
	}
	if d.registry != nil {
		errs = append(errs, d.registry.Close())
	}
	if d.etcdClient != nil {
		errs = append(errs, d.etcdClient.Close())
	}
	if d.metricsSrv != nil {
		errs = append(errs, d.metricsSrv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
