// Package app wires configuration into a ready Manager.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/backend"
	"github.com/arencloud/disturbancemonitor/internal/config"
	"github.com/arencloud/disturbancemonitor/internal/db"
	"github.com/arencloud/disturbancemonitor/internal/lock"
	"github.com/arencloud/disturbancemonitor/internal/logging"
	"github.com/arencloud/disturbancemonitor/internal/metrics"
	"github.com/arencloud/disturbancemonitor/internal/monitor"
	"github.com/arencloud/disturbancemonitor/internal/poller"
	"github.com/arencloud/disturbancemonitor/internal/resource"
	"github.com/arencloud/disturbancemonitor/internal/s3"
	"github.com/arencloud/disturbancemonitor/internal/sentinel"
	"github.com/arencloud/disturbancemonitor/internal/service"
	"github.com/arencloud/disturbancemonitor/internal/store"
	"github.com/arencloud/disturbancemonitor/internal/telemetry"
	"github.com/arencloud/disturbancemonitor/internal/timeseries"

	"gorm.io/gorm"
)

var _ backend.SaaS = (*sentinel.Client)(nil)

type App struct {
	Config  *config.Config
	Logger  logging.Logger
	DB      *gorm.DB
	Metrics *metrics.Metrics
	Manager *service.Manager

	closers []func()
}

// New opens the database and builds every remote client. Nothing remote is
// contacted except Redis and InfluxDB when configured.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", "err", err)
		}
	})

	gdb, err := db.Init(cfg, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init db: %w", err)
	}
	a.DB = gdb
	if sqlDB, err := gdb.DB(); err == nil {
		a.closers = append(a.closers, func() { _ = sqlDB.Close() })
	}

	objects, err := ObjectStore(cfg.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}
	locker, err := a.locker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	sink, err := a.sink(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	deps := backend.Deps{
		Objects:        objects,
		Poller:         poller.New(cfg.Orchestrator.PollInterval, cfg.Orchestrator.PollMaxAttempts, logger, a.Metrics),
		Region:         cfg.Storage.Region,
		PrincipalARN:   cfg.SentinelHub.PrincipalARN,
		AsyncRoleARN:   cfg.SentinelHub.AsyncRoleARN,
		AsyncAccessKey: cfg.Storage.AccessKey,
		AsyncSecretKey: cfg.Storage.SecretKey,
		Concurrency:    cfg.Orchestrator.FeatureConcurrency,
		Logger:         logger,
		Metrics:        a.Metrics,
	}
	a.Manager = service.New(store.New(gdb), a.factory(ctx, deps), service.Options{
		Locker:          locker,
		Sink:            sink,
		Logger:          logger,
		Metrics:         a.Metrics,
		Rollback:        cfg.Orchestrator.Rollback,
		RollbackTimeout: cfg.Orchestrator.RollbackTimeout,
	})
	return a, nil
}

// factory picks the SaaS client matching the monitor's endpoint. Clients
// are built once per endpoint and share the token source.
func (a *App) factory(ctx context.Context, base backend.Deps) service.BackendFactory {
	sh := a.Config.SentinelHub
	clients := map[string]*sentinel.Client{}
	for name, ep := range sentinel.Endpoints {
		clients[name] = sentinel.New(ctx, ep, sh.ClientID, sh.ClientSecret,
			sentinel.WithRateLimit(sh.RequestsPerSecond),
			sentinel.WithLogger(a.Logger))
	}
	fallback := strings.ToUpper(sh.Endpoint)
	return func(params monitor.Params, cfg monitor.BackendConfig) service.Backend {
		name := strings.ToUpper(string(params.Endpoint))
		if _, ok := clients[name]; !ok {
			name = fallback
		}
		deps := base
		deps.SaaS = clients[name]
		deps.Endpoint = sentinel.Endpoints[name]
		return backend.New(params, cfg, deps)
	}
}

// ObjectStore returns the configured storage driver.
func ObjectStore(c config.StorageConfig) (resource.ObjectStore, error) {
	opts := s3.Options{Endpoint: c.Endpoint, Region: c.Region, AccessKey: c.AccessKey, SecretKey: c.SecretKey, UseSSL: c.UseSSL}
	switch strings.ToLower(c.Driver) {
	case "", "aws":
		return s3.NewAWS(opts), nil
	case "minio":
		return s3.NewMinio(opts)
	}
	return nil, fmt.Errorf("unknown storage driver %q", c.Driver)
}

func (a *App) locker(ctx context.Context) (lock.Locker, error) {
	l := a.Config.Lock
	switch strings.ToLower(l.Driver) {
	case "", "local":
		return lock.NewLocal(), nil
	case "redis":
		r, err := lock.Dial(ctx, l.RedisAddr, l.RedisPassword, l.RedisDB, l.TTL, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		a.closers = append(a.closers, func() { _ = r.Close() })
		return r, nil
	}
	return nil, fmt.Errorf("unknown lock driver %q", l.Driver)
}

func (a *App) sink(ctx context.Context) (timeseries.Sink, error) {
	in := a.Config.Influx
	if in.URL == "" {
		return timeseries.Discard{}, nil
	}
	ix := timeseries.NewInflux(in.URL, in.Token, in.Org, in.Bucket)
	if err := ix.Ping(ctx); err != nil {
		ix.Close()
		return nil, fmt.Errorf("influx: %w", err)
	}
	a.closers = append(a.closers, ix.Close)
	a.Logger.Info("results export enabled", "url", in.URL, "bucket", in.Bucket)
	return ix, nil
}

// Close releases clients in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
