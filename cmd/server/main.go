package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/api"
	"github.com/arencloud/disturbancemonitor/internal/app"
	"github.com/arencloud/disturbancemonitor/internal/config"
	"github.com/arencloud/disturbancemonitor/internal/logging"
	"github.com/arencloud/disturbancemonitor/internal/version"
)

func main() {
	cfg, err := config.LoadFile(os.Getenv("DM_CONFIG"))
	if err != nil {
		logging.New("dev").Fatal("failed to load config", "error", err)
	}
	logger := logging.New(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to init", "error", err)
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.HttpPort,
		Handler:           api.Router(cfg, logger, a.Manager, a.Metrics),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       0, // provisioning and cycles run inside the request
		WriteTimeout:      0,
		MaxHeaderBytes:    1 << 20,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	logger.Info("server starting", "addr", srv.Addr, "version", version.String())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		a.Close()
		os.Exit(1)
	}
	logger.Info("server stopped")
}
