package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cncrelay/cncrelay/internal/announce"
	"github.com/cncrelay/cncrelay/internal/buildinfo"
	"github.com/cncrelay/cncrelay/internal/clienttable"
	"github.com/cncrelay/cncrelay/internal/config"
	"github.com/cncrelay/cncrelay/internal/heartbeat"
	"github.com/cncrelay/cncrelay/internal/maintenance"
	"github.com/cncrelay/cncrelay/internal/metrics"
	"github.com/cncrelay/cncrelay/internal/ratelimit"
	"github.com/cncrelay/cncrelay/internal/reflection"
	"github.com/cncrelay/cncrelay/internal/relay"
)

// reflectionLimiterWindow is the fixed wall-clock interval at which the
// reflection responder's rate limiter forgets every tracked IP, independent
// of the heartbeat's own cleanup cadence.
const reflectionLimiterWindow = 60 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	commit, buildTime := buildinfo.Resolve()
	logger.Info("starting cncrelay",
		"commit", commit,
		"build_time", buildTime,
		"tunnel_port", cfg.TunnelPort,
		"reflection_port", cfg.ReflectionPort,
		"max_clients", cfg.MaxClients,
		"ip_limit", cfg.IPLimit,
		"name", cfg.Name,
		"no_master_announce", cfg.NoMasterAnnounce,
	)

	m := metrics.New()

	table := clienttable.New(clienttable.Config{
		MaxClients: cfg.MaxClients,
		IPLimit:    cfg.IPLimit,
		Timeout:    cfg.ClientTimeout,
	}, nil)

	pingLimiter := ratelimit.NewPingLimiter()
	reflectionLimiter := ratelimit.NewReflectionLimiter()
	gate := maintenance.New(cfg.MaintenancePassword, nil)

	tunnelConn, err := relay.ListenDualStack(cfg.TunnelPort)
	if err != nil {
		logger.Error("failed to bind tunnel socket", "err", err, "port", cfg.TunnelPort)
		os.Exit(1)
	}
	engine := relay.NewEngine(tunnelConn, relay.Config{
		Table:       table,
		PingLimiter: pingLimiter,
		Maintenance: gate,
		Metrics:     m,
		Logger:      logger,
	})

	reflectionConn, err := relay.ListenIPv4(cfg.ReflectionPort)
	if err != nil {
		logger.Error("failed to bind reflection socket", "err", err, "port", cfg.ReflectionPort)
		os.Exit(1)
	}
	responder, err := reflection.New(reflectionConn, reflection.Config{
		Limiter: reflectionLimiter,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to seed reflection responder", "err", err)
		os.Exit(1)
	}

	hbCfg := heartbeat.Config{
		Table:            table,
		PingLimiter:      pingLimiter,
		Name:             cfg.Name,
		TunnelPort:       cfg.TunnelPort,
		MaxClients:       cfg.MaxClients,
		MasterPassword:   cfg.MasterPassword,
		NoMasterAnnounce: cfg.NoMasterAnnounce,
		MaintenanceOn:    gate.Enabled,
		Metrics:          m,
		Logger:           logger,
	}
	if !cfg.NoMasterAnnounce {
		hbCfg.Announcer = announce.New(cfg.MasterURL)
	}
	hb := heartbeat.New(hbCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler()}
	}

	errCh := make(chan error, 3)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- engine.Serve(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- responder.Serve(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		hb.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runReflectionLimiterReset(ctx, reflectionLimiter)
	}()

	if metricsSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		stop()
		if err != nil {
			logger.Error("root task exited", "err", err)
			wg.Wait()
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", "err", err)
		}
		cancel()
	}

	wg.Wait()
	logger.Info("shutdown complete")
}

// runReflectionLimiterReset wipes the reflection responder's rate limiter on
// a fixed wall-clock interval, independent of the heartbeat's own cleanup
// cadence.
func runReflectionLimiterReset(ctx context.Context, limiter *ratelimit.WindowCounter) {
	ticker := time.NewTicker(reflectionLimiterWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			limiter.Reset()
		case <-ctx.Done():
			return
		}
	}
}
