package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dd0wney/cluso-coord/pkg/config"
	"github.com/dd0wney/cluso-coord/pkg/health"
	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/metrics"
	"github.com/dd0wney/cluso-coord/pkg/node"
	"github.com/dd0wney/cluso-coord/pkg/registry"
)

const (
	systemMetricsInterval = 15 * time.Second
	shutdownTimeout       = 10 * time.Second
	coordinatorGrace      = time.Minute
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "coordnode: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse("coordnode", os.Args[1:], os.LookupEnv)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()
	logging.SetDefaultLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := registry.Open(ctx, cfg.Registry)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer reg.Close()

	m := metrics.DefaultRegistry()
	n, err := node.New(ctx, cfg, node.Deps{
		Registry: reg,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var admin *health.Server
	if cfg.Admin.Addr != "" {
		admin = health.NewServer(cfg.Admin.Addr, newHealthChecker(n, reg), func() any { return n.Snapshot() }, m, logger)
		go func() {
			if err := admin.Start(); err != nil {
				logger.Error("admin server failed", logging.Error(err))
			}
		}()
	}

	go reportSystemMetrics(ctx, m)

	if err := n.Run(ctx); err != nil {
		return err
	}

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin server shutdown failed", logging.Error(err))
		}
	}
	return nil
}

func newHealthChecker(n *node.Node, reg registry.Registry) *health.HealthChecker {
	hc := health.NewHealthChecker().WithIdentity(uint64(n.ID()), n.Incarnation())

	// A coordinator, once learned, is only ever replaced, so a node without
	// one has lacked it since start
	election := health.ElectionCheck(func() (string, uint64, time.Duration) {
		var since time.Duration
		if s := n.Snapshot(); s.Running {
			since = s.Uptime
		}
		return n.Election().GetState().String(), uint64(n.Election().Coordinator()), since
	}, coordinatorGrace)

	hc.RegisterCheck("election", election)
	hc.RegisterCheck("memory", health.MemoryCheck(health.RuntimeMemory))
	hc.RegisterCheck("host_memory", health.HostMemoryCheck(mem.VirtualMemory))
	hc.RegisterReadinessCheck("election", election)
	hc.RegisterLivenessCheck("node", func() health.Check {
		check := health.SimpleCheck("node")
		if !n.Running() {
			check.Status = health.StatusUnhealthy
			check.Message = "Node stopped"
		}
		return check
	})

	if pinger, ok := reg.(interface {
		Ping(ctx context.Context) error
	}); ok {
		hc.RegisterCheck("registry", health.RegistryCheck(pinger.Ping, 2*time.Second))
	}
	return hc
}

func reportSystemMetrics(ctx context.Context, m *metrics.Registry) {
	startedAt := time.Now()
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		m.UpdateSystemMetrics(startedAt)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
