package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/mqagents/internal/config"
	"github.com/rmacdonaldsmith/mqagents/internal/healthsrv"
	"github.com/rmacdonaldsmith/mqagents/internal/logging"
	"github.com/rmacdonaldsmith/mqagents/internal/metrics"
	ipublisher "github.com/rmacdonaldsmith/mqagents/internal/publisher"
	"github.com/rmacdonaldsmith/mqagents/pkg/publisher"
)

// clientFactory replaces the paho client when set
var clientFactory publisher.ClientFactory

// runtime holds what every agent kind shares
type runtime struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// agentPlan is what an agent kind contributes before the publisher exists
type agentPlan struct {
	subscriptions []publisher.Subscription
	// bind creates the handler publishing through p
	bind func(p *ipublisher.IntervalPublisher) (publisher.Handler, error)
}

type planner func(rt *runtime) (*agentPlan, error)

// runAgent runs one agent until it is stopped by a signal, ctx or the
// maintenance window
func runAgent(ctx context.Context, kind string, plan planner) error {
	if err := cfg.SetDefaults(kind); err != nil {
		return err
	}
	if err := cfg.Validate(kind); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(appName, logging.Options{Debug: cfg.Debug, JSON: logJSON})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	ipublisher.BridgePahoLogs(logger)

	rt := &runtime{cfg: cfg, logger: logger}

	if cfg.Metrics.Enabled() {
		reg := metrics.NewRegistry()
		rt.metrics = metrics.New(reg, cfg.Service.Name)
		srv := metrics.NewServer(cfg.Metrics.Addr, reg)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
	}

	agent, err := plan(rt)
	if err != nil {
		return err
	}

	pc, err := cfg.Publisher()
	if err != nil {
		return err
	}
	pc.WithSubscriptions(agent.subscriptions)

	opts := []ipublisher.Option{
		ipublisher.WithLogger(logger),
		ipublisher.WithMetrics(rt.metrics),
	}
	if clientFactory != nil {
		opts = append(opts, ipublisher.WithClientFactory(clientFactory))
	}
	if cfg.Health.Enabled() {
		health := healthsrv.NewServer(cfg.Health.Addr, cfg.Service.Name, logger)
		if err := health.Start(); err != nil {
			return err
		}
		defer health.Stop()
		opts = append(opts, ipublisher.WithStatusListener(health))
	}

	pub, err := ipublisher.NewIntervalPublisher(pc, opts...)
	if err != nil {
		return err
	}
	handler, err := agent.bind(pub)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	setupGracefulShutdown(ctx, pub, logger)

	logger.Info("Starting agent",
		zap.String("kind", kind),
		zap.String("name", pc.Name),
		zap.String("broker", ipublisher.BrokerURL(publisher.ConnectOptions{Host: pc.Host, Port: pc.Port, CACertPath: pc.CACertPath})),
		zap.Duration("interval", pc.Interval),
		zap.Bool("dry_run", pc.DryRun))

	return pub.Run(ctx, handler)
}

// setupGracefulShutdown stops the publisher on SIGINT or SIGTERM
func setupGracefulShutdown(ctx context.Context, pub *ipublisher.IntervalPublisher, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Warn("Received signal, shutting down", zap.Stringer("signal", sig))
			pub.Stop()
		case <-ctx.Done():
		}
	}()
}
