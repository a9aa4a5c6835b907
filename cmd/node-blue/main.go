// Package main implements the runtime entrypoint: it loads a flow
// definition, builds and wires the declared nodes, exposes Prometheus
// metrics, and drives an orderly signal-triggered shutdown.
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
	"runtime"
	"syscall"
	"time"

	"github.com/dusen0528/Node-Blue/config"
	"github.com/dusen0528/Node-Blue/metric"
	"github.com/dusen0528/Node-Blue/node"
)

const (
	Version = "0.1.0"
	appName = "node-blue"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = flag.String("config", "flow.yaml", "path to the flow definition")
		logFormat    = flag.String("log-format", "json", "log output format (json|text)")
		validateOnly = flag.Bool("validate", false, "validate the flow definition and exit")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(cfg.Runtime.LogLevel, *logFormat)
	slog.SetDefault(logger)

	if *validateOnly {
		slog.Info("flow definition is valid", "flow", cfg.Flow.Name)
		return nil
	}

	slog.Info("starting", "flow", cfg.Flow.Name, "config_path", *configPath)

	registry := metric.NewRegistry()
	nodes, err := buildFlow(cfg.Flow, registry, logger)
	if err != nil {
		return fmt.Errorf("build flow: %w", err)
	}

	metricsSrv := startMetricsServer(cfg.Runtime.MetricsAddr, registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started, err := startNodes(ctx, nodes)
	if err != nil {
		stopNodes(started, cfg.Runtime.ShutdownTimeout)
		shutdownMetricsServer(metricsSrv, cfg.Runtime.ShutdownTimeout)
		return err
	}

	slog.Info("flow running", "nodes", len(started))
	<-ctx.Done()
	slog.Info("shutdown requested")

	stopNodes(started, cfg.Runtime.ShutdownTimeout)
	shutdownMetricsServer(metricsSrv, cfg.Runtime.ShutdownTimeout)
	slog.Info("shutdown complete")
	return nil
}

// startNodes starts nodes in order and reports how far it got, so a
// mid-flow failure can unwind exactly the nodes already running.
func startNodes(ctx context.Context, nodes []node.Node) ([]node.Node, error) {
	started := make([]node.Node, 0, len(nodes))
	for _, n := range nodes {
		if err := n.Start(ctx); err != nil {
			return started, fmt.Errorf("start node %s: %w", n.ID(), err)
		}
		slog.Info("node started", "node", n.ID())
		started = append(started, n)
	}
	return started, nil
}

// stopNodes stops nodes in reverse start order: producers first so no new
// messages enter the flow while consumers drain.
func stopNodes(nodes []node.Node, timeout time.Duration) {
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if err := n.Stop(timeout); err != nil {
			slog.Warn("node stop failed", "node", n.ID(), "error", err)
		}
	}
}

func startMetricsServer(addr string, registry *metric.Registry) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	slog.Info("metrics exposed", "addr", addr, "path", "/metrics")
	return srv
}

func shutdownMetricsServer(srv *http.Server, timeout time.Duration) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("metrics server shutdown failed", "error", err)
	}
}
