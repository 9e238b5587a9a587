// Command qakkad is the queue server process.
// It loads configuration, initialises node identity, and starts the server.
//
// Usage:
//
//	qakkad [--config path/to/config.yaml]
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
	"syscall"
	"time"

	"github.com/apache/qakka/internal/audit"
	"github.com/apache/qakka/internal/config"
	"github.com/apache/qakka/internal/consumer"
	"github.com/apache/qakka/internal/metrics"
	"github.com/apache/qakka/internal/node"
	"github.com/apache/qakka/internal/qactor"
	"github.com/apache/qakka/internal/qmsg"
	"github.com/apache/qakka/internal/qservice"
	"github.com/apache/qakka/internal/reaper"
	"github.com/apache/qakka/internal/registry"
	"github.com/apache/qakka/internal/sharding"
	"github.com/apache/qakka/internal/storage/local"
	transphttp "github.com/apache/qakka/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "qakkad: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	slog.Info("qakka starting",
		"node_id", n.ID(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
		"region", cfg.Queue.RegionLocal,
		"cluster_enabled", cfg.Cluster.Enabled,
	)

	// ── 4. Initialise storage engine, sharding, message store, audit log ────
	eng, err := local.Open(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("open storage engine: %w", err)
	}
	counter := sharding.NewCounter(eng)
	strategy := sharding.NewStrategy(eng, counter)
	store := qmsg.New(eng, strategy, counter)
	auditLog := audit.New(eng)

	counterCtx, stopCounterFlush := context.WithCancel(context.Background())
	defer stopCounterFlush()
	go counter.FlushLoop(counterCtx, time.Duration(cfg.Queue.CounterFlushIntervalMs)*time.Millisecond)

	compactor := local.NewCompactor(eng, cfg.Storage.CompactionIntervalDuration(), cfg.Storage.BodyRetentionDuration())
	compactor.Start()

	// ── 5. Initialise queue registry ─────────────────────────────────────────
	queues, err := registry.New(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("init queue registry: %w", err)
	}

	// ── 6. Initialise actor helper/router ────────────────────────────────────
	inflightTimeoutMs := func(queueName string) int64 {
		if def, err := queues.Get(queueName); err == nil && def.InflightTimeoutMs > 0 {
			return def.InflightTimeoutMs
		}
		return cfg.Queue.InflightTimeoutMs
	}
	helper := qactor.NewHelper(store, auditLog, inflightTimeoutMs)
	router := qactor.NewRouter(helper)

	// ── 7. Initialise metrics registry ───────────────────────────────────────
	metricsReg := &metrics.Registry{}

	// ── 8. Initialise the service façade ─────────────────────────────────────
	svc := qservice.New(queues, router, store, auditLog, cfg.Queue.RegionLocal, qservice.WithMetrics(metricsReg))

	// ── 9. Start the inflight timeout reaper ─────────────────────────────────
	r := reaper.New(router, time.Duration(cfg.Queue.ReaperIntervalMs)*time.Millisecond, reaper.WithMetrics(metricsReg))
	r.Start()

	// ── 10. Initialise webhook consumer manager ──────────────────────────────
	cm := consumer.NewManager(svc)

	// ── 11. Start HTTP / WebSocket transport ─────────────────────────────────
	srv := transphttp.New(svc, cm, cfg, metricsReg)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("qakka ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 12. Start dedicated Prometheus metrics listener ──────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsReg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 13. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cm.Close()
	r.Stop()
	compactor.Stop()
	stopCounterFlush()
	counter.Stop()

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	router.StopAll()
	if err := eng.Close(); err != nil {
		slog.Warn("storage engine close error", "err", err)
	}

	slog.Info("qakka stopped")
	return nil
}
