package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/artgen/internal/logging"
	"github.com/rendis/artgen/internal/metrics"
	"github.com/rendis/artgen/internal/store"
	"github.com/rendis/artgen/internal/streaming"
	"github.com/rendis/artgen/internal/tracing"
)

// services owns the process-wide infrastructure a run reports to.
type services struct {
	ledger  *store.LibSQLStore
	metrics *metrics.Metrics
	tracer  trace.Tracer
	hub     streaming.EventHub
	logger  *slog.Logger
	closers []func()
}

func newLogger(level *slog.LevelVar) *slog.Logger {
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// openLedger opens and migrates the libSQL run ledger at path.
func openLedger(ctx context.Context, path string) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	ledger, err := store.NewLibSQLStore("file:" + path)
	if err != nil {
		return nil, err
	}
	if err := ledger.Migrate(ctx); err != nil {
		ledger.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return ledger, nil
}

// newServices wires the ledger, metrics, tracing and event hubs. Only the
// ledger is required; the optional pieces log and carry on when they
// cannot start.
func newServices(ctx context.Context, cfg Config, logger *slog.Logger) (*services, error) {
	rt := &services{logger: logger}

	ledger, err := openLedger(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	rt.ledger = ledger
	rt.closers = append(rt.closers, func() {
		if err := ledger.Close(); err != nil {
			logger.Warn("ledger close failed", slog.String("error", err.Error()))
		}
	})

	reg := prometheus.NewRegistry()
	rt.metrics = metrics.New(reg)
	if cfg.MetricsAddr != "" {
		rt.serveMetrics(cfg.MetricsAddr, reg)
	}

	shutdown, err := tracing.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Warn("tracing disabled", slog.String("error", err.Error()))
		rt.tracer = tracing.Noop()
	} else {
		rt.tracer = tracing.Tracer(nil)
		rt.closers = append(rt.closers, func() { _ = tracing.Shutdown(shutdown, logger) })
	}

	local := streaming.NewMemoryHub()
	rt.closers = append(rt.closers, func() {
		if n := local.Dropped(); n > 0 {
			logger.Debug("slow subscribers missed events", slog.Uint64("dropped", n))
		}
	})
	hubs := streaming.MultiHub{local}
	if cfg.NATSURL != "" {
		nc, err := streaming.Connect(ctx, streaming.DefaultConnectionConfig(cfg.NATSURL), logger)
		if err != nil {
			logger.Warn("NATS relay disabled", slog.String("url", cfg.NATSURL), slog.String("error", err.Error()))
		} else {
			hubs = append(hubs, streaming.NewNATSHub(streaming.WrapConn(nc), cfg.NATSSubject, logger))
			rt.closers = append(rt.closers, func() { drain(nc, logger) })
		}
	}
	rt.hub = hubs
	return rt, nil
}

func (rt *services) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		rt.logger.Info("serving metrics", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	rt.closers = append(rt.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
}

func drain(nc *nats.Conn, logger *slog.Logger) {
	if err := nc.Drain(); err != nil {
		logger.Debug("NATS drain failed", slog.String("error", err.Error()))
		nc.Close()
	}
}

// Close releases everything in reverse order of acquisition.
func (rt *services) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}
