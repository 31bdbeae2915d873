package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/semlayer/config"
	"github.com/c360/semlayer/gateway"
	"github.com/c360/semlayer/health"
	"github.com/c360/semlayer/indexer"
	"github.com/c360/semlayer/layer"
	"github.com/c360/semlayer/metric"
	"github.com/c360/semlayer/natsclient"
	"github.com/c360/semlayer/store"
	"github.com/c360/semlayer/store/memstore"
	"github.com/c360/semlayer/store/natskv"
	"github.com/c360/semlayer/store/sqlitestore"
	"github.com/c360/semlayer/stream"
	"github.com/c360/semlayer/todo"
)

const healthInterval = 30 * time.Second

// app owns every long-lived piece of the daemon.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	monitor  *health.Monitor

	store   store.Store
	closers []func(context.Context) error // Run in reverse on shutdown
	todos   *todo.Layer

	metrics *metric.Server
	events  *stream.Server[todo.Todo]
}

// storeCloser adapts the stores' Close to the shutdown list.
type storeCloser interface{ Close() error }

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(),
	}

	if err := a.openStore(ctx); err != nil {
		a.shutdownStores(context.Background())
		return nil, err
	}

	layerMetrics, err := layer.NewMetrics("todo", a.registry)
	if err != nil {
		a.shutdownStores(context.Background())
		return nil, fmt.Errorf("layer metrics: %w", err)
	}
	indexerMetrics, err := indexer.NewMetrics("todo", a.registry)
	if err != nil {
		a.shutdownStores(context.Background())
		return nil, fmt.Errorf("indexer metrics: %w", err)
	}

	todos, err := todo.OpenLayer(ctx, a.store, logger,
		layer.WithMetrics(layerMetrics),
		layer.WithIndexerMetrics(indexerMetrics),
	)
	if err != nil {
		a.shutdownStores(context.Background())
		return nil, fmt.Errorf("open todo layer: %w", err)
	}
	a.todos = todos
	a.monitor.Register("layer.todo", todos)
	logger.Info("Todo layer loaded", "ready", todos.Ready().Count(), "unfinished", todos.Unfinished().Count())

	if cfg.Metrics.Enabled {
		a.metrics = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, a.registry, a.healthFunc)
	}
	if cfg.Stream.Enabled {
		opts := []stream.Option{
			stream.WithPath(cfg.Stream.Path),
			stream.WithMetrics(a.registry.CoreMetrics()),
			stream.WithLogger(logger),
		}
		if cfg.Stream.API {
			api, err := gateway.New(todos, cfg.Store.Author,
				gateway.WithLogger(logger),
				gateway.WithMetrics(a.registry),
			)
			if err != nil {
				_ = todos.Close()
				a.shutdownStores(context.Background())
				return nil, fmt.Errorf("todo api: %w", err)
			}
			opts = append(opts, stream.WithRoutes(api.Register))
		}
		a.events = stream.New(todos.Ready(), opts...)
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Type {
	case config.StoreSQLite:
		s, err := sqlitestore.Open(ctx, a.cfg.Store.SQLitePath, a.logger)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.useStore(s)

	case config.StoreNATS:
		client, err := a.connectNATS(ctx)
		if err != nil {
			return err
		}
		a.monitor.Register("natsclient", client)
		a.closers = append(a.closers, client.Close)

		kvCfg := natskv.DefaultConfig(a.cfg.NATS.Bucket)
		kvCfg.History = a.cfg.NATS.History
		s, err := natskv.Open(ctx, client, kvCfg,
			natskv.WithLogger(a.logger),
			natskv.WithMetrics(a.registry.CoreMetrics()),
		)
		if err != nil {
			return fmt.Errorf("open nats kv store: %w", err)
		}
		a.monitor.Register("store.natskv", s)
		a.useStore(s)

	default:
		a.useStore(memstore.New(memstore.WithLogger(a.logger)))
	}
	return nil
}

func (a *app) useStore(s interface {
	store.Store
	storeCloser
}) {
	a.store = s
	a.closers = append(a.closers, func(context.Context) error { return s.Close() })
}

func (a *app) connectNATS(ctx context.Context) (*natsclient.Client, error) {
	n := a.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(a.logger),
		natsclient.WithMetrics(a.registry.CoreMetrics()),
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithReconnectWait(n.ReconnectWait),
		natsclient.WithTimeout(n.Timeout),
	}
	switch {
	case n.Token != "":
		opts = append(opts, natsclient.WithToken(n.Token))
	case n.Username != "":
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}

	client, err := natsclient.NewClient(n.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", n.URL, err)
	}
	return client, nil
}

// healthFunc backs the metrics server's /health endpoint.
func (a *app) healthFunc() (bool, string) {
	status := a.monitor.AggregateHealth(appName)
	return status.IsHealthy(), status.Message
}

// run serves until ctx is cancelled or the layer detaches from its store,
// then shuts everything down within timeout.
func (a *app) run(ctx context.Context, timeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.metrics != nil {
		g.Go(func() error {
			a.logger.Info("Metrics server listening", "addr", a.cfg.Metrics.Addr, "path", a.cfg.Metrics.Path)
			return a.metrics.Start()
		})
	}
	if a.events != nil {
		g.Go(func() error {
			a.logger.Info("Event stream listening", "addr", a.cfg.Stream.Addr, "path", a.cfg.Stream.Path)
			if err := a.events.Start(a.cfg.Stream.Addr); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		a.reportHealth(gctx)
		return nil
	})

	g.Go(func() error {
		var detached bool
		select {
		case <-gctx.Done():
		case <-a.todos.Done():
			detached = true
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		a.shutdown(shutdownCtx)
		if detached {
			return fmt.Errorf("todo layer detached from %s store", a.cfg.Store.Type)
		}
		return nil
	})

	err := g.Wait()
	a.logger.Info("Stopped", "error", err)
	return err
}

// reportHealth logs the aggregate status on every tick and records each
// component on the health gauge.
func (a *app) reportHealth(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	core := a.registry.CoreMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.todos.Done():
			return
		case <-ticker.C:
			status := a.monitor.AggregateHealth(appName)
			for _, sub := range status.SubStatuses {
				core.RecordHealthStatus(sub.Component, sub.IsHealthy())
			}
			if status.IsHealthy() {
				a.logger.Debug("Health check", "status", status.Status, "message", status.Message)
			} else {
				a.logger.Warn("Health check", "status", status.Status, "message", status.Message)
			}
		}
	}
}

func (a *app) shutdown(ctx context.Context) {
	a.logger.Info("Shutting down")
	if a.events != nil {
		if err := a.events.Stop(ctx); err != nil {
			a.logger.Warn("Event stream stop failed", "error", err)
		}
	}
	if a.metrics != nil {
		if err := a.metrics.Stop(ctx); err != nil {
			a.logger.Warn("Metrics server stop failed", "error", err)
		}
	}
	_ = a.todos.Close()
	a.shutdownStores(ctx)
}

func (a *app) shutdownStores(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("Close failed", "error", err)
		}
	}
	a.closers = nil
}
