package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/hub"
	"github.com/loqalabs/loqa-relay/internal/natsserver"
	"github.com/loqalabs/loqa-relay/internal/server"
	"github.com/loqalabs/loqa-relay/internal/transport/sse"
	"github.com/loqalabs/loqa-relay/internal/transport/ws"
	"github.com/loqalabs/loqa-relay/internal/worker"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	tracerClose func(context.Context) error
	metrics     http.Handler
	natsServer  *natsserver.EmbeddedServer
	bus         *bus.Client
	commands    *bus.CommandService
	store       *eventstore.Store
	recorder    *eventstore.Recorder
	hub         *hub.Hub
	bridge      *worker.Bridge
	ready       atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, runs the worker and the HTTP surface, and
// blocks until ctx is cancelled or a component fails.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricHandler
	defer r.shutdown()

	if err := r.setupStore(ctx); err != nil {
		return err
	}

	r.hub = hub.New(r.logger)
	bridge, err := worker.New(r.cfg.Worker, r.logger)
	if err != nil {
		return err
	}
	r.bridge = bridge
	r.bridge.Subscribe(r.hub)
	if r.recorder != nil {
		r.bridge.Subscribe(r.recorder)
	}

	if err := r.setupBus(ctx); err != nil {
		return err
	}

	heartbeat := time.Duration(r.cfg.Hub.PingIntervalMS) * time.Millisecond
	deps := server.Deps{
		Worker:  r.bridge,
		Push:    sse.NewHandler(r.hub, r.cfg.Hub.ClientBuffer, heartbeat, r.logger),
		Stream:  ws.NewHandler(r.hub, r.bridge, r.cfg.Hub, r.logger),
		Healthy: r.healthy,
		Logger:  r.logger,
	}
	if r.store != nil {
		deps.History = r.store
	}
	if r.cfg.Telemetry.PrometheusBind == "" {
		deps.Metrics = r.metrics
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           server.New(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		servers = append(servers, &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return r.bridge.Run(gctx)
	})
	if r.store != nil {
		g.Go(func() error {
			r.pruneLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	return g.Wait()
}

func (r *Runtime) setupStore(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "event-store")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	if r.cfg.EventStore.RetentionMode == "ephemeral" {
		return nil
	}
	r.recorder = eventstore.NewRecorder(store, r.logger, 1024)
	r.recorder.Start(context.WithoutCancel(ctx))
	return nil
}

func (r *Runtime) setupBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.natsServer = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	if busCfg.RetainMinutes > 0 {
		if err := client.EnsureEventStream(time.Duration(busCfg.RetainMinutes) * time.Minute); err != nil {
			r.logger.Warn("event stream unavailable", slog.String("error", err.Error()))
		}
	}
	r.bridge.Subscribe(bus.NewMirror(client, r.logger))

	r.commands = bus.NewCommandService(ctx, client, r.bridge, r.logger)
	if err := r.commands.Start(); err != nil {
		return fmt.Errorf("failed to subscribe to bus commands: %w", err)
	}
	return nil
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	return true
}

// shutdown releases components in reverse start order.
func (r *Runtime) shutdown() {
	if r.commands != nil {
		r.commands.Close()
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
