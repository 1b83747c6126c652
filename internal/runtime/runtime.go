// Package runtime assembles the console daemon: persistence, the optional
// event bus, the synthesis orchestrator and the HTTP control surface.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vieneulabs/vieneu-console/internal/backend"
	"github.com/vieneulabs/vieneu-console/internal/bus"
	"github.com/vieneulabs/vieneu-console/internal/config"
	"github.com/vieneulabs/vieneu-console/internal/natsserver"
	"github.com/vieneulabs/vieneu-console/internal/notify"
	"github.com/vieneulabs/vieneu-console/internal/orchestrator"
	"github.com/vieneulabs/vieneu-console/internal/store"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the daemon up and blocks until ctx is cancelled. Teardown is
// ordered: HTTP first so no new operations arrive, then the orchestrator so
// every queue and timer drains, then bus and store.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var embedded *natsserver.EmbeddedServer
	var busClient *bus.Client
	if r.cfg.Bus.Enabled {
		embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		busClient, err = bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			// The event feed is advisory; the console works without it.
			r.logger.Warn("bus unavailable, continuing without event feed", slog.String("error", err.Error()))
			busClient = nil
		}
	}

	hook, err := notify.New(r.cfg.Notify.Command, r.logger)
	if err != nil {
		return fmt.Errorf("notify hook: %w", err)
	}

	client := backend.NewClient(r.cfg.Server, r.logger)
	orch, err := orchestrator.New(ctx, r.cfg, st, client, busClient, hook, r.logger)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	if err := orch.Resume(ctx); err != nil {
		// A broken snapshot must not keep the daemon down.
		r.logger.Warn("resume failed, starting with empty workspace", slog.String("error", err.Error()))
	}

	mux := http.NewServeMux()
	newAPI(orch, r.logger).register(mux)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("backend", r.cfg.Server.BaseURL))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	orch.Shutdown()
	busClient.Close()
	if embedded != nil {
		embedded.Shutdown()
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
