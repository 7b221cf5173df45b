package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/ledger"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/service"
	"github.com/loqalabs/loqa-narrator/internal/synth"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	stack   *Stack
	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	service *service.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Stack is the pipeline and the resources it owns.
type Stack struct {
	Pipeline *pipeline.Pipeline
	Ledger   *ledger.Ledger
	Backend  synth.Backend
	release  []func() error
}

// Close releases the ledger and the synthesis cache.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.release) - 1; i >= 0; i-- {
		if err := s.release[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BuildStack wires ledger, backend, voice resolver and pipeline from cfg.
func BuildStack(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Stack, error) {
	l, err := ledger.Open(ctx, cfg.Ledger, logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	stack := &Stack{Ledger: l, release: []func() error{l.Close}}

	backend, releaseCache, err := synth.FromConfig(ctx, cfg.Synth, cfg.Cache, logger)
	if err != nil {
		_ = stack.Close()
		return nil, fmt.Errorf("configure synthesis backend: %w", err)
	}
	stack.Backend = backend
	stack.release = append(stack.release, releaseCache)

	stack.Pipeline = pipeline.New(pipeline.Options{
		Backend:    backend,
		Resolver:   voice.NewResolver(cfg.Voice, logger),
		Recorder:   l,
		Classifier: synth.NewClassifier(cfg.Synth.QuotaMarkers),
		WorkDir:    cfg.WorkDir,
		OutputDir:  cfg.WorkDir,
		Logger:     logger,
	})
	logger.Info("narration pipeline ready",
		slog.String("backend", backend.Name()),
		slog.String("cache", cfg.Cache.Mode),
		slog.String("ledger", cfg.Ledger.RetentionMode),
	)
	return stack, nil
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.Shutdown

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		_ = tel.Shutdown(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", tel.Metrics)
		r.metricsSrv = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsSrv)
	} else {
		mux.Handle("/metrics", tel.Metrics)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.serve(r.httpServer)

	r.wg.Add(1)
	go r.runPrune(ctx, r.stack.Ledger)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.stopComponents()
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) serve(srv *http.Server) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) startComponents(ctx context.Context) error {
	stack, err := BuildStack(ctx, r.cfg, r.logger)
	if err != nil {
		return err
	}
	r.stack = stack

	if !r.cfg.Bus.Enabled {
		r.logger.Info("bus disabled; serving health and metrics only")
		return nil
	}

	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	r.service = service.NewService(ctx, r.cfg.Run, client, stack.Pipeline, r.logger)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("start narrator service: %w", err)
	}
	return nil
}

func (r *Runtime) stopComponents() {
	if r.service != nil {
		r.service.Close()
		r.service = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
	if r.stack != nil {
		if err := r.stack.Close(); err != nil {
			r.logger.Warn("failed to release pipeline resources", slog.String("error", err.Error()))
		}
		r.stack = nil
	}
}

func (r *Runtime) runPrune(ctx context.Context, l *ledger.Ledger) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Prune(ctx); err != nil {
				r.logger.Warn("ledger prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.service == nil || r.service.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
