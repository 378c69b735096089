package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/httpapi"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/tts/piper"
	"github.com/loqalabs/loqa-tts/internal/voices"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	listener    net.Listener
	tracerClose func(context.Context) error
	journal     *eventstore.Store
	registry    *voices.Registry
	cache       *tts.Cache
	synth       *tts.Synthesizer
	embedded    *natsserver.EmbeddedServer
	bus         *bus.Client
	ttsService  *tts.Service
	ready       atomic.Bool
	addr        atomic.Value
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr reports the address the HTTP server listens on once Start has bound it.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Ready reports whether the runtime is serving.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	if r.ttsService != nil && !r.ttsService.Healthy() {
		return false
	}
	return r.bus == nil || r.bus.Healthy()
}

// Start assembles the service, serves until ctx is cancelled and then shuts
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.build(ctx); err != nil {
		cancel()
		r.shutdown()
		return err
	}

	router := httpapi.NewRouter(httpapi.Options{
		Logger:  r.logger,
		Voices:  r.registry,
		Synth:   r.synth,
		History: r.journal,
		Ready:   r.Ready,
		Metrics: metricsHandler,
		Debug:   r.cfg.Telemetry.LogLevel == "debug",
	})

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		cancel()
		r.shutdown()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.listener = ln
	r.addr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", ln.Addr().String()),
		slog.Int("voices", r.registry.Len()),
		slog.String("engine", r.cfg.Engine.Mode),
	)

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) build(ctx context.Context) error {
	journal, err := eventstore.Open(ctx, r.cfg.Journal, r.logger.With(slog.String("component", "journal")))
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	r.journal = journal

	r.registry = voices.NewRegistry(r.cfg.Voices.ManifestPath, r.cfg.Voices.ModelDir, r.logger)
	r.registry.Load()
	if r.cfg.Voices.Reload {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			err := r.registry.Watch(ctx, func(count int) {
				r.logger.Info("voices manifest reloaded", slog.Int("voices", count))
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("voices manifest watch stopped", slog.String("error", err.Error()))
			}
		}()
	}

	loader, useCUDA, err := r.newLoader(ctx)
	if err != nil {
		return err
	}

	tempDir := r.cfg.Engine.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	} else if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	r.cache = tts.NewCache(r.registry, loader, tts.CacheOptions{
		EzafeModelPath: r.cfg.Engine.EzafeModelPath,
		UseCUDA:        useCUDA,
		TempDir:        tempDir,
	}, r.logger)
	r.synth = tts.NewSynthesizer(r.registry, r.cache, tts.Options{
		MaxConcurrent: r.cfg.Engine.MaxConcurrent,
		Timeout:       time.Duration(r.cfg.Engine.TimeoutMS) * time.Millisecond,
		TempDir:       tempDir,
	}, r.journal, r.logger)

	if !r.cfg.Bus.Enabled {
		return nil
	}
	r.embedded, err = natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.bus, err = bus.Connect(ctx, r.cfg.Bus, r.embedded.ClientURL(), r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.ttsService = tts.NewService(ctx, tts.ServiceConfig{
		Enabled:      true,
		DefaultVoice: r.cfg.Voices.DefaultVoice,
		Timeout:      time.Duration(r.cfg.Engine.TimeoutMS) * time.Millisecond,
	}, r.bus, r.synth, r.registry, r.logger)
	if err := r.ttsService.Start(); err != nil {
		return fmt.Errorf("failed to start bus service: %w", err)
	}
	return nil
}

func (r *Runtime) newLoader(ctx context.Context) (tts.Loader, bool, error) {
	if r.cfg.Engine.Mode == "mock" {
		r.logger.Warn("using mock synthesis engine")
		return tts.NewMockLoader(r.cfg.Engine.MockSampleRate), false, nil
	}

	loader, err := piper.NewLoader(r.cfg.Engine.Command, r.cfg.Engine.ChunkBytes, r.cfg.Engine.TempDir, r.logger)
	if err != nil {
		return nil, false, fmt.Errorf("failed to configure piper: %w", err)
	}
	useCUDA := r.cfg.Engine.UseCUDA
	if useCUDA {
		detectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		supported, err := piper.DetectCUDA(detectCtx, r.cfg.Engine.Command)
		cancel()
		if err != nil || !supported {
			attrs := []any{slog.Bool("supported", supported)}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			r.logger.Warn("CUDA requested but unavailable, falling back to CPU", attrs...)
			useCUDA = false
		}
	}
	return loader, useCUDA, nil
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.ttsService != nil {
		r.ttsService.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	r.wg.Wait()

	if r.cache != nil {
		if n := r.cache.Clear(); n > 0 {
			r.logger.Info("released cached voices", slog.Int("count", n))
		}
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("journal close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
