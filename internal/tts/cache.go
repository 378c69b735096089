package tts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/voices"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// VoiceSource is the subset of the voice registry the cache and synthesizer use.
type VoiceSource interface {
	Get(key string) (voices.Entry, bool)
	Keys() []string
	ResolvePaths(e voices.Entry) (modelPath, configPath string)
}

type CacheOptions struct {
	EzafeModelPath string
	UseCUDA        bool
	TempDir        string
}

// Cache memoizes loaded engines per voice key. Each key is loaded at most
// once until the cache is cleared.
type Cache struct {
	voices VoiceSource
	loader Loader
	opts   CacheOptions
	log    *slog.Logger

	mu      sync.RWMutex
	engines map[string]Engine
	gen     uint64
	group   singleflight.Group
	loads   atomic.Int64

	meter       metric.Meter
	loadCounter metric.Int64Counter
}

func NewCache(src VoiceSource, loader Loader, opts CacheOptions, log *slog.Logger) *Cache {
	c := &Cache{
		voices:  src,
		loader:  loader,
		opts:    opts,
		log:     log.With(slog.String("component", "model-cache")),
		engines: make(map[string]Engine),
		meter:   otel.Meter("github.com/loqalabs/loqa-tts/tts"),
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	return c
}

func (c *Cache) initMetrics() error {
	counter, err := c.meter.Int64Counter("tts.cache.loads", metric.WithDescription("Voice models loaded from disk"))
	if err != nil {
		return err
	}
	c.loadCounter = counter
	gauge, err := c.meter.Int64ObservableGauge("tts.cache.models", metric.WithDescription("Voice models held in memory"))
	if err != nil {
		return err
	}
	_, err = c.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(c.Len()))
		return nil
	}, gauge)
	return err
}

// Get returns the engine for voiceKey, loading it on first use. A load
// shared by several callers keeps running if the first caller goes away.
func (c *Cache) Get(ctx context.Context, voiceKey string) (Engine, error) {
	c.mu.RLock()
	engine, ok := c.engines[voiceKey]
	gen := c.gen
	c.mu.RUnlock()
	if ok {
		return engine, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(voiceKey, func() (any, error) {
		return c.load(loadCtx, voiceKey, gen)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Engine), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) load(ctx context.Context, voiceKey string, gen uint64) (Engine, error) {
	c.mu.RLock()
	engine, ok := c.engines[voiceKey]
	c.mu.RUnlock()
	if ok {
		return engine, nil
	}

	entry, ok := c.voices.Get(voiceKey)
	if !ok {
		return nil, VoiceNotFound(voiceKey, c.voices.Keys())
	}
	modelPath, configPath := c.voices.ResolvePaths(entry)
	if !fileExists(modelPath) || !fileExists(configPath) {
		return nil, newError(KindModelFilesMissing, "load voice",
			fmt.Sprintf("Voice files not found: %s, %s", modelPath, configPath))
	}

	start := time.Now()
	engine, patched, err := c.loadEngine(ctx, entry.Key, modelPath, configPath)
	if err != nil {
		c.log.Error("voice model load failed", slog.String("voice", voiceKey), slogError(err))
		return nil, wrapError(KindModelLoadFailed, "load voice",
			fmt.Sprintf("Failed to load voice model: %s", voiceKey), err)
	}
	c.loads.Add(1)
	if c.loadCounter != nil {
		c.loadCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("voice", voiceKey)))
	}

	c.mu.Lock()
	stale := c.gen != gen
	if !stale {
		c.engines[voiceKey] = engine
	}
	c.mu.Unlock()
	if stale {
		// Cleared mid-load: callers still get the engine, but nothing owns it.
		closeEngine(engine, c.log)
	}

	c.log.Info("voice model loaded",
		slog.String("voice", voiceKey),
		slog.Int("sample_rate", engine.SampleRate()),
		slog.Bool("patched", patched),
		slog.Duration("elapsed", time.Since(start)),
	)
	return engine, nil
}

func (c *Cache) loadEngine(ctx context.Context, voiceKey, modelPath, configPath string) (Engine, bool, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, false, fmt.Errorf("read voice config: %w", err)
	}
	vc, err := ParseVoiceConfig(raw)
	if err != nil {
		return nil, false, err
	}
	effective, patched, err := EffectiveConfig(raw, c.opts.EzafeModelPath)
	if err != nil {
		return nil, false, err
	}

	spec := LoadSpec{
		VoiceKey:   voiceKey,
		ModelPath:  modelPath,
		ConfigPath: configPath,
		Config:     vc,
		Patched:    patched,
		UseCUDA:    c.opts.UseCUDA,
	}
	if !patched {
		engine, err := c.loader.Load(ctx, spec)
		return engine, false, err
	}

	var engine Engine
	err = WithScopedFile(c.opts.TempDir, "voice-*.onnx.json", effective, func(path string) error {
		spec.ConfigPath = path
		var loadErr error
		engine, loadErr = c.loader.Load(ctx, spec)
		return loadErr
	})
	return engine, true, err
}

// Clear drops every cached engine, releases the ones holding resources and
// returns how many were removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	evicted := c.engines
	c.engines = make(map[string]Engine)
	c.gen++
	c.mu.Unlock()
	for _, engine := range evicted {
		closeEngine(engine, c.log)
	}
	c.log.Info("model cache cleared", slog.Int("removed", len(evicted)))
	return len(evicted)
}

func closeEngine(engine Engine, log *slog.Logger) {
	closer, ok := engine.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		log.Warn("failed to release voice engine", slogError(err))
	}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.engines)
}

// Loads reports how many engines have been loaded from disk.
func (c *Cache) Loads() int64 {
	return c.loads.Load()
}

// VoiceNotFound builds the error returned for an unknown voice key.
func VoiceNotFound(voiceKey string, known []string) *Error {
	return newError(KindVoiceNotFound, "resolve voice",
		fmt.Sprintf("Voice '%s' not found. Available voices: [%s]", voiceKey, strings.Join(known, ", ")))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
