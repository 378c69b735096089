package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/voices"
	"go.opentelemetry.io/otel/trace"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixtureVoice struct {
	key         string
	family      string
	numSpeakers int
	sampleRate  int
	skipFiles   bool
}

// newFixture writes a manifest plus model/config files and returns a loaded
// registry over them.
func newFixture(t *testing.T, vs ...fixtureVoice) (*voices.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	modelDir := filepath.Join(dir, "models")
	manifest := map[string]any{}
	for _, v := range vs {
		speakers := map[string]int{}
		for i := 0; i < v.numSpeakers && v.numSpeakers > 1; i++ {
			speakers[fmt.Sprintf("speaker_%d", i)] = i
		}
		model := fmt.Sprintf("%s/%s.onnx", v.family, v.key)
		manifest[v.key] = map[string]any{
			"name":           v.key,
			"language":       map[string]any{"code": v.family, "family": v.family},
			"quality":        "medium",
			"num_speakers":   v.numSpeakers,
			"speaker_id_map": speakers,
			"files": map[string]any{
				model:           map[string]any{},
				model + ".json": map[string]any{},
			},
		}
		if v.skipFiles {
			continue
		}
		if err := os.MkdirAll(filepath.Join(modelDir, v.family), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(modelDir, model), []byte("onnx"), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, _ := json.Marshal(map[string]any{
			"audio":          map[string]any{"sample_rate": v.sampleRate, "quality": "medium"},
			"num_speakers":   v.numSpeakers,
			"speaker_id_map": speakers,
			"espeak":         map[string]any{"voice": v.family},
		})
		if err := os.WriteFile(filepath.Join(modelDir, model+".json"), cfg, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	data, _ := json.Marshal(manifest)
	manifestPath := filepath.Join(dir, "voices.json")
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	reg := voices.NewRegistry(manifestPath, modelDir, newLogger())
	reg.Load()
	return reg, dir
}

// countingLoader wraps MockLoader and records every Load call.
type countingLoader struct {
	inner   *MockLoader
	calls   atomic.Int64
	release chan struct{}

	mu     sync.Mutex
	specs  []LoadSpec
	config [][]byte
	err    error
}

func newCountingLoader() *countingLoader {
	return &countingLoader{inner: NewMockLoader(16000)}
}

func (l *countingLoader) Load(ctx context.Context, spec LoadSpec) (Engine, error) {
	l.calls.Add(1)
	if l.release != nil {
		<-l.release
	}
	data, _ := os.ReadFile(spec.ConfigPath)
	l.mu.Lock()
	l.specs = append(l.specs, spec)
	l.config = append(l.config, data)
	err := l.err
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return l.inner.Load(ctx, spec)
}

// failingLoader yields engines that write some audio and then fail.
type failingLoader struct{}

func (failingLoader) Load(ctx context.Context, spec LoadSpec) (Engine, error) {
	return failingEngine{}, nil
}

type failingEngine struct{}

func (failingEngine) SampleRate() int { return 16000 }

func (failingEngine) Synthesize(ctx context.Context, text string, p Params, w io.Writer) error {
	if _, err := w.Write(make([]byte, 3200)); err != nil {
		return err
	}
	return errors.New("onnx runtime exploded")
}

type memoryJournal struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (m *memoryJournal) RecordSynthesis(ctx context.Context, o Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
	return nil
}

func (m *memoryJournal) all() []Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Outcome(nil), m.outcomes...)
}

// closableLoader yields mock engines that record Close.
type closableLoader struct {
	inner   *MockLoader
	calls   atomic.Int64
	release chan struct{}

	mu      sync.Mutex
	engines []*closableEngine
}

func (l *closableLoader) Load(ctx context.Context, spec LoadSpec) (Engine, error) {
	l.calls.Add(1)
	if l.release != nil {
		<-l.release
	}
	inner, err := l.inner.Load(ctx, spec)
	if err != nil {
		return nil, err
	}
	e := &closableEngine{Engine: inner}
	l.mu.Lock()
	l.engines = append(l.engines, e)
	l.mu.Unlock()
	return e, nil
}

type closableEngine struct {
	Engine
	closed atomic.Int64
}

func (e *closableEngine) Close() error {
	e.closed.Add(1)
	return nil
}

// spanLoader records the span context each Load and Synthesize call sees.
type spanLoader struct {
	inner *MockLoader

	mu    sync.Mutex
	spans []trace.SpanContext
}

func (l *spanLoader) record(ctx context.Context) {
	l.mu.Lock()
	l.spans = append(l.spans, trace.SpanContextFromContext(ctx))
	l.mu.Unlock()
}

func (l *spanLoader) seen() []trace.SpanContext {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]trace.SpanContext(nil), l.spans...)
}

func (l *spanLoader) Load(ctx context.Context, spec LoadSpec) (Engine, error) {
	l.record(ctx)
	inner, err := l.inner.Load(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &spanEngine{Engine: inner, loader: l}, nil
}

type spanEngine struct {
	Engine
	loader *spanLoader
}

func (e *spanEngine) Synthesize(ctx context.Context, text string, p Params, w io.Writer) error {
	e.loader.record(ctx)
	return e.Engine.Synthesize(ctx, text, p, w)
}
