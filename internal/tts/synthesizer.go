package tts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const streamBuffer = 8

type Options struct {
	MaxConcurrent int
	Timeout       time.Duration
	TempDir       string
}

// Outcome summarizes one finished synthesis request.
type Outcome struct {
	RequestID     string
	VoiceKey      string
	SpeakerID     int
	Format        OutputFormat
	TextChars     int
	AudioDuration time.Duration
	Latency       time.Duration
	Stage         Stage // StageCompleted or StageFailed
	FailedAt      Stage
	Err           error
}

// Journal receives every synthesis outcome.
type Journal interface {
	RecordSynthesis(ctx context.Context, o Outcome) error
}

// Synthesizer runs synthesis requests against cached engines. Engine runs
// are bounded by a weighted semaphore so CPU-heavy work never exceeds
// MaxConcurrent.
type Synthesizer struct {
	voices  VoiceSource
	cache   *Cache
	opts    Options
	sem     *semaphore.Weighted
	journal Journal
	log     *slog.Logger

	tracer   trace.Tracer
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func NewSynthesizer(src VoiceSource, cache *Cache, opts Options, journal Journal, log *slog.Logger) *Synthesizer {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	s := &Synthesizer{
		voices:  src,
		cache:   cache,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		journal: journal,
		log:     log.With(slog.String("component", "synthesizer")),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-tts/tts"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-tts/tts")
	var err error
	if s.requests, err = meter.Int64Counter("tts.synthesis.requests", metric.WithDescription("Synthesis requests by format and status")); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	if s.latency, err = meter.Float64Histogram("tts.synthesis.latency", metric.WithUnit("s"), metric.WithDescription("Synthesis latency")); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

// Cache exposes the model cache for maintenance operations.
func (s *Synthesizer) Cache() *Cache {
	return s.cache
}

type job struct {
	ctx     context.Context // carries span
	id      string
	req     Request
	format  OutputFormat
	start   time.Time
	stage   Stage
	engine  Engine
	params  Params
	text    string
	span    trace.Span
	log     *slog.Logger
	samples int64
}

func (j *job) advance(stage Stage) {
	j.stage = stage
	j.log.Debug("synthesis stage", slog.String("stage", stage.String()))
}

// prepare runs every stage up to synthesis. Failures here happen before any
// audio exists.
func (s *Synthesizer) prepare(ctx context.Context, req Request, format OutputFormat) (*job, error) {
	j := &job{
		id:     uuid.NewString(),
		req:    req,
		format: format,
		start:  time.Now(),
	}
	j.log = s.log.With(slog.String("request_id", j.id), slog.String("voice", req.VoiceKey))
	j.ctx, j.span = s.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("tts.request_id", j.id),
		attribute.String("tts.voice", req.VoiceKey),
		attribute.String("tts.format", string(format)),
		attribute.Int("tts.text_chars", len([]rune(req.Text))),
	))

	j.advance(StageValidating)
	if err := req.Validate(); err != nil {
		return j, err
	}

	j.advance(StageResolving)
	entry, ok := s.voices.Get(req.VoiceKey)
	if !ok {
		return j, VoiceNotFound(req.VoiceKey, s.voices.Keys())
	}
	silence := req.SentenceSilence
	if format != FormatStream {
		silence = 0
	}
	params, err := ResolveParams(req.SpeakerID, entry.NumSpeakers, req.Speed, req.NoiseScale, req.NoiseScaleW, silence)
	if err != nil {
		return j, err
	}
	j.params = params

	j.advance(StageLoading)
	engine, err := s.cache.Get(j.ctx, req.VoiceKey)
	if err != nil {
		return j, err
	}
	j.engine = engine

	j.advance(StageNormalizing)
	j.text = NormalizeText(req.Text)
	return j, nil
}

// run executes the engine inside the worker bound.
func (s *Synthesizer) run(ctx context.Context, j *job, w io.Writer) error {
	j.advance(StageSynthesizing)
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return synthesisFailed(err)
	}
	defer s.sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, s.opts.timeout())
	defer cancel()
	if err := j.engine.Synthesize(runCtx, j.text, j.params, w); err != nil {
		return synthesisFailed(err)
	}
	return nil
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return 2 * time.Minute
	}
	return o.Timeout
}

func synthesisFailed(err error) error {
	return wrapError(KindSynthesisFailed, "synthesize", fmt.Sprintf("Speech synthesis failed: %v", err), err)
}

func (s *Synthesizer) finish(ctx context.Context, j *job, err error) {
	outcome := Outcome{
		RequestID: j.id,
		VoiceKey:  j.req.VoiceKey,
		SpeakerID: j.req.SpeakerID,
		Format:    j.format,
		TextChars: len([]rune(j.req.Text)),
		Latency:   time.Since(j.start),
		Stage:     StageCompleted,
		Err:       err,
	}
	if j.engine != nil && j.engine.SampleRate() > 0 {
		outcome.AudioDuration = time.Duration(float64(j.samples) / float64(j.engine.SampleRate()) * float64(time.Second))
	}

	status := "ok"
	if err != nil {
		outcome.Stage = StageFailed
		outcome.FailedAt = j.stage
		status = string(KindOf(err))
		j.span.RecordError(err)
		j.span.SetStatus(codes.Error, status)
		j.log.Warn("synthesis failed", slog.String("stage", j.stage.String()), slog.String("kind", status), slogError(err))
	} else {
		j.advance(StageCompleted)
		j.log.Info("synthesis completed",
			slog.String("format", string(j.format)),
			slog.Duration("audio", outcome.AudioDuration),
			slog.Duration("latency", outcome.Latency),
		)
	}
	j.span.End()

	attrs := metric.WithAttributes(attribute.String("format", string(j.format)), attribute.String("status", status))
	if s.requests != nil {
		s.requests.Add(ctx, 1, attrs)
	}
	if s.latency != nil {
		s.latency.Record(ctx, outcome.Latency.Seconds(), attrs)
	}
	if s.journal != nil {
		if jerr := s.journal.RecordSynthesis(context.WithoutCancel(ctx), outcome); jerr != nil {
			j.log.Warn("failed to journal synthesis", slogError(jerr))
		}
	}
}

// FileResult is a finished WAV file. The caller owns the file and must call
// Remove once it has been delivered.
type FileResult struct {
	RequestID  string
	Path       string
	Size       int64
	Duration   float64 // seconds
	SampleRate int
	Frames     int
	VoiceKey   string
	SpeakerID  int
	Speed      float64
}

func (r *FileResult) Remove() error {
	if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SynthesizeToFile renders the whole request into a temporary WAV file.
// On failure no file is left behind.
func (s *Synthesizer) SynthesizeToFile(ctx context.Context, req Request) (res *FileResult, err error) {
	j, err := s.prepare(ctx, req, FormatFile)
	defer func() { s.finish(ctx, j, err) }()
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(s.opts.TempDir, "tts_*.wav")
	if err != nil {
		return nil, synthesisFailed(err)
	}
	path := f.Name()
	keep := false
	defer func() {
		if !keep {
			f.Close()
			os.Remove(path)
		}
	}()

	sampleRate := j.engine.SampleRate()
	ww := newWAVFileWriter(f, sampleRate)
	if err = s.run(j.ctx, j, ww); err != nil {
		return nil, err
	}
	if ww.Frames() == 0 {
		err = newError(KindSynthesisFailed, "synthesize", "Speech synthesis failed: engine produced no audio")
		return nil, err
	}
	if err = ww.Close(); err != nil {
		return nil, synthesisFailed(err)
	}
	if err = f.Close(); err != nil {
		return nil, synthesisFailed(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, synthesisFailed(err)
	}
	keep = true
	j.samples = int64(ww.Frames())

	speaker := 0
	if j.params.SpeakerID != nil {
		speaker = *j.params.SpeakerID
	}
	return &FileResult{
		RequestID:  j.id,
		Path:       path,
		Size:       info.Size(),
		Duration:   float64(ww.Frames()) / float64(sampleRate),
		SampleRate: sampleRate,
		Frames:     ww.Frames(),
		VoiceKey:   req.VoiceKey,
		SpeakerID:  speaker,
		Speed:      req.Speed,
	}, nil
}

// Stream is a live synthesis. Header must be sent before any chunk from Next.
type Stream struct {
	RequestID  string
	VoiceKey   string
	SpeakerID  int
	Speed      float64
	SampleRate int

	header []byte
	chunks <-chan []byte
	errs   <-chan error
	cancel context.CancelFunc
	once   sync.Once
}

func (st *Stream) Header() []byte {
	return st.header
}

// Next returns the next PCM chunk in generation order, io.EOF after the
// last one, or the synthesis error.
func (st *Stream) Next() ([]byte, error) {
	if chunk, ok := <-st.chunks; ok {
		return chunk, nil
	}
	if err, ok := <-st.errs; ok && err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close stops synthesis and waits for the worker to let go of the stream.
func (st *Stream) Close() {
	st.once.Do(func() {
		st.cancel()
		for range st.chunks {
		}
	})
}

// SynthesizeToStream validates the request and loads the voice before
// returning, so those failures surface before any audio is sent. Synthesis
// then runs on a worker until the stream is drained or closed.
func (s *Synthesizer) SynthesizeToStream(ctx context.Context, req Request) (*Stream, error) {
	j, err := s.prepare(ctx, req, FormatStream)
	if err != nil {
		s.finish(ctx, j, err)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(j.ctx)
	chunks := make(chan []byte, streamBuffer)
	errs := make(chan error, 1)

	speaker := 0
	if j.params.SpeakerID != nil {
		speaker = *j.params.SpeakerID
	}
	st := &Stream{
		RequestID:  j.id,
		VoiceKey:   req.VoiceKey,
		SpeakerID:  speaker,
		Speed:      req.Speed,
		SampleRate: j.engine.SampleRate(),
		header:     StreamHeader(j.engine.SampleRate()),
		chunks:     chunks,
		errs:       errs,
		cancel:     cancel,
	}

	go func() {
		defer close(chunks)
		defer close(errs)
		defer cancel()

		cw := &chunkWriter{ctx: runCtx, out: chunks}
		err := s.run(runCtx, j, cw)
		j.samples = cw.written / 2
		if err != nil {
			errs <- err
		}
		s.finish(runCtx, j, err)
	}()
	return st, nil
}

// chunkWriter forwards engine output to the stream channel in order.
type chunkWriter struct {
	ctx     context.Context
	out     chan<- []byte
	written int64
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := append([]byte(nil), p...)
	select {
	case w.out <- chunk:
		w.written += int64(len(p))
		return len(p), nil
	case <-w.ctx.Done():
		return 0, w.ctx.Err()
	}
}
