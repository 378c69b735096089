package tts

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"testing"
	"time"

	"github.com/go-audio/wav"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newTestSynthesizer(t *testing.T, loader Loader, vs ...fixtureVoice) (*Synthesizer, *memoryJournal, string) {
	t.Helper()
	reg, _ := newFixture(t, vs...)
	tempDir := t.TempDir()
	cache := NewCache(reg, loader, CacheOptions{TempDir: tempDir}, newLogger())
	journal := &memoryJournal{}
	synth := NewSynthesizer(reg, cache, Options{MaxConcurrent: 2, Timeout: 10 * time.Second, TempDir: tempDir}, journal, newLogger())
	return synth, journal, tempDir
}

var mana = fixtureVoice{key: "fa_IR-mana-medium", family: "fa", numSpeakers: 1, sampleRate: 22050}

func request(voice, text string) Request {
	req := DefaultRequest()
	req.VoiceKey = voice
	req.Text = text
	return req
}

func TestSynthesizeToFileProducesValidWAV(t *testing.T) {
	synth, journal, _ := newTestSynthesizer(t, NewMockLoader(16000), mana)

	res, err := synth.SynthesizeToFile(context.Background(), request("fa_IR-mana-medium", "سلام دنیا."))
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	defer res.Remove()

	if res.Duration <= 0 || res.SampleRate != 22050 {
		t.Fatalf("unexpected result %+v", res)
	}
	f, err := os.Open(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatal("expected valid wav")
	}
	if dec.NumChans != 1 || dec.BitDepth != 16 || dec.SampleRate != 22050 {
		t.Fatalf("unexpected format: chans=%d bits=%d rate=%d", dec.NumChans, dec.BitDepth, dec.SampleRate)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := float64(buf.NumFrames()) / 22050
	if math.Abs(res.Duration-want) > 1e-9 {
		t.Fatalf("duration %f does not match frames %f", res.Duration, want)
	}

	outcomes := journal.all()
	if len(outcomes) != 1 || outcomes[0].Stage != StageCompleted || outcomes[0].Format != FormatFile {
		t.Fatalf("unexpected journal %+v", outcomes)
	}
}

func TestSynthesizeToFileUnknownVoice(t *testing.T) {
	synth, journal, _ := newTestSynthesizer(t, NewMockLoader(16000), mana)

	_, err := synth.SynthesizeToFile(context.Background(), request("does-not-exist", "hello"))
	if !IsKind(err, KindVoiceNotFound) {
		t.Fatalf("expected voice_not_found, got %v", err)
	}
	outcomes := journal.all()
	if len(outcomes) != 1 || outcomes[0].Stage != StageFailed || outcomes[0].FailedAt != StageResolving {
		t.Fatalf("expected failure at resolving, got %+v", outcomes)
	}
}

func TestSynthesizeRejectsSpeakerOutOfRange(t *testing.T) {
	multi := fixtureVoice{key: "en_US-libritts-high", family: "en", numSpeakers: 4, sampleRate: 22050}
	synth, _, _ := newTestSynthesizer(t, NewMockLoader(16000), mana, multi)

	req := request("en_US-libritts-high", "hello")
	req.SpeakerID = 4
	if _, err := synth.SynthesizeToFile(context.Background(), req); !IsKind(err, KindSpeakerOutOfRange) {
		t.Fatalf("expected speaker_out_of_range, got %v", err)
	}

	req.SpeakerID = 3
	res, err := synth.SynthesizeToFile(context.Background(), req)
	if err != nil {
		t.Fatalf("valid speaker rejected: %v", err)
	}
	defer res.Remove()
	if res.SpeakerID != 3 {
		t.Fatalf("expected speaker 3, got %d", res.SpeakerID)
	}
}

func TestSynthesizeValidatesRequest(t *testing.T) {
	synth, _, _ := newTestSynthesizer(t, NewMockLoader(16000), mana)
	cases := map[string]func(*Request){
		"blank text":   func(r *Request) { r.Text = "   " },
		"speed":        func(r *Request) { r.Speed = 3.5 },
		"noise":        func(r *Request) { r.NoiseScale = 1.5 },
		"format":       func(r *Request) { r.OutputFormat = "mp3" },
		"silence":      func(r *Request) { r.SentenceSilence = 6 },
		"long text":    func(r *Request) { r.Text = string(make([]rune, MaxTextLength+1)) },
		"negative spk": func(r *Request) { r.SpeakerID = -1 },
	}
	for name, mutate := range cases {
		req := request("fa_IR-mana-medium", "hello")
		mutate(&req)
		if _, err := synth.SynthesizeToFile(context.Background(), req); !IsKind(err, KindInvalidRequest) {
			t.Fatalf("%s: expected invalid_request, got %v", name, err)
		}
	}
}

func TestSynthesizeToFileFailureLeavesNoFile(t *testing.T) {
	synth, journal, tempDir := newTestSynthesizer(t, failingLoader{}, mana)

	_, err := synth.SynthesizeToFile(context.Background(), request("fa_IR-mana-medium", "hello"))
	if !IsKind(err, KindSynthesisFailed) {
		t.Fatalf("expected synthesis_failed, got %v", err)
	}
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no leftover files, found %d", len(entries))
	}
	if got := journal.all(); got[0].FailedAt != StageSynthesizing {
		t.Fatalf("expected failure at synthesizing, got %s", got[0].FailedAt)
	}
}

func TestSynthesizeToStream(t *testing.T) {
	synth, journal, _ := newTestSynthesizer(t, NewMockLoader(16000), mana)

	req := request("fa_IR-mana-medium", "سلام دنیا. خوبی؟ ممنون")
	req.OutputFormat = FormatStream
	req.SentenceSilence = 0.2
	st, err := synth.SynthesizeToStream(context.Background(), req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer st.Close()

	header := st.Header()
	if len(header) != WAVHeaderSize || binary.LittleEndian.Uint32(header[24:28]) != 22050 {
		t.Fatalf("unexpected header %v", header)
	}
	declared := binary.LittleEndian.Uint32(header[40:44])

	var total int
	chunks := 0
	for {
		chunk, err := st.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if uint32(len(chunk)) >= declared {
			t.Fatal("declared size must exceed any chunk")
		}
		total += len(chunk)
		chunks++
	}
	if chunks < 3 {
		t.Fatalf("expected a chunk per sentence plus pauses, got %d", chunks)
	}
	// Two pauses of 0.2s at 22050 Hz, 16-bit.
	if total < 2*int(0.2*22050)*2 {
		t.Fatalf("stream too short for requested silences: %d bytes", total)
	}

	deadline := time.After(2 * time.Second)
	for len(journal.all()) == 0 {
		select {
		case <-deadline:
			t.Fatal("stream outcome was not journaled")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if o := journal.all()[0]; o.Stage != StageCompleted || o.Format != FormatStream || o.AudioDuration <= 0 {
		t.Fatalf("unexpected outcome %+v", o)
	}
}

func TestSynthesizeToStreamStartupErrors(t *testing.T) {
	synth, _, _ := newTestSynthesizer(t, NewMockLoader(16000), mana)
	req := request("does-not-exist", "hello")
	req.OutputFormat = FormatStream
	if _, err := synth.SynthesizeToStream(context.Background(), req); !IsKind(err, KindVoiceNotFound) {
		t.Fatalf("expected voice_not_found before streaming, got %v", err)
	}
}

func TestSynthesizeToStreamEngineError(t *testing.T) {
	synth, _, _ := newTestSynthesizer(t, failingLoader{}, mana)
	req := request("fa_IR-mana-medium", "hello")
	req.OutputFormat = FormatStream
	st, err := synth.SynthesizeToStream(context.Background(), req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer st.Close()

	var last error
	for {
		_, err := st.Next()
		if err != nil {
			last = err
			break
		}
	}
	if !IsKind(last, KindSynthesisFailed) {
		t.Fatalf("expected synthesis_failed after chunks, got %v", last)
	}
}

func TestStreamCloseStopsWorker(t *testing.T) {
	synth, journal, _ := newTestSynthesizer(t, NewMockLoader(16000), mana)
	req := request("fa_IR-mana-medium", "one. two. three. four. five. six. seven. eight. nine. ten. eleven.")
	req.OutputFormat = FormatStream
	st, err := synth.SynthesizeToStream(context.Background(), req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if _, err := st.Next(); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	st.Close()

	deadline := time.After(2 * time.Second)
	for len(journal.all()) == 0 {
		select {
		case <-deadline:
			t.Fatal("worker did not finish after close")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSynthesisRunsInsideRequestSpan(t *testing.T) {
	loader := &spanLoader{inner: NewMockLoader(16000)}
	synth, _, _ := newTestSynthesizer(t, loader, mana)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	synth.tracer = provider.Tracer("test")

	res, err := synth.SynthesizeToFile(context.Background(), request("fa_IR-mana-medium", "سلام."))
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	res.Remove()

	req := request("fa_IR-mana-medium", "سلام.")
	req.OutputFormat = FormatStream
	st, err := synth.SynthesizeToStream(context.Background(), req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	for {
		if _, err := st.Next(); err != nil {
			break
		}
	}
	st.Close()

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected two request spans, got %d", len(ended))
	}
	fileSpan, streamSpan := ended[0].SpanContext(), ended[1].SpanContext()
	seen := loader.seen()
	// load and synthesize for the file request, synthesize for the stream
	if len(seen) != 3 {
		t.Fatalf("expected three engine calls, got %d", len(seen))
	}
	for i, want := range []trace.SpanContext{fileSpan, fileSpan, streamSpan} {
		if seen[i].TraceID() != want.TraceID() || seen[i].SpanID() != want.SpanID() {
			t.Fatalf("call %d ran outside its request span", i)
		}
	}
}
