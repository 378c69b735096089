package tts

import (
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

const MaxTextLength = 5000

// Default synthesis knobs, shared with engines that fix them per process.
const (
	DefaultSpeed       = 1.0
	DefaultNoiseScale  = 0.667
	DefaultNoiseScaleW = 0.8
)

type OutputFormat string

const (
	FormatFile   OutputFormat = "file"
	FormatStream OutputFormat = "stream"
)

// Request is a single synthesis call.
type Request struct {
	Text            string       `json:"text"`
	VoiceKey        string       `json:"voice_key"`
	SpeakerID       int          `json:"speaker_id"`
	Speed           float64      `json:"speed"`
	NoiseScale      float64      `json:"noise_scale"`
	NoiseScaleW     float64      `json:"noise_scale_w"`
	OutputFormat    OutputFormat `json:"output_format"`
	SentenceSilence float64      `json:"sentence_silence"`
}

// DefaultRequest returns a request carrying the default values. Decode JSON
// into it so omitted fields keep their defaults.
func DefaultRequest() Request {
	return Request{
		Speed:        DefaultSpeed,
		NoiseScale:   DefaultNoiseScale,
		NoiseScaleW:  DefaultNoiseScaleW,
		OutputFormat: FormatFile,
	}
}

func (r Request) Validate() error {
	n := utf8.RuneCountInString(r.Text)
	switch {
	case n == 0 || strings.TrimSpace(r.Text) == "":
		return invalid("text must not be empty")
	case n > MaxTextLength:
		return invalid(fmt.Sprintf("text must be at most %d characters", MaxTextLength))
	case strings.TrimSpace(r.VoiceKey) == "":
		return invalid("voice_key must not be empty")
	case r.SpeakerID < 0:
		return invalid("speaker_id must be >= 0")
	case r.Speed < 0.1 || r.Speed > 3.0:
		return invalid("speed must be between 0.1 and 3.0")
	case r.NoiseScale < 0 || r.NoiseScale > 1:
		return invalid("noise_scale must be between 0.0 and 1.0")
	case r.NoiseScaleW < 0 || r.NoiseScaleW > 1:
		return invalid("noise_scale_w must be between 0.0 and 1.0")
	case r.SentenceSilence < 0 || r.SentenceSilence > 5:
		return invalid("sentence_silence must be between 0.0 and 5.0")
	}
	switch r.OutputFormat {
	case FormatFile, FormatStream:
	default:
		return invalid("output_format must be one of file|stream")
	}
	return nil
}

func invalid(msg string) error {
	return newError(KindInvalidRequest, "validate request", msg)
}

// Stage tracks a request through synthesis. Stages only move forward.
type Stage int

const (
	StageValidating Stage = iota
	StageResolving
	StageLoading
	StageNormalizing
	StageSynthesizing
	StageCompleted
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageValidating:
		return "validating"
	case StageResolving:
		return "resolving"
	case StageLoading:
		return "loading"
	case StageNormalizing:
		return "normalizing"
	case StageSynthesizing:
		return "synthesizing"
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "failed"
	}
	return "unknown"
}

// Engine is a loaded voice, ready to synthesize. Synthesize writes raw
// 16-bit little-endian mono PCM to w as it is produced.
type Engine interface {
	SampleRate() int
	Synthesize(ctx context.Context, text string, p Params, w io.Writer) error
}

// Engines that hold resources (a resident process, a session) also implement
// io.Closer; the cache closes them when they are evicted. Close must not wait
// for an in-flight Synthesize.

// LoadSpec describes what a Loader needs to build an Engine. When Patched is
// set, ConfigPath points at a scoped copy that is removed after Load returns.
type LoadSpec struct {
	VoiceKey   string
	ModelPath  string
	ConfigPath string
	Config     VoiceConfig
	Patched    bool
	UseCUDA    bool
}

type Loader interface {
	Load(ctx context.Context, spec LoadSpec) (Engine, error)
}
