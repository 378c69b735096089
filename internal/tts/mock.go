package tts

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"strings"
	"unicode/utf8"
)

const (
	mockRuneDuration = 0.06
	mockMinSentence  = 0.1
	mockAmplitude    = 8000
)

// MockLoader builds tone-generating engines. It reads no model weights, so
// development and tests run without Piper installed.
type MockLoader struct {
	DefaultSampleRate int
}

func NewMockLoader(defaultSampleRate int) *MockLoader {
	return &MockLoader{DefaultSampleRate: defaultSampleRate}
}

func (l *MockLoader) Load(ctx context.Context, spec LoadSpec) (Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rate := spec.Config.SampleRate
	if rate <= 0 {
		rate = l.DefaultSampleRate
	}
	return &mockEngine{sampleRate: rate}, nil
}

type mockEngine struct {
	sampleRate int
}

func (m *mockEngine) SampleRate() int { return m.sampleRate }

// Synthesize writes one tone per sentence, separated by SentenceSilence
// seconds of silence. Output is deterministic for a given text and Params.
func (m *mockEngine) Synthesize(ctx context.Context, text string, p Params, w io.Writer) error {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		sentences = []string{text}
	}
	base := 220.0
	if p.SpeakerID != nil {
		base += float64(*p.SpeakerID) * 20
	}
	lengthScale := p.LengthScale
	if lengthScale <= 0 {
		lengthScale = 1
	}

	for i, sentence := range sentences {
		if err := ctx.Err(); err != nil {
			return err
		}
		seconds := math.Max(float64(utf8.RuneCountInString(sentence))*mockRuneDuration, mockMinSentence) * lengthScale
		freq := base + float64((i*55)%440)
		if _, err := w.Write(m.tone(freq, seconds)); err != nil {
			return err
		}
		if p.SentenceSilence > 0 && i < len(sentences)-1 {
			if _, err := w.Write(make([]byte, m.frames(p.SentenceSilence)*2)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *mockEngine) frames(seconds float64) int {
	return int(math.Round(seconds * float64(m.sampleRate)))
}

func (m *mockEngine) tone(freq, seconds float64) []byte {
	n := m.frames(seconds)
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := mockAmplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	return pcm
}

func splitSentences(text string) []string {
	var out []string
	for _, part := range strings.Split(text, SentenceSeparator) {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
