package eventstore

import (
	"context"

	"github.com/loqalabs/loqa-tts/internal/tts"
)

// RecordSynthesis journals a synthesis outcome.
func (s *Store) RecordSynthesis(ctx context.Context, o tts.Outcome) error {
	rec := Synthesis{
		RequestID:     o.RequestID,
		VoiceKey:      o.VoiceKey,
		SpeakerID:     o.SpeakerID,
		Format:        string(o.Format),
		TextChars:     o.TextChars,
		AudioDuration: float64(o.AudioDuration.Microseconds()) / 1000,
		Latency:       float64(o.Latency.Microseconds()) / 1000,
		Status:        "ok",
	}
	if o.Err != nil {
		rec.Status = string(tts.KindOf(o.Err))
		rec.Stage = o.FailedAt.String()
		rec.Error = tts.Detail(o.Err)
	}
	return s.AppendSynthesis(ctx, rec)
}

var _ tts.Journal = (*Store)(nil)
