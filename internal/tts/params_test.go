package tts

import (
	"math"
	"testing"
)

func TestResolveParamsSingleSpeakerDropsSpeaker(t *testing.T) {
	p, err := ResolveParams(0, 1, 2.0, 0.5, 0.7, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.SpeakerID != nil {
		t.Fatalf("single-speaker voice must not embed a speaker, got %d", *p.SpeakerID)
	}
	if math.Abs(p.LengthScale-0.5) > 1e-9 {
		t.Fatalf("expected length scale 0.5, got %f", p.LengthScale)
	}
	if p.NoiseScale != 0.5 || p.NoiseW != 0.7 {
		t.Fatalf("noise values must pass through, got %+v", p)
	}
}

func TestResolveParamsMultiSpeaker(t *testing.T) {
	p, err := ResolveParams(3, 4, 1.0, 0.667, 0.8, 0.25)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.SpeakerID == nil || *p.SpeakerID != 3 {
		t.Fatalf("expected speaker 3, got %v", p.SpeakerID)
	}
	if p.SentenceSilence != 0.25 {
		t.Fatalf("expected sentence silence to pass through, got %f", p.SentenceSilence)
	}
}

func TestResolveParamsRejectsOutOfRangeSpeaker(t *testing.T) {
	cases := []struct {
		speaker, speakers int
	}{
		{4, 4},
		{-1, 4},
		{1, 1},
	}
	for _, tc := range cases {
		_, err := ResolveParams(tc.speaker, tc.speakers, 1.0, 0.667, 0.8, 0)
		if !IsKind(err, KindSpeakerOutOfRange) {
			t.Fatalf("speaker %d of %d: expected speaker_out_of_range, got %v", tc.speaker, tc.speakers, err)
		}
	}
	_, err := ResolveParams(9, 4, 1.0, 0.667, 0.8, 0)
	if got := Detail(err); got != "Speaker ID 9 not available. Voice has 4 speakers (0-3)" {
		t.Fatalf("unexpected detail %q", got)
	}
}
