package tts

import "fmt"

// Params is the engine-ready parameter set for one synthesis.
type Params struct {
	LengthScale     float64
	NoiseScale      float64
	NoiseW          float64
	SpeakerID       *int // nil for single-speaker voices
	SentenceSilence float64
}

// ResolveParams converts request values into engine parameters. Out-of-range
// speaker ids are rejected rather than clamped; the speaker is only embedded
// for multi-speaker voices.
func ResolveParams(speakerID, numSpeakers int, speed, noiseScale, noiseScaleW, sentenceSilence float64) (Params, error) {
	if numSpeakers < 1 {
		numSpeakers = 1
	}
	if speakerID < 0 || speakerID >= numSpeakers {
		return Params{}, newError(KindSpeakerOutOfRange, "resolve params",
			fmt.Sprintf("Speaker ID %d not available. Voice has %d speakers (0-%d)", speakerID, numSpeakers, numSpeakers-1))
	}
	if speed <= 0 {
		return Params{}, newError(KindInvalidRequest, "resolve params", "speed must be positive")
	}

	p := Params{
		LengthScale:     1.0 / speed,
		NoiseScale:      noiseScale,
		NoiseW:          noiseScaleW,
		SentenceSilence: sentenceSilence,
	}
	if numSpeakers > 1 {
		id := speakerID
		p.SpeakerID = &id
	}
	return p, nil
}
