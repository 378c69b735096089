package tts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// EzafeConfigKey is the config field Piper's Farsi phonemizer reads the
// ezafe annotation model from.
const EzafeConfigKey = "ezafe_model_path"

// VoiceConfig holds the parts of a Piper .onnx.json the service needs.
type VoiceConfig struct {
	SampleRate   int
	NumSpeakers  int
	SpeakerIDMap map[string]int
}

type voiceConfigDoc struct {
	Audio struct {
		SampleRate int `json:"sample_rate"`
	} `json:"audio"`
	NumSpeakers  int            `json:"num_speakers"`
	SpeakerIDMap map[string]int `json:"speaker_id_map"`
}

func ParseVoiceConfig(data []byte) (VoiceConfig, error) {
	var doc voiceConfigDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return VoiceConfig{}, fmt.Errorf("decode voice config: %w", err)
	}
	if doc.Audio.SampleRate <= 0 {
		return VoiceConfig{}, errors.New("voice config has no audio.sample_rate")
	}
	cfg := VoiceConfig{
		SampleRate:   doc.Audio.SampleRate,
		NumSpeakers:  doc.NumSpeakers,
		SpeakerIDMap: doc.SpeakerIDMap,
	}
	if cfg.NumSpeakers < 1 {
		cfg.NumSpeakers = 1
	}
	return cfg, nil
}

// EffectiveConfig returns the config a voice should load with. Without an
// ezafe model path the raw bytes are returned unchanged and patched is false.
// The input is never modified.
func EffectiveConfig(raw []byte, ezafeModelPath string) (out []byte, patched bool, err error) {
	if ezafeModelPath == "" {
		return raw, false, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, fmt.Errorf("decode voice config: %w", err)
	}
	if doc == nil {
		return nil, false, errors.New("voice config is not a JSON object")
	}
	doc[EzafeConfigKey] = ezafeModelPath
	out, err = json.Marshal(doc)
	if err != nil {
		return nil, false, fmt.Errorf("encode voice config: %w", err)
	}
	return out, true, nil
}

// WithScopedFile writes data to a new temp file, calls fn with its path and
// removes the file afterwards, whatever fn returns.
func WithScopedFile(dir, pattern string, data []byte, fn func(path string) error) error {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return fmt.Errorf("create scoped file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write scoped file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close scoped file: %w", err)
	}
	return fn(path)
}
