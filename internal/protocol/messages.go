package protocol

import "time"

// TTSRequest asks the service to speak text. Zero values take the service
// defaults; Voice falls back to the default voice.
type TTSRequest struct {
	SessionID       string   `json:"session_id"`
	Target          string   `json:"target,omitempty"`
	Text            string   `json:"text"`
	Voice           string   `json:"voice,omitempty"`
	SpeakerID       int      `json:"speaker_id,omitempty"`
	Speed           *float64 `json:"speed,omitempty"`
	NoiseScale      *float64 `json:"noise_scale,omitempty"`
	NoiseScaleW     *float64 `json:"noise_scale_w,omitempty"`
	SentenceSilence float64  `json:"sentence_silence,omitempty"`
}

// AudioChunk carries raw 16-bit mono PCM produced for a TTSRequest.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target,omitempty"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TTSStatus closes out a TTSRequest.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Chunks    int       `json:"chunks"`
	Timestamp time.Time `json:"timestamp"`
}

// CacheCleared answers a request on SubjectTTSCacheClear.
type CacheCleared struct {
	Removed   int       `json:"removed"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTTSRequest    = "tts.request"
	SubjectTTSAudio      = "tts.audio"
	SubjectTTSDone       = "tts.done"
	SubjectTTSCacheClear = "tts.cache.clear"
)
