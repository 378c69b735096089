package tts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats.go"
)

// DefaultVoicer picks a voice when a request names none.
type DefaultVoicer interface {
	DefaultVoice(preferredFamilies ...string) (string, bool)
}

type ServiceConfig struct {
	Enabled      bool
	DefaultVoice string
	Timeout      time.Duration
}

// Service serves synthesis over the message bus: requests arrive on
// tts.request, audio leaves on tts.audio and a status on tts.done.
type Service struct {
	cfg    ServiceConfig
	bus    *bus.Client
	synth  *Synthesizer
	voices DefaultVoicer
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	logger *slog.Logger
}

func NewService(parent context.Context, cfg ServiceConfig, busClient *bus.Client, synth *Synthesizer, voices DefaultVoicer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		voices: voices,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	reqSub, err := s.bus.Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return err
	}
	clearSub, err := s.bus.Subscribe(protocol.SubjectTTSCacheClear, s.handleCacheClear)
	if err != nil {
		_ = reqSub.Unsubscribe()
		return err
	}
	s.subs = []*nats.Subscription{reqSub, clearSub}
	s.logger.Info("listening for synthesis requests", slog.String("subject", protocol.SubjectTTSRequest))
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) > 0 }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("dropping tts request after close", slog.String("session_id", req.SessionID))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()

		timeout := s.cfg.Timeout
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()

		chunks, requestID, err := s.stream(ctx, req)
		if err != nil {
			s.logger.Warn("tts synthesis error", slog.String("session_id", req.SessionID), slogError(err))
			s.publishStatus(protocol.TTSStatus{
				SessionID: req.SessionID,
				Target:    req.Target,
				RequestID: requestID,
				Error:     Detail(err),
				ErrorKind: string(KindOf(err)),
				Chunks:    chunks,
			})
			return
		}
		s.publishStatus(protocol.TTSStatus{
			SessionID: req.SessionID,
			Target:    req.Target,
			RequestID: requestID,
			Completed: true,
			Chunks:    chunks,
		})
	}()
}

func (s *Service) stream(ctx context.Context, req protocol.TTSRequest) (int, string, error) {
	st, err := s.synth.SynthesizeToStream(ctx, s.toRequest(req))
	if err != nil {
		return 0, "", err
	}
	defer st.Close()

	packet := protocol.AudioChunk{
		SessionID:  req.SessionID,
		Target:     req.Target,
		Voice:      st.VoiceKey,
		SampleRate: st.SampleRate,
		Channels:   Channels,
	}
	sequence := 0
	for {
		pcm, err := st.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sequence, st.RequestID, err
		}
		packet.Sequence = sequence
		packet.PCM = pcm
		s.publish(protocol.SubjectTTSAudio, packet)
		sequence++
	}
	packet.Sequence = sequence
	packet.PCM = []byte{}
	packet.Final = true
	s.publish(protocol.SubjectTTSAudio, packet)
	return sequence + 1, st.RequestID, nil
}

func (s *Service) toRequest(in protocol.TTSRequest) Request {
	req := DefaultRequest()
	req.Text = in.Text
	req.VoiceKey = in.Voice
	req.SpeakerID = in.SpeakerID
	req.OutputFormat = FormatStream
	req.SentenceSilence = in.SentenceSilence
	if in.Speed != nil {
		req.Speed = *in.Speed
	}
	if in.NoiseScale != nil {
		req.NoiseScale = *in.NoiseScale
	}
	if in.NoiseScaleW != nil {
		req.NoiseScaleW = *in.NoiseScaleW
	}
	if req.VoiceKey == "" {
		req.VoiceKey = s.cfg.DefaultVoice
	}
	if req.VoiceKey == "" && s.voices != nil {
		req.VoiceKey, _ = s.voices.DefaultVoice("fa", "en")
	}
	return req
}

func (s *Service) handleCacheClear(msg *nats.Msg) {
	removed := s.synth.Cache().Clear()
	s.logger.Info("model cache cleared over bus", slog.Int("removed", removed))
	if err := bus.RespondJSON(msg, protocol.CacheCleared{Removed: removed, Timestamp: time.Now().UTC()}); err != nil {
		s.logger.Warn("failed to answer cache clear", slogError(err))
	}
}

func (s *Service) publishStatus(status protocol.TTSStatus) {
	status.Timestamp = time.Now().UTC()
	s.publish(protocol.SubjectTTSDone, status)
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish bus message", slog.String("subject", subject), slogError(err))
	}
}
