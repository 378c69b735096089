package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/voices"
)

const maxHistory = 500

type handler struct {
	voices  VoiceLister
	synth   *tts.Synthesizer
	history HistoryReader
	log     *slog.Logger
}

type voiceInfo struct {
	Name         string          `json:"name"`
	Language     voices.Language `json:"language"`
	Quality      string          `json:"quality"`
	NumSpeakers  int             `json:"num_speakers"`
	SpeakerNames []string        `json:"speaker_names"`
}

func (h *handler) listVoices(c *gin.Context) {
	out := make(map[string]voiceInfo)
	for _, e := range h.voices.All() {
		out[e.Key] = voiceInfo{
			Name:         e.Name,
			Language:     e.Language,
			Quality:      e.Quality,
			NumSpeakers:  e.NumSpeakers,
			SpeakerNames: e.SpeakerNames(),
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "voices": out})
}

func (h *handler) synthesize(c *gin.Context) {
	req := tts.DefaultRequest()
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if err := req.Validate(); err != nil {
		h.fail(c, err)
		return
	}
	if req.OutputFormat == tts.FormatStream {
		h.synthesizeStream(c, req)
		return
	}
	h.synthesizeFile(c, req)
}

func (h *handler) synthesizeFile(c *gin.Context, req tts.Request) {
	res, err := h.synth.SynthesizeToFile(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	// Runs after the body has been written.
	defer func() {
		if err := res.Remove(); err != nil {
			h.log.Warn("failed to remove synthesized file", slog.String("path", res.Path), slog.String("error", err.Error()))
		}
	}()

	f, err := os.Open(res.Path)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer f.Close()

	c.DataFromReader(http.StatusOK, res.Size, "audio/wav", f, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="tts_output_%s.wav"`, req.VoiceKey),
		"X-Audio-Duration":    strconv.FormatFloat(res.Duration, 'f', -1, 64),
		"X-Voice-Key":         req.VoiceKey,
		"X-Speaker-ID":        strconv.Itoa(req.SpeakerID),
		"X-Speed":             strconv.FormatFloat(req.Speed, 'f', -1, 64),
		"X-Output-Format":     string(tts.FormatFile),
	})
}

// synthesizeStream waits for the first chunk before committing a status, so
// failures before any audio still produce a JSON error.
func (h *handler) synthesizeStream(c *gin.Context, req tts.Request) {
	st, err := h.synth.SynthesizeToStream(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer st.Close()

	first, err := st.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		h.fail(c, err)
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "audio/wav")
	header.Set("Cache-Control", "no-cache")
	header.Set("X-Voice-Key", req.VoiceKey)
	header.Set("X-Speaker-ID", strconv.Itoa(req.SpeakerID))
	header.Set("X-Speed", strconv.FormatFloat(req.Speed, 'f', -1, 64))
	header.Set("X-Output-Format", string(tts.FormatStream))
	c.Status(http.StatusOK)

	if _, werr := c.Writer.Write(st.Header()); werr != nil {
		return
	}
	chunk := first
	for chunk != nil {
		if _, werr := c.Writer.Write(chunk); werr != nil {
			h.log.Debug("stream client went away", slog.String("request_id", st.RequestID), slog.String("error", werr.Error()))
			return
		}
		c.Writer.Flush()

		chunk, err = st.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			// Status is already committed; the truncated body is all the client gets.
			h.log.Warn("stream synthesis failed", slog.String("request_id", st.RequestID), slog.String("error", err.Error()))
			return
		}
	}
	c.Writer.Flush()
}

func (h *handler) clearCache(c *gin.Context) {
	removed := h.synth.Cache().Clear()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Model cache cleared. Removed %d cached models.", removed),
	})
}

func (h *handler) health(c *gin.Context) {
	c.String(http.StatusOK, "healthy")
}

func (h *handler) listHistory(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistory {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": fmt.Sprintf("limit must be between 1 and %d", maxHistory)})
			return
		}
		limit = n
	}
	records, err := h.history.ListRecent(c.Request.Context(), limit)
	if err != nil {
		h.log.Warn("failed to read journal", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to read synthesis history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "history": records})
}

func (h *handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	_ = c.Error(err)
	c.JSON(status, gin.H{"detail": tts.Detail(err)})
}

func statusFor(err error) int {
	var typed *tts.Error
	if !errors.As(err, &typed) {
		return http.StatusInternalServerError
	}
	switch typed.Kind {
	case tts.KindInvalidRequest:
		return http.StatusUnprocessableEntity
	case tts.KindVoiceNotFound, tts.KindSpeakerOutOfRange:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
