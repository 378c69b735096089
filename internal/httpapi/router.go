// Package httpapi exposes the synthesis service over HTTP under /api/tts.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/voices"
)

// VoiceLister lists the admitted voices.
type VoiceLister interface {
	All() []voices.Entry
}

// HistoryReader reads the synthesis journal.
type HistoryReader interface {
	ListRecent(ctx context.Context, limit int) ([]eventstore.Synthesis, error)
}

// Options configures the router.
type Options struct {
	Logger  *slog.Logger
	Voices  VoiceLister
	Synth   *tts.Synthesizer
	History HistoryReader
	Ready   func() bool
	Metrics http.Handler
	Debug   bool
}

// NewRouter builds a gin engine with recovery, request logging, tracing and
// permissive CORS, and mounts the synthesis routes.
func NewRouter(opts Options) *gin.Engine {
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := opts.Logger.With(slog.String("component", "http"))

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(loggingMiddleware(logger))
	engine.Use(observabilityMiddleware())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition", "X-Audio-Duration", "X-Voice-Key", "X-Speaker-ID", "X-Speed", "X-Output-Format"},
		MaxAge:        12 * time.Hour,
	}))

	h := &handler{
		voices:  opts.Voices,
		synth:   opts.Synth,
		history: opts.History,
		log:     logger,
	}

	api := engine.Group("/api/tts")
	api.GET("/voices", h.listVoices)
	api.POST("/synthesize", h.synthesize)
	api.DELETE("/cache", h.clearCache)
	api.GET("/health", h.health)
	if opts.History != nil {
		api.GET("/history", h.listHistory)
	}

	engine.GET("/readyz", func(c *gin.Context) {
		if opts.Ready != nil && !opts.Ready() {
			c.String(http.StatusServiceUnavailable, "not ready")
			return
		}
		c.String(http.StatusOK, "ready")
	})
	if opts.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	return engine
}
