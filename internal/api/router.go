package api

import (
	"context"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/bobarin/voicegate/internal/metrics"
)

// RouterConfig holds settings for the API router.
// Passed from main.go so the router can configure CORS, auth and rate limits from env vars.
type RouterConfig struct {
	// BackendAPIKey is the key that must be provided in X-API-Key or Authorization: Bearer <key>.
	// If empty, auth middleware is skipped (development mode).
	BackendAPIKey string

	// CorsAllowedOrigins is a comma-separated list of allowed origins.
	// If empty, defaults to "*".
	CorsAllowedOrigins string

	// RateLimitRPS is the per-client request rate. Zero disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(ctx context.Context, h *Handler, collector *metrics.Collector, cfg RouterConfig, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (applied to all routes including /health)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger.With(zap.String("component", "http"))))
	r.Use(middleware.Recoverer)
	r.Use(Metrics(collector))

	// CORS: restrict origins when configured, otherwise allow all.
	// Credentials are only allowed with explicit origins.
	allowedOrigins := []string{"*"}
	allowCredentials := false
	if cfg.CorsAllowedOrigins != "" {
		origins := strings.Split(cfg.CorsAllowedOrigins, ",")
		trimmed := make([]string, 0, len(origins))
		for _, o := range origins {
			if s := strings.TrimSpace(o); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			allowedOrigins = trimmed
			allowCredentials = !slices.Contains(trimmed, "*")
		}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Requested-With"},
		ExposedHeaders:   []string{headerElapsedTime, headerDeviceUsed},
		AllowCredentials: allowCredentials,
		MaxAge:           300,
	}))

	// Public, no auth required
	r.Get("/health", h.Health)
	r.Method("GET", "/metrics", collector.Handler())

	r.Group(func(r chi.Router) {
		if cfg.BackendAPIKey != "" {
			r.Use(APIKeyAuth(cfg.BackendAPIKey))
		}
		if cfg.RateLimitRPS > 0 {
			r.Use(RateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst, logger))
		}

		// Reference voices
		r.Post("/upload_audio/", h.UploadAudio)
		r.Get("/voices", h.ListVoices)

		// Synthesis
		r.Get("/synthesize_speech/", h.SynthesizeSpeech)
		r.Post("/synthesize_speech/", h.SynthesizeSpeech)
		r.Get("/base_tts/", h.BaseTTS)
		r.Post("/change_voice/", h.ChangeVoice)

		// Base speaker management
		r.Post("/upload_base_speaker/", h.UploadBaseSpeaker)
		r.Post("/change_base_speaker/", h.ChangeBaseSpeaker)
	})

	return r
}
