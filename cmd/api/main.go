package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/voicegate/internal/api"
	"github.com/bobarin/voicegate/internal/cache"
	"github.com/bobarin/voicegate/internal/config"
	"github.com/bobarin/voicegate/internal/guard"
	"github.com/bobarin/voicegate/internal/metrics"
	"github.com/bobarin/voicegate/internal/pipeline"
	"github.com/bobarin/voicegate/internal/services"
	"github.com/bobarin/voicegate/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting voicegate API...",
		zap.String("engine_backend", cfg.EngineBackend),
		zap.String("synth_backend", cfg.SynthBackend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.New()

	// Initialize storage
	stor, err := storage.New(storage.Options{
		ResourcesDir:   cfg.ResourcesDir,
		OutputsDir:     cfg.OutputsDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		ExactMatch:     cfg.VoiceMatchMode == config.VoiceMatchExact,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	logger.Info("Initialized reference storage",
		zap.String("resources", cfg.ResourcesDir),
		zap.String("voice_match", cfg.VoiceMatchMode))

	speakers, err := pipeline.LoadBaseSpeakers(cfg.BaseSpeakersDir, cfg.BaseSpeaker, logger)
	if err != nil {
		logger.Fatal("Failed to load base speaker", zap.Error(err))
	}

	engines, err := buildEngines(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize inference engines", zap.Error(err))
	}

	embeddings, err := buildEmbeddingCache(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize embedding cache", zap.Error(err))
	}
	defer embeddings.Close()

	guards := guard.NewSet(guard.Options{
		WaitTimeout: cfg.EngineWaitTimeout,
		MaxQueue:    cfg.EngineMaxQueue,
	}, collector, logger)

	pipe := pipeline.New(pipeline.Deps{
		Store:        stor,
		Engines:      engines,
		Guards:       guards,
		Cache:        embeddings,
		BaseSpeakers: speakers,
		Recorder:     collector,
		Logger:       logger,
	})

	// Create API handler
	handler := api.NewHandler(stor, pipe, collector, cfg.DefaultWatermark, logger)
	router := api.NewRouter(ctx, handler, collector, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		RateLimitRPS:       cfg.RateLimitRPS,
		RateLimitBurst:     cfg.RateLimitBurst,
	}, logger)

	if cfg.BackendAPIKey != "" {
		logger.Info("API key authentication enabled")
	} else {
		logger.Warn("No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API server listening", zap.String("addr", server.Addr), zap.String("device", engines.Device.Device()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		// In-flight syntheses are allowed to finish.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		return
	}
	logger.Info("Server exited")
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// buildEngines wires the converter and extractor backend, then applies the
// optional hosted base synthesizer.
func buildEngines(ctx context.Context, cfg *config.Config, logger *zap.Logger) (services.Engines, error) {
	var engines services.Engines

	switch cfg.EngineBackend {
	case config.EngineBackendSidecar:
		sidecar := services.NewSidecarClient(cfg.InferenceURL, cfg.InferenceTimeout, cfg.InferenceDevice, logger)
		healthCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := sidecar.HealthCheck(healthCtx); err != nil {
			// The sidecar may still be loading checkpoints; requests fail until it is up.
			logger.Warn("Inference sidecar not ready", zap.String("url", cfg.InferenceURL), zap.Error(err))
		}
		engines = services.Engines{Synthesizer: sidecar, Converter: sidecar, Extractor: sidecar, Device: sidecar}
		logger.Info("Inference backend: sidecar", zap.String("url", cfg.InferenceURL))
	default:
		lb := services.NewLoopback()
		engines = services.Engines{Synthesizer: lb, Converter: lb, Extractor: lb, Device: lb}
		logger.Warn("Inference backend: loopback (development only, no real voice cloning)")
	}

	switch cfg.SynthBackend {
	case config.SynthBackendOpenAI:
		engines.Synthesizer = services.NewOpenAISynthesizer(cfg.OpenAIKey, cfg.OpenAITTSModel, cfg.OpenAITTSVoice, logger)
		logger.Info("Base synthesizer: OpenAI", zap.String("model", cfg.OpenAITTSModel), zap.String("voice", cfg.OpenAITTSVoice))
	case config.SynthBackendGemini:
		gemini, err := services.NewGeminiSynthesizer(ctx, cfg.GeminiKey, cfg.GeminiTTSModel, cfg.GeminiTTSVoice, logger)
		if err != nil {
			return services.Engines{}, err
		}
		engines.Synthesizer = gemini
		logger.Info("Base synthesizer: Gemini", zap.String("model", cfg.GeminiTTSModel), zap.String("voice", cfg.GeminiTTSVoice))
	case config.SynthBackendEleven:
		engines.Synthesizer = services.NewElevenLabsSynthesizer(cfg.ElevenLabsKey, cfg.ElevenLabsModel, cfg.ElevenLabsVoiceID, logger)
		logger.Info("Base synthesizer: ElevenLabs", zap.String("model", cfg.ElevenLabsModel))
	}

	return engines, nil
}

func buildEmbeddingCache(cfg *config.Config, logger *zap.Logger) (cache.Store, error) {
	local := cache.NewMemoryStore(cfg.EmbeddingCacheSize, cfg.EmbeddingCacheTTL)
	if cfg.RedisURL == "" {
		return cache.NewTiered(local, nil, logger), nil
	}

	// Connect to Redis
	shared, err := cache.NewRedisStore(cfg.RedisURL, cfg.EmbeddingCacheTTL)
	if err != nil {
		return nil, err
	}
	logger.Info("Connected to Redis embedding cache")
	return cache.NewTiered(local, shared, logger), nil
}
