package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *)
	RateLimitRPS       float64
	RateLimitBurst     int

	// Storage
	ResourcesDir    string // Reference voices: <dir>/<label>.<ext>
	OutputsDir      string // Per-request artifacts: <dir>/<uuid>.wav
	BaseSpeakersDir string // Source embeddings: <dir>/<name>.json
	BaseSpeaker     string // Active base speaker name at startup
	MaxUploadBytes  int64
	VoiceMatchMode  string // "prefix" (default) or "exact"

	// Engines
	EngineBackend    string        // "sidecar" or "loopback"
	SynthBackend     string        // "engine", "openai" or "gemini"
	InferenceURL     string        // Base URL of the inference sidecar
	InferenceTimeout time.Duration // Per call timeout against the sidecar
	InferenceDevice  string        // Reported device when the sidecar does not report one
	DefaultWatermark string

	// OpenAI (optional base synthesizer)
	OpenAIKey      string
	OpenAITTSModel string
	OpenAITTSVoice string

	// Gemini (optional base synthesizer)
	GeminiKey      string
	GeminiTTSModel string
	GeminiTTSVoice string

	// ElevenLabs (optional base synthesizer)
	ElevenLabsKey     string
	ElevenLabsModel   string
	ElevenLabsVoiceID string

	// Engine guard
	EngineWaitTimeout time.Duration // 0 = wait indefinitely
	EngineMaxQueue    int           // 0 = unbounded

	// Embedding cache
	EmbeddingCacheSize int
	EmbeddingCacheTTL  time.Duration
	RedisURL           string // empty = in-process cache only

	// Logging
	LogLevel  string
	LogFormat string // "json" or "console"
}

const (
	EngineBackendSidecar  = "sidecar"
	EngineBackendLoopback = "loopback"

	SynthBackendEngine = "engine"
	SynthBackendOpenAI = "openai"
	SynthBackendGemini = "gemini"
	SynthBackendEleven = "elevenlabs"

	VoiceMatchPrefix = "prefix"
	VoiceMatchExact  = "exact"
)

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8000"),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 0),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 10),
		ResourcesDir:       getEnv("RESOURCES_DIR", "resources"),
		OutputsDir:         getEnv("OUTPUTS_DIR", "outputs"),
		BaseSpeakersDir:    getEnv("BASE_SPEAKERS_DIR", "checkpoints/base_speakers"),
		BaseSpeaker:        getEnv("BASE_SPEAKER", "en_default"),
		MaxUploadBytes:     int64(getEnvInt("MAX_UPLOAD_BYTES", 5*1024*1024)),
		VoiceMatchMode:     getEnv("VOICE_MATCH_MODE", VoiceMatchPrefix),
		EngineBackend:      getEnv("ENGINE_BACKEND", EngineBackendSidecar),
		SynthBackend:       getEnv("SYNTH_BACKEND", SynthBackendEngine),
		InferenceURL:       getEnv("INFERENCE_URL", "http://127.0.0.1:8001"),
		InferenceTimeout:   getEnvDuration("INFERENCE_TIMEOUT", 120*time.Second),
		InferenceDevice:    getEnv("INFERENCE_DEVICE", ""),
		DefaultWatermark:   getEnv("DEFAULT_WATERMARK", "@MyShell"),
		OpenAIKey:          getEnv("OPENAI_API_KEY", ""),
		OpenAITTSModel:     getEnv("OPENAI_TTS_MODEL", "tts-1"),
		OpenAITTSVoice:     getEnv("OPENAI_TTS_VOICE", "alloy"),
		GeminiKey:          getEnv("GEMINI_API_KEY", ""),
		GeminiTTSModel:     getEnv("GEMINI_TTS_MODEL", "gemini-2.5-flash-preview-tts"),
		GeminiTTSVoice:     getEnv("GEMINI_TTS_VOICE", "Kore"),
		ElevenLabsKey:      getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsModel:    getEnv("ELEVENLABS_MODEL", "eleven_flash_v2_5"),
		ElevenLabsVoiceID:  getEnv("ELEVENLABS_VOICE_ID", ""),
		EngineWaitTimeout:  getEnvDuration("ENGINE_WAIT_TIMEOUT", 0),
		EngineMaxQueue:     getEnvInt("ENGINE_MAX_QUEUE", 32),
		EmbeddingCacheSize: getEnvInt("EMBEDDING_CACHE_SIZE", 256),
		EmbeddingCacheTTL:  getEnvDuration("EMBEDDING_CACHE_TTL", 24*time.Hour),
		RedisURL:           getEnv("REDIS_URL", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.EngineBackend {
	case EngineBackendSidecar:
		if c.InferenceURL == "" {
			return fmt.Errorf("INFERENCE_URL is required when ENGINE_BACKEND=sidecar")
		}
	case EngineBackendLoopback:
	default:
		return fmt.Errorf("ENGINE_BACKEND must be %q or %q, got %q", EngineBackendSidecar, EngineBackendLoopback, c.EngineBackend)
	}

	switch c.SynthBackend {
	case SynthBackendEngine:
	case SynthBackendOpenAI:
		if c.OpenAIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when SYNTH_BACKEND=openai")
		}
	case SynthBackendGemini:
		if c.GeminiKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when SYNTH_BACKEND=gemini")
		}
	case SynthBackendEleven:
		if c.ElevenLabsKey == "" {
			return fmt.Errorf("ELEVENLABS_API_KEY is required when SYNTH_BACKEND=elevenlabs")
		}
	default:
		return fmt.Errorf("SYNTH_BACKEND must be one of engine, openai, gemini, elevenlabs, got %q", c.SynthBackend)
	}

	if c.VoiceMatchMode != VoiceMatchPrefix && c.VoiceMatchMode != VoiceMatchExact {
		return fmt.Errorf("VOICE_MATCH_MODE must be %q or %q, got %q", VoiceMatchPrefix, VoiceMatchExact, c.VoiceMatchMode)
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}

	if c.EngineMaxQueue < 0 {
		return fmt.Errorf("ENGINE_MAX_QUEUE must not be negative")
	}

	if c.ResourcesDir == "" || c.OutputsDir == "" || c.BaseSpeakersDir == "" {
		return fmt.Errorf("RESOURCES_DIR, OUTPUTS_DIR and BASE_SPEAKERS_DIR are required")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("30s") or bare seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
