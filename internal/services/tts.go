package services

import (
	"context"

	"github.com/bobarin/voicegate/internal/models"
)

// ---------------------------------------------------------------------------
// Engine interfaces
// The pipeline depends only on these. Every backend (inference sidecar,
// in-process loopback, hosted TTS) implements some subset of them, and the
// guard package is responsible for serializing calls into each instance.
// ---------------------------------------------------------------------------

// SpeechRequest is the input to base synthesis.
type SpeechRequest struct {
	Text     string  `json:"text"`
	Style    string  `json:"style"`
	Language string  `json:"language"`
	Speed    float64 `json:"speed"`
}

// Synthesizer renders text into WAV audio in the base speaker's voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error)
}

// VoiceConverter re-renders audio from the source timbre into the target
// timbre and embeds the watermark message. A zero source or target
// embedding means the engine's own default speaker.
type VoiceConverter interface {
	Convert(ctx context.Context, audio []byte, source, target *models.SpeakerEmbedding, watermark string) ([]byte, error)
}

// EmbeddingExtractor computes a speaker embedding from reference audio,
// optionally running voice-activity detection first.
type EmbeddingExtractor interface {
	Extract(ctx context.Context, audio []byte, vad bool) (*models.SpeakerEmbedding, error)
}

// DeviceReporter names the compute device the engines run on.
type DeviceReporter interface {
	Device() string
}

// Engines bundles the backends used by the pipeline.
type Engines struct {
	Synthesizer Synthesizer
	Converter   VoiceConverter
	Extractor   EmbeddingExtractor
	Device      DeviceReporter
}
