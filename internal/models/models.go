package models

import (
	"time"
)

// Enums
type AudioExtension string

const (
	ExtensionWAV  AudioExtension = "wav"
	ExtensionMP3  AudioExtension = "mp3"
	ExtensionFLAC AudioExtension = "flac"
	ExtensionOGG  AudioExtension = "ogg"
)

// AllowedExtensions lists the reference formats accepted on upload.
var AllowedExtensions = []AudioExtension{ExtensionWAV, ExtensionMP3, ExtensionFLAC, ExtensionOGG}

// ParseExtension reports whether ext names an accepted reference format.
func ParseExtension(ext string) (AudioExtension, bool) {
	for _, allowed := range AllowedExtensions {
		if string(allowed) == ext {
			return allowed, true
		}
	}
	return "", false
}

// Stage is one step of the synthesis state machine.
type Stage string

const (
	StageResolve        Stage = "resolve"
	StageEmbed          Stage = "embed"
	StageBaseSynthesize Stage = "base_synthesize"
	StageToneConvert    Stage = "tone_convert"
	StageEmit           Stage = "emit"
)

// EngineID names one of the stateful inference engines.
type EngineID string

const (
	EngineSynthesizer EngineID = "synthesizer"
	EngineConverter   EngineID = "converter"
)

// Request defaults.
const (
	DefaultStyle     = "default"
	DefaultLanguage  = "English"
	DefaultSpeed     = 1.0
	DefaultWatermark = "@MyShell"
)

// Models

type ReferenceVoice struct {
	Label      string         `json:"label"`
	StoredPath string         `json:"stored_path"`
	Extension  AudioExtension `json:"extension"`
	SizeBytes  int64          `json:"size_bytes"`
}

// SpeakerEmbedding is an opaque timbre vector produced by the extractor.
type SpeakerEmbedding struct {
	Values []float32 `json:"embedding"`
}

// IsZero reports whether the embedding carries no values, which engines
// interpret as "use your built-in default speaker".
func (e *SpeakerEmbedding) IsZero() bool {
	return e == nil || len(e.Values) == 0
}

type SynthesisRequest struct {
	Text       string  `json:"text"`
	VoiceLabel string  `json:"voice"`
	Style      string  `json:"style"`
	Language   string  `json:"language"`
	Speed      float64 `json:"speed"`
	Watermark  string  `json:"watermark"`
}

// WithDefaults fills unset optional fields.
func (r SynthesisRequest) WithDefaults() SynthesisRequest {
	if r.Style == "" {
		r.Style = DefaultStyle
	}
	if r.Language == "" {
		r.Language = DefaultLanguage
	}
	if r.Speed == 0 {
		r.Speed = DefaultSpeed
	}
	if r.Watermark == "" {
		r.Watermark = DefaultWatermark
	}
	return r
}

// ConvertRequest carries a DirectConvert call: caller-supplied source audio
// re-rendered into a reference voice (or the base speaker when empty).
type ConvertRequest struct {
	SourceAudio      []byte `json:"-"`
	ReferenceSpeaker string `json:"reference_speaker,omitempty"`
	Watermark        string `json:"watermark"`
}

// BaseSpeaker is a stored source embedding used as the fixed conversion source.
type BaseSpeaker struct {
	Name      string           `json:"name"`
	Embedding SpeakerEmbedding `json:"embedding"`
	CreatedAt time.Time        `json:"created_at"`
}

// API Request/Response types

type UploadAudioResponse struct {
	Message string `json:"message"`
}

type ListVoicesResponse struct {
	Voices []ReferenceVoice `json:"voices"`
	Total  int              `json:"total"`
}

type BaseSpeakerResponse struct {
	Message string `json:"message"`
	Name    string `json:"name"`
	Active  bool   `json:"active"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Device      string `json:"device"`
	BaseSpeaker string `json:"base_speaker"`
}
