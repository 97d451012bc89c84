package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bobarin/voicegate/internal/audio"
)

// ---------------------------------------------------------------------------
// ElevenLabs base synthesizer
// Requests raw 22.05 kHz PCM and wraps it in a WAV container so the tone
// converter receives the same format as from the local engine.
// ---------------------------------------------------------------------------

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsDefaultModel = "eleven_flash_v2_5"
	elevenLabsDefaultVoice = "pNInz6obpgDQGcFmaJgB"
	elevenLabsOutputFormat = "pcm_22050"
	elevenLabsSampleRate   = 22050

	// The API accepts speed in [0.7, 1.2].
	elevenLabsMinSpeed = 0.7
	elevenLabsMaxSpeed = 1.2
)

type ElevenLabsSynthesizer struct {
	baseURL string
	apiKey  string
	voiceID string
	modelID string
	client  *http.Client
	logger  *zap.Logger
}

var _ Synthesizer = (*ElevenLabsSynthesizer)(nil)

func NewElevenLabsSynthesizer(apiKey, modelID, voiceID string, logger *zap.Logger) *ElevenLabsSynthesizer {
	return NewElevenLabsSynthesizerWithURL(elevenLabsBaseURL, apiKey, modelID, voiceID, logger)
}

func NewElevenLabsSynthesizerWithURL(baseURL, apiKey, modelID, voiceID string, logger *zap.Logger) *ElevenLabsSynthesizer {
	if modelID == "" {
		modelID = elevenLabsDefaultModel
	}
	if voiceID == "" {
		voiceID = elevenLabsDefaultVoice
	}
	return &ElevenLabsSynthesizer{
		baseURL: baseURL,
		apiKey:  apiKey,
		voiceID: voiceID,
		modelID: modelID,
		client:  &http.Client{Timeout: 90 * time.Second},
		logger:  logger.With(zap.String("component", "elevenlabs_tts")),
	}
}

// ---------------------------------------------------------------------------
// Request types
// ---------------------------------------------------------------------------

type elevenLabsRequest struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id"`
	LanguageCode  string                   `json:"language_code,omitempty"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	Speed           float64 `json:"speed"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// elevenLabsLanguageCodes maps the engine's language names to ISO 639-1.
var elevenLabsLanguageCodes = map[string]string{
	"English": "en",
	"Chinese": "zh",
}

func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, sreq SpeechRequest) ([]byte, error) {
	if sreq.Text == "" {
		return nil, ErrEmptyText
	}

	speed := min(max(sreq.Speed, elevenLabsMinSpeed), elevenLabsMaxSpeed)
	reqBody := elevenLabsRequest{
		Text:         sreq.Text,
		ModelID:      s.modelID,
		LanguageCode: elevenLabsLanguageCodes[sreq.Language],
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       0.60,
			SimilarityBoost: 0.80,
			Style:           elevenLabsStyleWeight(sreq.Style),
			Speed:           speed,
			UseSpeakerBoost: true,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ElevenLabs request: %w", err)
	}

	// POST /v1/text-to-speech/{voice_id}?output_format=pcm_22050
	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		s.baseURL, s.voiceID, elevenLabsOutputFormat)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create ElevenLabs request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("xi-api-key", s.apiKey)

	s.logger.Debug("generating speech",
		zap.String("voice_id", s.voiceID),
		zap.String("model", s.modelID),
		zap.Int("text_len", len(sreq.Text)),
		zap.Float64("speed", speed))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ElevenLabs request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ElevenLabs returned status %d: %s", resp.StatusCode, string(body))
	}

	// The response body is headerless 16-bit little-endian PCM.
	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ElevenLabs audio response: %w", err)
	}
	if len(pcm) == 0 {
		return nil, ErrEmptyAudio
	}

	return audio.WrapPCM16LE(pcm, elevenLabsSampleRate, 1)
}

// elevenLabsStyleWeight maps a named style to the style exaggeration weight.
func elevenLabsStyleWeight(style string) float64 {
	switch style {
	case "", "default":
		return 0
	case "whispering", "sad", "friendly":
		return 0.35
	default:
		return 0.6
	}
}
