package services

import (
	"context"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	openAIMinSpeed = 0.25
	openAIMaxSpeed = 4.0
)

// OpenAISynthesizer uses the OpenAI speech endpoint as the base speaker.
// Its output still goes through tone conversion, so the hosted voice only
// determines prosody, not the final timbre.
type OpenAISynthesizer struct {
	client *openai.Client
	model  string
	voice  string
	logger *zap.Logger
}

var _ Synthesizer = (*OpenAISynthesizer)(nil)

func NewOpenAISynthesizer(apiKey, model, voice string, logger *zap.Logger) *OpenAISynthesizer {
	return NewOpenAISynthesizerWithConfig(openai.DefaultConfig(apiKey), model, voice, logger)
}

// NewOpenAISynthesizerWithConfig allows pointing the client at a compatible
// endpoint.
func NewOpenAISynthesizerWithConfig(cfg openai.ClientConfig, model, voice string, logger *zap.Logger) *OpenAISynthesizer {
	if model == "" {
		model = string(openai.TTSModel1)
	}
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	return &OpenAISynthesizer{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		voice:  voice,
		logger: logger.With(zap.String("component", "openai_tts")),
	}
}

func (s *OpenAISynthesizer) Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error) {
	if req.Text == "" {
		return nil, ErrEmptyText
	}

	speed := min(max(req.Speed, openAIMinSpeed), openAIMaxSpeed)

	s.logger.Debug("generating speech",
		zap.String("model", s.model),
		zap.String("voice", s.voice),
		zap.Int("text_len", len(req.Text)),
		zap.Float64("speed", speed))

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(s.voice),
		ResponseFormat: openai.SpeechResponseFormatWav,
		Speed:          speed,
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI speech request failed: %w", err)
	}
	defer resp.Close()

	audioData, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read OpenAI audio response: %w", err)
	}
	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}
