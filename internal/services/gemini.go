package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/bobarin/voicegate/internal/audio"
	"github.com/bobarin/voicegate/internal/models"
)

// ---------------------------------------------------------------------------
// Gemini TTS base synthesizer
// Gemini returns raw 24 kHz mono 16-bit PCM, which is wrapped into a WAV
// container so downstream stages see the same format as every other backend.
// ---------------------------------------------------------------------------

const (
	geminiSampleRate = 24000
	geminiChannels   = 1
)

type GeminiSynthesizer struct {
	client *genai.Client
	model  string
	voice  string
	logger *zap.Logger
}

var _ Synthesizer = (*GeminiSynthesizer)(nil)

func NewGeminiSynthesizer(ctx context.Context, apiKey, model, voice string, logger *zap.Logger) (*GeminiSynthesizer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GeminiSynthesizer{
		client: client,
		model:  model,
		voice:  voice,
		logger: logger.With(zap.String("component", "gemini_tts")),
	}, nil
}

func (s *GeminiSynthesizer) Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error) {
	if req.Text == "" {
		return nil, ErrEmptyText
	}

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: s.voice},
			},
		},
	}

	prompt := buildSpeechPrompt(req)
	s.logger.Debug("generating speech",
		zap.String("model", s.model),
		zap.String("voice", s.voice),
		zap.Int("prompt_len", len(prompt)))

	resp, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(prompt), config)
	if err != nil {
		return nil, fmt.Errorf("gemini speech request failed: %w", err)
	}

	pcm, err := extractInlineAudio(resp)
	if err != nil {
		return nil, err
	}

	return audio.WrapPCM16LE(pcm, geminiSampleRate, geminiChannels)
}

func extractInlineAudio(resp *genai.GenerateContentResponse) ([]byte, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no candidates in gemini response")
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return part.InlineData.Data, nil
		}
	}
	return nil, ErrEmptyAudio
}

// buildSpeechPrompt folds style, language and speed into a natural-language
// direction, since the TTS model takes its controls from the prompt.
func buildSpeechPrompt(req SpeechRequest) string {
	var directions []string
	if req.Style != "" && req.Style != models.DefaultStyle {
		directions = append(directions, fmt.Sprintf("in a %s tone", req.Style))
	}
	if req.Language != "" {
		directions = append(directions, fmt.Sprintf("in %s", req.Language))
	}
	switch {
	case req.Speed > 1.05:
		directions = append(directions, "at a brisk pace")
	case req.Speed > 0 && req.Speed < 0.95:
		directions = append(directions, "at a slow pace")
	}

	if len(directions) == 0 {
		return req.Text
	}
	return fmt.Sprintf("Say %s: %s", strings.Join(directions, ", "), req.Text)
}
