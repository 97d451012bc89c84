package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/bobarin/voicegate/internal/models"
)

// ---------------------------------------------------------------------------
// Inference sidecar client
// The model checkpoints live in a separate inference process. This client
// speaks its small HTTP contract:
//   POST /tts      JSON SpeechRequest            -> audio/wav
//   POST /convert  multipart audio + embeddings  -> audio/wav
//   POST /extract  multipart audio + vad         -> {"embedding": [...]}
//   GET  /health                                 -> {"status", "device"}
// ---------------------------------------------------------------------------

const (
	sidecarPathTTS     = "/tts"
	sidecarPathConvert = "/convert"
	sidecarPathExtract = "/extract"
	sidecarPathHealth  = "/health"

	contentTypeJSON = "application/json"
	contentTypeWAV  = "audio/wav"

	defaultDevice = "cpu"
)

var (
	ErrEmptyText    = errors.New("text cannot be empty")
	ErrEmptyAudio   = errors.New("received empty audio data")
	ErrEmptyInput   = errors.New("input audio is empty")
	ErrBadEmbedding = errors.New("sidecar returned an empty embedding")
)

// SidecarErrorResponse is the error body returned by the inference sidecar.
type SidecarErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

type sidecarHealth struct {
	Status string `json:"status"`
	Device string `json:"device"`
}

type sidecarEmbedding struct {
	Embedding []float32 `json:"embedding"`
}

// SidecarClient implements every engine interface against the sidecar.
type SidecarClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu     sync.RWMutex
	device string
}

var (
	_ Synthesizer        = (*SidecarClient)(nil)
	_ VoiceConverter     = (*SidecarClient)(nil)
	_ EmbeddingExtractor = (*SidecarClient)(nil)
	_ DeviceReporter     = (*SidecarClient)(nil)
)

// NewSidecarClient creates a client. device is reported until a health
// check tells us otherwise; empty means "cpu".
func NewSidecarClient(baseURL string, timeout time.Duration, device string, logger *zap.Logger) *SidecarClient {
	if device == "" {
		device = defaultDevice
	}
	return &SidecarClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(zap.String("component", "sidecar")),
		device:     device,
	}
}

// Device returns the last device reported by the sidecar.
func (c *SidecarClient) Device() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device
}

// HealthCheck verifies the sidecar is up and records the device it reports.
func (c *SidecarClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+sidecarPathHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for sidecar at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	var health sidecarHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}

	if health.Device != "" {
		c.mu.Lock()
		c.device = health.Device
		c.mu.Unlock()
	}

	c.logger.Info("sidecar healthy", zap.String("status", health.Status), zap.String("device", health.Device))
	return nil
}

// Synthesize renders text with the sidecar's base speaker model.
func (c *SidecarClient) Synthesize(ctx context.Context, sreq SpeechRequest) ([]byte, error) {
	if strings.TrimSpace(sreq.Text) == "" {
		return nil, ErrEmptyText
	}

	body, err := json.Marshal(sreq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sidecarPathTTS, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeWAV)

	c.logger.Debug("synthesizing",
		zap.Int("text_len", len(sreq.Text)),
		zap.String("style", sreq.Style),
		zap.String("language", sreq.Language),
		zap.Float64("speed", sreq.Speed))

	return c.doAudio(req)
}

// Convert re-renders audio into the target timbre.
func (c *SidecarClient) Convert(ctx context.Context, audio []byte, source, target *models.SpeakerEmbedding, watermark string) ([]byte, error) {
	if len(audio) == 0 {
		return nil, ErrEmptyInput
	}

	fields := map[string]string{"message": watermark}
	for name, emb := range map[string]*models.SpeakerEmbedding{"source_embedding": source, "target_embedding": target} {
		encoded, err := encodeEmbedding(emb)
		if err != nil {
			return nil, err
		}
		fields[name] = encoded
	}

	req, err := c.newMultipartRequest(ctx, sidecarPathConvert, audio, fields)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", contentTypeWAV)

	return c.doAudio(req)
}

// Extract computes the speaker embedding of a reference clip.
func (c *SidecarClient) Extract(ctx context.Context, audio []byte, vad bool) (*models.SpeakerEmbedding, error) {
	if len(audio) == 0 {
		return nil, ErrEmptyInput
	}

	req, err := c.newMultipartRequest(ctx, sidecarPathExtract, audio, map[string]string{
		"vad": strconv.FormatBool(vad),
	})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to sidecar at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	var out sidecarEmbedding
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embedding: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, ErrBadEmbedding
	}

	return &models.SpeakerEmbedding{Values: out.Embedding}, nil
}

func (c *SidecarClient) newMultipartRequest(ctx context.Context, path string, audio []byte, fields map[string]string) (*http.Request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	// The sidecar decodes by extension, so name the part after its content.
	filename := "audio" + mimetype.Detect(audio).Extension()
	part, err := w.CreateFormFile("audio", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("failed to write audio part: %w", err)
	}

	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}

func (c *SidecarClient) doAudio(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to sidecar at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}

	return audio, nil
}

// encodeEmbedding renders an embedding form field; a zero embedding is sent
// as JSON null so the sidecar falls back to its default speaker.
func encodeEmbedding(emb *models.SpeakerEmbedding) (string, error) {
	if emb.IsZero() {
		return "null", nil
	}
	data, err := json.Marshal(emb.Values)
	if err != nil {
		return "", fmt.Errorf("failed to marshal embedding: %w", err)
	}
	return string(data), nil
}

// parseErrorResponse decodes a structured sidecar error, falling back to
// the raw body for non-JSON errors.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp SidecarErrorResponse
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Detail != "" {
		if errorResp.ErrorCode != "" {
			return fmt.Errorf("sidecar error (%s): %s (code: %s)", resp.Status, errorResp.Detail, errorResp.ErrorCode)
		}
		return fmt.Errorf("sidecar error (%s): %s", resp.Status, errorResp.Detail)
	}

	return fmt.Errorf("sidecar returned non-OK status: %s, body: %s", resp.Status, strings.TrimSpace(string(body)))
}
