package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bobarin/voicegate/internal/models"
)

var (
	ErrBaseSpeakerNotFound = errors.New("base speaker not found")
	ErrInvalidSpeakerName  = errors.New("invalid base speaker name")
)

// BaseSpeakers holds the process-wide source embedding used by tone
// conversion and persists named embeddings as <dir>/<name>.json.
type BaseSpeakers struct {
	dir    string
	logger *zap.Logger

	mu     sync.RWMutex
	active models.BaseSpeaker
}

// LoadBaseSpeakers activates name from dir. A missing file is not fatal:
// the active embedding stays empty and engines use their default speaker.
func LoadBaseSpeakers(dir, name string, logger *zap.Logger) (*BaseSpeakers, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base speaker directory: %w", err)
	}

	b := &BaseSpeakers{
		dir:    dir,
		logger: logger.With(zap.String("component", "base_speakers")),
		active: models.BaseSpeaker{Name: name},
	}

	if name == "" {
		return b, nil
	}

	if err := b.Activate(name); err != nil {
		if !errors.Is(err, ErrBaseSpeakerNotFound) {
			return nil, err
		}
		b.logger.Warn("base speaker embedding missing, using engine default", zap.String("name", name))
	}

	return b, nil
}

// Active returns the active speaker name and embedding.
func (b *BaseSpeakers) Active() (string, *models.SpeakerEmbedding) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	emb := b.active.Embedding
	return b.active.Name, &emb
}

// Activate switches the active source embedding to a stored speaker.
func (b *BaseSpeakers) Activate(name string) error {
	speaker, err := b.load(name)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.active = *speaker
	b.mu.Unlock()

	b.logger.Info("activated base speaker",
		zap.String("name", name),
		zap.Int("dimensions", len(speaker.Embedding.Values)))
	return nil
}

// Save persists an embedding under name, replacing any previous one.
func (b *BaseSpeakers) Save(name string, emb *models.SpeakerEmbedding) (*models.BaseSpeaker, error) {
	if err := validateSpeakerName(name); err != nil {
		return nil, err
	}
	if emb.IsZero() {
		return nil, fmt.Errorf("%w: empty embedding", ErrEmbeddingFailed)
	}

	speaker := &models.BaseSpeaker{
		Name:      name,
		Embedding: *emb,
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(speaker)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal base speaker: %w", err)
	}

	tmp, err := os.CreateTemp(b.dir, ".speaker-*")
	if err != nil {
		return nil, fmt.Errorf("failed to save base speaker: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to save base speaker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to save base speaker: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path(name)); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to save base speaker: %w", err)
	}

	b.logger.Info("saved base speaker", zap.String("name", name))
	return speaker, nil
}

func (b *BaseSpeakers) load(name string) (*models.BaseSpeaker, error) {
	if err := validateSpeakerName(name); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(b.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBaseSpeakerNotFound, name)
		}
		return nil, fmt.Errorf("failed to read base speaker %s: %w", name, err)
	}

	var speaker models.BaseSpeaker
	if err := json.Unmarshal(data, &speaker); err != nil {
		return nil, fmt.Errorf("failed to decode base speaker %s: %w", name, err)
	}
	speaker.Name = name
	return &speaker, nil
}

func (b *BaseSpeakers) path(name string) string {
	return filepath.Join(b.dir, name+".json")
}

func validateSpeakerName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, `/\`) ||
		strings.ContainsRune(name, 0) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidSpeakerName, name)
	}
	return nil
}
