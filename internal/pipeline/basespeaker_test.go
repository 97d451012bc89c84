package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bobarin/voicegate/internal/models"
)

func TestLoadBaseSpeakersMissingFileUsesDefault(t *testing.T) {
	b, err := LoadBaseSpeakers(t.TempDir(), "en_default", zap.NewNop())
	require.NoError(t, err)

	name, emb := b.Active()
	assert.Equal(t, "en_default", name)
	assert.True(t, emb.IsZero())
}

func TestBaseSpeakersSaveAndActivate(t *testing.T) {
	dir := t.TempDir()
	b, err := LoadBaseSpeakers(dir, "", zap.NewNop())
	require.NoError(t, err)

	_, err = b.Save("en_newest", &models.SpeakerEmbedding{Values: []float32{0.1, 0.2}})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "en_newest.json"))

	require.NoError(t, b.Activate("en_newest"))
	name, emb := b.Active()
	assert.Equal(t, "en_newest", name)
	assert.Equal(t, []float32{0.1, 0.2}, emb.Values)

	// A fresh process picks the stored speaker up at startup.
	reloaded, err := LoadBaseSpeakers(dir, "en_newest", zap.NewNop())
	require.NoError(t, err)
	_, emb = reloaded.Active()
	assert.Equal(t, []float32{0.1, 0.2}, emb.Values)
}

func TestBaseSpeakersErrors(t *testing.T) {
	dir := t.TempDir()
	b, err := LoadBaseSpeakers(dir, "", zap.NewNop())
	require.NoError(t, err)

	assert.ErrorIs(t, b.Activate("ghost"), ErrBaseSpeakerNotFound)
	assert.ErrorIs(t, b.Activate("../etc/passwd"), ErrInvalidSpeakerName)

	_, err = b.Save("empty", &models.SpeakerEmbedding{})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644))
	err = b.Activate("broken")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrBaseSpeakerNotFound)
}
