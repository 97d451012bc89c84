package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bobarin/voicegate/internal/audio"
)

func newTestStorage(t *testing.T, exact bool) *Storage {
	t.Helper()

	root := t.TempDir()
	s, err := New(Options{
		ResourcesDir: filepath.Join(root, "resources"),
		OutputsDir:   filepath.Join(root, "outputs"),
		ExactMatch:   exact,
	}, zap.NewNop())
	require.NoError(t, err)
	return s
}

func wavBytes(t *testing.T) []byte {
	t.Helper()

	data, err := audio.EncodePCM16(audio.Tone(440, 50*time.Millisecond, 16000, 0.5), 16000, 1)
	require.NoError(t, err)
	return data
}

func resourceFiles(t *testing.T, s *Storage) []string {
	t.Helper()

	entries, err := os.ReadDir(s.resourcesDir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestUploadRejectsUnsupportedExtension(t *testing.T) {
	s := newTestStorage(t, false)

	for _, ext := range []string{"txt", "m4a", "exe", ""} {
		_, err := s.Upload("alice", wavBytes(t), ext)
		assert.ErrorIs(t, err, ErrUnsupportedType, "extension %q", ext)
	}
	assert.Empty(t, resourceFiles(t, s))
}

func TestCheckExtension(t *testing.T) {
	for _, ext := range []string{"wav", "MP3", "Flac", "ogg"} {
		_, err := CheckExtension(ext)
		assert.NoError(t, err, ext)
	}
	_, err := CheckExtension("txt")
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestUploadRejectsTooLarge(t *testing.T) {
	s := newTestStorage(t, false)

	// Valid WAV header followed by padding beyond the limit.
	data := append(wavBytes(t), make([]byte, DefaultMaxUploadBytes)...)
	_, err := s.Upload("big", data, "wav")
	assert.ErrorIs(t, err, ErrTooLarge)

	// Content validity does not matter once the limit is exceeded.
	_, err = s.Upload("big", bytes.Repeat([]byte("a"), DefaultMaxUploadBytes+1), "wav")
	assert.ErrorIs(t, err, ErrTooLarge)

	assert.Empty(t, resourceFiles(t, s))
}

func TestUploadAcceptsExactlyLimit(t *testing.T) {
	s := newTestStorage(t, false)

	data := wavBytes(t)
	data = append(data, make([]byte, DefaultMaxUploadBytes-len(data))...)
	_, err := s.Upload("edge", data, "wav")
	assert.NoError(t, err)
}

func TestUploadRejectsSpoofedContent(t *testing.T) {
	s := newTestStorage(t, false)

	_, err := s.Upload("fake", []byte("this is a plain text file renamed to .wav\n"), "wav")
	assert.ErrorIs(t, err, ErrInvalidContent)

	_, err = s.Upload("fake", []byte("%PDF-1.4\n%âãÏÓ\n1 0 obj\n"), "mp3")
	assert.ErrorIs(t, err, ErrInvalidContent)

	assert.Empty(t, resourceFiles(t, s))
}

func TestUploadRejectsUnsafeLabels(t *testing.T) {
	s := newTestStorage(t, false)

	for _, label := range []string{"", "  ", "../escape", `a\b`, ".hidden"} {
		_, err := s.Upload(label, wavBytes(t), "wav")
		assert.ErrorIs(t, err, ErrInvalidLabel, "label %q", label)
	}
	assert.Empty(t, resourceFiles(t, s))
}

func TestUploadThenResolve(t *testing.T) {
	s := newTestStorage(t, false)

	voice, err := s.Upload("alice", wavBytes(t), "wav")
	require.NoError(t, err)
	assert.Equal(t, "alice", voice.Label)
	assert.EqualValues(t, "wav", voice.Extension)

	path, err := s.Resolve("alice")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "alice.wav"), path)
	assert.Equal(t, voice.StoredPath, path)
}

func TestUploadNormalizesExtensionCase(t *testing.T) {
	s := newTestStorage(t, false)

	voice, err := s.Upload("bob", wavBytes(t), "WAV")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(voice.StoredPath, "bob.wav"))
}

func TestUploadOverwritesSamePath(t *testing.T) {
	s := newTestStorage(t, false)

	first := wavBytes(t)
	_, err := s.Upload("carol", first, "wav")
	require.NoError(t, err)

	second, err := audio.EncodePCM16(audio.Tone(880, 80*time.Millisecond, 16000, 0.5), 16000, 1)
	require.NoError(t, err)
	_, err = s.Upload("carol", second, "wav")
	require.NoError(t, err)

	assert.Equal(t, []string{"carol.wav"}, resourceFiles(t, s))

	path, err := s.Resolve("carol")
	require.NoError(t, err)
	stored, err := s.ReadReference(path)
	require.NoError(t, err)
	assert.Equal(t, second, stored)
}

func TestResolveUnknownLabel(t *testing.T) {
	s := newTestStorage(t, false)

	_, err := s.Resolve("nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Resolve("")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolvePrefixIsStableAndAmbiguous(t *testing.T) {
	s := newTestStorage(t, false)

	_, err := s.Upload("ann", wavBytes(t), "wav")
	require.NoError(t, err)
	_, err = s.Upload("anna", wavBytes(t), "wav")
	require.NoError(t, err)

	// "ann" prefixes both files; the lexically first wins every time.
	for i := 0; i < 5; i++ {
		path, err := s.Resolve("ann")
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(path, "ann.wav"), path)
	}

	path, err := s.Resolve("an")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "ann.wav"), path)
}

func TestResolveExactMode(t *testing.T) {
	s := newTestStorage(t, true)

	_, err := s.Upload("anna", wavBytes(t), "wav")
	require.NoError(t, err)

	_, err = s.Resolve("ann")
	assert.ErrorIs(t, err, ErrNotFound)

	path, err := s.Resolve("anna")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "anna.wav"))
}

func TestListVoices(t *testing.T) {
	s := newTestStorage(t, false)

	_, err := s.Upload("zed", wavBytes(t), "wav")
	require.NoError(t, err)
	_, err = s.Upload("amy", wavBytes(t), "wav")
	require.NoError(t, err)

	voices, err := s.List()
	require.NoError(t, err)
	require.Len(t, voices, 2)
	assert.Equal(t, "amy", voices[0].Label)
	assert.Equal(t, "zed", voices[1].Label)
	assert.Positive(t, voices[0].SizeBytes)
}

func TestArtifactsAreUnique(t *testing.T) {
	s := newTestStorage(t, false)

	var (
		mu    sync.Mutex
		paths = make(map[string]bool)
		wg    sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := s.WriteArtifact([]byte("RIFF"))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			paths[a.Path] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, paths, 20)
}

func TestArtifactRemove(t *testing.T) {
	s := newTestStorage(t, false)

	a, err := s.WriteArtifact(wavBytes(t))
	require.NoError(t, err)

	f, err := a.Open()
	require.NoError(t, err)
	f.Close()

	require.NoError(t, a.Remove())
	_, err = os.Stat(a.Path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, a.Remove())
}

func TestValidateAudioWritesNothing(t *testing.T) {
	s := newTestStorage(t, false)

	ext, err := s.ValidateAudio(wavBytes(t), "WAV")
	require.NoError(t, err)
	assert.Equal(t, "wav", string(ext))

	_, err = s.ValidateAudio([]byte("not audio"), "ogg")
	assert.ErrorIs(t, err, ErrInvalidContent)

	assert.Empty(t, resourceFiles(t, s))
}
