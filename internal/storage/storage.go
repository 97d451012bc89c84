// Package storage persists reference voices and per-request synthesis artifacts
// on the local filesystem.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bobarin/voicegate/internal/models"
)

const (
	// DefaultMaxUploadBytes is the reference upload limit (5 MiB).
	DefaultMaxUploadBytes = 5 * 1024 * 1024

	filePermissions = 0o644
	dirPermissions  = 0o755
)

var (
	ErrUnsupportedType = errors.New("invalid file type. Allowed types are: wav, mp3, flac, ogg")
	ErrTooLarge        = errors.New("file size is over limit")
	ErrInvalidContent  = errors.New("invalid file content")
	ErrInvalidLabel    = errors.New("invalid audio file label")
	ErrNotFound        = errors.New("no matching voice found")
)

type Options struct {
	ResourcesDir   string
	OutputsDir     string
	MaxUploadBytes int64
	ExactMatch     bool // match labels exactly instead of by prefix
}

type Storage struct {
	resourcesDir   string
	outputsDir     string
	maxUploadBytes int64
	exactMatch     bool
	logger         *zap.Logger
}

// New creates the resource and output directories if needed.
func New(opts Options, logger *zap.Logger) (*Storage, error) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}

	for _, dir := range []string{opts.ResourcesDir, opts.OutputsDir} {
		if err := os.MkdirAll(dir, dirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &Storage{
		resourcesDir:   opts.ResourcesDir,
		outputsDir:     opts.OutputsDir,
		maxUploadBytes: opts.MaxUploadBytes,
		exactMatch:     opts.ExactMatch,
		logger:         logger.With(zap.String("component", "storage")),
	}, nil
}

// MaxUploadBytes returns the configured reference size limit.
func (s *Storage) MaxUploadBytes() int64 {
	return s.maxUploadBytes
}

// Upload validates a reference voice and writes it to <resources>/<label>.<ext>,
// replacing any previous file at that exact path. Nothing is written when
// validation fails.
func (s *Storage) Upload(label string, data []byte, declaredExtension string) (*models.ReferenceVoice, error) {
	ext, err := s.ValidateAudio(data, declaredExtension)
	if err != nil {
		return nil, err
	}

	if err := validateLabel(label); err != nil {
		return nil, err
	}

	storedPath := filepath.Join(s.resourcesDir, fmt.Sprintf("%s.%s", label, ext))
	if err := writeFileAtomic(storedPath, data); err != nil {
		return nil, fmt.Errorf("failed to store reference voice: %w", err)
	}

	s.logger.Info("stored reference voice",
		zap.String("label", label),
		zap.String("path", storedPath),
		zap.Int("bytes", len(data)))

	return &models.ReferenceVoice{
		Label:      label,
		StoredPath: storedPath,
		Extension:  ext,
		SizeBytes:  int64(len(data)),
	}, nil
}

// ValidateAudio applies the upload checks in order: declared extension,
// size, then sniffed content. It writes nothing.
func (s *Storage) ValidateAudio(data []byte, declaredExtension string) (models.AudioExtension, error) {
	ext, err := CheckExtension(declaredExtension)
	if err != nil {
		return "", err
	}

	if int64(len(data)) > s.maxUploadBytes {
		return "", fmt.Errorf("%w: max size is %dMB", ErrTooLarge, s.maxUploadBytes/(1024*1024))
	}

	// Sniffed independently of the declared extension.
	detected := mimetype.Detect(data)
	if !isAudio(detected) {
		s.logger.Warn("rejected upload with non-audio content",
			zap.String("declared_extension", declaredExtension),
			zap.String("detected", detected.String()))
		return "", ErrInvalidContent
	}

	return ext, nil
}

// CheckExtension reports whether a declared extension is an accepted
// reference format, ignoring case.
func CheckExtension(declaredExtension string) (models.AudioExtension, error) {
	ext, ok := models.ParseExtension(strings.ToLower(declaredExtension))
	if !ok {
		return "", ErrUnsupportedType
	}
	return ext, nil
}

// Resolve returns the first stored file whose name starts with voiceLabel.
// Entries are scanned in lexical order, so the result is stable for a given
// directory listing. In exact mode only <voiceLabel>.<ext> matches.
func (s *Storage) Resolve(voiceLabel string) (string, error) {
	if voiceLabel == "" {
		return "", ErrNotFound
	}

	entries, err := os.ReadDir(s.resourcesDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to list resources: %w", err)
	}

	var matches []string
	for _, entry := range entries {
		if entry.IsDir() || isTempFile(entry.Name()) {
			continue
		}
		name := entry.Name()
		if s.exactMatch {
			if strings.TrimSuffix(name, filepath.Ext(name)) == voiceLabel {
				matches = append(matches, name)
			}
			continue
		}
		if strings.HasPrefix(name, voiceLabel) {
			matches = append(matches, name)
		}
	}

	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, voiceLabel)
	}

	if len(matches) > 1 {
		s.logger.Warn("voice label matches several references, using the first",
			zap.String("voice", voiceLabel),
			zap.Strings("matches", matches),
			zap.Bool("exact_match", s.exactMatch))
	}

	return filepath.Join(s.resourcesDir, matches[0]), nil
}

// List returns all stored reference voices in lexical order.
func (s *Storage) List() ([]models.ReferenceVoice, error) {
	entries, err := os.ReadDir(s.resourcesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	voices := make([]models.ReferenceVoice, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || isTempFile(entry.Name()) {
			continue
		}
		ext, ok := models.ParseExtension(strings.TrimPrefix(filepath.Ext(entry.Name()), "."))
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		voices = append(voices, models.ReferenceVoice{
			Label:      strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())),
			StoredPath: filepath.Join(s.resourcesDir, entry.Name()),
			Extension:  ext,
			SizeBytes:  info.Size(),
		})
	}

	return voices, nil
}

// ReadReference loads a resolved reference file.
func (s *Storage) ReadReference(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference %s: %w", path, err)
	}
	return data, nil
}

// Artifact is a request-scoped output file. It must be removed by its owner.
type Artifact struct {
	ID   uuid.UUID
	Path string
	Size int64
}

// Open opens the artifact for streaming.
func (a *Artifact) Open() (*os.File, error) {
	return os.Open(a.Path)
}

// Remove deletes the artifact file. Removing twice is not an error.
func (a *Artifact) Remove() error {
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// WriteArtifact stores audio under a fresh <outputs>/<uuid>.wav path.
func (s *Storage) WriteArtifact(audio []byte) (*Artifact, error) {
	id := uuid.New()
	path := filepath.Join(s.outputsDir, id.String()+".wav")

	if err := os.WriteFile(path, audio, filePermissions); err != nil {
		return nil, fmt.Errorf("failed to write artifact: %w", err)
	}

	return &Artifact{ID: id, Path: path, Size: int64(len(audio))}, nil
}

func isAudio(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "audio/") {
			return true
		}
	}
	return false
}

func validateLabel(label string) error {
	switch {
	case strings.TrimSpace(label) == "":
		return fmt.Errorf("%w: label is empty", ErrInvalidLabel)
	case strings.ContainsAny(label, `/\`), strings.ContainsRune(label, 0):
		return fmt.Errorf("%w: label must not contain path separators", ErrInvalidLabel)
	case strings.HasPrefix(label, "."):
		return fmt.Errorf("%w: label must not start with a dot", ErrInvalidLabel)
	}
	return nil
}

const tempPrefix = ".upload-"

func isTempFile(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}

// writeFileAtomic writes through a temp file in the same directory so
// concurrent readers never observe a partially written reference.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, filePermissions); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}
