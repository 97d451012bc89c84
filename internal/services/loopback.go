package services

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"hash/fnv"
	"math"
	"time"
	"unicode/utf8"

	"github.com/bobarin/voicegate/internal/audio"
	"github.com/bobarin/voicegate/internal/models"
)

// ---------------------------------------------------------------------------
// Loopback engines
// In-process stand-ins for the model engines, used for local development
// and for exercising the gateway without the inference sidecar. Output is
// deterministic for a given input.
// ---------------------------------------------------------------------------

const (
	loopbackSampleRate   = 22050
	loopbackRunePerSec   = 14
	loopbackMinDuration  = 300 * time.Millisecond
	loopbackMaxDuration  = 30 * time.Second
	loopbackEmbeddingDim = 256
	loopbackAmplitude    = 0.3
)

// Loopback implements every engine interface without any model.
type Loopback struct{}

var (
	_ Synthesizer        = Loopback{}
	_ VoiceConverter     = Loopback{}
	_ EmbeddingExtractor = Loopback{}
	_ DeviceReporter     = Loopback{}
)

func NewLoopback() Loopback {
	return Loopback{}
}

func (Loopback) Device() string {
	return defaultDevice
}

// Synthesize produces a sine tone whose length follows the text length and
// speed, and whose pitch is derived from the style and language.
func (Loopback) Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error) {
	if req.Text == "" {
		return nil, ErrEmptyText
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	speed := req.Speed
	if speed <= 0 {
		speed = models.DefaultSpeed
	}

	seconds := float64(utf8.RuneCountInString(req.Text)) / loopbackRunePerSec / speed
	d := time.Duration(seconds * float64(time.Second))
	d = max(d, loopbackMinDuration)
	d = min(d, loopbackMaxDuration)

	h := fnv.New32a()
	h.Write([]byte(req.Style))
	h.Write([]byte{0})
	h.Write([]byte(req.Language))
	freq := 180 + float64(h.Sum32()%240)

	return audio.EncodePCM16(audio.Tone(freq, d, loopbackSampleRate, loopbackAmplitude), loopbackSampleRate, 1)
}

// Convert returns the input audio unchanged.
func (Loopback) Convert(ctx context.Context, in []byte, _, _ *models.SpeakerEmbedding, _ string) ([]byte, error) {
	if len(in) == 0 {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out, nil
}

// Extract derives a unit-range embedding from the content digest, so equal
// audio always yields equal embeddings.
func (Loopback) Extract(ctx context.Context, in []byte, vad bool) (*models.SpeakerEmbedding, error) {
	if len(in) == 0 {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	values := make([]float32, loopbackEmbeddingDim)
	seed := sha256.Sum256(in)
	if vad {
		seed[0] ^= 0xff
	}
	block := seed
	for i := range values {
		if i > 0 && i%8 == 0 {
			block = sha256.Sum256(block[:])
		}
		off := (i % 8) * 4
		u := binary.BigEndian.Uint32(block[off : off+4])
		values[i] = float32(float64(u)/math.MaxUint32*2 - 1)
	}

	return &models.SpeakerEmbedding{Values: values}, nil
}
