// Package audio wraps raw PCM into WAV containers and inspects WAV payloads.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

var ErrNotWAV = errors.New("payload is not a valid WAV file")

// EncodePCM16 encodes 16-bit samples into a WAV file. The go-audio encoder
// needs a WriteSeeker, so the container is assembled in a temp file.
func EncodePCM16(samples []int, sampleRate, channels int) ([]byte, error) {
	f, err := os.CreateTemp("", "voicegate-*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp wav: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, bitDepth, channels, 1)
	buf := &goaudio.IntBuffer{
		Data:           samples,
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: channels},
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize wav: %w", err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}

// WrapPCM16LE wraps little-endian signed 16-bit PCM (as returned by Gemini
// speech generation) into a WAV container.
func WrapPCM16LE(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return EncodePCM16(samples, sampleRate, channels)
}

// Tone renders a mono sine tone at the given amplitude (0..1).
func Tone(freqHz float64, d time.Duration, sampleRate int, amplitude float64) []int {
	n := int(d.Seconds() * float64(sampleRate))
	samples := make([]int, n)
	peak := amplitude * math.MaxInt16
	for i := range samples {
		samples[i] = int(peak * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate)))
	}
	return samples
}

// Duration reports the playback length of a WAV payload.
func Duration(data []byte) (time.Duration, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return 0, ErrNotWAV
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("failed to locate wav data chunk: %w", err)
	}
	bytesPerSec := int(dec.SampleRate) * int(dec.NumChans) * int(dec.BitDepth) / 8
	if bytesPerSec == 0 {
		return 0, ErrNotWAV
	}
	return time.Duration(float64(dec.PCMSize) / float64(bytesPerSec) * float64(time.Second)), nil
}
