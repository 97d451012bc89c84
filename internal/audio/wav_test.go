package audio

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePCM16Header(t *testing.T) {
	data, err := EncodePCM16(Tone(440, 100*time.Millisecond, 16000, 0.5), 16000, 1)
	require.NoError(t, err)

	require.Greater(t, len(data), 44)
	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
}

func TestDurationRoundTrip(t *testing.T) {
	data, err := EncodePCM16(Tone(220, time.Second, 8000, 0.3), 8000, 1)
	require.NoError(t, err)

	d, err := Duration(data)
	require.NoError(t, err)
	assert.InDelta(t, time.Second.Seconds(), d.Seconds(), 0.01)
}

func TestWrapPCM16LE(t *testing.T) {
	pcm := make([]byte, 24000*2) // one second at 24 kHz
	for i := 0; i < 24000; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i%100)))
	}

	data, err := WrapPCM16LE(pcm, 24000, 1)
	require.NoError(t, err)

	d, err := Duration(data)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, d.Seconds(), 0.01)
}

func TestDurationRejectsNonWAV(t *testing.T) {
	_, err := Duration([]byte("definitely not audio, just some text"))
	assert.ErrorIs(t, err, ErrNotWAV)
}
