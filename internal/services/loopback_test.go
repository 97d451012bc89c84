package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/voicegate/internal/audio"
)

func TestLoopbackSynthesizeProducesWAV(t *testing.T) {
	lb := NewLoopback()

	short, err := lb.Synthesize(context.Background(), SpeechRequest{Text: "hi", Speed: 1})
	require.NoError(t, err)
	long, err := lb.Synthesize(context.Background(), SpeechRequest{Text: "a much longer sentence to speak aloud", Speed: 1})
	require.NoError(t, err)

	shortDur, err := audio.Duration(short)
	require.NoError(t, err)
	longDur, err := audio.Duration(long)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, shortDur, loopbackMinDuration-time.Millisecond)
	assert.Greater(t, longDur, shortDur)
}

func TestLoopbackSpeedShortensAudio(t *testing.T) {
	lb := NewLoopback()
	text := "the quick brown fox jumps over the lazy dog"

	normal, err := lb.Synthesize(context.Background(), SpeechRequest{Text: text, Speed: 1})
	require.NoError(t, err)
	fast, err := lb.Synthesize(context.Background(), SpeechRequest{Text: text, Speed: 2})
	require.NoError(t, err)

	normalDur, _ := audio.Duration(normal)
	fastDur, _ := audio.Duration(fast)
	assert.Less(t, fastDur, normalDur)
}

func TestLoopbackSynthesizeRejectsEmptyText(t *testing.T) {
	_, err := NewLoopback().Synthesize(context.Background(), SpeechRequest{})
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestLoopbackConvertCopiesInput(t *testing.T) {
	in := []byte("RIFF....WAVE")
	out, err := NewLoopback().Convert(context.Background(), in, nil, nil, "@MyShell")
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out[0] = 'X'
	assert.Equal(t, byte('R'), in[0])

	_, err = NewLoopback().Convert(context.Background(), nil, nil, nil, "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestLoopbackExtractIsDeterministic(t *testing.T) {
	lb := NewLoopback()
	ctx := context.Background()

	a1, err := lb.Extract(ctx, []byte("voice-a"), true)
	require.NoError(t, err)
	a2, err := lb.Extract(ctx, []byte("voice-a"), true)
	require.NoError(t, err)
	b, err := lb.Extract(ctx, []byte("voice-b"), true)
	require.NoError(t, err)
	noVAD, err := lb.Extract(ctx, []byte("voice-a"), false)
	require.NoError(t, err)

	assert.Len(t, a1.Values, loopbackEmbeddingDim)
	assert.Equal(t, a1.Values, a2.Values)
	assert.NotEqual(t, a1.Values, b.Values)
	assert.NotEqual(t, a1.Values, noVAD.Values)

	for _, v := range a1.Values {
		assert.True(t, v >= -1 && v <= 1, "value %f out of range", v)
	}
}

func TestLoopbackHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLoopback().Synthesize(ctx, SpeechRequest{Text: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
}
