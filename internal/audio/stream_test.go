package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s Stream) []int16 {
	t.Helper()
	var out []int16
	for {
		chunk, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, BytesToSamples(chunk)...)
	}
}

func TestReaderStream_ChunksWithoutResampling(t *testing.T) {
	pcm := SamplesToBytes([]int16{1, 2, 3, 4, 5})
	s := NewReaderStream(io.NopCloser(bytes.NewReader(append(pcm, 0xFF))), 4, 16000, 16000)

	first, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int16{1, 2}, BytesToSamples(first))

	// The trailing half sample is dropped
	assert.Equal(t, []int16{3, 4, 5}, drain(t, s))
}

func TestReaderStream_ResamplesAcrossChunks(t *testing.T) {
	ramp := make([]int16, 4800)
	for i := range ramp {
		ramp[i] = int16(i)
	}
	// 20ms chunks at 24kHz
	s := NewReaderStream(io.NopCloser(bytes.NewReader(SamplesToBytes(ramp))), 960, 24000, 16000)

	out := drain(t, s)
	assert.InDelta(t, 3200, len(out), 1)
	for i := 1; i < len(out); i++ {
		d := out[i] - out[i-1]
		require.Truef(t, d == 1 || d == 2, "discontinuity at %d: %d -> %d", i, out[i-1], out[i])
	}
}

func TestReaderStream_CancelledContext(t *testing.T) {
	s := NewReaderStream(io.NopCloser(bytes.NewReader(make([]byte, 64))), 32, 16000, 16000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
