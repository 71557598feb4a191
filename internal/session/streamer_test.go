package session

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/pipeline"
)

func newTestStreamer(conn Conn, cfg StreamerConfig) *Streamer {
	return NewStreamer(conn, cfg, observability.NewSessionMetrics("test"), zerolog.Nop())
}

func streamerConfig() StreamerConfig {
	return StreamerConfig{
		Encoding:        audio.EncodingPCM16,
		QueueSize:       8,
		MaxMessageBytes: 4,
		WriteTimeout:    time.Second,
		StallTimeout:    time.Second,
	}
}

// runStreamer starts s and returns a channel carrying Run's result
func runStreamer(ctx context.Context, s *Streamer) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitDelivered(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("event was never delivered")
	}
}

func TestStreamer_WritesInOrderAndSplitsAudio(t *testing.T) {
	conn := newFakeConn()
	s := newTestStreamer(conn, streamerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runStreamer(ctx, s)

	turn := pipeline.NewTextTurn(ctx, 1, "hi")
	delivered := make(chan struct{})
	require.NoError(t, s.Emit(ctx, pipeline.OutputEvent{Kind: pipeline.OutputResponseStart, Turn: turn}))
	require.NoError(t, s.Emit(ctx, pipeline.OutputEvent{Kind: pipeline.OutputAudio, Turn: turn, Audio: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}}))
	require.NoError(t, s.Emit(ctx, pipeline.OutputEvent{Kind: pipeline.OutputResponseEnd, Turn: turn, Delivered: delivered}))
	waitDelivered(t, delivered)

	assert.Equal(t, []string{TokenResponseStart, "audio", TokenResponseEnd}, conn.transcript())
	bins := conn.binaries()
	require.Len(t, bins, 3)
	assert.Equal(t, []byte{1, 2, 3, 4}, bins[0])
	assert.Equal(t, []byte{9, 10}, bins[2])
}

func TestStreamer_DropsCancelledTurns(t *testing.T) {
	conn := newFakeConn()
	s := newTestStreamer(conn, streamerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runStreamer(ctx, s)

	turn := pipeline.NewTextTurn(ctx, 1, "hi")
	turn.Cancel()

	dropped := make(chan struct{})
	require.NoError(t, s.Emit(ctx, pipeline.OutputEvent{Kind: pipeline.OutputAudio, Turn: turn, Audio: []byte{1, 2}}))
	require.NoError(t, s.Emit(ctx, pipeline.OutputEvent{Kind: pipeline.OutputResponseEnd, Turn: turn, Delivered: dropped}))
	waitDelivered(t, dropped)

	require.NoError(t, s.SendControl(ctx, TokenInterrupt))
	require.Eventually(t, func() bool { return len(conn.texts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{TokenInterrupt}, conn.transcript())
}

func TestStreamer_EncodesMulaw(t *testing.T) {
	conn := newFakeConn()
	cfg := streamerConfig()
	cfg.Encoding = audio.EncodingMulaw
	cfg.MaxMessageBytes = 1024
	s := newTestStreamer(conn, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runStreamer(ctx, s)

	delivered := make(chan struct{})
	require.NoError(t, s.Emit(ctx, pipeline.OutputEvent{Kind: pipeline.OutputAudio, Audio: make([]byte, 320), Delivered: delivered}))
	waitDelivered(t, delivered)

	bins := conn.binaries()
	require.Len(t, bins, 1)
	assert.Len(t, bins[0], 160, "one byte per sample")
}

func TestStreamer_StallAbortsWithResourceExhausted(t *testing.T) {
	conn := newFakeConn()
	conn.block = make(chan struct{})
	cfg := streamerConfig()
	cfg.QueueSize = 1
	cfg.StallTimeout = 50 * time.Millisecond
	s := newTestStreamer(conn, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runStreamer(ctx, s)

	// First token is taken by the writer and blocks in the socket
	require.NoError(t, s.SendControl(ctx, TokenResponseStart))
	<-conn.entered
	// Second fills the queue, third cannot be accepted
	require.NoError(t, s.SendControl(ctx, TokenResponseEnd))
	err := s.SendControl(ctx, TokenResponseEnd)
	assert.ErrorIs(t, err, ErrResourceExhausted)

	close(conn.block)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrResourceExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("streamer did not stop")
	}
}

func TestStreamer_ReleasesWaitersOnExit(t *testing.T) {
	conn := newFakeConn()
	conn.block = make(chan struct{})
	s := newTestStreamer(conn, streamerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := runStreamer(ctx, s)

	require.NoError(t, s.SendControl(ctx, TokenResponseStart))
	<-conn.entered
	queued := make(chan struct{})
	require.NoError(t, s.Emit(ctx, pipeline.OutputEvent{Kind: pipeline.OutputResponseEnd, Delivered: queued}))

	cancel()
	close(conn.block)
	<-done
	waitDelivered(t, queued)

	err := s.Emit(context.Background(), pipeline.OutputEvent{Kind: pipeline.OutputAudio, Audio: []byte{1, 2}})
	assert.ErrorIs(t, err, ErrStreamerClosed)
}

func TestStreamer_SendsPings(t *testing.T) {
	conn := newFakeConn()
	cfg := streamerConfig()
	cfg.PingInterval = 10 * time.Millisecond
	s := newTestStreamer(conn, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runStreamer(ctx, s)

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		for _, m := range conn.controls {
			if m.kind == websocket.PingMessage {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestParseToken(t *testing.T) {
	assert.Equal(t, inboundSpeechEnd, parseToken([]byte("SPEECH_END")))
	assert.Equal(t, inboundSpeechEnd, parseToken([]byte(" end\n")))
	assert.Equal(t, inboundInterrupt, parseToken([]byte("BARGE_IN")))
	assert.Equal(t, inboundInterrupt, parseToken([]byte("INTERRUPT")))
	assert.Equal(t, inboundStopRecording, parseToken([]byte("STOP_RECORDING")))
	assert.Equal(t, inboundUnknown, parseToken([]byte("HELLO")))
}
