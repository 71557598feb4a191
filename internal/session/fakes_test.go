package session

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/llm"
	"github.com/lexiqai/voice-bridge/internal/media"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/pipeline"
	"github.com/lexiqai/voice-bridge/internal/segment"
	"github.com/lexiqai/voice-bridge/internal/stt"
)

type message struct {
	kind int
	data []byte
}

// fakeConn is an in-memory websocket. Inbound messages are queued with
// send; everything the server writes is recorded.
type fakeConn struct {
	mu       sync.Mutex
	written  []message
	controls []message

	inbound   chan message
	closed    chan struct{}
	closeOnce sync.Once

	// block, when set, holds every WriteMessage until closed
	block   chan struct{}
	entered chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan message, 256),
		closed:  make(chan struct{}),
		entered: make(chan struct{}, 256),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.inbound:
		if m.kind == websocket.CloseMessage {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return m.kind, m.data, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	}
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	if c.block != nil {
		c.entered <- struct{}{}
		<-c.block
	}
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, message{kind: kind, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) WriteControl(kind int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, message{kind: kind, data: data})
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetReadLimit(int64)                {}
func (c *fakeConn) SetPongHandler(func(string) error) {}
func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5555}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(kind int, data []byte) {
	c.inbound <- message{kind: kind, data: data}
}

func (c *fakeConn) sendText(token string) {
	c.send(websocket.TextMessage, []byte(token))
}

func (c *fakeConn) hangup() {
	c.send(websocket.CloseMessage, nil)
}

// texts lists the control tokens written so far, in order
func (c *fakeConn) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.written {
		if m.kind == websocket.TextMessage {
			out = append(out, string(m.data))
		}
	}
	return out
}

// transcript renders the write sequence, audio collapsed to "audio"
func (c *fakeConn) transcript() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.written {
		if m.kind == websocket.BinaryMessage {
			if len(out) > 0 && out[len(out)-1] == "audio" {
				continue
			}
			out = append(out, "audio")
			continue
		}
		out = append(out, string(m.data))
	}
	return out
}

func (c *fakeConn) binaries() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, m := range c.written {
		if m.kind == websocket.BinaryMessage {
			out = append(out, m.data)
		}
	}
	return out
}

func (c *fakeConn) closeFrames() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []message
	for _, m := range c.controls {
		if m.kind == websocket.CloseMessage {
			out = append(out, m)
		}
	}
	return out
}

// loudClassifier labels a window as speech when any sample is non-zero
type loudClassifier struct{}

func (loudClassifier) Name() string                     { return "loud" }
func (loudClassifier) WindowSize() int                  { return 0 }
func (loudClassifier) Close() error                     { return nil }
func (loudClassifier) NewScorer() (audio.Scorer, error) { return loudScorer{}, nil }

type loudScorer struct{}

func (loudScorer) Score(window []float32) (float32, error) {
	for _, s := range window {
		if s > 0.1 || s < -0.1 {
			return 1, nil
		}
	}
	return 0, nil
}
func (loudScorer) Reset()       {}
func (loudScorer) Close() error { return nil }

const chunkBytes = 320

func loudChunk() []byte {
	pcm := make([]byte, chunkBytes)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], 16000)
	}
	return pcm
}

func silentChunk() []byte {
	return make([]byte, chunkBytes)
}

// speak sends a complete utterance: onset run, then enough silence to end it
func speak(c *fakeConn) {
	for i := 0; i < 3; i++ {
		c.send(websocket.BinaryMessage, loudChunk())
	}
	for i := 0; i < 4; i++ {
		c.send(websocket.BinaryMessage, silentChunk())
	}
}

type fakeTranscriber struct {
	mu   sync.Mutex
	text string
	pcm  [][]byte
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (stt.Transcript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pcm = append(f.pcm, pcm)
	return stt.Transcript{Text: f.text}, nil
}

func (f *fakeTranscriber) calls() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.pcm...)
}

// replyGenerator answers every request with a fixed text
type replyGenerator struct{ reply string }

func (g replyGenerator) Generate(ctx context.Context, req llm.Request) (llm.Generation, error) {
	return &sliceGeneration{frags: []llm.Fragment{{Text: g.reply}}}, nil
}

type sliceGeneration struct{ frags []llm.Fragment }

func (g *sliceGeneration) Next(ctx context.Context) (llm.Fragment, error) {
	if len(g.frags) == 0 {
		return llm.Fragment{}, io.EOF
	}
	f := g.frags[0]
	g.frags = g.frags[1:]
	return f, nil
}

func (g *sliceGeneration) ContinueWith(ctx context.Context, result llm.ActionResult) (llm.Generation, error) {
	return &sliceGeneration{}, nil
}

func (g *sliceGeneration) Close() error { return nil }

// chunkSynth yields two fixed chunks per sentence, optionally after a gate
type chunkSynth struct {
	gate chan struct{}
}

func (s chunkSynth) Synthesize(ctx context.Context, text string) (audio.Stream, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return audio.NewSliceStream([]byte{1, 2, 3, 4}, []byte{5, 6, 7, 8}), nil
}

// endlessSynth streams audio until the stream is closed or cancelled
type endlessSynth struct{}

func (endlessSynth) Synthesize(ctx context.Context, text string) (audio.Stream, error) {
	return &tickingStream{stop: make(chan struct{})}, nil
}

type tickingStream struct {
	once sync.Once
	stop chan struct{}
}

func (s *tickingStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stop:
		return nil, io.EOF
	case <-time.After(5 * time.Millisecond):
		return []byte{9, 9}, nil
	}
}

func (s *tickingStream) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

type sliceSource struct{ chunks [][]byte }

func (s sliceSource) Open(ctx context.Context, h media.Handle) (audio.Stream, error) {
	return audio.NewSliceStream(s.chunks...), nil
}

func testOptions() Options {
	return Options{
		SampleRate: 16000,
		Encoding:   audio.EncodingPCM16,
		Segment: segment.Config{
			ListenThreshold:    0.5,
			InterruptThreshold: 0.8,
			StartChunks:        3,
			SilenceChunks:      4,
			InterruptChunks:    2,
			MaxTurnDuration:    10 * time.Second,
		},
		MinTurnChunks:       4,
		FrameBusSize:        64,
		MaxInboundBytes:     1 << 16,
		PongTimeout:         time.Second,
		InterruptAckTimeout: 200 * time.Millisecond,
		HistoryTurns:        4,
		TickInterval:        20 * time.Millisecond,
		Streamer: StreamerConfig{
			Encoding:        audio.EncodingPCM16,
			QueueSize:       16,
			MaxMessageBytes: 1024,
			WriteTimeout:    time.Second,
			StallTimeout:    time.Second,
		},
	}
}

func newExecutor(deps pipeline.Deps) *pipeline.Executor {
	return pipeline.NewExecutor(pipeline.Config{
		SampleRate:          16000,
		SentenceTerminators: ".!?",
		MaxActionRounds:     1,
		GenerationTimeout:   time.Second,
		SynthesisLookahead:  2,
	}, deps)
}

// harness runs one session over a fakeConn
type harness struct {
	t        *testing.T
	conn     *fakeConn
	session  *Session
	finished chan struct{}
	err      error
}

func startSession(t *testing.T, exec *pipeline.Executor, opts Options) *harness {
	t.Helper()
	conn := newFakeConn()
	s, err := New(context.Background(), "sess-1", "dev-1", conn, loudClassifier{}, exec, opts)
	require.NoError(t, err)

	h := &harness{t: t, conn: conn, session: s, finished: make(chan struct{})}
	go func() {
		h.err = s.Run()
		close(h.finished)
	}()
	t.Cleanup(func() {
		s.Close()
		if stopped, _ := h.wait(); !stopped {
			t.Error("session did not stop")
		}
	})
	return h
}

// wait returns Run's result once the session has stopped
func (h *harness) wait() (bool, error) {
	select {
	case <-h.finished:
		return true, h.err
	case <-time.After(5 * time.Second):
		return false, nil
	}
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.session.State() == want },
		2*time.Second, 5*time.Millisecond, "state never became %s", want)
}

func (h *harness) waitTexts(n int) []string {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.conn.texts()) >= n },
		2*time.Second, 5*time.Millisecond, "expected %d control messages", n)
	return h.conn.texts()
}

func newTestMachine(minTurnChunks int) *StateMachine {
	return NewStateMachine(context.Background(), minTurnChunks, observability.NewSessionMetrics("test"), zerolog.Nop())
}
