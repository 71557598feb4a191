package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/llm"
	"github.com/lexiqai/voice-bridge/internal/media"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/stt"
)

type fakeTranscriber struct {
	text  string
	err   error
	calls int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (stt.Transcript, error) {
	f.calls++
	return stt.Transcript{Text: f.text}, f.err
}

// fakeSynth returns the sentence text itself as a single audio chunk
type fakeSynth struct {
	mu    sync.Mutex
	calls []string
	err   error
	// gates delay a sentence's audio until closed
	gates map[string]chan struct{}
	// onCall runs when a sentence is submitted for synthesis
	onCall func(text string)
	// endless makes every stream produce chunks until closed
	endless *endlessStream
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) (audio.Stream, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	gate := f.gates[text]
	onCall := f.onCall
	f.mu.Unlock()

	if onCall != nil {
		onCall(text)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.endless != nil {
		return f.endless, nil
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return audio.NewSliceStream([]byte(text)), nil
}

func (f *fakeSynth) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type endlessStream struct {
	mu     sync.Mutex
	closed bool
}

func (s *endlessStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.EOF
	}
	return []byte("tone"), nil
}

func (s *endlessStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *endlessStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeGenerator replays one fragment script per round
type fakeGenerator struct {
	mu       sync.Mutex
	rounds   [][]llm.Fragment
	err      error
	block    bool
	requests []llm.Request
	results  []llm.ActionResult
}

func (g *fakeGenerator) Generate(ctx context.Context, req llm.Request) (llm.Generation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return g.round(0), nil
}

func (g *fakeGenerator) round(i int) *fakeGeneration {
	var frags []llm.Fragment
	if i < len(g.rounds) {
		frags = g.rounds[i]
	}
	return &fakeGeneration{gen: g, index: i, frags: frags}
}

func (g *fakeGenerator) Results() []llm.ActionResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]llm.ActionResult(nil), g.results...)
}

type fakeGeneration struct {
	gen   *fakeGenerator
	index int
	frags []llm.Fragment
}

func (s *fakeGeneration) Next(ctx context.Context) (llm.Fragment, error) {
	if s.gen.block {
		<-ctx.Done()
		return llm.Fragment{}, ctx.Err()
	}
	if len(s.frags) == 0 {
		return llm.Fragment{}, io.EOF
	}
	f := s.frags[0]
	s.frags = s.frags[1:]
	return f, nil
}

func (s *fakeGeneration) ContinueWith(ctx context.Context, result llm.ActionResult) (llm.Generation, error) {
	s.gen.mu.Lock()
	defer s.gen.mu.Unlock()
	s.gen.results = append(s.gen.results, result)
	return s.gen.round(s.index + 1), nil
}

func (s *fakeGeneration) Close() error { return nil }

type fakeResolver struct {
	handle media.Handle
	err    error
}

func (r fakeResolver) Resolve(ctx context.Context, query string) (media.Handle, error) {
	if r.err != nil {
		return media.Handle{}, r.err
	}
	h := r.handle
	h.Query = query
	return h, nil
}

type fakeSource struct {
	chunks [][]byte
}

func (s fakeSource) Open(ctx context.Context, h media.Handle) (audio.Stream, error) {
	if h.URL == "" {
		return nil, errors.New("unresolved handle")
	}
	return audio.NewSliceStream(s.chunks...), nil
}

// recordingSink captures everything emitted and acknowledges delivery at once
type recordingSink struct {
	mu     sync.Mutex
	events []OutputEvent
	onEmit func(ev OutputEvent)
}

func (s *recordingSink) Emit(ctx context.Context, ev OutputEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	onEmit := s.onEmit
	s.mu.Unlock()
	if ev.Delivered != nil {
		close(ev.Delivered)
	}
	if onEmit != nil {
		onEmit(ev)
	}
	return nil
}

func (s *recordingSink) Kinds() []OutputKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]OutputKind, len(s.events))
	for i, ev := range s.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (s *recordingSink) Audio() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		if ev.Kind == OutputAudio {
			out = append(out, string(ev.Audio))
		}
	}
	return out
}

func testEnv(sink Sink) Env {
	return Env{
		Sink:    sink,
		History: NewHistory(5),
		Metrics: observability.NewSessionMetrics("test"),
		Logger:  zerolog.Nop(),
	}
}

func testExecutorConfig() Config {
	return Config{
		SampleRate:          16000,
		SentenceTerminators: ".!?",
		MaxActionRounds:     1,
		GenerationTimeout:   time.Second,
		SynthesisLookahead:  2,
		FallbackUtterance:   "Sorry, something went wrong.",
	}
}

func speechTurn(id uint64) *Turn {
	return NewSpeechTurn(context.Background(), id, []audio.Chunk{{Seq: 1, PCM: make([]byte, 320)}})
}

func textFrags(texts ...string) []llm.Fragment {
	out := make([]llm.Fragment, len(texts))
	for i, t := range texts {
		out[i] = llm.Fragment{Text: t}
	}
	return out
}
