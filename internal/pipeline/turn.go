// Package pipeline runs one user turn through transcription, generation and
// synthesis, streaming the response as it is produced.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/media"
)

// ErrTurnCancelled is returned by stage helpers once the turn is cancelled
var ErrTurnCancelled = errors.New("turn cancelled")

// Kind selects how a turn enters the pipeline
type Kind int

const (
	KindSpeech Kind = iota // device audio: transcribe, generate, synthesize
	KindText               // injected text spoken verbatim
	KindMedia              // injected media played without a spoken response
)

func (k Kind) String() string {
	switch k {
	case KindSpeech:
		return "speech"
	case KindText:
		return "text"
	case KindMedia:
		return "media"
	}
	return "unknown"
}

// PendingSideEffect is media queued behind the primary response. A handle
// without a URL is resolved from its query when playback starts.
type PendingSideEffect struct {
	Media media.Handle
}

// Turn is one utterance-to-response cycle. Cancel is safe from any goroutine;
// everything else belongs to the executor running the turn.
type Turn struct {
	ID        uint64
	Kind      Kind
	Audio     []audio.Chunk
	Text      string
	CreatedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once

	mu          sync.Mutex
	sealed      bool
	sideEffects []PendingSideEffect
}

// NewTurn creates a turn whose context derives from parent
func NewTurn(parent context.Context, id uint64, kind Kind) *Turn {
	ctx, cancel := context.WithCancel(parent)
	return &Turn{
		ID:        id,
		Kind:      kind,
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// NewSpeechTurn takes ownership of the recorded chunks
func NewSpeechTurn(parent context.Context, id uint64, chunks []audio.Chunk) *Turn {
	t := NewTurn(parent, id, KindSpeech)
	t.Audio = chunks
	return t
}

// NewTextTurn speaks text without consulting the generator
func NewTextTurn(parent context.Context, id uint64, text string) *Turn {
	t := NewTurn(parent, id, KindText)
	t.Text = text
	return t
}

// NewMediaTurn plays h and nothing else
func NewMediaTurn(parent context.Context, id uint64, h media.Handle) *Turn {
	t := NewTurn(parent, id, KindMedia)
	t.sideEffects = []PendingSideEffect{{Media: h}}
	return t
}

// Context is cancelled when the turn is
func (t *Turn) Context() context.Context {
	return t.ctx
}

// Cancel marks the turn cancelled. Only the first call returns true.
func (t *Turn) Cancel() bool {
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	t.cancel()
	return true
}

// Cancelled reports whether Cancel has been called
func (t *Turn) Cancelled() bool {
	return t.cancelled.Load()
}

// Done is closed when the executor has stopped working on the turn
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the executor acknowledges completion or timeout elapses
func (t *Turn) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

func (t *Turn) finish() {
	t.doneOnce.Do(func() {
		close(t.done)
		t.cancel()
	})
}

// AttachSideEffect queues media behind the response. It fails once the turn
// is cancelled or its side effects have already been drained.
func (t *Turn) AttachSideEffect(se PendingSideEffect) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed || t.Cancelled() {
		return false
	}
	t.sideEffects = append(t.sideEffects, se)
	return true
}

// takeSideEffects drains the queue. Later attachments are refused.
func (t *Turn) takeSideEffects() []PendingSideEffect {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
	out := t.sideEffects
	t.sideEffects = nil
	return out
}
