package audio

import (
	"errors"
	"fmt"
)

// ErrClassifierUnavailable means the configured classifier could not be loaded
var ErrClassifierUnavailable = errors.New("activity classifier unavailable")

// Classifier is the process-wide half of a voice activity model. It is
// read-only after construction and shared by every session. All mutable
// inference state lives in the Scorer each session creates.
type Classifier interface {
	// Name identifies the backend in logs and readiness output
	Name() string
	// WindowSize is the number of samples a Scorer consumes per call.
	// Zero means any non-empty window is accepted.
	WindowSize() int
	// NewScorer creates session-local inference state
	NewScorer() (Scorer, error)
	// Close releases the shared model
	Close() error
}

// Scorer maps one analysis window to a speech probability in [0, 1]
type Scorer interface {
	Score(window []float32) (float32, error)
	Reset()
	Close() error
}

// Accumulator adapts arbitrarily sized device chunks to a classifier's fixed
// analysis window. Samples that do not fill a window are held until the next
// chunk. One Accumulator belongs to exactly one session.
type Accumulator struct {
	scorer  Scorer
	window  int
	pending []float32
}

// NewAccumulator creates session-local classification state
func NewAccumulator(c Classifier) (*Accumulator, error) {
	scorer, err := c.NewScorer()
	if err != nil {
		return nil, fmt.Errorf("failed to create %s scorer: %w", c.Name(), err)
	}
	return &Accumulator{
		scorer: scorer,
		window: c.WindowSize(),
	}, nil
}

// Push feeds samples and returns the highest speech probability among the
// windows completed by this call. ok is false when no window completed; the
// pushed samples then carry no label of their own.
func (a *Accumulator) Push(samples []float32) (prob float32, ok bool, err error) {
	if a.window <= 0 {
		if len(samples) == 0 {
			return 0, false, nil
		}
		p, err := a.scorer.Score(samples)
		if err != nil {
			return 0, false, err
		}
		return p, true, nil
	}

	a.pending = append(a.pending, samples...)
	consumed := 0
	for len(a.pending)-consumed >= a.window {
		p, err := a.scorer.Score(a.pending[consumed : consumed+a.window])
		if err != nil {
			a.compact(consumed + a.window)
			return prob, ok, err
		}
		consumed += a.window
		if !ok || p > prob {
			prob = p
		}
		ok = true
	}
	a.compact(consumed)
	return prob, ok, nil
}

// compact drops the first n pending samples, reusing the backing array
func (a *Accumulator) compact(n int) {
	if n == 0 {
		return
	}
	remaining := copy(a.pending, a.pending[n:])
	a.pending = a.pending[:remaining]
}

// Pending returns the number of buffered samples not yet scored
func (a *Accumulator) Pending() int {
	return len(a.pending)
}

// Reset drops buffered samples and the scorer's recurrent state
func (a *Accumulator) Reset() {
	a.pending = a.pending[:0]
	a.scorer.Reset()
}

// Close releases the scorer
func (a *Accumulator) Close() error {
	return a.scorer.Close()
}

// AlwaysSpeech labels every window as speech. It is the degraded mode used
// when no real classifier is available, so turns end only on the maximum turn
// duration or an explicit SPEECH_END.
type AlwaysSpeech struct{}

func (AlwaysSpeech) Name() string               { return "always-speech" }
func (AlwaysSpeech) WindowSize() int            { return 0 }
func (AlwaysSpeech) NewScorer() (Scorer, error) { return alwaysSpeechScorer{}, nil }
func (AlwaysSpeech) Close() error               { return nil }

type alwaysSpeechScorer struct{}

func (alwaysSpeechScorer) Score([]float32) (float32, error) { return 1, nil }
func (alwaysSpeechScorer) Reset()                           {}
func (alwaysSpeechScorer) Close() error                     { return nil }
