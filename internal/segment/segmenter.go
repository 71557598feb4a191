// Package segment turns a stream of classified audio chunks into turn
// boundaries and barge-in signals.
package segment

import (
	"fmt"
	"time"

	"github.com/lexiqai/voice-bridge/internal/audio"
)

// Mode tells the segmenter which policy applies to the next chunk. It mirrors
// the session state without importing it.
type Mode int

const (
	ModeIdle      Mode = iota // waiting for speech onset
	ModeListening             // recording a turn, waiting for its end
	ModeIgnore                // pipeline running without playback; audio is not classified
	ModePlaying               // response playing; only barge-in is detected
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeListening:
		return "listening"
	case ModeIgnore:
		return "ignore"
	case ModePlaying:
		return "playing"
	}
	return "unknown"
}

// EventKind is the boundary the segmenter reports
type EventKind int

const (
	EventNone EventKind = iota
	EventTurnStarted
	EventTurnEnded
	EventInterrupt
)

func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "none"
	case EventTurnStarted:
		return "turn_started"
	case EventTurnEnded:
		return "turn_ended"
	case EventInterrupt:
		return "interrupt"
	}
	return "unknown"
}

// EndReason says why a turn ended
type EndReason int

const (
	EndSilence  EndReason = iota // N_silence consecutive non-speech chunks
	EndTimeout                   // maximum turn duration reached
	EndExplicit                  // device sent SPEECH_END
)

func (r EndReason) String() string {
	switch r {
	case EndSilence:
		return "silence"
	case EndTimeout:
		return "timeout"
	case EndExplicit:
		return "explicit"
	}
	return "unknown"
}

// Event is one segmentation decision
type Event struct {
	Kind   EventKind
	Reason EndReason
	// Chunks carries the audio that produced the event: the whole debounce
	// run for TurnStarted, the triggering chunk for Interrupt.
	Chunks []audio.Chunk
}

// Config holds the segmentation policy
type Config struct {
	ListenThreshold    float32       // T_listen
	InterruptThreshold float32       // T_interrupt, at least T_listen
	StartChunks        int           // N_start
	SilenceChunks      int           // N_silence
	InterruptChunks    int           // N_interrupt
	MaxTurnDuration    time.Duration // 0 disables the limit
}

// DefaultConfig returns the tuning used by the reference device
func DefaultConfig() Config {
	return Config{
		ListenThreshold:    0.5,
		InterruptThreshold: 0.8,
		StartChunks:        3,
		SilenceChunks:      4,
		InterruptChunks:    2,
		MaxTurnDuration:    15 * time.Second,
	}
}

// Validate checks the policy for values the segmenter cannot honour
func (c Config) Validate() error {
	if c.StartChunks <= 0 || c.SilenceChunks <= 0 || c.InterruptChunks <= 0 {
		return fmt.Errorf("segment counts must be positive: start=%d silence=%d interrupt=%d",
			c.StartChunks, c.SilenceChunks, c.InterruptChunks)
	}
	if c.InterruptThreshold < c.ListenThreshold {
		return fmt.Errorf("interrupt threshold %v below listen threshold %v", c.InterruptThreshold, c.ListenThreshold)
	}
	return nil
}

// Segmenter consumes chunks one at a time. It is owned by a single session
// goroutine and is not safe for concurrent use.
type Segmenter struct {
	cfg Config
	acc *audio.Accumulator

	mode Mode

	// speechRun holds every chunk since onset; startCount only the ones
	// labelled speech
	speechRun      []audio.Chunk
	startCount     int
	silenceCount   int
	interruptCount int
	listenSince    time.Time
}

// New creates a segmenter that classifies with acc
func New(cfg Config, acc *audio.Accumulator) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Segmenter{
		cfg:       cfg,
		acc:       acc,
		speechRun: make([]audio.Chunk, 0, cfg.StartChunks*2),
	}, nil
}

// Observe classifies chunk under mode and reports any boundary it completes.
// A chunk that completes no classifier window is indeterminate: it moves no
// counter, though it still joins a speech run and can end a turn on timeout.
// A classifier error makes the chunk indeterminate and is returned with the
// event.
func (s *Segmenter) Observe(chunk audio.Chunk, mode Mode) (Event, error) {
	s.enter(mode, chunk.ReceivedAt)

	if mode == ModeIgnore {
		return Event{}, nil
	}

	prob, ok, err := s.acc.Push(chunk.Float32())
	if !ok {
		return s.observeIndeterminate(chunk, mode), err
	}

	switch mode {
	case ModeIdle:
		return s.observeIdle(chunk, prob), err
	case ModeListening:
		return s.observeListening(chunk, prob), err
	case ModePlaying:
		return s.observePlaying(chunk, prob), err
	}
	return Event{}, err
}

// EndOfUtterance reports an explicit end in Listening mode
func (s *Segmenter) EndOfUtterance(mode Mode) Event {
	if mode != ModeListening {
		return Event{}
	}
	s.resetCounters()
	return Event{Kind: EventTurnEnded, Reason: EndExplicit}
}

// Tick enforces the maximum turn duration when no chunk arrives to do it
func (s *Segmenter) Tick(now time.Time, mode Mode) Event {
	if mode != ModeListening {
		return Event{}
	}
	s.enter(mode, now)
	if s.timedOut(now) {
		s.resetCounters()
		return Event{Kind: EventTurnEnded, Reason: EndTimeout}
	}
	return Event{}
}

// Reset drops all counters and classifier state
func (s *Segmenter) Reset() {
	s.resetCounters()
	s.acc.Reset()
}

// enter applies mode changes driven by the state machine
func (s *Segmenter) enter(mode Mode, at time.Time) {
	if mode == s.mode {
		return
	}
	prev := s.mode
	s.mode = mode
	s.resetCounters()
	if mode == ModeListening {
		// Turns seeded by an interrupt start counting from their first chunk
		s.listenSince = at
	}
	if prev == ModeIgnore {
		// Audio skipped while ignoring would leave a stale partial window
		s.acc.Reset()
	}
}

func (s *Segmenter) resetCounters() {
	s.speechRun = s.speechRun[:0]
	s.startCount = 0
	s.silenceCount = 0
	s.interruptCount = 0
	s.listenSince = time.Time{}
}

func (s *Segmenter) observeIndeterminate(chunk audio.Chunk, mode Mode) Event {
	switch mode {
	case ModeIdle:
		if len(s.speechRun) > 0 {
			s.speechRun = append(s.speechRun, chunk)
		}
	case ModeListening:
		if s.listenSince.IsZero() {
			s.listenSince = chunk.ReceivedAt
		}
		if s.timedOut(chunk.ReceivedAt) {
			s.resetCounters()
			return Event{Kind: EventTurnEnded, Reason: EndTimeout}
		}
	}
	return Event{}
}

func (s *Segmenter) observeIdle(chunk audio.Chunk, prob float32) Event {
	if prob <= s.cfg.ListenThreshold {
		s.speechRun = s.speechRun[:0]
		s.startCount = 0
		return Event{}
	}

	s.speechRun = append(s.speechRun, chunk)
	s.startCount++
	if s.startCount < s.cfg.StartChunks {
		return Event{}
	}

	run := make([]audio.Chunk, len(s.speechRun))
	copy(run, s.speechRun)
	s.resetCounters()

	// The next Observe will carry ModeListening; start the clock at onset
	s.mode = ModeListening
	s.listenSince = run[0].ReceivedAt
	return Event{Kind: EventTurnStarted, Chunks: run}
}

func (s *Segmenter) observeListening(chunk audio.Chunk, prob float32) Event {
	if s.listenSince.IsZero() {
		s.listenSince = chunk.ReceivedAt
	}

	if prob > s.cfg.ListenThreshold {
		s.silenceCount = 0
	} else {
		s.silenceCount++
	}

	if s.silenceCount >= s.cfg.SilenceChunks {
		s.resetCounters()
		return Event{Kind: EventTurnEnded, Reason: EndSilence}
	}
	if s.timedOut(chunk.ReceivedAt) {
		s.resetCounters()
		return Event{Kind: EventTurnEnded, Reason: EndTimeout}
	}
	return Event{}
}

func (s *Segmenter) observePlaying(chunk audio.Chunk, prob float32) Event {
	if prob <= s.cfg.InterruptThreshold {
		s.interruptCount = 0
		return Event{}
	}

	s.interruptCount++
	if s.interruptCount < s.cfg.InterruptChunks {
		return Event{}
	}
	s.interruptCount = 0
	return Event{Kind: EventInterrupt, Chunks: []audio.Chunk{chunk}}
}

func (s *Segmenter) timedOut(now time.Time) bool {
	if s.cfg.MaxTurnDuration <= 0 || s.listenSince.IsZero() {
		return false
	}
	return now.Sub(s.listenSince) >= s.cfg.MaxTurnDuration
}
