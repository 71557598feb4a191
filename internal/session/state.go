// Package session owns one device connection: its state machine, audio
// segmentation loop, turn execution, barge-in handling and output stream.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/media"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/pipeline"
	"github.com/lexiqai/voice-bridge/internal/segment"
)

// State of a session
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StatePlaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StatePlaying:
		return "playing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Mode is the segmentation policy that applies in this state
func (s State) Mode() segment.Mode {
	switch s {
	case StateIdle:
		return segment.ModeIdle
	case StateListening:
		return segment.ModeListening
	case StatePlaying:
		return segment.ModePlaying
	}
	return segment.ModeIgnore
}

// EventKind is an input to the state machine
type EventKind int

const (
	EventSpeechStarted EventKind = iota
	EventSpeechEnded
	EventPlaybackStarted
	EventPipelineCompleted
	EventPipelineFailed
	EventInterruptDetected
	EventExplicitReset
	EventInjected
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechEnded:
		return "speech_ended"
	case EventPlaybackStarted:
		return "playback_started"
	case EventPipelineCompleted:
		return "pipeline_completed"
	case EventPipelineFailed:
		return "pipeline_failed"
	case EventInterruptDetected:
		return "interrupt_detected"
	case EventExplicitReset:
		return "explicit_reset"
	case EventInjected:
		return "injected"
	case EventDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Event is one requested transition
type Event struct {
	Kind EventKind
	// TurnID names the turn a pipeline or interrupt event refers to
	TurnID uint64
	// HasAudio qualifies PipelineCompleted
	HasAudio bool
	// Chunks seeds the recording on SpeechStarted and InterruptDetected
	Chunks []audio.Chunk
	// Text or Media describe an Injected turn
	Text  string
	Media *media.Handle
}

// Signal is a side effect the caller must carry out after a transition
type Signal int

const (
	SignalNone Signal = iota
	SignalStartTurn
	SignalTurnDiscarded // utterance dropped before reaching the pipeline
	SignalNoResponse    // pipeline finished without producing audio
	SignalErrorTurnEnd
	SignalTurnCancelled
	SignalReleased
)

// Outcome reports what a transition did
type Outcome struct {
	From    State
	To      State
	Applied bool
	// Turn is the turn created (StartTurn) or cancelled (TurnCancelled, Released)
	Turn   *pipeline.Turn
	Signal Signal
}

// StateMachine serializes every mutation of session state. Other components
// read the state or request transitions; none of them change it directly.
type StateMachine struct {
	mu sync.Mutex

	state     State
	recording []audio.Chunk
	active    *pipeline.Turn
	turnSeq   uint64

	turnCtx       context.Context
	minTurnChunks int
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// NewStateMachine creates a machine in Idle. Turns it creates derive from turnCtx.
func NewStateMachine(turnCtx context.Context, minTurnChunks int, metrics *observability.Metrics, logger zerolog.Logger) *StateMachine {
	return &StateMachine{
		turnCtx:       turnCtx,
		minTurnChunks: minTurnChunks,
		metrics:       metrics,
		logger:        logger,
	}
}

// State returns the current state
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mode returns the segmentation mode for the current state
func (m *StateMachine) Mode() segment.Mode {
	return m.State().Mode()
}

// Turns is the number of turns created so far
func (m *StateMachine) Turns() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turnSeq
}

// ActiveTurn returns the turn in flight, if any
func (m *StateMachine) ActiveTurn() *pipeline.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Record appends chunk to the recording while Listening
func (m *StateMachine) Record(chunk audio.Chunk) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateListening {
		return false
	}
	m.recording = append(m.recording, chunk)
	return true
}

// RecordingLen is the number of chunks recorded for the current utterance
func (m *StateMachine) RecordingLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recording)
}

// CancelActive cancels the active turn if it is still live. It returns nil
// when there is nothing to cancel or another caller already cancelled it,
// which makes concurrent interrupt requests collapse into one.
func (m *StateMachine) CancelActive() *pipeline.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateProcessing && m.state != StatePlaying {
		return nil
	}
	if m.active == nil || !m.active.Cancel() {
		return nil
	}
	return m.active
}

// AttachSideEffect queues media behind the active turn's response
func (m *StateMachine) AttachSideEffect(se pipeline.PendingSideEffect) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateProcessing && m.state != StatePlaying {
		return false
	}
	return m.active != nil && m.active.AttachSideEffect(se)
}

// Transition applies ev. Events that are illegal in the current state are
// logged as protocol anomalies and leave the state untouched.
func (m *StateMachine) Transition(ev Event) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Outcome{From: m.state, To: m.state}
	if m.state == StateClosed {
		return out
	}

	switch ev.Kind {
	case EventSpeechStarted:
		if m.state != StateIdle {
			return m.anomaly(ev, out)
		}
		m.recording = append(m.recording[:0:0], ev.Chunks...)
		return m.move(StateListening, out)

	case EventSpeechEnded:
		if m.state != StateListening {
			return m.anomaly(ev, out)
		}
		chunks := m.recording
		m.recording = nil
		if len(chunks) < m.minTurnChunks {
			m.logger.Info().Int("chunks", len(chunks)).Msg("Ignoring short recording")
			out.Signal = SignalTurnDiscarded
			return m.move(StateIdle, out)
		}
		m.turnSeq++
		m.active = pipeline.NewSpeechTurn(m.turnCtx, m.turnSeq, chunks)
		out.Turn = m.active
		out.Signal = SignalStartTurn
		return m.move(StateProcessing, out)

	case EventExplicitReset:
		if m.state != StateListening {
			return m.anomaly(ev, out)
		}
		m.recording = nil
		out.Signal = SignalTurnDiscarded
		return m.move(StateIdle, out)

	case EventPlaybackStarted:
		if m.state != StateProcessing || !m.isLive(ev.TurnID) {
			return m.anomaly(ev, out)
		}
		return m.move(StatePlaying, out)

	case EventPipelineCompleted:
		if !m.isLive(ev.TurnID) {
			return m.anomaly(ev, out)
		}
		switch m.state {
		case StateProcessing:
			if ev.HasAudio {
				return m.move(StatePlaying, out)
			}
			m.active = nil
			out.Signal = SignalNoResponse
			return m.move(StateIdle, out)
		case StatePlaying:
			m.active = nil
			return m.move(StateIdle, out)
		}
		return m.anomaly(ev, out)

	case EventPipelineFailed:
		if m.state != StateProcessing || !m.isLive(ev.TurnID) {
			return m.anomaly(ev, out)
		}
		m.active = nil
		out.Signal = SignalErrorTurnEnd
		return m.move(StateIdle, out)

	case EventInterruptDetected:
		if m.state != StatePlaying && m.state != StateProcessing {
			return m.anomaly(ev, out)
		}
		if m.active == nil || m.active.ID != ev.TurnID {
			return m.anomaly(ev, out)
		}
		m.active.Cancel()
		out.Turn = m.active
		out.Signal = SignalTurnCancelled
		m.active = nil
		m.recording = append(m.recording[:0:0], ev.Chunks...)
		return m.move(StateListening, out)

	case EventInjected:
		if m.state != StateIdle {
			return m.anomaly(ev, out)
		}
		m.turnSeq++
		if ev.Media != nil {
			m.active = pipeline.NewMediaTurn(m.turnCtx, m.turnSeq, *ev.Media)
		} else {
			m.active = pipeline.NewTextTurn(m.turnCtx, m.turnSeq, ev.Text)
		}
		out.Turn = m.active
		out.Signal = SignalStartTurn
		return m.move(StateProcessing, out)

	case EventDisconnected:
		if m.active != nil {
			m.active.Cancel()
			out.Turn = m.active
		}
		m.active = nil
		m.recording = nil
		out.Signal = SignalReleased
		return m.move(StateClosed, out)
	}

	return m.anomaly(ev, out)
}

// isLive reports whether id names the active, uncancelled turn
func (m *StateMachine) isLive(id uint64) bool {
	return m.active != nil && m.active.ID == id && !m.active.Cancelled()
}

func (m *StateMachine) move(to State, out Outcome) Outcome {
	m.state = to
	out.To = to
	out.Applied = true
	m.logger.Debug().
		Str("from", out.From.String()).
		Str("to", to.String()).
		Msg("State transition")
	return out
}

func (m *StateMachine) anomaly(ev Event, out Outcome) Outcome {
	m.metrics.RecordAnomaly("illegal_transition")
	m.logger.Warn().
		Str("state", m.state.String()).
		Str("event", ev.Kind.String()).
		Uint64("turn_id", ev.TurnID).
		Msg("Ignoring illegal transition")
	return out
}
