package pipeline

import (
	"context"
)

// OutputKind distinguishes response markers from audio
type OutputKind int

const (
	OutputResponseStart OutputKind = iota
	OutputAudio
	OutputResponseEnd
)

func (k OutputKind) String() string {
	switch k {
	case OutputResponseStart:
		return "response_start"
	case OutputAudio:
		return "audio"
	case OutputResponseEnd:
		return "response_end"
	}
	return "unknown"
}

// OutputEvent is one item bound for the device
type OutputEvent struct {
	Kind  OutputKind
	Turn  *Turn
	Audio []byte // device-rate PCM for OutputAudio
	// Delivered, when set, is closed after the event is written or dropped
	Delivered chan struct{}
}

// Sink accepts output in order. Emit blocks while the outbound queue is full.
type Sink interface {
	Emit(ctx context.Context, ev OutputEvent) error
}

// Outcome summarises how a turn ended
type Outcome int

const (
	OutcomeCompleted Outcome = iota // response delivered, or fallback spoken
	OutcomeEmpty                    // nothing to answer: no transcript or transcription failed
	OutcomeFailed                   // stage failure with nothing delivered
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeEmpty:
		return "empty"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Result is what the session learns when the executor finishes a turn
type Result struct {
	Outcome    Outcome
	Transcript string
	Response   string
	HadAudio   bool // at least one audio chunk was emitted
	Fallback   bool // the fallback utterance replaced a failed response
	Err        error
}
