package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/observability"
)

// InterruptSource says what triggered a barge-in
type InterruptSource string

const (
	SourceAcoustic InterruptSource = "acoustic"
	SourceDevice   InterruptSource = "device"
)

// InterruptController cancels the active turn and moves the session back to
// Listening. Acoustic and device interrupts may race; only the first one that
// reaches the state machine cancels anything.
type InterruptController struct {
	machine    *StateMachine
	streamer   *Streamer
	ackTimeout time.Duration
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// NewInterruptController creates a controller bound to one session
func NewInterruptController(machine *StateMachine, streamer *Streamer, ackTimeout time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *InterruptController {
	return &InterruptController{
		machine:    machine,
		streamer:   streamer,
		ackTimeout: ackTimeout,
		metrics:    metrics,
		logger:     logger.With().Str("component", "interrupt").Logger(),
	}
}

// Interrupt cancels the active turn, waits a bounded time for the executor
// to stop, then applies InterruptDetected with seed as the start of the new
// recording. It reports whether this call performed the interrupt.
func (c *InterruptController) Interrupt(ctx context.Context, source InterruptSource, seed []audio.Chunk) bool {
	turn := c.machine.CancelActive()
	if turn == nil {
		c.logger.Debug().Str("source", string(source)).Msg("Interrupt with nothing to cancel")
		return false
	}
	c.metrics.RecordInterrupt(string(source))

	// The device only learns about barge-ins it did not raise itself
	if source == SourceAcoustic {
		if err := c.streamer.SendControl(ctx, TokenInterrupt); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to notify device of interrupt")
		}
	}

	start := time.Now()
	if !turn.Wait(c.ackTimeout) {
		c.logger.Warn().
			Uint64("turn_id", turn.ID).
			Dur("timeout", c.ackTimeout).
			Msg("Turn did not acknowledge cancellation, proceeding")
	}

	out := c.machine.Transition(Event{Kind: EventInterruptDetected, TurnID: turn.ID, Chunks: seed})
	c.logger.Info().
		Str("source", string(source)).
		Uint64("turn_id", turn.ID).
		Dur("ack", time.Since(start)).
		Bool("applied", out.Applied).
		Msg("Barge-in")
	return out.Applied
}
