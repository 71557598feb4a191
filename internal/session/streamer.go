package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/pipeline"
)

// StreamerConfig bounds the outbound path
type StreamerConfig struct {
	Encoding        audio.Encoding
	QueueSize       int
	MaxMessageBytes int
	WriteTimeout    time.Duration
	StallTimeout    time.Duration
	PingInterval    time.Duration
}

// outbound is either a pipeline event or a bare control token
type outbound struct {
	ev      pipeline.OutputEvent
	control string
}

// Streamer is the only writer on a connection. Events are written in the
// order they were queued; the queue is bounded so a slow device suspends
// the producers instead of growing memory.
type Streamer struct {
	conn Conn
	cfg  StreamerConfig

	queue chan outbound

	abortOnce sync.Once
	abort     chan struct{}
	done      chan struct{}

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewStreamer creates a streamer for conn. Run must be called to start writing.
func NewStreamer(conn Conn, cfg StreamerConfig, metrics *observability.Metrics, logger zerolog.Logger) *Streamer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 8192
	}
	if cfg.Encoding == audio.EncodingPCM16 {
		cfg.MaxMessageBytes -= cfg.MaxMessageBytes % audio.BytesPerFrame
	}
	return &Streamer{
		conn:    conn,
		cfg:     cfg,
		queue:   make(chan outbound, cfg.QueueSize),
		abort:   make(chan struct{}),
		done:    make(chan struct{}),
		metrics: metrics,
		logger:  logger.With().Str("component", "streamer").Logger(),
	}
}

// Emit queues ev, blocking while the queue is full. A stall longer than
// StallTimeout aborts the streamer with ErrResourceExhausted.
func (s *Streamer) Emit(ctx context.Context, ev pipeline.OutputEvent) error {
	return s.enqueue(ctx, outbound{ev: ev})
}

// SendControl queues a token that belongs to no turn and is never dropped
func (s *Streamer) SendControl(ctx context.Context, token string) error {
	return s.enqueue(ctx, outbound{control: token})
}

func (s *Streamer) enqueue(ctx context.Context, item outbound) error {
	select {
	case <-s.done:
		return ErrStreamerClosed
	default:
	}

	select {
	case s.queue <- item:
		return nil
	case <-s.done:
		return ErrStreamerClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	timer := time.NewTimer(s.cfg.StallTimeout)
	defer timer.Stop()
	select {
	case s.queue <- item:
		return nil
	case <-s.done:
		return ErrStreamerClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		s.metrics.RecordOutputStall()
		s.logger.Error().Dur("stall", s.cfg.StallTimeout).Msg("Device stopped draining output")
		s.abortOnce.Do(func() { close(s.abort) })
		return ErrResourceExhausted
	}
}

// Run writes queued items until ctx ends, a write fails or the queue stalls.
// Items still queued on exit are dropped and their Delivered channels closed.
func (s *Streamer) Run(ctx context.Context) error {
	defer s.drain()

	var ping <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.abort:
			return ErrResourceExhausted
		case <-ping:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
		case item := <-s.queue:
			if err := s.write(item); err != nil {
				return err
			}
		}
	}
}

func (s *Streamer) write(item outbound) error {
	if item.control != "" {
		return s.writeMessage(websocket.TextMessage, []byte(item.control))
	}

	ev := item.ev
	defer delivered(ev)
	if ev.Turn != nil && ev.Turn.Cancelled() {
		return nil
	}

	switch ev.Kind {
	case pipeline.OutputResponseStart:
		return s.writeMessage(websocket.TextMessage, []byte(TokenResponseStart))
	case pipeline.OutputResponseEnd:
		return s.writeMessage(websocket.TextMessage, []byte(TokenResponseEnd))
	case pipeline.OutputAudio:
		payload, err := audio.EncodeForDevice(ev.Audio, s.cfg.Encoding)
		if err != nil {
			s.metrics.RecordError("encode", "streamer")
			s.logger.Warn().Err(err).Msg("Dropping unencodable audio chunk")
			return nil
		}
		for len(payload) > 0 {
			n := min(len(payload), s.cfg.MaxMessageBytes)
			if err := s.writeMessage(websocket.BinaryMessage, payload[:n]); err != nil {
				return err
			}
			s.metrics.RecordAudioBytes("out", int64(n))
			payload = payload[n:]
		}
	}
	return nil
}

func (s *Streamer) writeMessage(messageType int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// drain stops accepting items and releases anyone waiting on delivery
func (s *Streamer) drain() {
	close(s.done)
	for {
		select {
		case item := <-s.queue:
			delivered(item.ev)
		default:
			return
		}
	}
}

func delivered(ev pipeline.OutputEvent) {
	if ev.Delivered != nil {
		close(ev.Delivered)
	}
}
