package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/config"
	"github.com/lexiqai/voice-bridge/internal/media"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/pipeline"
	"github.com/lexiqai/voice-bridge/internal/segment"
)

var (
	// ErrRejected is returned when an injection is not allowed in the current state
	ErrRejected = errors.New("session busy")
	// ErrClosed is returned for operations on a finished session
	ErrClosed = errors.New("session closed")

	errDisconnected = errors.New("device disconnected")
	errShutdown     = errors.New("server shutting down")
)

// Options configure one session
type Options struct {
	SampleRate          int
	Encoding            audio.Encoding
	Segment             segment.Config
	MinTurnChunks       int
	FrameBusSize        int
	MaxInboundBytes     int64
	PongTimeout         time.Duration
	InterruptAckTimeout time.Duration
	HistoryTurns        int
	// TickInterval bounds how late a max-duration timeout is noticed when no audio arrives
	TickInterval time.Duration
	Streamer     StreamerConfig
}

// OptionsFrom builds session options from service configuration
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		SampleRate: cfg.SampleRate,
		Encoding:   audio.Encoding(cfg.DeviceEncoding),
		Segment: segment.Config{
			ListenThreshold:    cfg.ListenThreshold,
			InterruptThreshold: cfg.InterruptThreshold,
			StartChunks:        cfg.StartChunks,
			SilenceChunks:      cfg.SilenceChunks,
			InterruptChunks:    cfg.InterruptChunks,
			MaxTurnDuration:    cfg.MaxTurnDuration,
		},
		MinTurnChunks:       cfg.MinTurnChunks,
		FrameBusSize:        cfg.FrameBusSize,
		MaxInboundBytes:     cfg.MaxInboundBytes,
		PongTimeout:         cfg.PongTimeout,
		InterruptAckTimeout: cfg.InterruptAckTimeout,
		HistoryTurns:        cfg.HistoryTurns,
		TickInterval:        100 * time.Millisecond,
		Streamer: StreamerConfig{
			Encoding:        audio.Encoding(cfg.DeviceEncoding),
			QueueSize:       cfg.OutputQueueSize,
			MaxMessageBytes: cfg.MaxMessageBytes,
			WriteTimeout:    cfg.WriteTimeout,
			StallTimeout:    cfg.OutputStallTimeout,
			PingInterval:    cfg.PingInterval,
		},
	}
}

// Session is one connected device. It runs three long-lived goroutines
// (reader, listener, writer) plus one goroutine per turn in flight.
type Session struct {
	ID          string
	DeviceID    string
	RemoteAddr  string
	ConnectedAt time.Time

	opts Options
	conn Conn
	exec *pipeline.Executor

	bus        *audio.FrameBus
	acc        *audio.Accumulator
	seg        *segment.Segmenter
	machine    *StateMachine
	interrupts *InterruptController
	streamer   *Streamer
	history    *pipeline.History

	ctx    context.Context
	cancel context.CancelCauseFunc
	seq    uint64

	// turnMu orders turn registration against teardown
	turnMu sync.Mutex
	turns  sync.WaitGroup
	sealed bool

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// New wires a session around conn. classifier is shared between sessions;
// each session gets its own accumulator and scorer state.
func New(parent context.Context, id, deviceID string, conn Conn, classifier audio.Classifier, exec *pipeline.Executor, opts Options) (*Session, error) {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 100 * time.Millisecond
	}

	acc, err := audio.NewAccumulator(classifier)
	if err != nil {
		return nil, fmt.Errorf("failed to create accumulator: %w", err)
	}
	seg, err := segment.New(opts.Segment, acc)
	if err != nil {
		acc.Close()
		return nil, fmt.Errorf("invalid segmentation policy: %w", err)
	}

	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	logger := observability.WithSession(id, remote).With().Str("device_id", deviceID).Logger()
	metrics := observability.NewSessionMetrics(id)

	ctx, cancel := context.WithCancelCause(parent)
	streamer := NewStreamer(conn, opts.Streamer, metrics, logger)
	machine := NewStateMachine(ctx, opts.MinTurnChunks, metrics, logger)

	return &Session{
		ID:          id,
		DeviceID:    deviceID,
		RemoteAddr:  remote,
		ConnectedAt: time.Now(),
		opts:        opts,
		conn:        conn,
		exec:        exec,
		bus:         audio.NewFrameBus(opts.FrameBusSize),
		acc:         acc,
		seg:         seg,
		machine:     machine,
		interrupts:  NewInterruptController(machine, streamer, opts.InterruptAckTimeout, metrics, logger),
		streamer:    streamer,
		history:     pipeline.NewHistory(opts.HistoryTurns),
		ctx:         ctx,
		cancel:      cancel,
		metrics:     metrics,
		logger:      logger,
	}, nil
}

// State returns the session state
func (s *Session) State() State {
	return s.machine.State()
}

// Turns is the number of turns started on this session
func (s *Session) Turns() uint64 {
	return s.machine.Turns()
}

// Close ends the session from outside, e.g. on server shutdown
func (s *Session) Close() {
	s.cancel(errShutdown)
}

// Run serves the connection until the device disconnects, the session is
// closed or a connection-level error occurs. A clean disconnect returns nil.
func (s *Session) Run() error {
	defer s.cancel(nil)
	s.metrics.RecordSessionStart()
	defer s.metrics.RecordSessionEnd()
	s.logger.Info().Str("encoding", string(s.opts.Encoding)).Msg("Device session started")

	g, gctx := errgroup.WithContext(s.ctx)

	// The reader only returns once the socket is closed
	stop := context.AfterFunc(gctx, func() {
		s.closeConn(context.Cause(gctx))
	})
	defer stop()

	g.Go(s.guard("reader", func() error { return s.readLoop(gctx) }))
	g.Go(s.guard("listener", func() error { return s.listenLoop(gctx) }))
	g.Go(s.guard("writer", func() error { return s.streamer.Run(gctx) }))

	err := g.Wait()

	s.sealTurns()
	out := s.machine.Transition(Event{Kind: EventDisconnected})
	if out.Turn != nil && !out.Turn.Wait(s.opts.InterruptAckTimeout) {
		s.logger.Warn().Uint64("turn_id", out.Turn.ID).Msg("Turn still running at close")
	}
	s.cancel(errDisconnected)
	s.turns.Wait()
	s.bus.Close()
	if cerr := s.acc.Close(); cerr != nil {
		s.logger.Warn().Err(cerr).Msg("Failed to release classifier state")
	}

	if errors.Is(err, errDisconnected) || errors.Is(err, errShutdown) {
		err = nil
	}
	s.logger.Info().
		Err(err).
		Uint64("turns", s.machine.Turns()).
		Dur("duration", time.Since(s.ConnectedAt)).
		Msg("Device session ended")
	return err
}

// sealTurns stops new turns from starting. Turns registered before it are
// covered by the teardown wait.
func (s *Session) sealTurns() {
	s.turnMu.Lock()
	s.sealed = true
	s.turnMu.Unlock()
}

// closeConn sends a close frame matching cause and closes the socket
func (s *Session) closeConn(cause error) {
	code, text := websocket.CloseNormalClosure, ""
	switch {
	case errors.Is(cause, errDisconnected):
		s.conn.Close()
		return
	case errors.Is(cause, ErrResourceExhausted):
		code, text = websocket.CloseTryAgainLater, "output stalled"
	case errors.Is(cause, errShutdown):
		code, text = websocket.CloseGoingAway, "server shutting down"
	case cause != nil && !errors.Is(cause, context.Canceled):
		code, text = websocket.CloseInternalServerErr, "internal error"
	}
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	s.conn.Close()
}

// guard turns a panic in a session goroutine into an error that ends only
// this session
func (s *Session) guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.metrics.RecordError("panic", name)
				s.logger.Error().Interface("panic", r).Str("goroutine", name).Msg("Recovered panic, closing session")
				err = fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		return fn()
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	s.conn.SetReadLimit(s.opts.MaxInboundBytes)
	readWait := s.opts.Streamer.PingInterval + s.opts.PongTimeout
	extend := func() error {
		if s.opts.Streamer.PingInterval <= 0 {
			return nil
		}
		return s.conn.SetReadDeadline(time.Now().Add(readWait))
	}
	if err := extend(); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}
	s.conn.SetPongHandler(func(string) error { return extend() })

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errDisconnected
			}
			s.logger.Warn().Err(err).Msg("WebSocket read error")
			return fmt.Errorf("read failed: %w", err)
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := s.handleAudio(ctx, data); err != nil {
				return nil
			}
		case websocket.TextMessage:
			if err := s.handleToken(ctx, data); err != nil {
				return nil
			}
		default:
			s.anomaly("unexpected_message", fmt.Errorf("message type %d", messageType))
		}
	}
}

// handleAudio publishes one inbound chunk. An error means the session is ending.
func (s *Session) handleAudio(ctx context.Context, data []byte) error {
	pcm, err := audio.DecodeFromDevice(data, s.opts.Encoding)
	if err != nil {
		s.anomaly("malformed_audio", err)
		return nil
	}
	if len(pcm) == 0 {
		return nil
	}
	s.metrics.RecordAudioBytes("in", int64(len(data)))
	s.seq++
	chunk := audio.Chunk{Seq: s.seq, PCM: pcm, ReceivedAt: time.Now()}
	return s.bus.Publish(ctx, audio.Frame{Kind: audio.FrameAudio, Chunk: chunk})
}

func (s *Session) handleToken(ctx context.Context, data []byte) error {
	switch parseToken(data) {
	case inboundSpeechEnd:
		return s.bus.Publish(ctx, audio.Frame{Kind: audio.FrameEndOfUtterance})
	case inboundStopRecording:
		return s.bus.Publish(ctx, audio.Frame{Kind: audio.FrameReset})
	case inboundInterrupt:
		s.interrupts.Interrupt(ctx, SourceDevice, nil)
	default:
		s.anomaly("unknown_token", fmt.Errorf("token %q", data))
	}
	return nil
}

func (s *Session) listenLoop(ctx context.Context) error {
	for {
		frame, err := s.nextFrame(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, audio.ErrBusClosed):
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			s.handleSegment(ctx, s.seg.Tick(time.Now(), s.machine.Mode()))
			continue
		default:
			return err
		}

		switch frame.Kind {
		case audio.FrameAudio:
			s.observe(ctx, frame.Chunk)
		case audio.FrameEndOfUtterance:
			mode := s.machine.Mode()
			ev := s.seg.EndOfUtterance(mode)
			if ev.Kind == segment.EventNone {
				// The device is waiting for an answer that will never come
				s.anomaly("unexpected_speech_end", fmt.Errorf("speech end in mode %s", mode))
				if mode == segment.ModeIdle {
					s.sendControl(ctx, TokenResponseEnd)
				}
				continue
			}
			s.handleSegment(ctx, ev)
		case audio.FrameReset:
			s.seg.Reset()
			s.machine.Transition(Event{Kind: EventExplicitReset})
		}
	}
}

func (s *Session) nextFrame(ctx context.Context) (audio.Frame, error) {
	tctx, cancel := context.WithTimeout(ctx, s.opts.TickInterval)
	defer cancel()
	return s.bus.Next(tctx)
}

// observe records the chunk while listening, then lets the segmenter judge it
func (s *Session) observe(ctx context.Context, chunk audio.Chunk) {
	mode := s.machine.Mode()
	if mode == segment.ModeListening {
		s.machine.Record(chunk)
	}
	ev, err := s.seg.Observe(chunk, mode)
	if err != nil {
		s.metrics.RecordError("classifier", "segmenter")
		s.logger.Debug().Err(err).Msg("Classifier failed, reusing last label")
	}
	s.handleSegment(ctx, ev)
}

func (s *Session) handleSegment(ctx context.Context, ev segment.Event) {
	switch ev.Kind {
	case segment.EventTurnStarted:
		s.machine.Transition(Event{Kind: EventSpeechStarted, Chunks: ev.Chunks})
	case segment.EventTurnEnded:
		s.endUtterance(ctx, ev.Reason)
	case segment.EventInterrupt:
		s.interrupts.Interrupt(ctx, SourceAcoustic, ev.Chunks)
	}
}

func (s *Session) endUtterance(ctx context.Context, reason segment.EndReason) {
	if reason == segment.EndTimeout {
		s.sendControl(ctx, TokenStopRecording)
	}
	out := s.machine.Transition(Event{Kind: EventSpeechEnded})
	s.logger.Debug().Str("reason", reason.String()).Bool("turn", out.Turn != nil).Msg("Utterance ended")
	switch out.Signal {
	case SignalStartTurn:
		s.startTurn(out.Turn)
	case SignalTurnDiscarded:
		s.sendControl(ctx, TokenResponseEnd)
	}
}

// InjectText speaks text as a new turn. Only allowed while Idle.
func (s *Session) InjectText(text string) error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if s.sealed || s.ctx.Err() != nil {
		return ErrClosed
	}
	out := s.machine.Transition(Event{Kind: EventInjected, Text: text})
	if !out.Applied {
		return ErrRejected
	}
	s.launchTurn(out.Turn)
	return nil
}

// InjectMedia plays h: immediately when Idle, or after the current response
// when a turn is in flight
func (s *Session) InjectMedia(h media.Handle) error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if s.sealed || s.ctx.Err() != nil {
		return ErrClosed
	}
	out := s.machine.Transition(Event{Kind: EventInjected, Media: &h})
	if out.Applied {
		s.launchTurn(out.Turn)
		return nil
	}
	if s.machine.AttachSideEffect(pipeline.PendingSideEffect{Media: h}) {
		s.logger.Info().Str("query", h.Query).Msg("Media queued behind current response")
		return nil
	}
	return ErrRejected
}

// startTurn runs a turn begun by the listener
func (s *Session) startTurn(turn *pipeline.Turn) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	s.launchTurn(turn)
}

// launchTurn registers and runs turn. Caller must hold turnMu.
func (s *Session) launchTurn(turn *pipeline.Turn) {
	if s.sealed {
		turn.Cancel()
		return
	}
	s.metrics.RecordUtteranceEnd()
	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		defer func() {
			if r := recover(); r != nil {
				s.metrics.RecordError("panic", "turn")
				s.logger.Error().Interface("panic", r).Uint64("turn_id", turn.ID).Msg("Recovered panic in turn, closing session")
				s.cancel(fmt.Errorf("turn %d panicked: %v", turn.ID, r))
			}
		}()

		res := s.exec.Run(turn, pipeline.Env{
			Sink:    &turnSink{session: s, turn: turn},
			History: s.history,
			Metrics: s.metrics,
			Logger:  s.logger,
		})
		s.finishTurn(turn, res)
	}()
}

// finishTurn reports the executor result to the state machine. Cancelled
// turns are left to whoever cancelled them.
func (s *Session) finishTurn(turn *pipeline.Turn, res pipeline.Result) {
	s.metrics.RecordTurn(res.Outcome.String())

	var out Outcome
	switch res.Outcome {
	case pipeline.OutcomeCancelled:
		return
	case pipeline.OutcomeFailed:
		out = s.machine.Transition(Event{Kind: EventPipelineFailed, TurnID: turn.ID})
	default:
		out = s.machine.Transition(Event{Kind: EventPipelineCompleted, TurnID: turn.ID, HasAudio: res.HadAudio})
		if out.Applied && out.To == StatePlaying {
			// Run returns after RESPONSE_END is written, so playback is over
			out = s.machine.Transition(Event{Kind: EventPipelineCompleted, TurnID: turn.ID})
		}
	}

	switch out.Signal {
	case SignalNoResponse, SignalErrorTurnEnd:
		s.sendControl(s.ctx, TokenResponseEnd)
	}
}

func (s *Session) sendControl(ctx context.Context, token string) {
	if err := s.streamer.SendControl(ctx, token); err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Str("token", token).Msg("Failed to queue control message")
	}
}

func (s *Session) anomaly(kind string, err error) {
	s.metrics.RecordAnomaly(kind)
	s.logger.Warn().Err(err).Str("kind", kind).Msg("Protocol anomaly")
}

// turnSink forwards a turn's output to the streamer and reports the start
// of playback to the state machine
type turnSink struct {
	session *Session
	turn    *pipeline.Turn
	playing bool
}

func (t *turnSink) Emit(ctx context.Context, ev pipeline.OutputEvent) error {
	if ev.Kind == pipeline.OutputAudio && !t.playing {
		t.playing = true
		t.session.machine.Transition(Event{Kind: EventPlaybackStarted, TurnID: t.turn.ID})
	}
	return t.session.streamer.Emit(ctx, ev)
}
