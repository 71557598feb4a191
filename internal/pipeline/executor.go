package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/config"
	"github.com/lexiqai/voice-bridge/internal/llm"
	"github.com/lexiqai/voice-bridge/internal/media"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/stt"
	"github.com/lexiqai/voice-bridge/internal/tts"
)

// Config tunes the executor
type Config struct {
	SampleRate          int
	SentenceTerminators string
	MaxActionRounds     int
	GenerationTimeout   time.Duration
	SynthesisLookahead  int
	FallbackUtterance   string
	DebugAudioDir       string
}

// ConfigFrom extracts the executor settings from service configuration
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		SampleRate:          cfg.SampleRate,
		SentenceTerminators: cfg.SentenceTerminators,
		MaxActionRounds:     cfg.MaxActionRounds,
		GenerationTimeout:   cfg.GenerationTimeout,
		SynthesisLookahead:  cfg.SynthesisLookahead,
		FallbackUtterance:   cfg.FallbackUtterance,
		DebugAudioDir:       cfg.DebugAudioDir,
	}
}

// Deps are the external stages. Resolver and Source may be nil, which
// disables media side effects.
type Deps struct {
	Transcriber stt.Transcriber
	Generator   llm.Generator
	Synthesizer tts.Synthesizer
	Actions     *Registry
	Resolver    media.Resolver
	Source      media.Source
}

// Executor runs turns. It holds no per-session state and is shared by all
// sessions.
type Executor struct {
	cfg  Config
	deps Deps
}

// NewExecutor creates an executor
func NewExecutor(cfg Config, deps Deps) *Executor {
	if deps.Actions == nil {
		deps.Actions = NewRegistry()
	}
	if cfg.SynthesisLookahead < 1 {
		cfg.SynthesisLookahead = 1
	}
	return &Executor{cfg: cfg, deps: deps}
}

// Env is the session-owned context a turn runs in
type Env struct {
	Sink    Sink
	History *History
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Run executes turn to completion or cancellation. Stage errors never escape:
// they are folded into the returned Result. Done() is closed on return.
func (e *Executor) Run(turn *Turn, env Env) Result {
	defer turn.finish()
	if env.Metrics == nil {
		env.Metrics = observability.NewSessionMetrics("")
	}

	r := &run{
		Executor: e,
		turn:     turn,
		env:      env,
		ctx:      turn.Context(),
		logger:   env.Logger.With().Uint64("turn_id", turn.ID).Str("turn_kind", turn.Kind.String()).Logger(),
	}

	var res Result
	switch turn.Kind {
	case KindSpeech:
		res = r.speech()
	case KindText:
		res = r.text()
	case KindMedia:
		res = r.media()
	}

	res.HadAudio = r.hadAudio
	if turn.Cancelled() {
		res.Outcome = OutcomeCancelled
	}
	r.logger.Info().
		Str("outcome", res.Outcome.String()).
		Bool("audio", res.HadAudio).
		Dur("elapsed", time.Since(turn.CreatedAt)).
		Msg("Turn finished")
	return res
}

// run holds the state of one Executor.Run call
type run struct {
	*Executor
	turn   *Turn
	env    Env
	ctx    context.Context
	logger zerolog.Logger

	started  bool // RESPONSE_START sent for the current block
	hadAudio bool
}

func (r *run) speech() Result {
	pcm := audio.Concat(r.turn.Audio)
	if r.cfg.DebugAudioDir != "" {
		name := fmt.Sprintf("%s_turn%d.wav", r.turn.CreatedAt.Format("20060102-150405"), r.turn.ID)
		if path, err := audio.SaveWAV(r.cfg.DebugAudioDir, name, pcm, r.cfg.SampleRate); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to save debug audio")
		} else {
			r.logger.Debug().Str("path", path).Msg("Saved debug audio")
		}
	}

	start := time.Now()
	tr, err := r.deps.Transcriber.Transcribe(r.ctx, pcm, r.cfg.SampleRate)
	r.env.Metrics.RecordStage(observability.StageTranscribe, start, err == nil)
	if r.turn.Cancelled() {
		return Result{Outcome: OutcomeCancelled}
	}
	if err != nil {
		r.logger.Warn().Err(err).Msg("Transcription failed, ending turn silently")
		return Result{Outcome: OutcomeEmpty, Err: err}
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		r.logger.Info().Dur("audio", tr.Duration).Msg("Empty transcript, nothing to answer")
		return Result{Outcome: OutcomeEmpty}
	}
	r.logger.Info().Str("transcript", text).Float64("confidence", tr.Confidence).Msg("User said")

	res := r.respond(text)
	res.Transcript = text
	return res
}

func (r *run) text() Result {
	if err := r.speak(r.turn.Text); err != nil {
		if r.turn.Cancelled() {
			return Result{Outcome: OutcomeCancelled}
		}
		r.logger.Warn().Err(err).Msg("Injected speech failed")
		if !r.hadAudio {
			return Result{Outcome: OutcomeFailed, Err: err}
		}
	}
	r.endResponse()
	r.playSideEffects()
	return Result{Outcome: OutcomeCompleted, Response: r.turn.Text}
}

func (r *run) media() Result {
	r.playSideEffects()
	if !r.hadAudio {
		return Result{Outcome: OutcomeEmpty}
	}
	return Result{Outcome: OutcomeCompleted}
}

// respond generates an answer to text, speaking sentences as they complete
func (r *run) respond(text string) Result {
	synth := newOrderedSynth(r.turn, r.deps.Synthesizer, r.cfg.SynthesisLookahead, r.env.Metrics, r.emitAudio)
	response, err := r.generate(text, synth.Submit)
	if synthErr := synth.Close(); err == nil || errors.Is(err, ErrTurnCancelled) {
		if synthErr != nil {
			err = synthErr
		}
	}
	if r.turn.Cancelled() {
		return Result{Outcome: OutcomeCancelled, Response: response}
	}

	res := Result{Outcome: OutcomeCompleted, Response: response, Err: err}
	if err != nil {
		r.logger.Error().Err(err).Msg("Response stage failed")
		r.env.Metrics.RecordError("stage_failure", "pipeline")
		if r.cfg.FallbackUtterance != "" {
			if ferr := r.speak(r.cfg.FallbackUtterance); ferr != nil {
				r.logger.Error().Err(ferr).Msg("Fallback utterance failed")
			} else {
				res.Fallback = true
			}
		}
		if !r.hadAudio {
			res.Outcome = OutcomeFailed
			return res
		}
	} else {
		r.env.History.Add(text, response)
	}

	r.endResponse()
	if err == nil {
		r.playSideEffects()
	}
	return res
}

// generate streams the generator's answer into submit one sentence at a time,
// servicing up to MaxActionRounds action requests along the way
func (r *run) generate(text string, submit func(string) error) (string, error) {
	start := time.Now()
	gen, err := r.deps.Generator.Generate(r.ctx, llm.Request{Text: text, History: r.env.History.Messages()})
	if err != nil {
		r.env.Metrics.RecordStage(observability.StageGenerate, start, false)
		return "", fmt.Errorf("generate: %w", err)
	}
	defer func() { gen.Close() }()

	chunker := NewSentenceChunker(r.cfg.SentenceTerminators)
	var response strings.Builder
	rounds := 0

	for {
		if r.turn.Cancelled() {
			return response.String(), ErrTurnCancelled
		}

		nextCtx, cancel := context.WithTimeout(r.ctx, r.cfg.GenerationTimeout)
		frag, err := gen.Next(nextCtx)
		cancel()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if r.turn.Cancelled() {
				return response.String(), ErrTurnCancelled
			}
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("no output within %s: %w", r.cfg.GenerationTimeout, err)
			}
			r.env.Metrics.RecordStage(observability.StageGenerate, start, false)
			return response.String(), fmt.Errorf("generate: %w", err)
		}

		if frag.Action != nil {
			if rounds >= r.cfg.MaxActionRounds {
				r.logger.Warn().Str("action", frag.Action.Name).Int("rounds", rounds).Msg("Action round limit reached, ignoring request")
				continue
			}
			rounds++

			// Speak what precedes the action before waiting on it
			if rest := chunker.Flush(); rest != "" {
				if err := submit(rest); err != nil {
					return response.String(), err
				}
			}
			next, err := r.runAction(gen, *frag.Action)
			if err != nil {
				return response.String(), err
			}
			gen = next
			continue
		}

		response.WriteString(frag.Text)
		for _, sentence := range chunker.Add(frag.Text) {
			if err := submit(sentence); err != nil {
				return response.String(), err
			}
		}
	}

	if rest := chunker.Flush(); rest != "" {
		if err := submit(rest); err != nil {
			return response.String(), err
		}
	}
	r.env.Metrics.RecordStage(observability.StageGenerate, start, true)
	return strings.TrimSpace(response.String()), nil
}

// runAction executes req and resumes generation with its result
func (r *run) runAction(gen llm.Generation, req llm.ActionRequest) (llm.Generation, error) {
	start := time.Now()
	result, err := r.deps.Actions.Invoke(r.ctx, r.turn, req)
	r.env.Metrics.RecordStage(observability.StageAction, start, err == nil)
	if r.turn.Cancelled() {
		return nil, ErrTurnCancelled
	}
	if err != nil {
		// The error payload goes back to the generator, which can still answer
		r.logger.Warn().Err(err).Str("action", req.Name).Msg("Action failed")
	} else {
		r.logger.Info().Str("action", req.Name).Dur("latency", time.Since(start)).Msg("Action completed")
	}

	next, err := gen.ContinueWith(r.ctx, result)
	if err != nil {
		return nil, fmt.Errorf("continue after %s: %w", req.Name, err)
	}
	return next, nil
}

// speak synthesizes fixed text through the same sentence path
func (r *run) speak(text string) error {
	synth := newOrderedSynth(r.turn, r.deps.Synthesizer, r.cfg.SynthesisLookahead, r.env.Metrics, r.emitAudio)
	chunker := NewSentenceChunker(r.cfg.SentenceTerminators)
	sentences := chunker.Add(text)
	if rest := chunker.Flush(); rest != "" {
		sentences = append(sentences, rest)
	}

	var err error
	for _, s := range sentences {
		if err = synth.Submit(s); err != nil {
			break
		}
	}
	if closeErr := synth.Close(); err == nil {
		err = closeErr
	}
	return err
}

// playSideEffects plays queued media, each as its own response block
func (r *run) playSideEffects() {
	for _, se := range r.turn.takeSideEffects() {
		if r.turn.Cancelled() {
			return
		}
		if err := r.playMedia(se.Media); err != nil && !r.turn.Cancelled() {
			r.logger.Warn().Err(err).Str("query", se.Media.Query).Msg("Media playback failed")
		}
	}
}

func (r *run) playMedia(h media.Handle) error {
	if r.deps.Source == nil {
		return errors.New("media playback not configured")
	}
	start := time.Now()
	if h.URL == "" {
		if r.deps.Resolver == nil {
			return errors.New("media resolution not configured")
		}
		resolved, err := r.deps.Resolver.Resolve(r.ctx, h.Query)
		if err != nil {
			r.env.Metrics.RecordStage(observability.StageMedia, start, false)
			return err
		}
		h = resolved
	}

	stream, err := r.deps.Source.Open(r.ctx, h)
	if err != nil {
		r.env.Metrics.RecordStage(observability.StageMedia, start, false)
		return err
	}
	defer stream.Close()

	r.logger.Info().Str("title", h.Title).Msg("Playing media")
	for {
		pcm, err := stream.Next(r.ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.env.Metrics.RecordStage(observability.StageMedia, start, false)
			r.endResponse()
			return err
		}
		if err := r.emitAudio(r.ctx, pcm); err != nil {
			return err
		}
	}
	r.env.Metrics.RecordStage(observability.StageMedia, start, true)
	r.endResponse()
	return nil
}

// emitAudio hands one chunk to the sink, opening a response block first.
// Nothing is emitted once the turn is cancelled.
func (r *run) emitAudio(ctx context.Context, pcm []byte) error {
	if r.turn.Cancelled() {
		return ErrTurnCancelled
	}
	if !r.started {
		if err := r.env.Sink.Emit(ctx, OutputEvent{Kind: OutputResponseStart, Turn: r.turn}); err != nil {
			return err
		}
		r.started = true
	}
	if err := r.env.Sink.Emit(ctx, OutputEvent{Kind: OutputAudio, Turn: r.turn, Audio: pcm}); err != nil {
		return err
	}
	if !r.hadAudio {
		r.hadAudio = true
		r.env.Metrics.RecordFirstAudio()
	}
	return nil
}

// endResponse closes the open block and waits until RESPONSE_END is on the
// wire, so the turn is not reported finished while audio is still queued
func (r *run) endResponse() {
	if !r.started || r.turn.Cancelled() {
		return
	}
	r.started = false

	delivered := make(chan struct{})
	ev := OutputEvent{Kind: OutputResponseEnd, Turn: r.turn, Delivered: delivered}
	if err := r.env.Sink.Emit(r.ctx, ev); err != nil {
		return
	}
	select {
	case <-delivered:
	case <-r.ctx.Done():
	}
}
