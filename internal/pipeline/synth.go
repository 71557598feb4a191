package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/tts"
)

// jobAudioBuffer bounds how many chunks one sentence may hold ahead of delivery
const jobAudioBuffer = 4

type synthJob struct {
	text  string
	audio chan []byte
	err   error // valid once audio is closed
}

// orderedSynth synthesizes sentences concurrently while delivering their audio
// strictly in submission order. At most lookahead sentences are in flight.
type orderedSynth struct {
	ctx    context.Context
	cancel context.CancelFunc
	turn   *Turn
	synth  tts.Synthesizer
	emit   func(ctx context.Context, pcm []byte) error
	mtr    *observability.Metrics

	jobs    chan *synthJob
	wg      sync.WaitGroup
	drained chan struct{}

	mu  sync.Mutex
	err error
}

func newOrderedSynth(turn *Turn, synth tts.Synthesizer, lookahead int, mtr *observability.Metrics,
	emit func(ctx context.Context, pcm []byte) error) *orderedSynth {
	if lookahead < 1 {
		lookahead = 1
	}
	ctx, cancel := context.WithCancel(turn.Context())
	s := &orderedSynth{
		ctx:     ctx,
		cancel:  cancel,
		turn:    turn,
		synth:   synth,
		emit:    emit,
		mtr:     mtr,
		jobs:    make(chan *synthJob, lookahead-1),
		drained: make(chan struct{}),
	}
	go s.drain()
	return s
}

// Submit queues a sentence, blocking while lookahead sentences are pending
func (s *orderedSynth) Submit(text string) error {
	if err := s.Err(); err != nil {
		return err
	}
	job := &synthJob{text: text, audio: make(chan []byte, jobAudioBuffer)}
	select {
	case s.jobs <- job:
	case <-s.ctx.Done():
		if err := s.Err(); err != nil {
			return err
		}
		return ErrTurnCancelled
	}

	s.wg.Add(1)
	go s.run(job)
	return nil
}

// Close waits for every submitted sentence to be delivered or abandoned
func (s *orderedSynth) Close() error {
	close(s.jobs)
	<-s.drained
	s.cancel()
	s.wg.Wait()
	return s.Err()
}

func (s *orderedSynth) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *orderedSynth) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.cancel()
}

// run produces one sentence. The stream is always closed, including when the
// turn is cancelled mid-read.
func (s *orderedSynth) run(job *synthJob) {
	defer s.wg.Done()
	defer close(job.audio)

	start := time.Now()
	stream, err := s.synth.Synthesize(s.ctx, job.text)
	if err != nil {
		job.err = err
		s.mtr.RecordStage(observability.StageSynthesize, start, false)
		return
	}
	defer stream.Close()

	for {
		pcm, err := stream.Next(s.ctx)
		if errors.Is(err, io.EOF) {
			s.mtr.RecordStage(observability.StageSynthesize, start, true)
			return
		}
		if err != nil {
			job.err = err
			s.mtr.RecordStage(observability.StageSynthesize, start, false)
			return
		}
		if len(pcm) == 0 {
			continue
		}
		select {
		case job.audio <- pcm:
		case <-s.ctx.Done():
			job.err = s.ctx.Err()
			return
		}
	}
}

// drain delivers jobs in order. A sentence is only emitted while the turn is
// live; after a failure the remaining jobs are consumed and discarded.
func (s *orderedSynth) drain() {
	defer close(s.drained)
	for job := range s.jobs {
		for pcm := range job.audio {
			if s.Err() != nil || s.turn.Cancelled() {
				continue
			}
			if err := s.emit(s.ctx, pcm); err != nil {
				s.fail(fmt.Errorf("emit audio: %w", err))
			}
		}
		if job.err != nil && s.Err() == nil && !s.turn.Cancelled() {
			s.fail(fmt.Errorf("synthesize %q: %w", truncate(job.text, 40), job.err))
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
