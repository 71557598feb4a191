package llm

import (
	"context"
	"io"
	"sync"
)

type streamItem struct {
	frag Fragment
	err  error
}

// fragmentStream runs a producer goroutine feeding fragments through a small
// buffer. The producer stops when the stream is closed or its context ends.
type fragmentStream struct {
	items  chan streamItem
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error // terminal error once items is drained
}

// produceFunc emits fragments until it returns. emit reports false once the
// consumer has gone away.
type produceFunc func(ctx context.Context, emit func(Fragment) bool) error

func startStream(parent context.Context, produce produceFunc) *fragmentStream {
	ctx, cancel := context.WithCancel(parent)
	s := &fragmentStream{
		items:  make(chan streamItem, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.items)

		emit := func(f Fragment) bool {
			select {
			case s.items <- streamItem{frag: f}:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if err := produce(ctx, emit); err != nil && ctx.Err() == nil {
			select {
			case s.items <- streamItem{err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return s
}

// Next waits for the next fragment or the end of the stream
func (s *fragmentStream) Next(ctx context.Context) (Fragment, error) {
	select {
	case item, ok := <-s.items:
		if !ok {
			return Fragment{}, io.EOF
		}
		if item.err != nil {
			return Fragment{}, item.err
		}
		return item.frag, nil
	case <-ctx.Done():
		return Fragment{}, ctx.Err()
	}
}

// Close stops the producer and waits for it to exit
func (s *fragmentStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}
