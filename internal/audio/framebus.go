package audio

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed is returned by Publish after Close, and by Next once the bus is drained
var ErrBusClosed = errors.New("frame bus closed")

// FrameKind distinguishes audio from in-band markers
type FrameKind int

const (
	FrameAudio          FrameKind = iota
	FrameEndOfUtterance           // explicit SPEECH_END from the device
	FrameReset                    // device abandoned the recording
)

func (k FrameKind) String() string {
	switch k {
	case FrameAudio:
		return "audio"
	case FrameEndOfUtterance:
		return "end_of_utterance"
	case FrameReset:
		return "reset"
	}
	return "unknown"
}

// Frame is one item on the bus: an audio chunk or a marker
type Frame struct {
	Kind  FrameKind
	Chunk Chunk
}

// FrameBus is a bounded FIFO between the connection reader and the segmenter.
// There is exactly one producer and one consumer per session. Publish blocks
// while the ring is full so back-pressure reaches the socket instead of frames
// being dropped.
type FrameBus struct {
	mu     sync.Mutex
	ring   []Frame
	head   int // next read position
	size   int // number of queued frames
	closed bool

	notEmpty chan struct{}
	notFull  chan struct{}
}

// NewFrameBus creates a bus holding at most capacity frames
func NewFrameBus(capacity int) *FrameBus {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameBus{
		ring:     make([]Frame, capacity),
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
}

// Publish appends a frame, waiting for space while the bus is full
func (b *FrameBus) Publish(ctx context.Context, f Frame) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrBusClosed
		}
		if b.size < len(b.ring) {
			b.ring[(b.head+b.size)%len(b.ring)] = f
			b.size++
			b.mu.Unlock()
			signal(b.notEmpty)
			return nil
		}
		b.mu.Unlock()

		select {
		case <-b.notFull:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Next removes the oldest frame, waiting while the bus is empty.
// After Close, queued frames are still delivered before ErrBusClosed.
func (b *FrameBus) Next(ctx context.Context) (Frame, error) {
	for {
		b.mu.Lock()
		if b.size > 0 {
			f := b.ring[b.head]
			b.ring[b.head] = Frame{}
			b.head = (b.head + 1) % len(b.ring)
			b.size--
			b.mu.Unlock()
			signal(b.notFull)
			return f, nil
		}
		if b.closed {
			b.mu.Unlock()
			return Frame{}, ErrBusClosed
		}
		b.mu.Unlock()

		select {
		case <-b.notEmpty:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Close stops accepting frames and wakes any waiters
func (b *FrameBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	signal(b.notEmpty)
	signal(b.notFull)
}

// Len returns the number of queued frames
func (b *FrameBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// signal performs a non-blocking wake-up on a one-slot channel
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
