package audio

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Stream is a pull-based source of PCM at the device sample rate. Next
// returns io.EOF after the last chunk. Close may be called at any time,
// including while another goroutine is blocked in Next, and releases the
// underlying resources.
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// ReaderStream slices an io.ReadCloser of 16-bit PCM into fixed-size chunks,
// optionally resampling the stream to the device rate.
type ReaderStream struct {
	rc        io.ReadCloser
	chunkSize int
	resampler *Resampler

	closeOnce sync.Once
	closeErr  error
}

// NewReaderStream wraps rc. chunkSize is rounded down to whole samples.
func NewReaderStream(rc io.ReadCloser, chunkSize, inRate, outRate int) *ReaderStream {
	chunkSize -= chunkSize % BytesPerFrame
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	s := &ReaderStream{rc: rc, chunkSize: chunkSize}
	if inRate > 0 && outRate > 0 && inRate != outRate {
		s.resampler, _ = NewResampler(inRate, outRate)
	}
	return s
}

// Next reads up to one chunk. Cancellation is honoured by closing the reader,
// which unblocks the pending read.
func (s *ReaderStream) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	buf := make([]byte, s.chunkSize)
	for {
		pcm, err := s.read(ctx, buf)
		if err != nil {
			return nil, err
		}
		if s.resampler == nil {
			return pcm, nil
		}
		out, err := s.resampler.Process(pcm)
		if err != nil {
			return nil, err
		}
		// A tiny tail can be held back entirely by the resampler
		if len(out) > 0 {
			return out, nil
		}
	}
}

func (s *ReaderStream) read(ctx context.Context, buf []byte) ([]byte, error) {
	n, err := io.ReadFull(s.rc, buf)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	switch {
	case err == nil:
	case errors.Is(err, io.ErrUnexpectedEOF):
		// Final short chunk; a dangling half sample is dropped
		n -= n % BytesPerFrame
		if n == 0 {
			return nil, io.EOF
		}
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	default:
		return nil, err
	}
	return buf[:n], nil
}

// Close closes the underlying reader once
func (s *ReaderStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rc.Close()
	})
	return s.closeErr
}

// SliceStream serves fixed chunks from memory. Useful for cached audio and tests.
type SliceStream struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

// NewSliceStream creates a stream over chunks
func NewSliceStream(chunks ...[]byte) *SliceStream {
	return &SliceStream{chunks: chunks}
}

func (s *SliceStream) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *SliceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
