package stt

import (
	"context"
	"time"
)

// Transcript is the result of transcribing one utterance
type Transcript struct {
	// Text is the transcribed text; empty means nothing intelligible was said
	Text string

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// Duration is the length of the submitted audio
	Duration time.Duration
}

// Transcriber converts one complete utterance to text
type Transcriber interface {
	// Transcribe submits 16-bit mono PCM at sampleRate. It must return promptly
	// once ctx is cancelled.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error)
}
