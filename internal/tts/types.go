package tts

import (
	"context"

	"github.com/lexiqai/voice-bridge/internal/audio"
)

// Synthesizer converts text to speech
type Synthesizer interface {
	// Synthesize starts synthesis of one text unit. The returned stream yields
	// 16-bit mono PCM at the device sample rate as it is produced. Closing the
	// stream or cancelling ctx aborts synthesis and releases the connection.
	Synthesize(ctx context.Context, text string) (audio.Stream, error)
}
