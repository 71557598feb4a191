package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	restapi "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/config"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/resilience"
)

// DeepgramTranscriber implements Transcriber using Deepgram's pre-recorded API.
// Each utterance is wrapped in a WAV container so Deepgram can detect the format.
type DeepgramTranscriber struct {
	api            *restapi.Client
	options        *interfaces.PreRecordedTranscriptionOptions
	circuitBreaker *resilience.CircuitBreaker
	retry          *resilience.RetryConfig
	logger         zerolog.Logger
}

// NewDeepgramTranscriber creates a Deepgram client from configuration
func NewDeepgramTranscriber(cfg *config.Config) *DeepgramTranscriber {
	client := listenClient.NewREST(cfg.DeepgramAPIKey, &interfaces.ClientOptions{})

	return &DeepgramTranscriber{
		api: restapi.New(client),
		options: &interfaces.PreRecordedTranscriptionOptions{
			Model:       cfg.DeepgramModel,
			Language:    cfg.DeepgramLanguage,
			Punctuate:   true,
			SmartFormat: true,
		},
		circuitBreaker: resilience.NewCircuitBreaker(
			"deepgram",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		logger: observability.GetLogger().With().Str("component", "deepgram").Logger(),
	}
}

// Transcribe sends one utterance and returns the best alternative
func (d *DeepgramTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error) {
	if len(pcm) == 0 {
		return Transcript{}, nil
	}

	wav, err := audio.EncodeWAV(pcm, sampleRate)
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to encode utterance: %w", err)
	}
	duration := audio.Chunk{PCM: pcm}.Duration(sampleRate)

	var result Transcript
	err = resilience.Retry(ctx, func(ctx context.Context) error {
		return d.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
			res, err := d.api.FromStream(ctx, bytes.NewReader(wav), d.options)
			if err != nil {
				return err
			}
			result = bestAlternative(res)
			return nil
		})
	}, d.retry, func(err error) bool {
		return !errors.Is(err, resilience.ErrCircuitOpen) && resilience.IsRetryableNetworkError(err)
	})
	if err != nil {
		return Transcript{}, fmt.Errorf("deepgram transcription failed: %w", err)
	}

	result.Duration = duration
	d.logger.Debug().
		Str("transcript", result.Text).
		Float64("confidence", result.Confidence).
		Dur("audio", duration).
		Msg("Utterance transcribed")
	return result, nil
}

// HealthCheck reports whether the breaker currently admits requests.
// It does not call the API to avoid transcription costs.
func (d *DeepgramTranscriber) HealthCheck(ctx context.Context) (bool, error) {
	if d.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

func bestAlternative(res *msginterfaces.PreRecordedResponse) Transcript {
	if res == nil || res.Results == nil || len(res.Results.Channels) == 0 {
		return Transcript{}
	}
	alts := res.Results.Channels[0].Alternatives
	if len(alts) == 0 {
		return Transcript{}
	}
	return Transcript{
		Text:       strings.TrimSpace(alts[0].Transcript),
		Confidence: alts[0].Confidence,
	}
}
