package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/config"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/resilience"
)

const cartesiaBytesURL = "https://api.cartesia.ai/tts/bytes"

// CartesiaSynthesizer implements Synthesizer using Cartesia's streaming bytes endpoint
type CartesiaSynthesizer struct {
	apiKey     string
	apiURL     string
	version    string
	modelID    string
	voiceID    string
	sampleRate int // rate requested from Cartesia
	deviceRate int // rate delivered to the caller
	chunkSize  int
	httpClient *http.Client

	circuitBreaker *resilience.CircuitBreaker
	retry          *resilience.RetryConfig
	logger         zerolog.Logger
}

// CartesiaRequest represents the request payload for the Cartesia TTS API
type CartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        CartesiaVoice        `json:"voice"`
	OutputFormat CartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
}

// CartesiaVoice selects a voice by id
type CartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

// CartesiaOutputFormat requests headerless PCM
type CartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// NewCartesiaSynthesizer creates a new Cartesia TTS client
func NewCartesiaSynthesizer(cfg *config.Config) *CartesiaSynthesizer {
	return &CartesiaSynthesizer{
		apiKey:     cfg.CartesiaAPIKey,
		apiURL:     cartesiaBytesURL,
		version:    cfg.CartesiaVersion,
		modelID:    cfg.CartesiaModelID,
		voiceID:    cfg.CartesiaVoiceID,
		sampleRate: cfg.CartesiaSampleRate,
		deviceRate: cfg.SampleRate,
		chunkSize:  cfg.MaxMessageBytes,
		// No overall timeout: the body streams for as long as the sentence plays.
		// Cancellation comes from the request context.
		httpClient: &http.Client{},
		circuitBreaker: resilience.NewCircuitBreaker(
			"cartesia",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		logger: observability.GetLogger().With().Str("component", "cartesia").Logger(),
	}
}

// Synthesize converts text to audio and streams it
func (c *CartesiaSynthesizer) Synthesize(ctx context.Context, text string) (audio.Stream, error) {
	reqBody := CartesiaRequest{
		ModelID:    c.modelID,
		Transcript: text,
		Voice:      CartesiaVoice{Mode: "id", ID: c.voiceID},
		OutputFormat: CartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: c.sampleRate,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp *http.Response
	err = resilience.Retry(ctx, func(ctx context.Context) error {
		return c.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-API-Key", c.apiKey)
			req.Header.Set("Cartesia-Version", c.version)

			resp, err = c.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to make request: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				resp.Body.Close()
				err := fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
				if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
					return resilience.NewRetryableError(err)
				}
				return err
			}
			return nil
		})
	}, c.retry, func(err error) bool {
		return !errors.Is(err, resilience.ErrCircuitOpen) && resilience.IsRetryableNetworkError(err)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			c.logger.Warn().Msg("Cartesia circuit open, skipping synthesis")
		}
		return nil, err
	}

	c.logger.Debug().Int("chars", len(text)).Msg("Synthesis stream opened")
	return audio.NewReaderStream(resp.Body, c.chunkSize, c.sampleRate, c.deviceRate), nil
}

// HealthCheck reports whether the breaker currently admits requests
func (c *CartesiaSynthesizer) HealthCheck(ctx context.Context) (bool, error) {
	if c.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}
