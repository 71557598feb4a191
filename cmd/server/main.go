package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/config"
	"github.com/lexiqai/voice-bridge/internal/gateway"
	"github.com/lexiqai/voice-bridge/internal/llm"
	"github.com/lexiqai/voice-bridge/internal/media"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/pipeline"
	"github.com/lexiqai/voice-bridge/internal/session"
	"github.com/lexiqai/voice-bridge/internal/stt"
	"github.com/lexiqai/voice-bridge/internal/tts"
)

// generator is a generation backend that can report its health
type generator interface {
	llm.Generator
	HealthCheck(ctx context.Context) (bool, error)
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("generator", cfg.GeneratorBackend).
		Str("vad", cfg.VADBackend).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Bridge Service starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	classifier := newClassifier(cfg, logger)
	defer classifier.Close()

	transcriber := stt.NewDeepgramTranscriber(cfg)
	synthesizer := tts.NewCartesiaSynthesizer(cfg)
	resolver := media.NewYTDLPResolver(cfg.YTDLPPath, cfg.MediaResolveTimeout)
	source := media.NewFFmpegSource(cfg.FFmpegPath, cfg.SampleRate, cfg.MaxMessageBytes, cfg.MediaMaxDuration)

	actions := pipeline.DefaultRegistry(pipeline.ActionDeps{
		Resolver:   resolver,
		WeatherURL: cfg.WeatherURL,
	})

	gen, closeGen, err := newGenerator(ctx, cfg, actions.Specs())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create generator")
	}
	defer closeGen()

	exec := pipeline.NewExecutor(pipeline.ConfigFrom(cfg), pipeline.Deps{
		Transcriber: transcriber,
		Generator:   gen,
		Synthesizer: synthesizer,
		Actions:     actions,
		Resolver:    resolver,
		Source:      source,
	})

	hub := session.NewHub(cfg.MaxSessions)

	// Create HTTP server
	mux := http.NewServeMux()

	// Device WebSocket endpoint and control plane
	mux.Handle("/ws", gateway.NewDeviceHandler(ctx, hub, exec, classifier, session.OptionsFrom(cfg)))
	gateway.NewControlAPI(hub).Register(mux)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness reflects breaker state; no check calls a paid API
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"transcriber": transcriber.HealthCheck,
		"synthesizer": synthesizer.HealthCheck,
		"generator":   gen.HealthCheck,
		"classifier": func(ctx context.Context) (bool, error) {
			if cfg.VADBackend != "none" && classifier.Name() != cfg.VADBackend {
				return false, fmt.Errorf("%w: %s in use instead of %s", audio.ErrClassifierUnavailable, classifier.Name(), cfg.VADBackend)
			}
			return true, nil
		},
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// WriteTimeout stays unset: device connections are long-lived
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", gateway.Endpoint(cfg.PublicURL, cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()
	logger.Info().Int("sessions", hub.Count()).Msg("Shutting down server...")

	// Hijacked WebSocket connections are not tracked by Shutdown
	hub.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// newClassifier loads the configured activity classifier, degrading to the
// energy classifier and finally to treating all audio as speech
func newClassifier(cfg *config.Config, logger zerolog.Logger) audio.Classifier {
	energy := func() audio.Classifier {
		return audio.NewEnergyClassifier(&audio.EnergyConfig{
			Reference: cfg.VADEnergyReference,
			FrameSize: cfg.SampleRate / 50, // 20ms windows
		})
	}

	switch cfg.VADBackend {
	case "silero":
		c, err := audio.NewSileroClassifier(cfg.SileroModelPath, cfg.ONNXRuntimeLibPath, cfg.SampleRate)
		if err == nil {
			logger.Info().Str("model", cfg.SileroModelPath).Msg("Silero VAD loaded")
			return c
		}
		logger.Warn().Err(err).Msg("Silero VAD unavailable, falling back to energy classifier")
		return energy()
	case "energy":
		return energy()
	}
	logger.Warn().Msg("Voice activity detection disabled, treating all audio as speech")
	return audio.AlwaysSpeech{}
}

// newGenerator builds the configured generation backend. The returned close
// func releases its connection.
func newGenerator(ctx context.Context, cfg *config.Config, actions []llm.ActionSpec) (generator, func(), error) {
	if cfg.GeneratorBackend == "orchestrator" {
		// Tool calls are executed by the orchestrator itself
		g, err := llm.NewOrchestratorGenerator(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return g, func() { g.Close() }, nil
	}

	g, err := llm.NewGeminiGenerator(ctx, cfg, actions)
	if err != nil {
		return nil, nil, err
	}
	return g, func() {}, nil
}
