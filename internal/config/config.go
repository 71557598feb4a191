package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice bridge service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service, used only for logging the device endpoint.
	// Optional; if unset, logs ws://localhost:PORT/ws.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Device audio format. Inbound and outbound audio share it.
	SampleRate     int    `envconfig:"SAMPLE_RATE" default:"16000"`
	DeviceEncoding string `envconfig:"DEVICE_ENCODING" default:"pcm16"` // pcm16 or mulaw, overridable per connection

	// Activity classifier
	VADBackend         string  `envconfig:"VAD_BACKEND" default:"energy"` // energy, silero, none
	VADEnergyReference float64 `envconfig:"VAD_ENERGY_REFERENCE" default:"500.0"`
	SileroModelPath    string  `envconfig:"SILERO_MODEL_PATH" default:"models/silero_vad.onnx"`
	ONNXRuntimeLibPath string  `envconfig:"ONNXRUNTIME_LIB_PATH" default:""`

	// Segmentation policy
	ListenThreshold    float32       `envconfig:"VAD_LISTEN_THRESHOLD" default:"0.5"`
	InterruptThreshold float32       `envconfig:"VAD_INTERRUPT_THRESHOLD" default:"0.8"`
	StartChunks        int           `envconfig:"VAD_START_CHUNKS" default:"3"`
	SilenceChunks      int           `envconfig:"VAD_SILENCE_CHUNKS" default:"4"`
	InterruptChunks    int           `envconfig:"VAD_INTERRUPT_CHUNKS" default:"2"`
	MinTurnChunks      int           `envconfig:"MIN_TURN_CHUNKS" default:"4"`
	MaxTurnDuration    time.Duration `envconfig:"MAX_TURN_DURATION" default:"15s"`

	// Turn pipeline
	SentenceTerminators string        `envconfig:"SENTENCE_TERMINATORS" default:".!?。！？"`
	MaxActionRounds     int           `envconfig:"MAX_ACTION_ROUNDS" default:"1"`
	GenerationTimeout   time.Duration `envconfig:"GENERATION_TIMEOUT" default:"20s"`
	SynthesisLookahead  int           `envconfig:"SYNTHESIS_LOOKAHEAD" default:"2"`
	FallbackUtterance   string        `envconfig:"FALLBACK_UTTERANCE" default:"I'm sorry, I encountered an error."`
	HistoryTurns        int           `envconfig:"HISTORY_TURNS" default:"10"`
	InterruptAckTimeout time.Duration `envconfig:"INTERRUPT_ACK_TIMEOUT" default:"500ms"`
	DebugAudioDir       string        `envconfig:"DEBUG_AUDIO_DIR" default:""`

	// Output streaming and connection
	FrameBusSize       int           `envconfig:"FRAME_BUS_SIZE" default:"256"`
	OutputQueueSize    int           `envconfig:"OUTPUT_QUEUE_SIZE" default:"64"`
	MaxMessageBytes    int           `envconfig:"MAX_MESSAGE_BYTES" default:"8192"`
	MaxInboundBytes    int64         `envconfig:"MAX_INBOUND_BYTES" default:"65536"`
	WriteTimeout       time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	OutputStallTimeout time.Duration `envconfig:"OUTPUT_STALL_TIMEOUT" default:"30s"`
	PingInterval       time.Duration `envconfig:"PING_INTERVAL" default:"20s"`
	PongTimeout        time.Duration `envconfig:"PONG_TIMEOUT" default:"10s"`
	MaxSessions        int           `envconfig:"MAX_SESSIONS" default:"32"`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`  // Language code (en, es, fr, etc.)

	// Cartesia TTS API configuration
	CartesiaAPIKey     string `envconfig:"CARTESIA_API_KEY"`
	CartesiaVoiceID    string `envconfig:"CARTESIA_VOICE_ID" default:"a0e99841-438c-4a64-b679-ae501e7d6091"`
	CartesiaModelID    string `envconfig:"CARTESIA_MODEL_ID" default:"sonic-2"`
	CartesiaVersion    string `envconfig:"CARTESIA_VERSION" default:"2024-06-10"`
	CartesiaSampleRate int    `envconfig:"CARTESIA_SAMPLE_RATE" default:"24000"`

	// Generation backend: gemini or orchestrator
	GeneratorBackend string `envconfig:"GENERATOR_BACKEND" default:"gemini"`
	GeminiAPIKey     string `envconfig:"GEMINI_API_KEY"`
	GeminiModel      string `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash-lite"`
	SystemPrompt     string `envconfig:"SYSTEM_PROMPT" default:"You are a concise voice assistant. Answer in one to three short spoken sentences without markdown."`

	// Cognitive Orchestrator gRPC endpoint
	OrchestratorURL        string `envconfig:"ORCHESTRATOR_URL" default:"localhost:50051"`
	OrchestratorTLSEnabled bool   `envconfig:"ORCHESTRATOR_TLS_ENABLED" default:"false"`
	OrchestratorTimeout    int    `envconfig:"ORCHESTRATOR_TIMEOUT" default:"30"` // seconds

	// Media side effects
	YTDLPPath           string        `envconfig:"YTDLP_PATH" default:"yt-dlp"`
	FFmpegPath          string        `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	MediaResolveTimeout time.Duration `envconfig:"MEDIA_RESOLVE_TIMEOUT" default:"15s"`
	MediaMaxDuration    time.Duration `envconfig:"MEDIA_MAX_DURATION" default:"10m"` // 0 plays whole tracks
	WeatherURL          string        `envconfig:"WEATHER_URL" default:"https://wttr.in"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the session core cannot operate with.
// API keys are only required for the backends that are selected.
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.CartesiaAPIKey == "" {
		return fmt.Errorf("CARTESIA_API_KEY is required")
	}

	switch c.GeneratorBackend {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when GENERATOR_BACKEND=gemini")
		}
	case "orchestrator":
		if c.OrchestratorURL == "" {
			return fmt.Errorf("ORCHESTRATOR_URL is required when GENERATOR_BACKEND=orchestrator")
		}
	default:
		return fmt.Errorf("unknown GENERATOR_BACKEND %q", c.GeneratorBackend)
	}

	switch c.VADBackend {
	case "energy", "silero", "none":
	default:
		return fmt.Errorf("unknown VAD_BACKEND %q", c.VADBackend)
	}

	switch c.DeviceEncoding {
	case "pcm16", "mulaw":
	default:
		return fmt.Errorf("unknown DEVICE_ENCODING %q", c.DeviceEncoding)
	}

	if c.ListenThreshold < 0 || c.ListenThreshold > 1 {
		return fmt.Errorf("VAD_LISTEN_THRESHOLD must be within [0,1], got %v", c.ListenThreshold)
	}
	if c.InterruptThreshold < 0 || c.InterruptThreshold > 1 {
		return fmt.Errorf("VAD_INTERRUPT_THRESHOLD must be within [0,1], got %v", c.InterruptThreshold)
	}
	if c.InterruptThreshold < c.ListenThreshold {
		return fmt.Errorf("VAD_INTERRUPT_THRESHOLD (%v) must not be below VAD_LISTEN_THRESHOLD (%v)",
			c.InterruptThreshold, c.ListenThreshold)
	}

	counts := map[string]int{
		"SAMPLE_RATE":          c.SampleRate,
		"VAD_START_CHUNKS":     c.StartChunks,
		"VAD_SILENCE_CHUNKS":   c.SilenceChunks,
		"VAD_INTERRUPT_CHUNKS": c.InterruptChunks,
		"MIN_TURN_CHUNKS":      c.MinTurnChunks,
		"SYNTHESIS_LOOKAHEAD":  c.SynthesisLookahead,
		"FRAME_BUS_SIZE":       c.FrameBusSize,
		"OUTPUT_QUEUE_SIZE":    c.OutputQueueSize,
		"MAX_MESSAGE_BYTES":    c.MaxMessageBytes,
		"MAX_SESSIONS":         c.MaxSessions,
	}
	for name, v := range counts {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.MaxMessageBytes%2 != 0 {
		return fmt.Errorf("MAX_MESSAGE_BYTES must be a whole number of 16-bit samples, got %d", c.MaxMessageBytes)
	}
	if c.MaxActionRounds < 0 {
		return fmt.Errorf("MAX_ACTION_ROUNDS must not be negative, got %d", c.MaxActionRounds)
	}
	durations := []struct {
		name string
		v    time.Duration
	}{
		{"MAX_TURN_DURATION", c.MaxTurnDuration},
		{"GENERATION_TIMEOUT", c.GenerationTimeout},
		{"INTERRUPT_ACK_TIMEOUT", c.InterruptAckTimeout},
		{"WRITE_TIMEOUT", c.WriteTimeout},
		{"OUTPUT_STALL_TIMEOUT", c.OutputStallTimeout},
		{"PING_INTERVAL", c.PingInterval},
		{"PONG_TIMEOUT", c.PongTimeout},
	}
	for _, d := range durations {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive, got %v", d.name, d.v)
		}
	}
	if c.SentenceTerminators == "" {
		return fmt.Errorf("SENTENCE_TERMINATORS must not be empty")
	}

	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
