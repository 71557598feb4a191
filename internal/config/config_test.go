package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	t.Setenv("CARTESIA_API_KEY", "test-cartesia-key")
	t.Setenv("GEMINI_API_KEY", "test-gemini-key")
}

func TestLoad_MissingRequiredKeys(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "")
	t.Setenv("CARTESIA_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for missing DEEPGRAM_API_KEY, got nil")
	}

	t.Setenv("DEEPGRAM_API_KEY", "test-key")
	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for missing CARTESIA_API_KEY, got nil")
	}

	t.Setenv("CARTESIA_API_KEY", "test-key")
	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "GEMINI_API_KEY") {
		t.Errorf("Expected GEMINI_API_KEY error for the default backend, got %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port 8080, got %s", cfg.Port)
	}
	if cfg.DeepgramModel != "nova-2" {
		t.Errorf("Expected default DeepgramModel 'nova-2', got '%s'", cfg.DeepgramModel)
	}
	if cfg.CartesiaModelID != "sonic-2" {
		t.Errorf("Expected default CartesiaModelID 'sonic-2', got '%s'", cfg.CartesiaModelID)
	}
	if cfg.CartesiaVoiceID != "a0e99841-438c-4a64-b679-ae501e7d6091" {
		t.Errorf("Unexpected default CartesiaVoiceID '%s'", cfg.CartesiaVoiceID)
	}
	if cfg.OrchestratorURL != "localhost:50051" {
		t.Errorf("Expected default OrchestratorURL 'localhost:50051', got '%s'", cfg.OrchestratorURL)
	}
	if cfg.GeneratorBackend != "gemini" {
		t.Errorf("Expected default GeneratorBackend 'gemini', got '%s'", cfg.GeneratorBackend)
	}
}

func TestLoad_SessionDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.SampleRate != 16000 {
		t.Errorf("Expected default SampleRate 16000, got %d", cfg.SampleRate)
	}
	if cfg.DeviceEncoding != "pcm16" {
		t.Errorf("Expected default DeviceEncoding 'pcm16', got '%s'", cfg.DeviceEncoding)
	}
	if cfg.SilenceChunks != 4 {
		t.Errorf("Expected default SilenceChunks 4, got %d", cfg.SilenceChunks)
	}
	if cfg.MinTurnChunks != 4 {
		t.Errorf("Expected default MinTurnChunks 4, got %d", cfg.MinTurnChunks)
	}
	if cfg.MaxTurnDuration != 15*time.Second {
		t.Errorf("Expected default MaxTurnDuration 15s, got %v", cfg.MaxTurnDuration)
	}
	if cfg.SentenceTerminators != ".!?。！？" {
		t.Errorf("Unexpected default SentenceTerminators %q", cfg.SentenceTerminators)
	}
	if cfg.MaxActionRounds != 1 {
		t.Errorf("Expected default MaxActionRounds 1, got %d", cfg.MaxActionRounds)
	}
	if cfg.InterruptAckTimeout != 500*time.Millisecond {
		t.Errorf("Expected default InterruptAckTimeout 500ms, got %v", cfg.InterruptAckTimeout)
	}
	if cfg.MediaMaxDuration != 10*time.Minute {
		t.Errorf("Expected default MediaMaxDuration 10m, got %v", cfg.MediaMaxDuration)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SAMPLE_RATE", "8000")
	t.Setenv("DEVICE_ENCODING", "mulaw")
	t.Setenv("MAX_TURN_DURATION", "30s")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.SampleRate != 8000 {
		t.Errorf("Expected SampleRate 8000, got %d", cfg.SampleRate)
	}
	if cfg.DeviceEncoding != "mulaw" {
		t.Errorf("Expected DeviceEncoding 'mulaw', got '%s'", cfg.DeviceEncoding)
	}
	if cfg.MaxTurnDuration != 30*time.Second {
		t.Errorf("Expected MaxTurnDuration 30s, got %v", cfg.MaxTurnDuration)
	}
}

func TestValidate(t *testing.T) {
	setRequired(t)
	base, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"orchestrator without gemini key", func(c *Config) {
			c.GeneratorBackend = "orchestrator"
			c.GeminiAPIKey = ""
		}, ""},
		{"unknown generator", func(c *Config) { c.GeneratorBackend = "gpt" }, "GENERATOR_BACKEND"},
		{"unknown vad", func(c *Config) { c.VADBackend = "webrtc" }, "VAD_BACKEND"},
		{"unknown encoding", func(c *Config) { c.DeviceEncoding = "opus" }, "DEVICE_ENCODING"},
		{"interrupt below listen", func(c *Config) {
			c.ListenThreshold = 0.6
			c.InterruptThreshold = 0.5
		}, "VAD_INTERRUPT_THRESHOLD"},
		{"threshold out of range", func(c *Config) { c.ListenThreshold = 1.5 }, "VAD_LISTEN_THRESHOLD"},
		{"zero silence chunks", func(c *Config) { c.SilenceChunks = 0 }, "VAD_SILENCE_CHUNKS"},
		{"odd message size", func(c *Config) { c.MaxMessageBytes = 8191 }, "MAX_MESSAGE_BYTES"},
		{"negative action rounds", func(c *Config) { c.MaxActionRounds = -1 }, "MAX_ACTION_ROUNDS"},
		{"empty terminators", func(c *Config) { c.SentenceTerminators = "" }, "SENTENCE_TERMINATORS"},
		{"zero stall timeout", func(c *Config) { c.OutputStallTimeout = 0 }, "OUTPUT_STALL_TIMEOUT"},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }, "WRITE_TIMEOUT"},
		{"negative pong timeout", func(c *Config) { c.PongTimeout = -time.Second }, "PONG_TIMEOUT"},
		{"zero ping interval", func(c *Config) { c.PingInterval = 0 }, "PING_INTERVAL"},
		{"zero max turn duration", func(c *Config) { c.MaxTurnDuration = 0 }, "MAX_TURN_DURATION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_KEY", "test-value")

	if value := GetEnv("TEST_KEY", "default"); value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}
	if value := GetEnv("NON_EXISTENT_KEY", "default"); value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("LOG_LEVEL", "debug")
	os.Unsetenv("LOG_LEVEL")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}
	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}
}
