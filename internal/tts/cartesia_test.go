package tts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lexiqai/voice-bridge/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		CartesiaAPIKey:             "test-key",
		CartesiaVersion:            "2024-06-10",
		CartesiaModelID:            "sonic-2",
		CartesiaVoiceID:            "voice-1",
		CartesiaSampleRate:         16000,
		SampleRate:                 16000,
		MaxMessageBytes:            4,
		CircuitBreakerMaxFailures:  2,
		CircuitBreakerResetTimeout: 30,
		RetryMaxAttempts:           1,
		RetryInitialBackoff:        1,
	}
}

func TestCartesiaSynthesizer_StreamsChunks(t *testing.T) {
	var got CartesiaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("Expected API key header, got %q", r.Header.Get("X-API-Key"))
		}
		if r.Header.Get("Cartesia-Version") != "2024-06-10" {
			t.Errorf("Expected version header, got %q", r.Header.Get("Cartesia-Version"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	}))
	defer server.Close()

	s := NewCartesiaSynthesizer(testConfig())
	s.apiURL = server.URL

	stream, err := s.Synthesize(context.Background(), "Hello there.")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	defer stream.Close()

	var chunks [][]byte
	for {
		chunk, err := stream.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		chunks = append(chunks, chunk)
	}

	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks (4+4+2 bytes), got %d", len(chunks))
	}
	if len(chunks[2]) != 2 {
		t.Errorf("Expected final chunk of 2 bytes, got %d", len(chunks[2]))
	}
	if got.Transcript != "Hello there." || got.OutputFormat.Encoding != "pcm_s16le" || got.Voice.ID != "voice-1" {
		t.Errorf("Unexpected request payload: %+v", got)
	}
}

func TestCartesiaSynthesizer_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad voice", http.StatusBadRequest)
	}))
	defer server.Close()

	s := NewCartesiaSynthesizer(testConfig())
	s.apiURL = server.URL

	if _, err := s.Synthesize(context.Background(), "Hi."); err == nil {
		t.Fatal("Expected error for non-200 response")
	}
	if _, err := s.Synthesize(context.Background(), "Hi."); err == nil {
		t.Fatal("Expected error for non-200 response")
	}

	// Two failures open the breaker
	healthy, _ := s.HealthCheck(context.Background())
	if healthy {
		t.Error("Expected unhealthy after the circuit opened")
	}
}

func TestCartesiaSynthesizer_RetriesServerErrors(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte{1, 2})
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.RetryMaxAttempts = 2
	s := NewCartesiaSynthesizer(cfg)
	s.apiURL = server.URL

	stream, err := s.Synthesize(context.Background(), "Hi.")
	if err != nil {
		t.Fatalf("Synthesize failed after retry: %v", err)
	}
	defer stream.Close()

	if calls != 2 {
		t.Errorf("Expected 2 requests, got %d", calls)
	}
	healthy, _ := s.HealthCheck(context.Background())
	if !healthy {
		t.Error("Expected a single failure to leave the circuit closed")
	}
}

func TestCartesiaSynthesizer_Resamples(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 480*2)) // 20ms at 24kHz
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.CartesiaSampleRate = 24000
	cfg.MaxMessageBytes = 960
	s := NewCartesiaSynthesizer(cfg)
	s.apiURL = server.URL

	stream, err := s.Synthesize(context.Background(), "Hi.")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	defer stream.Close()

	chunk, err := stream.Next(context.Background())
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(chunk) != 320*2 {
		t.Errorf("Expected 320 samples at 16kHz, got %d bytes", len(chunk))
	}
}
