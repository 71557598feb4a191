package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/llm"
	"github.com/lexiqai/voice-bridge/internal/pipeline"
	"github.com/lexiqai/voice-bridge/internal/segment"
	"github.com/lexiqai/voice-bridge/internal/session"
	"github.com/lexiqai/voice-bridge/internal/stt"
)

type silentTranscriber struct{}

func (silentTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (stt.Transcript, error) {
	return stt.Transcript{}, nil
}

type noGenerator struct{}

func (noGenerator) Generate(ctx context.Context, req llm.Request) (llm.Generation, error) {
	return nil, io.ErrUnexpectedEOF
}

type toneSynth struct{}

func (toneSynth) Synthesize(ctx context.Context, text string) (audio.Stream, error) {
	return audio.NewSliceStream([]byte{1, 0, 2, 0}), nil
}

func testOptions() session.Options {
	return session.Options{
		SampleRate:          16000,
		Encoding:            audio.EncodingPCM16,
		Segment:             segment.DefaultConfig(),
		MinTurnChunks:       4,
		FrameBusSize:        32,
		MaxInboundBytes:     1 << 16,
		PongTimeout:         time.Second,
		InterruptAckTimeout: 200 * time.Millisecond,
		HistoryTurns:        2,
		TickInterval:        20 * time.Millisecond,
		Streamer: session.StreamerConfig{
			Encoding:        audio.EncodingPCM16,
			QueueSize:       8,
			MaxMessageBytes: 1024,
			WriteTimeout:    time.Second,
			StallTimeout:    time.Second,
		},
	}
}

// newTestServer serves the device endpoint and control plane
func newTestServer(t *testing.T, maxSessions int) (*httptest.Server, *session.Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := session.NewHub(maxSessions)
	exec := pipeline.NewExecutor(pipeline.Config{
		SampleRate:          16000,
		SentenceTerminators: ".!?",
		GenerationTimeout:   time.Second,
		SynthesisLookahead:  1,
	}, pipeline.Deps{Transcriber: silentTranscriber{}, Generator: noGenerator{}, Synthesizer: toneSynth{}})

	mux := http.NewServeMux()
	mux.Handle("/ws", NewDeviceHandler(ctx, hub, exec, audio.AlwaysSpeech{}, testOptions()))
	NewControlAPI(hub).Register(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		hub.CloseAll()
		server.Close()
	})
	return server, hub
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestDeviceHandler_SpeakReachesDevice(t *testing.T) {
	server, hub := newTestServer(t, 4)
	conn := dial(t, server, "device_id=kitchen")
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	resp := post(t, server.URL+"/sessions/latest/speak", `{"text":"Dinner is ready."}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []string
	for len(got) < 3 {
		kind, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if kind == websocket.BinaryMessage {
			assert.Equal(t, []byte{1, 0, 2, 0}, data)
			got = append(got, "audio")
			continue
		}
		got = append(got, string(data))
	}
	assert.Equal(t, []string{session.TokenResponseStart, "audio", session.TokenResponseEnd}, got)

	infos := hub.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "kitchen", infos[0].DeviceID)

	// Closing the socket removes the session
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestDeviceHandler_RejectsUnknownEncoding(t *testing.T) {
	server, _ := newTestServer(t, 4)
	resp, err := http.Get(server.URL + "/ws?encoding=opus")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeviceHandler_RefusesWhenFull(t *testing.T) {
	server, hub := newTestServer(t, 1)
	dial(t, server, "encoding=mulaw")
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestControlAPI_Errors(t *testing.T) {
	server, _ := newTestServer(t, 4)

	resp, err := http.Get(server.URL + "/sessions/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, http.StatusNotFound, post(t, server.URL+"/sessions/latest/speak", `{"text":"hi"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, server.URL+"/sessions/latest/speak", `{"text":"  "}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, server.URL+"/sessions/latest/speak", `not json`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, server.URL+"/sessions/latest/play", `{}`).StatusCode)
}

func TestControlAPI_PlayRejectsNonHTTPURLs(t *testing.T) {
	server, hub := newTestServer(t, 4)
	dial(t, server, "device_id=den")
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	for _, body := range []string{
		`{"url":"file:/etc/passwd"}`,
		`{"url":"/etc/passwd"}`,
		`{"url":"concat:/etc/hosts|/etc/passwd"}`,
		`{"query":"anything","url":"ftp://10.0.0.1/a.mp3"}`,
	} {
		resp := post(t, server.URL+"/sessions/latest/play", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}

	s, err := hub.Get(session.LatestAlias)
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, s.State(), "a rejected URL must not start a turn")
}

func TestControlAPI_Status(t *testing.T) {
	server, hub := newTestServer(t, 3)
	dial(t, server, "device_id=porch")
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get(server.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 1, status.Sessions)
	assert.Equal(t, 3, status.MaxSessions)
	require.Len(t, status.Connected, 1)
	assert.Equal(t, "porch", status.Connected[0].DeviceID)
	assert.Equal(t, "idle", status.Connected[0].State)

	resp2, err := http.Get(server.URL + "/sessions")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var list []session.Info
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&list))
	assert.Len(t, list, 1)
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws", Endpoint("", "8080"))
	assert.Equal(t, "wss://bridge.example/ws", Endpoint("wss://bridge.example", "8080"))
}
