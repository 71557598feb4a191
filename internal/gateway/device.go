// Package gateway exposes sessions over HTTP: the device WebSocket endpoint
// and the JSON control plane.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/pipeline"
	"github.com/lexiqai/voice-bridge/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Devices do not send an Origin header; browsers are not expected here
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// DeviceHandler accepts device connections on /ws and runs one session per
// connection until it closes
type DeviceHandler struct {
	baseCtx    context.Context
	hub        *session.Hub
	exec       *pipeline.Executor
	classifier audio.Classifier
	opts       session.Options
	logger     zerolog.Logger
}

// NewDeviceHandler creates the handler. Sessions derive from baseCtx, so
// cancelling it ends every session.
func NewDeviceHandler(baseCtx context.Context, hub *session.Hub, exec *pipeline.Executor, classifier audio.Classifier, opts session.Options) *DeviceHandler {
	return &DeviceHandler{
		baseCtx:    baseCtx,
		hub:        hub,
		exec:       exec,
		classifier: classifier,
		opts:       opts,
		logger:     observability.GetLogger().With().Str("component", "gateway").Logger(),
	}
}

// ServeHTTP handles GET /ws?device_id=<id>&encoding=pcm16|mulaw
func (h *DeviceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := h.opts
	if enc := r.URL.Query().Get("encoding"); enc != "" {
		parsed, err := audio.ParseEncoding(enc)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts.Encoding = parsed
		opts.Streamer.Encoding = parsed
	}

	release, err := h.hub.Admit()
	if err != nil {
		h.logger.Warn().Int("max_sessions", h.hub.Max()).Str("remote_addr", r.RemoteAddr).Msg("Rejecting device connection")
		http.Error(w, "too many sessions", http.StatusServiceUnavailable)
		return
	}
	defer release()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		h.logger.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	deviceID := r.URL.Query().Get("device_id")
	s, err := session.New(h.baseCtx, uuid.NewString(), deviceID, conn, h.classifier, h.exec, opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create session")
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session setup failed")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	h.hub.Add(s)
	defer h.hub.Remove(s)

	h.logger.Info().
		Str("session_id", s.ID).
		Str("device_id", deviceID).
		Str("remote_addr", s.RemoteAddr).
		Str("encoding", string(opts.Encoding)).
		Msg("New device connection established")

	if err := s.Run(); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn().Err(err).Str("session_id", s.ID).Msg("Device session ended with error")
	}
}

// Endpoint is the URL devices should connect to, for startup logs
func Endpoint(publicURL, port string) string {
	if publicURL != "" {
		return publicURL + "/ws"
	}
	return fmt.Sprintf("ws://localhost:%s/ws", port)
}
