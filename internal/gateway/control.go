package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/media"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/session"
)

const maxControlBody = 16 << 10

// ControlAPI lets operators inspect sessions and make a device speak or play media
type ControlAPI struct {
	hub       *session.Hub
	startedAt time.Time
	logger    zerolog.Logger
}

// SpeakRequest is the body of POST /sessions/{id}/speak
type SpeakRequest struct {
	Text string `json:"text"`
}

// PlayRequest is the body of POST /sessions/{id}/play. URL skips resolution.
type PlayRequest struct {
	Query string `json:"query"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// StatusResponse summarises the service for GET /status
type StatusResponse struct {
	Service     string         `json:"service"`
	Uptime      string         `json:"uptime"`
	Sessions    int            `json:"sessions"`
	MaxSessions int            `json:"max_sessions"`
	Connected   []session.Info `json:"connected"`
}

// NewControlAPI creates the control plane over hub
func NewControlAPI(hub *session.Hub) *ControlAPI {
	return &ControlAPI{
		hub:       hub,
		startedAt: time.Now(),
		logger:    observability.GetLogger().With().Str("component", "control").Logger(),
	}
}

// Register mounts the control routes on mux
func (c *ControlAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /sessions", c.listSessions)
	mux.HandleFunc("GET /sessions/{id}", c.getSession)
	mux.HandleFunc("POST /sessions/{id}/speak", c.speak)
	mux.HandleFunc("POST /sessions/{id}/play", c.play)
	mux.HandleFunc("GET /status", c.status)
}

func (c *ControlAPI) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.hub.List())
}

func (c *ControlAPI) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := c.hub.Get(r.PathValue("id"))
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

func (c *ControlAPI) speak(w http.ResponseWriter, r *http.Request) {
	var req SpeakRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if err := c.hub.InjectText(id, text); err != nil {
		c.writeError(w, err)
		return
	}
	c.logger.Info().Str("session_id", id).Int("chars", len(text)).Msg("Injected speech")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (c *ControlAPI) play(w http.ResponseWriter, r *http.Request) {
	var req PlayRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	handle := media.Handle{
		Query: strings.TrimSpace(req.Query),
		URL:   strings.TrimSpace(req.URL),
		Title: req.Title,
	}
	if handle.Query == "" && handle.URL == "" {
		http.Error(w, "query or url is required", http.StatusBadRequest)
		return
	}
	if handle.URL != "" {
		if err := media.CheckStreamURL(handle.URL); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if handle.Query == "" {
		handle.Query = handle.URL
	}

	id := r.PathValue("id")
	if err := c.hub.InjectMedia(id, handle); err != nil {
		c.writeError(w, err)
		return
	}
	c.logger.Info().Str("session_id", id).Str("query", handle.Query).Msg("Injected media")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (c *ControlAPI) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Service:     "voice-bridge",
		Uptime:      time.Since(c.startedAt).Round(time.Second).String(),
		Sessions:    c.hub.Count(),
		MaxSessions: c.hub.Max(),
		Connected:   c.hub.List(),
	})
}

func (c *ControlAPI) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, session.ErrRejected):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, session.ErrClosed):
		http.Error(w, err.Error(), http.StatusGone)
	default:
		c.logger.Error().Err(err).Msg("Control request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxControlBody))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
