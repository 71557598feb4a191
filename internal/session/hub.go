package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lexiqai/voice-bridge/internal/media"
	"github.com/lexiqai/voice-bridge/internal/observability"
)

// LatestAlias addresses the most recently connected session
const LatestAlias = "latest"

var (
	// ErrUnknownSession is returned for ids that are not connected
	ErrUnknownSession = errors.New("unknown session")
	// ErrTooManySessions is returned by Admit when MaxSessions are connected
	ErrTooManySessions = errors.New("too many sessions")
)

// Info is a snapshot of one session for the control plane
type Info struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id,omitempty"`
	RemoteAddr  string    `json:"remote_addr"`
	State       string    `json:"state"`
	Turns       uint64    `json:"turns"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Hub tracks live sessions and routes control-plane requests to them
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	latest   string

	slots *semaphore.Weighted
	max   int
}

// NewHub creates a hub admitting at most maxSessions concurrent sessions
func NewHub(maxSessions int) *Hub {
	if maxSessions <= 0 {
		maxSessions = 1
	}
	return &Hub{
		sessions: make(map[string]*Session),
		slots:    semaphore.NewWeighted(int64(maxSessions)),
		max:      maxSessions,
	}
}

// Admit reserves a session slot. The returned release must be called once
// the session ends.
func (h *Hub) Admit() (release func(), err error) {
	if !h.slots.TryAcquire(1) {
		observability.RecordSessionRejected()
		return nil, ErrTooManySessions
	}
	var once sync.Once
	return func() { once.Do(func() { h.slots.Release(1) }) }, nil
}

// Add registers s and makes it the latest session
func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
	h.latest = s.ID
}

// Remove unregisters s
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.ID] != s {
		return
	}
	delete(h.sessions, s.ID)
	if h.latest == s.ID {
		h.latest = ""
		var newest *Session
		for _, other := range h.sessions {
			if newest == nil || other.ConnectedAt.After(newest.ConnectedAt) {
				newest = other
			}
		}
		if newest != nil {
			h.latest = newest.ID
		}
	}
}

// Get resolves id, accepting LatestAlias
func (h *Hub) Get(id string) (*Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if id == LatestAlias {
		id = h.latest
	}
	s, ok := h.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// Count is the number of connected sessions
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Max is the admission limit
func (h *Hub) Max() int {
	return h.max
}

// List returns a snapshot of all sessions, oldest first
func (h *Hub) List() []Info {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
	})
	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Info snapshots s
func (s *Session) Info() Info {
	return Info{
		ID:          s.ID,
		DeviceID:    s.DeviceID,
		RemoteAddr:  s.RemoteAddr,
		State:       s.State().String(),
		Turns:       s.Turns(),
		ConnectedAt: s.ConnectedAt,
	}
}

// State returns the state of session id
func (h *Hub) State(id string) (State, error) {
	s, err := h.Get(id)
	if err != nil {
		return StateClosed, err
	}
	return s.State(), nil
}

// InjectText makes session id speak text
func (h *Hub) InjectText(id, text string) error {
	s, err := h.Get(id)
	if err != nil {
		return err
	}
	return s.InjectText(text)
}

// InjectMedia makes session id play media
func (h *Hub) InjectMedia(id string, handle media.Handle) error {
	s, err := h.Get(id)
	if err != nil {
		return err
	}
	return s.InjectMedia(handle)
}

// CloseAll ends every session, used on shutdown
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		s.Close()
	}
}
