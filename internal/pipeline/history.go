package pipeline

import (
	"sync"

	"github.com/lexiqai/voice-bridge/internal/llm"
)

// History keeps the most recent exchanges of one session
type History struct {
	mu    sync.Mutex
	turns int
	msgs  []llm.Message
}

// NewHistory keeps at most turns user/assistant pairs; 0 disables history
func NewHistory(turns int) *History {
	return &History{turns: turns}
}

// Add records one exchange
func (h *History) Add(user, assistant string) {
	if h == nil || h.turns <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs,
		llm.Message{Role: llm.RoleUser, Text: user},
		llm.Message{Role: llm.RoleAssistant, Text: assistant},
	)
	if over := len(h.msgs) - 2*h.turns; over > 0 {
		h.msgs = append(h.msgs[:0], h.msgs[over:]...)
	}
}

// Messages returns a copy, oldest first
func (h *History) Messages() []llm.Message {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}
