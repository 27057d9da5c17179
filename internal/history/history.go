// Package history keeps the single conversation shared by every turn.
package history

import (
	"errors"
	"strings"
	"sync"

	"github.com/chadiek/avatar-overlay/internal/llm"
)

// ErrInvalidLimit is returned by SetMaxMessages for values below one.
var ErrInvalidLimit = errors.New("history: max messages must be at least 1")

// History is the ordered conversation. The first message is always the
// system prompt and trimming never removes it.
type History struct {
	mu           sync.RWMutex
	messages     []llm.Message
	limitEnabled bool
	maxMessages  int
}

// New starts a history with the given system prompt.
func New(systemPrompt string, limitEnabled bool, maxMessages int) *History {
	if maxMessages < 1 {
		maxMessages = 1
	}
	return &History{
		messages:     []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}},
		limitEnabled: limitEnabled,
		maxMessages:  maxMessages,
	}
}

// Append adds messages at the end. A system message is folded into the
// existing system prompt instead, so index 0 stays the only one.
func (h *History) Append(msgs ...llm.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			h.messages[0].Content = m.Content
			continue
		}
		h.messages = append(h.messages, m.Clone())
	}
}

// Trim keeps the most recent maxMessages non-system messages when the
// limit is enabled.
func (h *History) Trim() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trimLocked()
}

func (h *History) trimLocked() {
	if !h.limitEnabled {
		return
	}
	rest := h.messages[1:]
	if len(rest) <= h.maxMessages {
		return
	}
	kept := make([]llm.Message, 0, h.maxMessages+1)
	kept = append(kept, h.messages[0])
	rest = rest[len(rest)-h.maxMessages:]
	// a tool result whose call was trimmed away would be rejected upstream
	for len(rest) > 0 && rest[0].Role == llm.RoleTool {
		rest = rest[1:]
	}
	kept = append(kept, rest...)
	h.messages = kept
}

// Snapshot returns a deep copy suitable for use as a request body.
func (h *History) Snapshot() []llm.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]llm.Message, len(h.messages))
	for i, m := range h.messages {
		out[i] = m.Clone()
	}
	return out
}

// Len counts all messages including the system prompt.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

func (h *History) SystemPrompt() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.messages[0].Content
}

// Rollback drops everything appended after the history had n messages.
// It never removes the system prompt.
func (h *History) Rollback(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n < 1 {
		n = 1
	}
	if len(h.messages) > n {
		h.messages = h.messages[:n:n]
	}
}

func (h *History) SetSystemPrompt(prompt string) {
	h.mu.Lock()
	h.messages[0].Content = prompt
	h.mu.Unlock()
}

// EnsureSystemNote appends note to the system prompt once. It reports
// whether the prompt changed.
func (h *History) EnsureSystemNote(note string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if strings.Contains(h.messages[0].Content, note) {
		return false
	}
	h.messages[0].Content += "\n\n" + note
	return true
}

func (h *History) SetLimitEnabled(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.limitEnabled = on
	h.trimLocked()
}

func (h *History) SetMaxMessages(n int) error {
	if n < 1 {
		return ErrInvalidLimit
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxMessages = n
	h.trimLocked()
	return nil
}
