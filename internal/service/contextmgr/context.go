// Package contextmgr keeps a token-accounted sliding window of chat
// messages plus the mutable system prompt slot.
package contextmgr

import (
	"fmt"
	"strings"

	"github.com/sandevgo/longmem/internal/core"
)

// roleOverhead approximates the per-message framing cost of the chat wire
// format.
const roleOverhead = 4

type Manager struct {
	limit     int
	threshold float64
	counter   core.TokenCounter

	systemPrompt  string
	systemTokens  int
	messages      []core.Message
	messageTokens int
}

func New(limit int, threshold float64, counter core.TokenCounter) (*Manager, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("context limit must be positive, got %d", limit)
	}
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("flush threshold must be in (0,1], got %v", threshold)
	}
	return &Manager{
		limit:     limit,
		threshold: threshold,
		counter:   counter,
	}, nil
}

// SetSystemPrompt replaces the system slot and recounts it.
func (m *Manager) SetSystemPrompt(prompt string) {
	m.systemPrompt = prompt
	m.systemTokens = m.counter.Count(prompt) + roleOverhead
}

// Append adds one message to the window.
func (m *Manager) Append(role, content string) {
	m.messages = append(m.messages, core.Message{Role: role, Content: content})
	m.messageTokens += m.counter.Count(content) + roleOverhead
}

func (m *Manager) TotalTokens() int {
	return m.systemTokens + m.messageTokens
}

func (m *Manager) Utilization() float64 {
	return float64(m.TotalTokens()) / float64(m.limit)
}

func (m *Manager) NeedsFlush() bool {
	return m.Utilization() >= m.threshold
}

func (m *Manager) MessageCount() int {
	return len(m.messages)
}

// Reset drops all messages except the last keepTail and recounts. It fails
// with core.ErrContextConfig when the retained tail alone keeps utilization
// at or above the flush threshold, since the window could then never drain.
func (m *Manager) Reset(keepTail int) error {
	if keepTail < 0 {
		keepTail = 0
	}
	if keepTail < len(m.messages) {
		m.messages = append([]core.Message(nil), m.messages[len(m.messages)-keepTail:]...)
	}

	m.messageTokens = 0
	for _, msg := range m.messages {
		m.messageTokens += m.counter.Count(msg.Content) + roleOverhead
	}

	if m.Utilization() >= m.threshold {
		return fmt.Errorf("tail of %d messages holds %d tokens: %w",
			len(m.messages), m.TotalTokens(), core.ErrContextConfig)
	}
	return nil
}

// MessagesForAPI returns the system prompt followed by the retained
// messages in order.
func (m *Manager) MessagesForAPI() []core.Message {
	result := make([]core.Message, 0, len(m.messages)+1)
	result = append(result, core.Message{Role: core.RoleSystem, Content: m.systemPrompt})
	result = append(result, m.messages...)
	return result
}

// ConversationText renders the window as plain text for the distiller.
func (m *Manager) ConversationText() string {
	lines := make([]string, 0, len(m.messages))
	for _, msg := range m.messages {
		lines = append(lines, strings.ToUpper(msg.Role)+": "+msg.Content)
	}
	return strings.Join(lines, "\n\n")
}
