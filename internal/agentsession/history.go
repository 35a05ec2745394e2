package agentsession

import "github.com/fieldstation/conductor/internal/tokenutil"

// Message is one turn in a conversation.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// History is a per-user bounded conversation log. Oldest messages are
// evicted first once either bound is exceeded. Persisted only in process
// memory — never written to disk.
type History struct {
	maxTurns  int
	maxTokens int
	messages  []Message
}

// NewHistory constructs a bounded history. maxTurns and maxTokens are both
// enforced; whichever is hit first trims the oldest message.
func NewHistory(maxTurns, maxTokens int) *History {
	return &History{maxTurns: maxTurns, maxTokens: maxTokens}
}

// NearTokenLimit reports whether the history's estimated token usage has
// crossed ratio * maxTokens, before any trimming this Append would trigger.
// A ratio <= 0 disables the check.
func (h *History) NearTokenLimit(ratio float64) bool {
	if ratio <= 0 || h.maxTokens <= 0 {
		return false
	}
	return float64(h.estimatedTokens()) >= ratio*float64(h.maxTokens)
}

// Append adds a message and then trims from the front until both bounds
// are satisfied.
func (h *History) Append(role, content string) {
	h.messages = append(h.messages, Message{Role: role, Content: content})
	h.trim()
}

func (h *History) trim() {
	for len(h.messages) > h.maxTurns && len(h.messages) > 0 {
		h.messages = h.messages[1:]
	}
	for h.estimatedTokens() > h.maxTokens && len(h.messages) > 0 {
		h.messages = h.messages[1:]
	}
}

func (h *History) estimatedTokens() int {
	total := 0
	for _, m := range h.messages {
		total += tokenutil.EstimateTokens(m.Content)
	}
	return total
}

// Messages returns a copy of the current ordered message list.
func (h *History) Messages() []Message {
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Clear empties the history, used by clearUserHistory.
func (h *History) Clear() {
	h.messages = nil
}
