package session

import (
	"strings"
)

// ExitPhrases end a chat session. Empty input and end of input do too.
var ExitPhrases = []string{":quit", ":exit", ":q"}

// IsExit reports whether input ends the conversation.
func IsExit(input string) bool {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return true
	}
	for _, p := range ExitPhrases {
		if strings.EqualFold(trimmed, p) {
			return true
		}
	}
	return false
}

// Exchange is one prompt and the assembled reply.
type Exchange struct {
	User      string
	Assistant string
}

// History is the leader's conversation so far. It only grows.
type History struct {
	turns []Exchange
	size  int
}

// Append records a completed turn.
func (h *History) Append(user, assistant string) {
	h.turns = append(h.turns, Exchange{User: user, Assistant: assistant})
	h.size += len(user) + len(assistant)
}

// Len is the number of completed turns.
func (h *History) Len() int { return len(h.turns) }

// Turns returns a copy of the completed turns.
func (h *History) Turns() []Exchange {
	out := make([]Exchange, len(h.turns))
	copy(out, h.turns)
	return out
}

// Compose renders the history followed by the new prompt as one payload.
func (h *History) Compose(prompt string) []byte {
	var b strings.Builder
	b.Grow(h.size + len(prompt) + 32*(len(h.turns)+1))
	for _, t := range h.turns {
		b.WriteString("User: ")
		b.WriteString(t.User)
		b.WriteString("\nAssistant: ")
		b.WriteString(t.Assistant)
		b.WriteString("\n\n")
	}
	b.WriteString("User: ")
	b.WriteString(prompt)
	b.WriteString("\n")
	return []byte(b.String())
}
