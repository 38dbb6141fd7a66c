package conversation

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAssistant, RoleSystem:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// TokenCounter counts tokens for a piece of text.
type TokenCounter interface {
	Count(text string) int
}

// Message is a single conversational turn. Immutable once constructed;
// TokenCount is computed at construction and never recomputed.
type Message struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	TokenCount int       `json:"token_count"`
}

// NewMessage builds a message stamped with the current time.
func NewMessage(role Role, content string, counter TokenCounter) Message {
	return NewMessageAt(role, content, time.Now(), counter)
}

// NewMessageAt builds a message with an explicit timestamp. Used by
// compression to keep a synthetic summary ordered before the messages it
// replaces.
func NewMessageAt(role Role, content string, at time.Time, counter TokenCounter) Message {
	m := Message{Role: role, Content: content, CreatedAt: at}
	if counter != nil {
		m.TokenCount = counter.Count(content)
	}
	return m
}

// SummaryMarker prefixes the content of synthetic summary messages so
// downstream consumers can tell them apart from real turns and never
// mistake a summary for user input.
const SummaryMarker = "[SUMMARY]"

// IsSummary reports whether a message is a synthetic summary.
func IsSummary(m Message) bool {
	return m.Role == RoleSystem && strings.HasPrefix(m.Content, SummaryMarker)
}

// TotalTokens sums the cached token counts of msgs.
func TotalTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += m.TokenCount
	}
	return total
}

// Transcript renders messages as a role-labeled plain-text transcript, one
// line per message.
func Transcript(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s]: %s\n", m.Role, m.Content)
	}
	return b.String()
}
