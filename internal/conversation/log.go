package conversation

import "fmt"

// Log is an ordered, append-only message sequence owned by a single
// working-memory session. It mutates in exactly two ways: appending a turn,
// or wholesale replacement by a compression pass. Not safe for concurrent
// use; the owning session serializes access.
type Log struct {
	msgs       []Message
	totalTok   int
	generation uint64
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append adds a turn to the end of the log. Timestamps must be
// non-decreasing in conversation order.
func (l *Log) Append(m Message) error {
	if _, err := ParseRole(string(m.Role)); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	if n := len(l.msgs); n > 0 && m.CreatedAt.Before(l.msgs[n-1].CreatedAt) {
		return fmt.Errorf("append: timestamp %s precedes log tail %s",
			m.CreatedAt.Format("15:04:05.000"), l.msgs[n-1].CreatedAt.Format("15:04:05.000"))
	}
	l.msgs = append(l.msgs, m)
	l.totalTok += m.TokenCount
	l.generation++
	return nil
}

// Replace swaps the entire log contents in one step. Only compression
// passes call this.
func (l *Log) Replace(msgs []Message) {
	replaced := make([]Message, len(msgs))
	copy(replaced, msgs)
	l.msgs = replaced
	l.totalTok = TotalTokens(replaced)
	l.generation++
}

// Messages returns a copy of the log contents in conversation order.
func (l *Log) Messages() []Message {
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len returns the number of messages.
func (l *Log) Len() int {
	return len(l.msgs)
}

// TotalTokens returns the running token total across the log.
func (l *Log) TotalTokens() int {
	return l.totalTok
}

// Generation increases on every mutation. Compression passes snapshot it to
// detect turns appended while the pass ran.
func (l *Log) Generation() uint64 {
	return l.generation
}
