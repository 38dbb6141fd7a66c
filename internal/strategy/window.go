package strategy

import (
	"context"
	"fmt"

	"github.com/stellarlinkco/recall/internal/conversation"
)

// SlidingWindow keeps exactly the last MaxMessages messages. The token
// budget is deliberately not enforced: the window trades the token guarantee
// for a fixed message count, which keeps its cost at zero and its output
// size predictable.
type SlidingWindow struct{}

// Name implements Strategy.
func (SlidingWindow) Name() string { return string(KindSlidingWindow) }

// Compress returns the last min(MaxMessages, len(msgs)) messages.
func (SlidingWindow) Compress(_ context.Context, msgs []conversation.Message, budget Budget) ([]conversation.Message, error) {
	if budget.MaxMessages <= 0 {
		return nil, fmt.Errorf("sliding window: max messages %d: %w", budget.MaxMessages, ErrInvalidBudget)
	}

	n := budget.MaxMessages
	if n > len(msgs) {
		n = len(msgs)
	}
	out := make([]conversation.Message, n)
	copy(out, msgs[len(msgs)-n:])
	return out, nil
}
