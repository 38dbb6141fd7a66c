package strategy

import (
	"context"
	"fmt"

	"github.com/stellarlinkco/recall/internal/conversation"
)

// Truncation keeps the maximal suffix of the log whose token total fits the
// budget. The cheapest strategy and the fallback for every other one.
type Truncation struct{}

// Name implements Strategy.
func (Truncation) Name() string { return string(KindTruncation) }

// Compress walks the log newest to oldest, admitting messages until the next
// one would exceed MaxTokens. A non-empty log never compresses to nothing:
// if even the newest message alone is over budget, that lone message is
// returned.
func (Truncation) Compress(_ context.Context, msgs []conversation.Message, budget Budget) ([]conversation.Message, error) {
	if budget.MaxTokens <= 0 {
		return nil, fmt.Errorf("truncation: max tokens %d: %w", budget.MaxTokens, ErrInvalidBudget)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	total := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if total+msgs[i].TokenCount > budget.MaxTokens {
			break
		}
		total += msgs[i].TokenCount
		start = i
	}
	if start == len(msgs) {
		start = len(msgs) - 1
	}

	out := make([]conversation.Message, len(msgs)-start)
	copy(out, msgs[start:])
	return out, nil
}
