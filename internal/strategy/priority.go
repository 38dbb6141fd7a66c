package strategy

import (
	"context"
	"fmt"
	"sort"

	"github.com/stellarlinkco/recall/internal/conversation"
	"github.com/stellarlinkco/recall/internal/score"
)

// Priority keeps the highest-scoring messages that fit the token budget and
// returns them in their original conversation order. No LLM call.
type Priority struct {
	Scorer score.Scorer
}

// NewPriority builds a Priority strategy around a scorer.
func NewPriority(s score.Scorer) *Priority {
	return &Priority{Scorer: s}
}

// Name implements Strategy.
func (*Priority) Name() string { return string(KindPriority) }

// Compress scores every message, ranks by (score desc, original index asc)
// so ties resolve deterministically, greedily admits messages while the
// token budget allows, then restores conversation order. Temporal coherence
// of the output is mandatory; scored order never leaks out.
func (p *Priority) Compress(_ context.Context, msgs []conversation.Message, budget Budget) ([]conversation.Message, error) {
	if budget.MaxTokens <= 0 {
		return nil, fmt.Errorf("priority: max tokens %d: %w", budget.MaxTokens, ErrInvalidBudget)
	}
	if p.Scorer == nil {
		return nil, fmt.Errorf("priority: no scorer configured")
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	type ranked struct {
		index int
		score float64
	}
	order := make([]ranked, len(msgs))
	for i, m := range msgs {
		order[i] = ranked{index: i, score: p.Scorer.Score(m)}
	}
	sort.Slice(order, func(a, b int) bool {
		if order[a].score != order[b].score {
			return order[a].score > order[b].score
		}
		return order[a].index < order[b].index
	})

	total := 0
	admitted := make([]int, 0, len(msgs))
	for _, r := range order {
		tc := msgs[r.index].TokenCount
		if total+tc > budget.MaxTokens {
			continue
		}
		total += tc
		admitted = append(admitted, r.index)
	}
	if len(admitted) == 0 {
		// Nothing fits. Same exception as truncation: keep the newest
		// message rather than empty the log.
		return []conversation.Message{msgs[len(msgs)-1]}, nil
	}

	sort.Ints(admitted)
	out := make([]conversation.Message, 0, len(admitted))
	for _, i := range admitted {
		out = append(out, msgs[i])
	}
	return out, nil
}
