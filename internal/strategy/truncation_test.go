package strategy

import (
	"context"
	"errors"
	"testing"

	"github.com/stellarlinkco/recall/internal/conversation"
)

func TestTruncationKeepsSuffixUnderBudget(t *testing.T) {
	msgs := mkLog(10, 100) // 1000 tokens total
	out, err := Truncation{}.Compress(context.Background(), msgs, Budget{MaxTokens: 350})
	if err != nil {
		t.Fatalf("Compress error: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("kept %d messages, want 3", len(out))
	}
	if totalOf(out) > 350 {
		t.Errorf("total %d exceeds budget 350", totalOf(out))
	}
	// Must be the newest three, in order.
	for i, m := range out {
		want := msgs[len(msgs)-3+i]
		if !m.CreatedAt.Equal(want.CreatedAt) {
			t.Errorf("out[%d] is not the expected suffix message", i)
		}
	}
}

// The budget invariant: for any log and budget, the result fits, unless a
// single message alone exceeds the budget.
func TestTruncationBudgetInvariant(t *testing.T) {
	logs := [][]conversation.Message{
		mkLog(1, 10),
		mkLog(5, 50),
		mkLog(20, 250),
		mkLog(7, 999),
	}
	budgets := []int{1, 10, 100, 500, 1000, 5000}

	for _, msgs := range logs {
		for _, b := range budgets {
			out, err := Truncation{}.Compress(context.Background(), msgs, Budget{MaxTokens: b})
			if err != nil {
				t.Fatalf("Compress(len=%d, budget=%d) error: %v", len(msgs), b, err)
			}
			if len(out) == 0 {
				t.Fatalf("Compress(len=%d, budget=%d) returned empty output", len(msgs), b)
			}
			if totalOf(out) > b && len(out) != 1 {
				t.Errorf("Compress(len=%d, budget=%d): total %d over budget with %d messages",
					len(msgs), b, totalOf(out), len(out))
			}
		}
	}
}

func TestTruncationLoneOversizedMessage(t *testing.T) {
	msgs := []conversation.Message{
		mkMsg(0, conversation.RoleUser, "small", 10),
		mkMsg(1, conversation.RoleAssistant, "huge reply", 500),
	}
	out, err := Truncation{}.Compress(context.Background(), msgs, Budget{MaxTokens: 100})
	if err != nil {
		t.Fatalf("Compress error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("kept %d messages, want exactly the newest one", len(out))
	}
	if out[0].TokenCount != 500 {
		t.Errorf("kept the wrong message: %+v", out[0])
	}
}

func TestTruncationEmptyInput(t *testing.T) {
	out, err := Truncation{}.Compress(context.Background(), nil, Budget{MaxTokens: 100})
	if err != nil {
		t.Fatalf("Compress error: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("empty input produced %d messages", len(out))
	}
}

func TestTruncationRejectsBadBudget(t *testing.T) {
	for _, b := range []int{0, -10} {
		if _, err := (Truncation{}).Compress(context.Background(), mkLog(3, 10), Budget{MaxTokens: b}); !errors.Is(err, ErrInvalidBudget) {
			t.Errorf("budget %d: err = %v, want ErrInvalidBudget", b, err)
		}
	}
}

func TestTruncationDoesNotMutateInput(t *testing.T) {
	msgs := mkLog(6, 100)
	before := make([]conversation.Message, len(msgs))
	copy(before, msgs)

	if _, err := (Truncation{}).Compress(context.Background(), msgs, Budget{MaxTokens: 150}); err != nil {
		t.Fatalf("Compress error: %v", err)
	}
	for i := range msgs {
		if msgs[i] != before[i] {
			t.Fatalf("input mutated at index %d", i)
		}
	}
}
