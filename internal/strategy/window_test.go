package strategy

import (
	"context"
	"errors"
	"testing"
)

// Count invariant: len(result) == min(N, len(input)) for all N >= 1.
func TestSlidingWindowCountInvariant(t *testing.T) {
	for _, logLen := range []int{0, 1, 3, 10, 50} {
		for _, n := range []int{1, 2, 5, 10, 100} {
			msgs := mkLog(logLen, 10)
			out, err := SlidingWindow{}.Compress(context.Background(), msgs, Budget{MaxMessages: n})
			if err != nil {
				t.Fatalf("Compress(len=%d, n=%d) error: %v", logLen, n, err)
			}
			want := n
			if logLen < n {
				want = logLen
			}
			if len(out) != want {
				t.Errorf("Compress(len=%d, n=%d) kept %d, want %d", logLen, n, len(out), want)
			}
		}
	}
}

func TestSlidingWindowKeepsNewestInOrder(t *testing.T) {
	msgs := mkLog(8, 10)
	out, err := SlidingWindow{}.Compress(context.Background(), msgs, Budget{MaxMessages: 3})
	if err != nil {
		t.Fatalf("Compress error: %v", err)
	}
	for i := range out {
		want := msgs[len(msgs)-3+i]
		if !out[i].CreatedAt.Equal(want.CreatedAt) {
			t.Errorf("out[%d] is not the expected tail message", i)
		}
	}
}

// The token budget is not part of the window's contract: oversized tails
// pass through untouched.
func TestSlidingWindowIgnoresTokenBudget(t *testing.T) {
	msgs := mkLog(5, 10_000)
	out, err := SlidingWindow{}.Compress(context.Background(), msgs, Budget{MaxMessages: 4, MaxTokens: 100})
	if err != nil {
		t.Fatalf("Compress error: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("kept %d, want 4", len(out))
	}
	if totalOf(out) != 40_000 {
		t.Errorf("window altered token totals: %d", totalOf(out))
	}
}

func TestSlidingWindowRejectsBadBudget(t *testing.T) {
	for _, n := range []int{0, -1} {
		if _, err := (SlidingWindow{}).Compress(context.Background(), mkLog(3, 10), Budget{MaxMessages: n}); !errors.Is(err, ErrInvalidBudget) {
			t.Errorf("n=%d: err = %v, want ErrInvalidBudget", n, err)
		}
	}
}
