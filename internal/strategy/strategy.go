package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/stellarlinkco/recall/internal/conversation"
)

// Budget bounds a compression pass. Token-budget strategies read MaxTokens;
// the sliding window reads MaxMessages.
type Budget struct {
	MaxTokens   int
	MaxMessages int
}

// Strategy reduces a message log under a budget. Compress never mutates its
// input and is deterministic for identical inputs; Summarization is the one
// documented exception since it calls out to a language model.
type Strategy interface {
	Name() string
	Compress(ctx context.Context, msgs []conversation.Message, budget Budget) ([]conversation.Message, error)
}

// Kind names a compression choice.
type Kind string

const (
	KindNone          Kind = "none"
	KindTruncation    Kind = "truncation"
	KindSlidingWindow Kind = "sliding_window"
	KindPriority      Kind = "priority"
	KindSummarization Kind = "summarization"
)

var (
	// ErrUnknownStrategy rejects names outside the Kind enum.
	ErrUnknownStrategy = errors.New("unknown strategy")
	// ErrInvalidBudget rejects a non-positive budget where one is required.
	ErrInvalidBudget = errors.New("invalid budget")
)

// ParseKind validates a strategy name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindNone, KindTruncation, KindSlidingWindow, KindPriority, KindSummarization:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}
