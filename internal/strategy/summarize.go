package strategy

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/stellarlinkco/recall/internal/conversation"
)

// Completer is the external completion capability: one prompt in, one text
// reply out. Only Summarization (and the extraction pipeline) call it.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// DefaultKeepRecent is how many trailing messages survive summarization
// verbatim when no count is configured.
const DefaultKeepRecent = 4

// DefaultSummarizeTimeout bounds the completion call when the caller's
// context carries no deadline of its own.
const DefaultSummarizeTimeout = 30 * time.Second

const summarizePrompt = `Summarize the conversation transcript below into a compact bullet list.

Preserve, when present:
- decisions that were made
- requirements and prerequisites discussed
- goals, preferences, and constraints stated
- specific entities mentioned and the recommendations given for them
- open follow-up items

Output only the bullet list, no preamble.

Transcript:
%s`

// Summarization folds everything but the most recent messages into a single
// model-written summary message. The summary is tagged so downstream
// consumers can identify it; the recent tail survives verbatim. When the
// completion capability fails or times out, the pass degrades to Truncation
// instead of propagating the failure.
type Summarization struct {
	Completer  Completer
	Counter    conversation.TokenCounter
	KeepRecent int
	Timeout    time.Duration
}

// NewSummarization builds a Summarization strategy.
func NewSummarization(c Completer, counter conversation.TokenCounter, keepRecent int) *Summarization {
	return &Summarization{
		Completer:  c,
		Counter:    counter,
		KeepRecent: keepRecent,
		Timeout:    DefaultSummarizeTimeout,
	}
}

// Name implements Strategy.
func (*Summarization) Name() string { return string(KindSummarization) }

// Compress splits msgs into old and recent, summarizes old through the
// completion capability, and returns [summary] + recent. Input with nothing
// old enough to fold is returned unchanged.
func (s *Summarization) Compress(ctx context.Context, msgs []conversation.Message, budget Budget) ([]conversation.Message, error) {
	keep := s.KeepRecent
	if keep <= 0 {
		keep = DefaultKeepRecent
	}
	if len(msgs) <= keep {
		out := make([]conversation.Message, len(msgs))
		copy(out, msgs)
		return out, nil
	}

	old := msgs[:len(msgs)-keep]
	recent := msgs[len(msgs)-keep:]

	text, err := s.summarize(ctx, old)
	if err != nil {
		log.Printf("[strategy] summarization failed, falling back to truncation: %v", err)
		return Truncation{}.Compress(ctx, msgs, budget)
	}

	// The summary stands in for the old segment, so it carries the old
	// segment's closing timestamp to keep the log ordered.
	summary := conversation.NewMessageAt(
		conversation.RoleSystem,
		conversation.SummaryMarker+" "+text,
		old[len(old)-1].CreatedAt,
		s.Counter,
	)

	out := make([]conversation.Message, 0, 1+len(recent))
	out = append(out, summary)
	out = append(out, recent...)

	if budget.MaxTokens > 0 && conversation.TotalTokens(out) > budget.MaxTokens {
		return Truncation{}.Compress(ctx, out, budget)
	}
	return out, nil
}

func (s *Summarization) summarize(ctx context.Context, old []conversation.Message) (string, error) {
	if s.Completer == nil {
		return "", fmt.Errorf("no completion capability configured")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout := s.Timeout
		if timeout <= 0 {
			timeout = DefaultSummarizeTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	prompt := fmt.Sprintf(summarizePrompt, conversation.Transcript(old))
	reply, err := s.Completer.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("empty summary")
	}
	return reply, nil
}
