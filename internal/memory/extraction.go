package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/recall/internal/retry"
	"github.com/stellarlinkco/recall/internal/strategy"
)

const extractionPrompt = `You are a memory extraction engine. Extract durable facts about the user from the conversation.

Rules:
1. Extract only explicit facts, no speculation
2. Keep each fact concise and self-contained
3. kind must be one of: semantic/episodic
4. semantic is for durable facts and preferences, episodic is for events tied to this conversation
5. topics is a short list of lowercase keywords
6. Return an empty facts array when nothing is worth keeping

Return strict JSON object:
{"facts":[{"text":"...","kind":"semantic","topics":["..."]}]}

Conversation:
%s`

// Turn is one appended message routed to the extraction pipeline.
type Turn struct {
	SessionID   string
	OwnerUserID string
	Role        string
	Content     string
	TokenCount  int
	CreatedAt   time.Time
}

// ExtractorOptions tune the buffering and retry behaviour.
type ExtractorOptions struct {
	// QuietGap is how long the buffer may sit idle before it is flushed.
	QuietGap time.Duration
	// TokenCap flushes early once the buffered turns reach this many tokens.
	TokenCap int
	// MaxAttempts bounds consecutive failed flushes before a batch is
	// dropped. Dropping loses candidate facts, never conversation data.
	MaxAttempts int
	// Timeout bounds each completion call.
	Timeout time.Duration
}

func (o *ExtractorOptions) fill() {
	if o.QuietGap <= 0 {
		o.QuietGap = 2 * time.Minute
	}
	if o.TokenCap <= 0 {
		o.TokenCap = 2000
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
}

// Extractor buffers conversation turns and periodically distills them into
// long-term records. Notify never blocks on extraction work; flushes run
// when the conversation goes quiet or the buffer fills. A failed flush is
// re-queued with backoff, and the store's write dedup keeps those retries
// idempotent.
type Extractor struct {
	completer strategy.Completer
	store     Store
	opts      ExtractorOptions

	// flushMu serializes flushes so a shutdown flush waits out an
	// in-flight one instead of racing it.
	flushMu sync.Mutex

	mu        sync.Mutex
	buf       []Turn
	bufTokens int
	attempts  int
	timer     *time.Timer
	closed    bool
}

// NewExtractor builds an Extractor. Both the completion capability and the
// store are required for it to produce anything.
func NewExtractor(completer strategy.Completer, store Store, opts ExtractorOptions) *Extractor {
	opts.fill()
	return &Extractor{completer: completer, store: store, opts: opts}
}

// Notify buffers one turn. System messages carry no user facts and are
// skipped.
func (e *Extractor) Notify(t Turn) {
	if t.Role == "system" || strings.TrimSpace(t.Content) == "" {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.buf = append(e.buf, t)
	e.bufTokens += t.TokenCount
	overCap := e.bufTokens >= e.opts.TokenCap
	e.rearmLocked(e.opts.QuietGap)
	e.mu.Unlock()

	if overCap {
		go e.flush()
	}
}

func (e *Extractor) rearmLocked(d time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(d, e.flush)
}

// Stop flushes whatever is buffered and rejects further turns.
func (e *Extractor) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()

	e.flush()
}

// flush drains the buffer and runs one extraction pass over it. On failure
// the batch is re-queued until MaxAttempts is reached, with the retry timer
// backed off per attempt.
func (e *Extractor) flush() {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	if len(e.buf) == 0 {
		e.mu.Unlock()
		return
	}
	batch := e.buf
	batchTokens := e.bufTokens
	e.buf = nil
	e.bufTokens = 0
	e.mu.Unlock()

	err := e.extract(context.Background(), batch)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		e.attempts = 0
		return
	}

	e.attempts++
	log.Printf("[extract] extraction attempt %d/%d failed: %v", e.attempts, e.opts.MaxAttempts, err)
	if e.attempts >= e.opts.MaxAttempts {
		log.Printf("[extract] dropping %d buffered turn(s) after %d failed attempts", len(batch), e.attempts)
		e.attempts = 0
		return
	}

	// Put the failed batch back in front of anything newly buffered.
	e.buf = append(batch, e.buf...)
	e.bufTokens += batchTokens
	if !e.closed {
		e.rearmLocked(e.opts.QuietGap * time.Duration(1<<e.attempts))
	}
}

type extractedFact struct {
	Text   string   `json:"text"`
	Kind   string   `json:"kind"`
	Topics []string `json:"topics"`
}

type extractionResult struct {
	Facts []extractedFact `json:"facts"`
}

// extract runs one completion per owner in the batch and writes the
// returned facts. Store writes get their own short retry since they are
// local and cheap; a completion failure fails the whole pass.
func (e *Extractor) extract(ctx context.Context, batch []Turn) error {
	if e.completer == nil {
		return fmt.Errorf("no completion capability configured")
	}
	if e.store == nil {
		return fmt.Errorf("no store configured")
	}

	byOwner := make(map[string][]Turn)
	owners := make([]string, 0)
	for _, t := range batch {
		if _, seen := byOwner[t.OwnerUserID]; !seen {
			owners = append(owners, t.OwnerUserID)
		}
		byOwner[t.OwnerUserID] = append(byOwner[t.OwnerUserID], t)
	}

	for _, owner := range owners {
		if err := e.extractOwner(ctx, owner, byOwner[owner]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Extractor) extractOwner(ctx context.Context, owner string, turns []Turn) error {
	cctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	reply, err := e.completer.Complete(cctx, fmt.Sprintf(extractionPrompt, transcriptOf(turns)))
	if err != nil {
		return fmt.Errorf("extract for %s: %w", owner, err)
	}

	var result extractionResult
	if err := json.Unmarshal([]byte(stripFences(reply)), &result); err != nil {
		return fmt.Errorf("parse extraction result for %s: %w", owner, err)
	}

	wrote := 0
	for _, fact := range result.Facts {
		text := strings.TrimSpace(fact.Text)
		if text == "" {
			continue
		}
		kind, err := ParseKind(fact.Kind)
		if err != nil {
			kind = KindSemantic
		}
		rec := Record{
			OwnerUserID: owner,
			Text:        text,
			Kind:        kind,
			Topics:      fact.Topics,
			Source:      SourceExtraction,
			CreatedAt:   time.Now().UTC(),
		}
		werr := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond}, func() error {
			_, err := e.store.Write(ctx, rec)
			return err
		})
		if werr != nil {
			log.Printf("[extract] write fact for %s: %v", owner, werr)
			continue
		}
		wrote++
	}
	if wrote > 0 {
		log.Printf("[extract] stored %d fact(s) for %s from %d turn(s)", wrote, owner, len(turns))
	}
	return nil
}

func transcriptOf(turns []Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString(fmt.Sprintf("[%s]: %s\n", t.Role, t.Content))
	}
	return strings.TrimSpace(sb.String())
}

// stripFences unwraps a reply the model wrapped in a markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
