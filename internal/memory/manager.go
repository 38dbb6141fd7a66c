package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stellarlinkco/recall/internal/conversation"
	"github.com/stellarlinkco/recall/internal/score"
	"github.com/stellarlinkco/recall/internal/strategy"
	"github.com/stellarlinkco/recall/internal/tokens"
)

// Defaults applied by NewManager when Options leave a field zero.
const (
	DefaultSessionTTL            = 30 * time.Minute
	DefaultTokenThreshold        = 4000
	DefaultMessageCountThreshold = 20
	DefaultKeepRecent            = 4
	DefaultWindowSize            = 10
)

// StrategyAuto selects a compression strategy per pass from the operating
// profile instead of pinning one kind.
const StrategyAuto = "auto"

// Options configure a Manager. Zero fields get defaults. A nil Store
// disables the long-term operations; a nil Completer makes summarization
// passes degrade to truncation.
type Options struct {
	Counter   conversation.TokenCounter
	Scorer    score.Scorer
	Completer strategy.Completer
	Store     Store
	Extractor *Extractor

	TTL        time.Duration
	Trigger    strategy.Policy
	KeepRecent int
	WindowSize int

	// Strategy pins every compression pass to one kind. Empty or "auto"
	// decides per pass using the profile below.
	Strategy string
	Quality  strategy.Quality
	Latency  strategy.Latency
	Cost     strategy.Cost
}

// Manager owns the working-memory sessions and coordinates compression,
// extraction, and the long-term store behind one API.
type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*session

	group singleflight.Group
	wg    sync.WaitGroup
}

// NewManager builds a Manager, filling unset options with defaults.
func NewManager(opts Options) *Manager {
	if opts.Counter == nil {
		opts.Counter = tokens.NewEstimator("")
	}
	if opts.Scorer == nil {
		opts.Scorer = score.NewHeuristic()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultSessionTTL
	}
	if opts.Trigger.TokenThreshold <= 0 {
		opts.Trigger.TokenThreshold = DefaultTokenThreshold
	}
	if opts.Trigger.MessageCountThreshold <= 0 {
		opts.Trigger.MessageCountThreshold = DefaultMessageCountThreshold
	}
	if opts.KeepRecent <= 0 {
		opts.KeepRecent = DefaultKeepRecent
	}
	if opts.Trigger.KeepRecent <= 0 {
		opts.Trigger.KeepRecent = opts.KeepRecent
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.Quality == "" {
		opts.Quality = strategy.QualityMedium
	}
	if opts.Latency == "" {
		opts.Latency = strategy.LatencyNormal
	}
	if opts.Cost == "" {
		opts.Cost = strategy.CostMedium
	}
	return &Manager{opts: opts, sessions: make(map[string]*session)}
}

// AppendTurn adds one message to a session, creating the session on first
// use. When the session outgrows its trigger policy, a compression pass is
// kicked off in the background; the append itself never waits on it. The
// turn is also handed to the extraction pipeline, fire and forget.
func (m *Manager) AppendTurn(ctx context.Context, sessionID, ownerUserID string, role conversation.Role, content string) (conversation.Message, error) {
	if strings.TrimSpace(sessionID) == "" {
		return conversation.Message{}, fmt.Errorf("session id is required")
	}
	if err := ctx.Err(); err != nil {
		return conversation.Message{}, err
	}

	m.mu.Lock()
	sess, err := m.obtainLocked(sessionID, ownerUserID)
	if err != nil {
		m.mu.Unlock()
		return conversation.Message{}, err
	}

	msg := conversation.NewMessage(role, content, m.opts.Counter)
	if err := sess.log.Append(msg); err != nil {
		m.mu.Unlock()
		return conversation.Message{}, err
	}
	sess.lastActive = time.Now()
	needsCompression := sess.state == StateActive &&
		strategy.ShouldCompressCounts(sess.log.Len(), sess.log.TotalTokens(), m.opts.Trigger)
	m.mu.Unlock()

	if m.opts.Extractor != nil {
		m.opts.Extractor.Notify(Turn{
			SessionID:   sessionID,
			OwnerUserID: ownerUserID,
			Role:        string(role),
			Content:     content,
			TokenCount:  msg.TokenCount,
			CreatedAt:   msg.CreatedAt,
		})
	}

	if needsCompression {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if _, err := m.ForceCompress(context.Background(), sessionID, strategy.KindNone); err != nil {
				log.Printf("[memory] auto compression for session %s: %v", sessionID, err)
			}
		}()
	}
	return msg, nil
}

// obtainLocked returns the live session for id, creating one when absent.
// An expired session that has not been swept yet is rejected rather than
// silently restarted.
func (m *Manager) obtainLocked(sessionID, ownerUserID string) (*session, error) {
	now := time.Now()
	if sess, ok := m.sessions[sessionID]; ok {
		if sess.expired(now, m.opts.TTL) {
			sess.state = StateExpired
			return nil, fmt.Errorf("session %q: %w", sessionID, ErrSessionExpired)
		}
		return sess, nil
	}
	sess := &session{
		id:          sessionID,
		ownerUserID: ownerUserID,
		log:         conversation.NewLog(),
		state:       StateActive,
		createdAt:   now,
		lastActive:  now,
	}
	m.sessions[sessionID] = sess
	return sess, nil
}

// ActiveContext returns a copy of the session's current messages.
func (m *Manager) ActiveContext(ctx context.Context, sessionID string) ([]conversation.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
	}
	if sess.expired(time.Now(), m.opts.TTL) {
		sess.state = StateExpired
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrSessionExpired)
	}
	return sess.log.Messages(), nil
}

// ForceCompress runs one compression pass on the session and reports the
// before/after sizes. KindNone consults the configured strategy or the
// decision policy; any other kind overrides the selection for this pass.
// Concurrent calls for the same session share a single pass.
func (m *Manager) ForceCompress(ctx context.Context, sessionID string, kind strategy.Kind) (*strategy.Report, error) {
	v, err, _ := m.group.Do(sessionID, func() (any, error) {
		return m.compress(ctx, sessionID, kind)
	})
	if err != nil {
		return nil, err
	}
	return v.(*strategy.Report), nil
}

// compress snapshots the log, runs the selected strategy outside the lock,
// and swaps the result back in only if no turns landed in the meantime.
// One conflicting append triggers a single retry on a fresh snapshot; a
// session closed mid-pass keeps its data and the result is discarded.
func (m *Manager) compress(ctx context.Context, sessionID string, forced strategy.Kind) (*strategy.Report, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
	}
	if sess.expired(time.Now(), m.opts.TTL) {
		sess.state = StateExpired
		m.mu.Unlock()
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrSessionExpired)
	}

	for attempt := 0; ; attempt++ {
		snapshot := sess.log.Messages()
		gen := sess.log.Generation()
		beforeTokens := sess.log.TotalTokens()
		sess.state = StateCompressing
		m.mu.Unlock()

		kind := forced
		if kind == strategy.KindNone {
			var err error
			kind, err = m.selectKind(len(snapshot), beforeTokens)
			if err != nil {
				m.restoreActive(sess)
				return nil, err
			}
		}

		report := &strategy.Report{
			SessionID:      sessionID,
			StrategyUsed:   kind,
			BeforeMessages: len(snapshot),
			BeforeTokens:   beforeTokens,
		}
		if kind == strategy.KindNone {
			m.restoreActive(sess)
			report.AfterMessages = report.BeforeMessages
			report.AfterTokens = report.BeforeTokens
			return report, nil
		}

		pass, err := m.buildStrategy(kind)
		if err != nil {
			m.restoreActive(sess)
			return nil, err
		}

		budget := strategy.Budget{
			MaxTokens:   m.opts.Trigger.TokenThreshold,
			MaxMessages: m.opts.WindowSize,
		}
		start := time.Now()
		compressed, err := pass.Compress(ctx, snapshot, budget)
		report.Duration = time.Since(start)

		m.mu.Lock()
		if err != nil {
			if sess.state == StateCompressing {
				sess.state = StateActive
			}
			m.mu.Unlock()
			return nil, fmt.Errorf("compress session %q: %w", sessionID, err)
		}
		if sess.state == StateExpired {
			m.mu.Unlock()
			log.Printf("[memory] session %s closed mid-compression, result discarded", sessionID)
			return nil, fmt.Errorf("session %q: %w", sessionID, ErrSessionExpired)
		}
		if sess.log.Generation() != gen {
			// Turns landed while the pass ran. Swapping now would drop
			// them, so retry once on a fresh snapshot.
			if attempt == 0 {
				continue
			}
			sess.state = StateActive
			m.mu.Unlock()
			return nil, fmt.Errorf("session %q kept changing during compression", sessionID)
		}

		sess.log.Replace(compressed)
		sess.state = StateActive
		sess.lastActive = time.Now()
		report.AfterMessages = sess.log.Len()
		report.AfterTokens = sess.log.TotalTokens()
		m.mu.Unlock()

		log.Printf("[memory] compressed session %s with %s: %d msgs / %d tokens -> %d msgs / %d tokens",
			sessionID, kind, report.BeforeMessages, report.BeforeTokens, report.AfterMessages, report.AfterTokens)
		return report, nil
	}
}

func (m *Manager) restoreActive(sess *session) {
	m.mu.Lock()
	if sess.state == StateCompressing {
		sess.state = StateActive
	}
	m.mu.Unlock()
}

func (m *Manager) selectKind(msgCount, tokenCount int) (strategy.Kind, error) {
	pinned := strings.TrimSpace(m.opts.Strategy)
	if pinned != "" && pinned != StrategyAuto {
		return strategy.ParseKind(pinned)
	}
	return strategy.Decide(strategy.Request{
		Length:  msgCount,
		Tokens:  tokenCount,
		Quality: m.opts.Quality,
		Latency: m.opts.Latency,
		Cost:    m.opts.Cost,
	})
}

func (m *Manager) buildStrategy(kind strategy.Kind) (strategy.Strategy, error) {
	switch kind {
	case strategy.KindTruncation:
		return strategy.Truncation{}, nil
	case strategy.KindSlidingWindow:
		return strategy.SlidingWindow{}, nil
	case strategy.KindPriority:
		return strategy.NewPriority(m.opts.Scorer), nil
	case strategy.KindSummarization:
		return strategy.NewSummarization(m.opts.Completer, m.opts.Counter, m.opts.KeepRecent), nil
	default:
		return nil, fmt.Errorf("%w: %q", strategy.ErrUnknownStrategy, kind)
	}
}

// SearchLongTerm queries the long-term store.
func (m *Manager) SearchLongTerm(ctx context.Context, q SearchQuery) ([]Record, error) {
	if m.opts.Store == nil {
		return nil, fmt.Errorf("no long-term store configured")
	}
	if strings.TrimSpace(q.OwnerUserID) == "" {
		return nil, fmt.Errorf("owner_user_id is required")
	}
	return m.opts.Store.Search(ctx, q)
}

// Remember writes an explicit long-term record for the owner.
func (m *Manager) Remember(ctx context.Context, owner, text string, kind Kind, topics []string) (Record, error) {
	if m.opts.Store == nil {
		return Record{}, fmt.Errorf("no long-term store configured")
	}
	if kind == "" {
		kind = KindSemantic
	}
	rec := Record{
		OwnerUserID: owner,
		Text:        strings.TrimSpace(text),
		Kind:        kind,
		Topics:      topics,
		Source:      SourceExplicit,
		CreatedAt:   time.Now().UTC(),
	}
	id, err := m.opts.Store.Write(ctx, rec)
	if err != nil {
		return Record{}, fmt.Errorf("remember: %w", err)
	}
	rec.ID = id
	rec.LastAccessed = rec.CreatedAt
	return rec, nil
}

// CloseSession expires the session immediately. In-flight compression for
// it completes but its result is discarded.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
	}
	sess.state = StateExpired
	delete(m.sessions, sessionID)
	return nil
}

// SweepExpired drops sessions past their TTL and returns how many went.
func (m *Manager) SweepExpired(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	for id, sess := range m.sessions {
		if sess.expired(now, m.opts.TTL) {
			sess.state = StateExpired
			delete(m.sessions, id)
			swept++
		}
	}
	if swept > 0 {
		log.Printf("[memory] swept %d expired session(s)", swept)
	}
	return swept
}

// SessionCount reports how many live sessions the manager holds.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close expires all sessions and waits for background compressions to
// settle. The store and extractor are owned by the caller.
func (m *Manager) Close() error {
	m.mu.Lock()
	for id, sess := range m.sessions {
		sess.state = StateExpired
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}
