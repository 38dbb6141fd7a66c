package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const maxFTSTokens = 8

var (
	cnWordRegex = regexp.MustCompile(`[\p{Han}]{2,}`)
	enWordRegex = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_\-]{2,}`)
)

// SQLiteStore persists long-term records in a single SQLite file with an
// FTS5 index over the record text.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_user_id TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'semantic',
			text TEXT NOT NULL,
			topics TEXT NOT NULL DEFAULT '[]',
			source TEXT NOT NULL DEFAULT 'extraction',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			last_accessed TEXT NOT NULL DEFAULT (datetime('now')),
			access_count INTEGER NOT NULL DEFAULT 0,
			consolidated INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_owner_text ON memories(owner_user_id, text)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_owner_kind ON memories(owner_user_id, kind, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_consolidated ON memories(consolidated, created_at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			text,
			content='memories',
			content_rowid='id',
			tokenize='unicode61'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, text) VALUES (new.id, new.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, text) VALUES('delete', old.id, old.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, text) VALUES('delete', old.id, old.text);
			INSERT INTO memories_fts(rowid, text) VALUES (new.id, new.text);
		END`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Write implements Store. Rewriting an existing (owner_user_id, text) pair
// is a no-op that returns the existing id, which keeps extraction retries
// idempotent.
func (s *SQLiteStore) Write(ctx context.Context, rec Record) (int64, error) {
	if err := rec.validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	text := strings.TrimSpace(rec.Text)
	if id, ok, err := s.lookup(ctx, rec.OwnerUserID, text); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}

	topics := rec.Topics
	if topics == nil {
		topics = []string{}
	}
	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		return 0, fmt.Errorf("marshal topics: %w", err)
	}

	source := rec.Source
	if source == "" {
		source = SourceExtraction
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	stamp := createdAt.UTC().Format(time.RFC3339)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (owner_user_id, kind, text, topics, source, created_at, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.OwnerUserID, string(rec.Kind), text, string(topicsJSON), source, stamp, stamp)
	if err != nil {
		// A concurrent writer may have landed the same text first.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			if id, ok, lerr := s.lookup(ctx, rec.OwnerUserID, text); lerr == nil && ok {
				return id, nil
			}
		}
		return 0, fmt.Errorf("write memory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("write memory id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) lookup(ctx context.Context, owner, text string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM memories WHERE owner_user_id = ? AND text = ?
	`, owner, text).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup memory: %w", err)
	}
	return id, true, nil
}

// Search implements Store. Full-text candidates come from the FTS index
// ranked by bm25, then get re-ranked with a kind-dependent recency decay.
// An empty query lists the owner's most recent records; a query the FTS
// index cannot match falls back to a substring scan.
func (s *SQLiteStore) Search(ctx context.Context, q SearchQuery) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	needle := strings.TrimSpace(q.Query)

	var (
		recs []Record
		err  error
	)
	switch {
	case needle == "":
		recs, err = s.listRecent(ctx, q.OwnerUserID, q.Kind, limit)
	default:
		recs, err = s.searchFTS(ctx, q.OwnerUserID, q.Kind, needle, limit)
		if err == nil && len(recs) == 0 {
			recs, err = s.searchLike(ctx, q.OwnerUserID, q.Kind, needle, limit)
		}
	}
	if err != nil {
		return nil, err
	}

	s.touch(ctx, recs)
	return recs, nil
}

func (s *SQLiteStore) listRecent(ctx context.Context, owner string, kind Kind, limit int) ([]Record, error) {
	query := `
		SELECT id, owner_user_id, kind, text, topics, source, created_at, last_accessed, access_count
		FROM memories
		WHERE owner_user_id = ?`
	args := []any{owner}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) searchFTS(ctx context.Context, owner string, kind Kind, needle string, limit int) ([]Record, error) {
	match := ftsQuery(needle)
	if match == "" {
		return nil, nil
	}

	query := `
		SELECT m.id, m.owner_user_id, m.kind, m.text, m.topics, m.source,
		       m.created_at, m.last_accessed, m.access_count,
		       bm25(memories_fts) AS rank
		FROM memories m
		JOIN memories_fts f ON m.id = f.rowid
		WHERE memories_fts MATCH ?
		  AND m.owner_user_id = ?`
	args := []any{match, owner}
	if kind != "" {
		query += ` AND m.kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY rank LIMIT ?`
	args = append(args, limit*4)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search fts: %w", err)
	}
	defer rows.Close()

	type scored struct {
		rec   Record
		score float64
	}
	now := time.Now()
	candidates := make([]scored, 0)
	for rows.Next() {
		var rec Record
		var kindStr, topicsJSON, createdAt, lastAccessed string
		var rank float64
		if err := rows.Scan(
			&rec.ID, &rec.OwnerUserID, &kindStr, &rec.Text, &topicsJSON, &rec.Source,
			&createdAt, &lastAccessed, &rec.AccessCount, &rank,
		); err != nil {
			return nil, fmt.Errorf("scan fts match: %w", err)
		}
		fillRecord(&rec, kindStr, topicsJSON, createdAt, lastAccessed)
		// bm25 ranks best matches most negative; flip it so higher is better
		// before applying the recency decay.
		score := -rank * kindDecay(rec.Kind, daysSince(rec.LastAccessed, now))
		candidates = append(candidates, scored{rec: rec, score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fts matches: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Record, len(candidates))
	for i, c := range candidates {
		out[i] = c.rec
	}
	return out, nil
}

func (s *SQLiteStore) searchLike(ctx context.Context, owner string, kind Kind, needle string, limit int) ([]Record, error) {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(needle)

	query := `
		SELECT id, owner_user_id, kind, text, topics, source, created_at, last_accessed, access_count
		FROM memories
		WHERE owner_user_id = ?
		  AND text LIKE ? ESCAPE '\'`
	args := []any{owner, "%" + escaped + "%"}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search like: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// touch bumps access bookkeeping for returned records, best effort.
func (s *SQLiteStore) touch(ctx context.Context, recs []Record) {
	if len(recs) == 0 {
		return
	}
	ids := make([]any, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	_, _ = s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE memories
		SET last_accessed = datetime('now'), access_count = access_count + 1
		WHERE id IN (%s)
	`, placeholders(len(ids))), ids...)
}

// Stats implements Store.
func (s *SQLiteStore) Stats(ctx context.Context) (StoreStats, error) {
	stats := StoreStats{ByKind: make(map[Kind]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM memories GROUP BY kind`)
	if err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return stats, fmt.Errorf("scan stats: %w", err)
		}
		stats.ByKind[Kind(kind)] = n
		stats.Records += n
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate stats: %w", err)
	}

	var last sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM memories`).Scan(&last); err != nil {
		return stats, fmt.Errorf("stats last write: %w", err)
	}
	if last.Valid {
		stats.LastWrite = parseStamp(last.String)
	}
	return stats, nil
}

// ListUnconsolidated implements Consolidator. Semantic records are already
// in their final shape, so only episodic and message records are listed.
func (s *SQLiteStore) ListUnconsolidated(ctx context.Context, before time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, kind, text, topics, source, created_at, last_accessed, access_count
		FROM memories
		WHERE consolidated = 0
		  AND kind IN ('episodic', 'message')
		  AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?
	`, before.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("list unconsolidated: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MarkConsolidated implements Consolidator.
func (s *SQLiteStore) MarkConsolidated(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE memories SET consolidated = 1 WHERE id IN (%s)
	`, placeholders(len(args))), args...)
	if err != nil {
		return fmt.Errorf("mark consolidated: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	out := make([]Record, 0)
	for rows.Next() {
		var rec Record
		var kind, topicsJSON, createdAt, lastAccessed string
		if err := rows.Scan(
			&rec.ID, &rec.OwnerUserID, &kind, &rec.Text, &topicsJSON, &rec.Source,
			&createdAt, &lastAccessed, &rec.AccessCount,
		); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		fillRecord(&rec, kind, topicsJSON, createdAt, lastAccessed)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

func fillRecord(rec *Record, kind, topicsJSON, createdAt, lastAccessed string) {
	rec.Kind = Kind(kind)
	if topicsJSON != "" {
		_ = json.Unmarshal([]byte(topicsJSON), &rec.Topics)
	}
	rec.CreatedAt = parseStamp(createdAt)
	rec.LastAccessed = parseStamp(lastAccessed)
}

func parseStamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func daysSince(t time.Time, now time.Time) float64 {
	if t.IsZero() {
		return 365
	}
	d := now.Sub(t).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}

// kindDecay weights search candidates by how perishable their kind is.
// Semantic facts do not age; episodic records fade slowly; raw message
// records fade fast.
func kindDecay(kind Kind, days float64) float64 {
	switch kind {
	case KindSemantic:
		return 1
	case KindEpisodic:
		return 0.3 + 0.7*math.Exp(-0.023*days)
	case KindMessage:
		return 0.1 + 0.9*math.Exp(-0.099*days)
	default:
		return 1
	}
}

// ftsQuery turns free text into a quoted OR query the FTS5 MATCH grammar
// accepts. CJK runs and word tokens are extracted separately, reserved
// operators are dropped, and the token count is capped.
func ftsQuery(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	reserved := map[string]struct{}{"and": {}, "or": {}, "not": {}, "near": {}}
	seen := make(map[string]struct{})
	tokens := make([]string, 0, maxFTSTokens)

	add := func(w string) {
		if len(tokens) >= maxFTSTokens {
			return
		}
		if _, blocked := reserved[w]; blocked {
			return
		}
		if _, dup := seen[w]; dup {
			return
		}
		seen[w] = struct{}{}
		tokens = append(tokens, w)
	}

	for _, w := range cnWordRegex.FindAllString(text, -1) {
		add(w)
	}
	for _, w := range enWordRegex.FindAllString(strings.ToLower(text), -1) {
		add(w)
	}
	if len(tokens) == 0 {
		return ""
	}

	quoted := make([]string, 0, len(tokens))
	for _, token := range tokens {
		quoted = append(quoted, `"`+strings.ReplaceAll(token, `"`, ``)+`"`)
	}
	return strings.Join(quoted, " OR ")
}
