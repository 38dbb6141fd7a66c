package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a long-term record.
type Kind string

const (
	// KindSemantic holds durable facts, preferences, and constraints.
	KindSemantic Kind = "semantic"
	// KindEpisodic holds events tied to a particular moment.
	KindEpisodic Kind = "episodic"
	// KindMessage holds verbatim conversation material.
	KindMessage Kind = "message"
)

// ValidKinds enumerates the accepted record kinds.
var ValidKinds = map[Kind]bool{
	KindSemantic: true,
	KindEpisodic: true,
	KindMessage:  true,
}

// ErrUnknownKind rejects records with an unrecognized kind.
var ErrUnknownKind = errors.New("unknown memory kind")

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !ValidKinds[k] {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Record provenance.
const (
	SourceExtraction    = "extraction"
	SourceExplicit      = "explicit"
	SourceConsolidation = "consolidation"
)

// Record is one long-term memory entry.
type Record struct {
	ID           int64     `json:"id"`
	OwnerUserID  string    `json:"owner_user_id"`
	Text         string    `json:"text"`
	Kind         Kind      `json:"memory_kind"`
	Topics       []string  `json:"topics,omitempty"`
	Source       string    `json:"source"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int       `json:"access_count"`
}

func (r Record) validate() error {
	if strings.TrimSpace(r.OwnerUserID) == "" {
		return fmt.Errorf("record owner_user_id is required")
	}
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("record text is required")
	}
	if !ValidKinds[r.Kind] {
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	return nil
}
