package score

import (
	"regexp"
	"strings"

	"github.com/stellarlinkco/recall/internal/conversation"
)

// Scorer assigns a relevance score (>= 0) to a message. Higher means more
// worth keeping. Implementations must be deterministic; a model-based scorer
// can replace the heuristic without touching any caller.
type Scorer interface {
	Score(m conversation.Message) float64
}

// DefaultLongMessageTokens is the token count past which a message earns the
// length bonus.
const DefaultLongMessageTokens = 100

// Feature weights. All features are additive and presence-based, so
// appending text to a message never lowers its score.
const (
	identifierWeight  = 2.0
	questionWeight    = 1.5
	requirementWeight = 1.5
	preferenceWeight  = 1.0
	userRoleWeight    = 0.5
	longMessageWeight = 0.5
)

// identifierPattern matches domain identifiers and codes: CS101, RFC 9110,
// MATH-221 and the like.
var identifierPattern = regexp.MustCompile(`\b[A-Z]{2,}[ -]?\d{2,}\b`)

var requirementKeywords = []string{
	"must", "need", "require", "requirement", "prerequisite",
	"mandatory", "deadline", "before i can", "depends on",
}

var preferenceKeywords = []string{
	"prefer", "like", "love", "hate", "want", "favorite",
	"goal", "interested in", "hoping to",
}

// Heuristic is the default Scorer: a weighted sum of surface features, no
// learned weights.
type Heuristic struct {
	LongMessageTokens int
}

// NewHeuristic returns a Heuristic with default thresholds.
func NewHeuristic() *Heuristic {
	return &Heuristic{LongMessageTokens: DefaultLongMessageTokens}
}

// Score rates one message.
func (h *Heuristic) Score(m conversation.Message) float64 {
	var s float64
	lower := strings.ToLower(m.Content)

	if identifierPattern.MatchString(m.Content) {
		s += identifierWeight
	}
	if strings.Contains(m.Content, "?") {
		s += questionWeight
	}
	if containsAny(lower, requirementKeywords) {
		s += requirementWeight
	}
	if containsAny(lower, preferenceKeywords) {
		s += preferenceWeight
	}
	if m.Role == conversation.RoleUser {
		s += userRoleWeight
	}
	threshold := h.LongMessageTokens
	if threshold <= 0 {
		threshold = DefaultLongMessageTokens
	}
	if m.TokenCount >= threshold {
		s += longMessageWeight
	}
	return s
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
