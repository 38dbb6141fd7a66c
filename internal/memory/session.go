package memory

import (
	"errors"
	"time"

	"github.com/stellarlinkco/recall/internal/conversation"
)

// State tracks where a session sits in its lifecycle. A session is created
// active, moves to compressing while a pass runs, returns to active when the
// pass lands, and ends expired. Expired is terminal.
type State string

const (
	StateActive      State = "active"
	StateCompressing State = "compressing"
	StateExpired     State = "expired"
)

// ErrSessionExpired rejects operations on a session past its TTL or closed.
var ErrSessionExpired = errors.New("session expired")

// ErrSessionNotFound rejects operations on a session id that was never
// appended to or has been swept.
var ErrSessionNotFound = errors.New("session not found")

// session is one working-memory conversation. All field access goes through
// the owning Manager's lock; the log itself is not safe for concurrent use.
type session struct {
	id          string
	ownerUserID string
	log         *conversation.Log
	state       State
	createdAt   time.Time
	lastActive  time.Time
}

func (s *session) expired(now time.Time, ttl time.Duration) bool {
	if s.state == StateExpired {
		return true
	}
	return ttl > 0 && now.Sub(s.lastActive) > ttl
}
