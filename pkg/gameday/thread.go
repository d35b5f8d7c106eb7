package gameday

import (
	"errors"
	"time"
)

// ErrPostNotFound is returned by content hosts when a post no longer exists.
var ErrPostNotFound = errors.New("post not found")

// ErrJobNotFound is returned by schedulers when a job is not pending.
var ErrJobNotFound = errors.New("job not found")

// ErrCommunityNotAllowed is returned when saving a config for a community outside the allowlist.
var ErrCommunityNotAllowed = errors.New("community is not approved for automation")

// ThreadKind distinguishes the live thread from the recap thread.
type ThreadKind string

// Thread kinds managed by the lifecycle.
const (
	KindLive  ThreadKind = "live"
	KindRecap ThreadKind = "recap"
)

// Valid reports whether k is a known kind.
func (k ThreadKind) Valid() bool {
	return k == KindLive || k == KindRecap
}

// ThreadRecord links a game to the post created for it.
type ThreadRecord struct {
	CreatedAt   time.Time  `json:"created_at"`
	PostID      string     `json:"post_id"`
	PostURL     string     `json:"post_url,omitempty"`
	Kind        ThreadKind `json:"kind"`
	Matchup     string     `json:"matchup"`                // AWY@HOM, for titles without a snapshot
	ChangeToken string     `json:"change_token,omitempty"` // Last ETag seen from the data source
	LastTag     Tag        `json:"last_tag,omitempty"`     // Tag of the snapshot that produced ChangeToken
	GameID      int64      `json:"game_id"`
	EditPending bool       `json:"edit_pending,omitempty"` // Token stored but post edit not yet confirmed
}

// PostRef is the post→game direction of the mapping.
type PostRef struct {
	Kind   ThreadKind `json:"kind"`
	GameID int64      `json:"game_id"`
}

// Post is the content host's view of a post.
type Post struct {
	Created  time.Time
	ID       string
	URL      string
	Author   string
	Title    string
	Stickied bool
	Locked   bool
	Removed  bool
}

// LifecycleState is the per-game position in the thread lifecycle.
type LifecycleState string

// Lifecycle states.
const (
	StateUnscheduled   LifecycleState = ""
	StateScheduled     LifecycleState = "scheduled"
	StateLiveOpen      LifecycleState = "live_open"
	StateAwaitingRecap LifecycleState = "awaiting_recap"
	StateRecapOpen     LifecycleState = "recap_open"
	StateClosed        LifecycleState = "closed"
	StateAbandoned     LifecycleState = "abandoned"
)

// InvocationContext carries the request-scoped identity of one job run or trigger.
type InvocationContext struct {
	Community string
	TraceID   string
}
