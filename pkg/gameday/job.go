package gameday

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// JobKind is the closed set of scheduled job types.
type JobKind string

// Job kinds.
const (
	JobDailyDiscovery JobKind = "daily_discovery"
	JobCreateLive     JobKind = "create_live"
	JobUpdateLive     JobKind = "update_live"
	JobCreateRecap    JobKind = "create_recap"
	JobUpdateRecap    JobKind = "update_recap"
	JobCleanupRecap   JobKind = "cleanup_recap"
)

// JobKinds lists every kind in dispatch order.
var JobKinds = []JobKind{JobDailyDiscovery, JobCreateLive, JobUpdateLive, JobCreateRecap, JobUpdateRecap, JobCleanupRecap}

type family int

const (
	familyNone family = iota
	familyDiscovery
	familyCreate
	familyUpdate
	familyCleanup
)

func (k JobKind) family() family {
	switch k {
	case JobDailyDiscovery:
		return familyDiscovery
	case JobCreateLive, JobCreateRecap:
		return familyCreate
	case JobUpdateLive, JobUpdateRecap:
		return familyUpdate
	case JobCleanupRecap:
		return familyCleanup
	default:
		return familyNone
	}
}

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	return k.family() != familyNone
}

// ThreadKind returns the thread kind a job operates on.
func (k JobKind) ThreadKind() ThreadKind {
	switch k {
	case JobCreateRecap, JobUpdateRecap, JobCleanupRecap:
		return KindRecap
	default:
		return KindLive
	}
}

// Payload is implemented only by the payload structs in this package.
type Payload interface {
	Validate() error
	community() string
	title() string
	family() family
}

// DiscoveryPayload is carried by daily_discovery jobs.
type DiscoveryPayload struct {
	Community string `json:"community"`
	JobTitle  string `json:"job_title"`
}

// CreatePayload is carried by create_live and create_recap jobs.
type CreatePayload struct {
	Community string `json:"community"`
	JobTitle  string `json:"job_title"`
	Matchup   string `json:"matchup"`
	GameID    int64  `json:"game_id"`
}

// UpdatePayload is carried by update_live and update_recap jobs.
type UpdatePayload struct {
	Community string `json:"community"`
	JobTitle  string `json:"job_title"`
	PostID    string `json:"post_id"`
	GameID    int64  `json:"game_id"`
}

// CleanupPayload is carried by cleanup_recap jobs.
type CleanupPayload struct {
	Community string `json:"community"`
	JobTitle  string `json:"job_title"`
	PostID    string `json:"post_id"`
	GameID    int64  `json:"game_id"`
}

func (p DiscoveryPayload) Validate() error {
	if p.Community == "" {
		return errors.New("community is required")
	}
	return nil
}

func (p CreatePayload) Validate() error {
	if p.Community == "" {
		return errors.New("community is required")
	}
	if p.GameID <= 0 {
		return errors.New("game_id is required")
	}
	return nil
}

func (p UpdatePayload) Validate() error {
	if p.Community == "" {
		return errors.New("community is required")
	}
	if p.GameID <= 0 {
		return errors.New("game_id is required")
	}
	if p.PostID == "" {
		return errors.New("post_id is required")
	}
	return nil
}

func (p CleanupPayload) Validate() error {
	if p.Community == "" {
		return errors.New("community is required")
	}
	if p.PostID == "" {
		return errors.New("post_id is required")
	}
	return nil
}

func (p DiscoveryPayload) community() string { return p.Community }
func (p CreatePayload) community() string    { return p.Community }
func (p UpdatePayload) community() string    { return p.Community }
func (p CleanupPayload) community() string   { return p.Community }

func (p DiscoveryPayload) title() string { return p.JobTitle }
func (p CreatePayload) title() string    { return p.JobTitle }
func (p UpdatePayload) title() string    { return p.JobTitle }
func (p CleanupPayload) title() string   { return p.JobTitle }

func (DiscoveryPayload) family() family { return familyDiscovery }
func (CreatePayload) family() family    { return familyCreate }
func (UpdatePayload) family() family    { return familyUpdate }
func (CleanupPayload) family() family   { return familyCleanup }

// Job is one unit of scheduled work.
type Job struct {
	RunAt     time.Time       `json:"run_at"`
	CreatedAt time.Time       `json:"created_at"`
	ID        string          `json:"id"`
	Kind      JobKind         `json:"kind"`
	Title     string          `json:"title"`
	Community string          `json:"community"`
	Payload   json.RawMessage `json:"payload"`
}

// NewJob validates the payload against the kind and builds an unscheduled job.
func NewJob(kind JobKind, runAt time.Time, p Payload) (*Job, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	if p == nil {
		return nil, fmt.Errorf("%s: payload is required", kind)
	}
	if p.family() != kind.family() {
		return nil, fmt.Errorf("%s: payload %T does not belong to this kind", kind, p)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Job{
		RunAt:     runAt,
		Kind:      kind,
		Title:     p.title(),
		Community: p.community(),
		Payload:   data,
	}, nil
}

// DecodePayload unmarshals a job's payload into the struct for its kind.
func DecodePayload[T any, PT interface {
	*T
	Payload
}](job *Job) (*T, error) {
	var v T
	p := PT(&v)
	if p.family() != job.Kind.family() {
		return nil, fmt.Errorf("%s: cannot decode payload as %T", job.Kind, v)
	}
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", job.Kind, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", job.Kind, err)
	}
	return &v, nil
}

// SubjectDaily is the handle subject for a community's discovery job.
const SubjectDaily = "daily"

// GameSubject returns the handle subject for a game.
func GameSubject(gameID int64) string {
	return strconv.FormatInt(gameID, 10)
}

// JobHandle records the pending job of one kind for one subject.
type JobHandle struct {
	RunAt    time.Time `json:"run_at"`
	Kind     JobKind   `json:"kind"`
	Subject  string    `json:"subject"` // Game id, or SubjectDaily
	JobTitle string    `json:"job_title"`
	JobID    string    `json:"job_id"`
}
