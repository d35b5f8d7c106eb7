// Package lifecycle drives each game's threads from discovery to closure.
//
// Every entry point is a stateless invocation: a scheduled job firing, or an
// external trigger such as a config save or a post deletion. All state lives in
// the registry, the job queue and the retry counters.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"gamedaylive/metrics"
	"gamedaylive/pkg/gameday"
	"gamedaylive/poll"
	"gamedaylive/registry"
	"gamedaylive/retrypolicy"
	"gamedaylive/scheduler"
)

// DataSource is the upstream sports data client.
type DataSource interface {
	Schedule(ctx context.Context, date string) ([]*gameday.Game, error)
	Game(ctx context.Context, gameID int64, etag string) (game *gameday.Game, newETag string, changed bool, err error)
}

// ContentHost is the community site the threads are posted to.
type ContentHost interface {
	Username() string
	CreatePost(ctx context.Context, community, title, body string) (*gameday.Post, error)
	FindPost(ctx context.Context, community, title string, since time.Time) (*gameday.Post, error)
	EditPost(ctx context.Context, postID, body string) error
	GetPost(ctx context.Context, postID string) (*gameday.Post, error)
	SetSticky(ctx context.Context, postID string, sticky bool) error
	Lock(ctx context.Context, postID string) error
	SetCommentSort(ctx context.Context, postID, sort string) error
	AddComment(ctx context.Context, postID, text string) error
}

// Scheduler is the job-scheduling host.
type Scheduler interface {
	Schedule(ctx context.Context, job *gameday.Job) (string, error)
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context) ([]*gameday.Job, error)
}

// ConfigStore reads community configs.
type ConfigStore interface {
	Get(ctx context.Context, community string) (*gameday.SubredditConfig, error)
}

// Notifier delivers operator or moderator notices. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, community, subject, body string) error
}

// Config holds the lifecycle timings.
type Config struct {
	Timing            poll.Timing
	PregameOffset     time.Duration // Live thread goes up this long before puck drop
	StaleThreshold    time.Duration // Past this age a finished game routes straight to recap
	RecapCleanupDelay time.Duration // Recap is retired this long after it opens
	WatchInterval     time.Duration // Re-check cadence while live threads are disabled
	ClaimTTL          time.Duration // Lifetime of a creation claim
	DiscoveryHour     int           // UTC hour of the daily discovery run
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		Timing:            poll.DefaultTiming(),
		PregameOffset:     time.Hour,
		StaleThreshold:    6 * time.Hour,
		RecapCleanupDelay: 12 * time.Hour,
		WatchInterval:     5 * time.Minute,
		ClaimTTL:          2 * time.Minute,
		DiscoveryHour:     10,
	}
}

// Deps are the collaborators an Orchestrator needs.
type Deps struct {
	Data      DataSource
	Host      ContentHost
	Jobs      Scheduler
	Configs   ConfigStore
	Registry  *registry.Registry
	Retry     *retrypolicy.Policy
	Notifiers []Notifier
	Logger    *slog.Logger
}

// Orchestrator runs the per-game thread state machine.
type Orchestrator struct {
	data      DataSource
	host      ContentHost
	jobs      Scheduler
	configs   ConfigStore
	registry  *registry.Registry
	retry     *retrypolicy.Policy
	poller    *poll.Poller
	logger    *slog.Logger
	now       func() time.Time
	notifiers []Notifier
	cfg       Config
}

// New creates an orchestrator.
func New(d Deps, cfg Config) *Orchestrator {
	return &Orchestrator{
		data:      d.Data,
		host:      d.Host,
		jobs:      d.Jobs,
		configs:   d.Configs,
		registry:  d.Registry,
		retry:     d.Retry,
		poller:    poll.New(d.Data, d.Logger),
		notifiers: d.Notifiers,
		logger:    d.Logger,
		now:       time.Now,
		cfg:       cfg,
	}
}

// WithClock replaces the clock used for scheduling decisions.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Invocation builds the context for a trigger that did not come from a job.
func Invocation(community string) gameday.InvocationContext {
	return gameday.InvocationContext{
		Community: strings.ToLower(community),
		TraceID:   uuid.NewString(),
	}
}

func (o *Orchestrator) log(ictx gameday.InvocationContext) *slog.Logger {
	return o.logger.With("community", ictx.Community, "trace_id", ictx.TraceID)
}

// Register installs a handler for every job kind on the dispatcher.
func (o *Orchestrator) Register(d *scheduler.Dispatcher) {
	for _, kind := range gameday.JobKinds {
		d.Handle(kind, o.Run)
	}
}

// Run executes one job. It only returns an error for a job it cannot decode;
// every other failure becomes a reschedule, an abandonment or a logged no-op.
func (o *Orchestrator) Run(ctx context.Context, job *gameday.Job) error {
	ictx := gameday.InvocationContext{Community: job.Community, TraceID: job.ID}

	switch job.Kind {
	case gameday.JobDailyDiscovery:
		if _, err := gameday.DecodePayload[gameday.DiscoveryPayload](job); err != nil {
			return err
		}
		if o.superseded(ctx, ictx, job, gameday.SubjectDaily) {
			return nil
		}
		if err := o.RunDiscovery(ctx, ictx); err != nil {
			o.log(ictx).Warn("Discovery run failed", "error", err)
		}
	case gameday.JobCreateLive, gameday.JobCreateRecap:
		p, err := gameday.DecodePayload[gameday.CreatePayload](job)
		if err != nil {
			return err
		}
		if o.superseded(ctx, ictx, job, gameday.GameSubject(p.GameID)) {
			return nil
		}
		if job.Kind == gameday.JobCreateLive {
			o.createLive(ctx, ictx, p)
		} else {
			o.createRecap(ctx, ictx, p)
		}
	case gameday.JobUpdateLive, gameday.JobUpdateRecap:
		p, err := gameday.DecodePayload[gameday.UpdatePayload](job)
		if err != nil {
			return err
		}
		if o.superseded(ctx, ictx, job, gameday.GameSubject(p.GameID)) {
			return nil
		}
		o.update(ctx, ictx, job.Kind.ThreadKind(), p)
	case gameday.JobCleanupRecap:
		p, err := gameday.DecodePayload[gameday.CleanupPayload](job)
		if err != nil {
			return err
		}
		if o.superseded(ctx, ictx, job, gameday.GameSubject(p.GameID)) {
			return nil
		}
		o.cleanupRecap(ctx, ictx, p)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
	return nil
}

// superseded reports whether the handle for this kind now points at a different job.
func (o *Orchestrator) superseded(ctx context.Context, ictx gameday.InvocationContext, job *gameday.Job, subject string) bool {
	h, err := o.registry.Handle(ctx, ictx.Community, job.Kind, subject)
	if err != nil {
		o.log(ictx).Warn("Failed to load job handle, running job anyway", "job_id", job.ID, "error", err)
		return false
	}
	if h != nil && h.JobID != job.ID {
		o.log(ictx).Info("Skipping superseded job", "job_id", job.ID, "kind", job.Kind, "current_job_id", h.JobID)
		return true
	}
	return false
}

// scheduleJob schedules kind for subject, reconciling any existing handle: an
// identical pending job is kept, anything else is cancelled and replaced.
func (o *Orchestrator) scheduleJob(ctx context.Context, ictx gameday.InvocationContext, kind gameday.JobKind, subject string, runAt time.Time, p gameday.Payload) error {
	job, err := gameday.NewJob(kind, runAt.UTC(), p)
	if err != nil {
		return err
	}
	log := o.log(ictx)

	h, err := o.registry.Handle(ctx, ictx.Community, kind, subject)
	if err != nil {
		return err
	}
	if h != nil {
		if h.JobTitle == job.Title && h.RunAt.Equal(job.RunAt) && o.pending(ctx, h.JobID) {
			log.Debug("Identical job already pending", "kind", kind, "subject", subject, "job_id", h.JobID)
			return nil
		}
		if err := o.jobs.Cancel(ctx, h.JobID); err != nil && !errors.Is(err, gameday.ErrJobNotFound) {
			return fmt.Errorf("cancel previous %s job: %w", kind, err)
		}
	}

	id, err := o.jobs.Schedule(ctx, job)
	if err != nil {
		return err
	}
	return o.registry.SaveHandle(ctx, ictx.Community, &gameday.JobHandle{
		RunAt:    job.RunAt,
		Kind:     kind,
		Subject:  subject,
		JobTitle: job.Title,
		JobID:    id,
	})
}

func (o *Orchestrator) pending(ctx context.Context, jobID string) bool {
	jobs, err := o.jobs.List(ctx)
	if err != nil {
		return false
	}
	for _, j := range jobs {
		if j.ID == jobID {
			return true
		}
	}
	return false
}

// loadConfig returns the community config. A missing config is a hard stop for
// in-flight work: the game is abandoned and the operator told.
func (o *Orchestrator) loadConfig(ctx context.Context, ictx gameday.InvocationContext, gameID int64, step string, retry func(time.Time) error) *gameday.SubredditConfig {
	cfg, err := o.configs.Get(ctx, ictx.Community)
	if err != nil {
		o.retryOrAbandon(ctx, ictx, "load_config", gameID, err, retry)
		return nil
	}
	if cfg == nil {
		o.log(ictx).Error("Community config missing for in-flight game", "game_id", gameID, "step", step)
		o.abandon(ctx, ictx, gameID, step, errors.New("community config is missing"))
		return nil
	}
	return cfg
}

// halted reports whether automation for the game has stopped.
func (o *Orchestrator) halted(ctx context.Context, ictx gameday.InvocationContext, gameID int64) bool {
	state, err := o.registry.State(ctx, ictx.Community, gameID)
	if err != nil {
		o.log(ictx).Warn("Failed to load lifecycle state", "game_id", gameID, "error", err)
		return false
	}
	if state == gameday.StateAbandoned || state == gameday.StateClosed {
		o.log(ictx).Info("Game automation halted, skipping", "game_id", gameID, "state", state)
		return true
	}
	return false
}

func (o *Orchestrator) setState(ctx context.Context, ictx gameday.InvocationContext, gameID int64, state gameday.LifecycleState) {
	if err := o.registry.SetState(ctx, ictx.Community, gameID, state); err != nil {
		o.log(ictx).Warn("Failed to save lifecycle state", "game_id", gameID, "state", state, "error", err)
	}
}

// retryOrAbandon records a failure of operation for the game. While under the
// ceiling it reschedules through retry; past it the game is abandoned.
func (o *Orchestrator) retryOrAbandon(ctx context.Context, ictx gameday.InvocationContext, operation string, gameID int64, cause error, retry func(time.Time) error) {
	log := o.log(ictx).With("game_id", gameID, "operation", operation)
	log.Warn("Step failed", "error", cause)

	d, err := o.retry.ShouldRetry(ctx, ictx.Community, operation, gameday.GameSubject(gameID))
	if err != nil {
		log.Error("Retry bookkeeping failed, retrying at watch interval", "error", err)
		d = retrypolicy.Decision{Retry: true, Delay: o.cfg.WatchInterval}
	}
	if !d.Retry {
		o.abandon(ctx, ictx, gameID, operation, cause)
		return
	}
	metrics.Retries.WithLabelValues(operation).Inc()
	if err := retry(o.now().Add(d.Delay)); err != nil {
		log.Error("Failed to reschedule retry", "error", err)
	}
}

// abandon halts automation for a game and notifies everyone listening.
func (o *Orchestrator) abandon(ctx context.Context, ictx gameday.InvocationContext, gameID int64, operation string, cause error) {
	metrics.Abandoned.WithLabelValues(operation).Inc()
	o.log(ictx).Error("Abandoning game automation", "game_id", gameID, "operation", operation, "error", cause)
	o.setState(ctx, ictx, gameID, gameday.StateAbandoned)

	subject := fmt.Sprintf("Game day automation stopped for game %d", gameID)
	body := fmt.Sprintf("The %s step for game %d in r/%s failed and will not be retried.\n\nError: %v\n\n"+
		"Moderators have been notified. Saving the community config again will resume automation.",
		operation, gameID, ictx.Community, cause)
	o.notify(ctx, ictx, subject, body)
}

func (o *Orchestrator) notify(ctx context.Context, ictx gameday.InvocationContext, subject, body string) {
	for _, n := range o.notifiers {
		if err := n.Notify(ctx, ictx.Community, subject, body); err != nil {
			o.log(ictx).Warn("Notification failed", "subject", subject, "error", err)
		}
	}
}

// clockSkew widens the window in which a post counts as ours after a failed create.
const clockSkew = 5 * time.Minute

// publish creates a thread post. CreatePost is sent once: when it fails, the
// account's recent submissions are checked for a post that landed anyway, and
// without one the game is abandoned.
func (o *Orchestrator) publish(ctx context.Context, ictx gameday.InvocationContext, kind gameday.ThreadKind, gameID int64, title, body, operation string) *gameday.Post {
	log := o.log(ictx).With("game_id", gameID, "kind", kind)
	started := o.now()
	post, err := o.host.CreatePost(ctx, ictx.Community, title, body)
	if err == nil {
		metrics.ThreadsCreated.WithLabelValues(string(kind)).Inc()
		return post
	}

	found, findErr := o.host.FindPost(ctx, ictx.Community, title, started.Add(-clockSkew))
	if findErr != nil {
		log.Warn("Failed to look for a post from the failed create", "error", findErr)
	}
	if found != nil {
		log.Warn("Post creation reported failure but the post exists, adopting it", "post_id", found.ID, "error", err)
		metrics.ThreadsCreated.WithLabelValues(string(kind)).Inc()
		return found
	}
	o.abandon(ctx, ictx, gameID, operation, err)
	return nil
}

// postGone reports whether a GetPost result means the post no longer exists.
func postGone(post *gameday.Post, err error) bool {
	if errors.Is(err, gameday.ErrPostNotFound) {
		return true
	}
	return err == nil && post != nil && post.Removed
}

// applySettings sets comment sort and sticky on a new thread. Failures are logged only.
func (o *Orchestrator) applySettings(ctx context.Context, ictx gameday.InvocationContext, postID string, s gameday.ThreadSettings) {
	log := o.log(ictx).With("post_id", postID)
	if s.CommentSort != "" {
		if err := o.host.SetCommentSort(ctx, postID, s.CommentSort); err != nil {
			log.Warn("Failed to set comment sort", "sort", s.CommentSort, "error", err)
		}
	}
	if s.Sticky {
		if err := o.host.SetSticky(ctx, postID, true); err != nil {
			log.Warn("Failed to sticky thread", "error", err)
		}
	}
}
