package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gamedaylive/metrics"
	"gamedaylive/pkg/gameday"
)

// jobsFor lists the job kinds that reference a thread of kind.
func jobsFor(kind gameday.ThreadKind) []gameday.JobKind {
	if kind == gameday.KindRecap {
		return []gameday.JobKind{gameday.JobCreateRecap, gameday.JobUpdateRecap, gameday.JobCleanupRecap}
	}
	return []gameday.JobKind{gameday.JobCreateLive, gameday.JobUpdateLive}
}

// Cleanup retires the thread behind postID: unsticky, lock if configured,
// cancel every pending job for its game and kind, and remove both registry
// directions. It is idempotent; an unknown post or an already-cancelled job
// counts as success.
func (o *Orchestrator) Cleanup(ctx context.Context, ictx gameday.InvocationContext, postID string) error {
	log := o.log(ictx).With("post_id", postID)

	ref, err := o.registry.LookupByPost(ctx, ictx.Community, postID)
	if err != nil {
		return err
	}
	if ref == nil {
		log.Info("No registry entry for post, nothing to clean up")
		return nil
	}
	log = log.With("game_id", ref.GameID, "kind", ref.Kind)

	cfg, err := o.configs.Get(ctx, ictx.Community)
	if err != nil {
		log.Warn("Failed to load config, leaving lock setting alone", "error", err)
	}
	var settings gameday.ThreadSettings
	if cfg != nil {
		settings = cfg.Settings(ref.Kind)
	}
	o.moderate(ctx, ictx, postID, settings)

	var errs []error
	subject := gameday.GameSubject(ref.GameID)
	for _, kind := range jobsFor(ref.Kind) {
		if err := o.cancelHandle(ctx, ictx, kind, subject); err != nil {
			errs = append(errs, err)
		}
	}
	if err := o.registry.Unlink(ctx, ictx.Community, postID); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("cleanup %s: %w", postID, err)
	}

	metrics.Cleanups.WithLabelValues(string(ref.Kind)).Inc()
	log.Info("Thread retired")
	return nil
}

// moderate unstickies and locks a thread the bot posted. Posts already gone
// upstream are skipped and nothing is changed if already in the wanted state.
func (o *Orchestrator) moderate(ctx context.Context, ictx gameday.InvocationContext, postID string, s gameday.ThreadSettings) {
	log := o.log(ictx).With("post_id", postID)

	post, err := o.host.GetPost(ctx, postID)
	if postGone(post, err) {
		log.Debug("Post gone upstream, skipping sticky and lock")
		return
	}
	if err != nil {
		log.Warn("Failed to fetch post for retirement", "error", err)
		return
	}
	if !strings.EqualFold(post.Author, o.host.Username()) {
		log.Info("Post not authored by bot, leaving sticky and lock alone", "author", post.Author)
		return
	}

	if post.Stickied {
		if err := o.host.SetSticky(ctx, postID, false); err != nil {
			log.Warn("Failed to unsticky thread", "error", err)
		}
	}
	if s.Lock && !post.Locked {
		if err := o.host.Lock(ctx, postID); err != nil {
			log.Warn("Failed to lock thread", "error", err)
		}
	}
}

func (o *Orchestrator) cancelHandle(ctx context.Context, ictx gameday.InvocationContext, kind gameday.JobKind, subject string) error {
	h, err := o.registry.Handle(ctx, ictx.Community, kind, subject)
	if err != nil {
		return err
	}
	if h == nil {
		return nil
	}
	if err := o.jobs.Cancel(ctx, h.JobID); err != nil {
		if !errors.Is(err, gameday.ErrJobNotFound) {
			return fmt.Errorf("cancel %s job %s: %w", kind, h.JobID, err)
		}
		o.log(ictx).Debug("Job already gone", "kind", kind, "job_id", h.JobID)
	} else {
		o.log(ictx).Info("Cancelled pending job", "kind", kind, "job_id", h.JobID, "title", h.JobTitle)
	}
	return o.registry.DeleteHandle(ctx, ictx.Community, kind, subject)
}

// OnConfigSaved reacts to a saved community config: abandoned games resume,
// threads of a kind that is now disabled are retired, and discovery runs.
func (o *Orchestrator) OnConfigSaved(ctx context.Context, ictx gameday.InvocationContext, cfg *gameday.SubredditConfig) error {
	log := o.log(ictx)

	states, err := o.registry.States(ctx, ictx.Community)
	if err != nil {
		return err
	}
	for gameID, state := range states {
		if state == gameday.StateAbandoned {
			log.Info("Resuming abandoned game", "game_id", gameID)
			o.setState(ctx, ictx, gameID, gameday.StateUnscheduled)
		}
	}

	records, err := o.registry.ActiveRecords(ctx, ictx.Community)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if cfg.Settings(rec.Kind).Enabled {
			continue
		}
		log.Info("Thread kind disabled, retiring thread", "game_id", rec.GameID, "post_id", rec.PostID, "kind", rec.Kind)
		if err := o.Cleanup(ctx, ictx, rec.PostID); err != nil {
			log.Error("Failed to retire disabled thread", "post_id", rec.PostID, "error", err)
		}
	}

	return o.RunDiscovery(ctx, ictx)
}

// OnPostDeleted reacts to a post removed upstream.
func (o *Orchestrator) OnPostDeleted(ctx context.Context, ictx gameday.InvocationContext, postID string) error {
	ref, err := o.registry.LookupByPost(ctx, ictx.Community, postID)
	if err != nil {
		return err
	}
	if err := o.Cleanup(ctx, ictx, postID); err != nil {
		return err
	}
	if ref != nil {
		o.closeIfIdle(ctx, ictx, ref.GameID)
	}
	return nil
}
