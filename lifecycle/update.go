package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gamedaylive/format"
	"gamedaylive/metrics"
	"gamedaylive/pkg/gameday"
	"gamedaylive/poll"
)

func updateKind(kind gameday.ThreadKind) gameday.JobKind {
	if kind == gameday.KindRecap {
		return gameday.JobUpdateRecap
	}
	return gameday.JobUpdateLive
}

// scheduleUpdate schedules the next update for a thread.
func (o *Orchestrator) scheduleUpdate(ctx context.Context, ictx gameday.InvocationContext, kind gameday.ThreadKind, rec *gameday.ThreadRecord, runAt time.Time) error {
	prefix := "update-live-"
	if kind == gameday.KindRecap {
		prefix = "update-recap-"
	}
	return o.scheduleJob(ctx, ictx, updateKind(kind), gameday.GameSubject(rec.GameID), runAt, &gameday.UpdatePayload{
		Community: ictx.Community,
		JobTitle:  prefix + rec.PostID,
		PostID:    rec.PostID,
		GameID:    rec.GameID,
	})
}

func (o *Orchestrator) nextInterval(tag gameday.Tag, clock gameday.Clock) (time.Duration, string) {
	interval, reason := poll.NextInterval(tag, clock, o.cfg.Timing)
	if interval <= 0 {
		// Recap threads keep polling between final and official.
		interval = o.cfg.Timing.Live
	}
	return interval, reason
}

// update handles update_live and update_recap jobs: poll, edit on change, and
// either reschedule or move the game on.
func (o *Orchestrator) update(ctx context.Context, ictx gameday.InvocationContext, kind gameday.ThreadKind, p *gameday.UpdatePayload) {
	log := o.log(ictx).With("game_id", p.GameID, "post_id", p.PostID, "kind", kind)
	now := o.now()
	retryLater := func(reason string, err error) {
		log.Warn("Update failed, retrying at live interval", "reason", reason, "error", err)
		rec := &gameday.ThreadRecord{GameID: p.GameID, PostID: p.PostID}
		if err := o.scheduleUpdate(ctx, ictx, kind, rec, now.Add(o.cfg.Timing.Live)); err != nil {
			log.Error("Failed to reschedule update", "error", err)
		}
	}

	cfg := o.loadConfig(ctx, ictx, p.GameID, string(updateKind(kind)), func(at time.Time) error {
		return o.scheduleUpdate(ctx, ictx, kind, &gameday.ThreadRecord{GameID: p.GameID, PostID: p.PostID}, at)
	})
	if cfg == nil || o.halted(ctx, ictx, p.GameID) {
		return
	}

	rec, err := o.registry.LookupByGame(ctx, ictx.Community, p.GameID, kind)
	if err != nil {
		retryLater("load record", err)
		return
	}
	if rec == nil || rec.PostID != p.PostID {
		log.Info("No thread record for post, ending update chain")
		return
	}
	if !cfg.Settings(kind).Enabled {
		log.Info("Thread kind disabled, retiring thread")
		o.retireDisabled(ctx, ictx, cfg, rec)
		return
	}

	post, err := o.host.GetPost(ctx, rec.PostID)
	if postGone(post, err) {
		log.Info("Thread deleted upstream, cleaning up")
		o.retireDeleted(ctx, ictx, rec)
		return
	}
	if err != nil {
		retryLater("get post", err)
		return
	}

	token := rec.ChangeToken
	if rec.EditPending {
		token = ""
	}
	game, newToken, changed, err := o.poller.Poll(ctx, p.GameID, token)
	if err != nil {
		metrics.Polls.WithLabelValues("error").Inc()
		retryLater("poll", err)
		return
	}

	var clock gameday.Clock
	if changed {
		metrics.Polls.WithLabelValues("changed").Inc()
		// The token is persisted before the edit so a crash re-applies the edit.
		rec.ChangeToken = newToken
		rec.LastTag = game.Tag
		rec.Matchup = game.Matchup()
		rec.EditPending = true
		if err := o.registry.SaveRecord(ctx, ictx.Community, rec); err != nil {
			retryLater("save token", err)
			return
		}
		if err := o.host.EditPost(ctx, rec.PostID, format.Body(game)); err != nil {
			if errors.Is(err, gameday.ErrPostNotFound) {
				o.retireDeleted(ctx, ictx, rec)
				return
			}
			retryLater("edit post", err)
			return
		}
		metrics.ThreadEdits.WithLabelValues(string(kind)).Inc()
		rec.EditPending = false
		if err := o.registry.SaveRecord(ctx, ictx.Community, rec); err != nil {
			log.Warn("Failed to clear pending edit flag", "error", err)
		}
		clock = game.Clock
	} else {
		metrics.Polls.WithLabelValues("unchanged").Inc()
	}

	tag := rec.LastTag
	switch {
	case kind == gameday.KindLive && tag.Terminal():
		log.Info("Game over, leaving live updates", "tag", tag)
		o.finishLive(ctx, ictx, cfg, rec, now.Add(o.cfg.Timing.Live))
	case kind == gameday.KindRecap && tag == gameday.TagOfficial:
		log.Info("Game official, recap updates complete")
	default:
		interval, reason := o.nextInterval(tag, clock)
		log.Debug("Next update", "in", interval.String(), "reason", reason, "changed", changed)
		if err := o.scheduleUpdate(ctx, ictx, kind, rec, now.Add(interval)); err != nil {
			log.Error("Failed to schedule next update", "error", err)
		}
	}
}

// retireDisabled retires a thread whose kind was switched off. A live thread
// hands the game back to the create_live watch so a recap still follows.
func (o *Orchestrator) retireDisabled(ctx context.Context, ictx gameday.InvocationContext, cfg *gameday.SubredditConfig, rec *gameday.ThreadRecord) {
	log := o.log(ictx).With("game_id", rec.GameID, "post_id", rec.PostID, "kind", rec.Kind)
	if err := o.Cleanup(ctx, ictx, rec.PostID); err != nil {
		log.Error("Failed to retire disabled thread", "error", err)
	}
	if rec.Kind != gameday.KindLive || !cfg.Postgame.Enabled {
		o.closeIfIdle(ctx, ictx, rec.GameID)
		return
	}

	watchAt := o.now().Add(o.cfg.WatchInterval)
	err := o.scheduleJob(ctx, ictx, gameday.JobCreateLive, gameday.GameSubject(rec.GameID), watchAt, &gameday.CreatePayload{
		Community: ictx.Community,
		JobTitle:  fmt.Sprintf("GDT-%s-%d", rec.Matchup, rec.GameID),
		Matchup:   rec.Matchup,
		GameID:    rec.GameID,
	})
	if err != nil {
		log.Error("Failed to schedule recap watch", "error", err)
		return
	}
	log.Info("Watching game for recap", "next_check", o.cfg.WatchInterval.String())
}

// retireDeleted cleans up after a thread removed upstream and closes the game
// if it has no other thread.
func (o *Orchestrator) retireDeleted(ctx context.Context, ictx gameday.InvocationContext, rec *gameday.ThreadRecord) {
	if err := o.Cleanup(ctx, ictx, rec.PostID); err != nil {
		o.log(ictx).Error("Cleanup of deleted thread failed", "post_id", rec.PostID, "error", err)
	}
	o.closeIfIdle(ctx, ictx, rec.GameID)
}

// closeIfIdle marks the game closed once neither thread is recorded.
func (o *Orchestrator) closeIfIdle(ctx context.Context, ictx gameday.InvocationContext, gameID int64) {
	for _, kind := range []gameday.ThreadKind{gameday.KindLive, gameday.KindRecap} {
		rec, err := o.registry.LookupByGame(ctx, ictx.Community, gameID, kind)
		if err != nil || rec != nil {
			return
		}
	}
	state, err := o.registry.State(ctx, ictx.Community, gameID)
	if err != nil || state == gameday.StateAwaitingRecap {
		return
	}
	o.setState(ctx, ictx, gameID, gameday.StateClosed)
}
