package lifecycle

import (
	"context"
	"time"

	"gamedaylive/format"
	"gamedaylive/pkg/gameday"
)

const (
	opCreateRecap     = "create_recap"
	opCreateRecapPost = "create_recap_post"
)

// createRecap handles a create_recap job.
func (o *Orchestrator) createRecap(ctx context.Context, ictx gameday.InvocationContext, p *gameday.CreatePayload) {
	log := o.log(ictx).With("game_id", p.GameID)
	subject := gameday.GameSubject(p.GameID)
	again := func(at time.Time) error {
		return o.scheduleJob(ctx, ictx, gameday.JobCreateRecap, subject, at, p)
	}

	cfg := o.loadConfig(ctx, ictx, p.GameID, opCreateRecap, again)
	if cfg == nil || o.halted(ctx, ictx, p.GameID) {
		return
	}

	live, err := o.registry.LookupByGame(ctx, ictx.Community, p.GameID, gameday.KindLive)
	if err != nil {
		o.retryOrAbandon(ctx, ictx, opCreateRecap, p.GameID, err, again)
		return
	}

	settings := cfg.Settings(gameday.KindRecap)
	if !settings.Enabled {
		log.Info("Recap threads disabled, closing game")
		if live != nil {
			if err := o.Cleanup(ctx, ictx, live.PostID); err != nil {
				log.Error("Failed to retire live thread", "post_id", live.PostID, "error", err)
			}
		}
		o.setState(ctx, ictx, p.GameID, gameday.StateClosed)
		return
	}

	game, token, _, err := o.data.Game(ctx, p.GameID, "")
	if err != nil {
		o.retryOrAbandon(ctx, ictx, opCreateRecap, p.GameID, err, again)
		return
	}
	now := o.now()

	rec, done := o.checkExisting(ctx, ictx, gameday.KindRecap, p.GameID, opCreateRecap, again)
	if done {
		return
	}
	if rec != nil {
		log.Info("Recap thread already exists, re-arming updates", "post_id", rec.PostID)
		o.resetAttempts(ctx, ictx, p.GameID, opCreateRecap)
		o.openRecap(ctx, ictx, cfg, rec, live, game, now, false)
		return
	}

	ok, err := o.registry.Claim(ctx, ictx.Community, p.GameID, gameday.KindRecap, o.cfg.ClaimTTL)
	if err != nil {
		o.retryOrAbandon(ctx, ictx, opCreateRecap, p.GameID, err, again)
		return
	}
	if !ok {
		log.Info("Recap creation already in progress elsewhere, skipping")
		return
	}
	defer o.registry.Release(ctx, ictx.Community, p.GameID, gameday.KindRecap)

	if rec, err := o.registry.LookupByGame(ctx, ictx.Community, p.GameID, gameday.KindRecap); err != nil {
		o.retryOrAbandon(ctx, ictx, opCreateRecap, p.GameID, err, again)
		return
	} else if rec != nil {
		log.Info("Recap thread created concurrently, skipping", "post_id", rec.PostID)
		return
	}

	title := format.Title(gameday.KindRecap, game, cfg)
	post := o.publish(ctx, ictx, gameday.KindRecap, p.GameID, title, format.Body(game), opCreateRecapPost)
	if post == nil {
		return
	}
	log.Info("Recap thread created", "post_id", post.ID, "title", title, "url", post.URL)

	rec = &gameday.ThreadRecord{
		CreatedAt:   now,
		PostID:      post.ID,
		PostURL:     post.URL,
		Kind:        gameday.KindRecap,
		Matchup:     game.Matchup(),
		ChangeToken: token,
		LastTag:     game.Tag,
		GameID:      p.GameID,
	}
	if err := o.registry.Link(ctx, ictx.Community, rec); err != nil {
		o.abandon(ctx, ictx, p.GameID, "link_recap", err)
		return
	}
	o.resetAttempts(ctx, ictx, p.GameID, opCreateRecap)
	o.applySettings(ctx, ictx, post.ID, settings)
	o.openRecap(ctx, ictx, cfg, rec, live, game, now, true)
}

// openRecap arms the recap's follow-up jobs and retires the live thread.
func (o *Orchestrator) openRecap(ctx context.Context, ictx gameday.InvocationContext, cfg *gameday.SubredditConfig, rec, live *gameday.ThreadRecord, game *gameday.Game, now time.Time, fresh bool) {
	log := o.log(ictx).With("game_id", rec.GameID, "post_id", rec.PostID)

	if fresh {
		cleanupAt := now.Add(o.cfg.RecapCleanupDelay)
		err := o.scheduleJob(ctx, ictx, gameday.JobCleanupRecap, gameday.GameSubject(rec.GameID), cleanupAt, &gameday.CleanupPayload{
			Community: ictx.Community,
			JobTitle:  "cleanup-recap-" + rec.PostID,
			PostID:    rec.PostID,
			GameID:    rec.GameID,
		})
		if err != nil {
			log.Error("Failed to schedule recap cleanup", "error", err)
		}
	}

	if game.Tag == gameday.TagOfficial {
		log.Info("Game already official, no recap updates needed")
	} else if err := o.scheduleUpdate(ctx, ictx, gameday.KindRecap, rec, now.Add(o.cfg.Timing.Live)); err != nil {
		log.Error("Failed to schedule recap update", "error", err)
	}

	if live != nil {
		o.closeLive(ctx, ictx, cfg, live, rec.PostURL)
	}
	o.setState(ctx, ictx, rec.GameID, gameday.StateRecapOpen)
}

// closeLive points the live thread at the recap and retires it.
func (o *Orchestrator) closeLive(ctx context.Context, ictx gameday.InvocationContext, cfg *gameday.SubredditConfig, live *gameday.ThreadRecord, recapURL string) {
	log := o.log(ictx).With("game_id", live.GameID, "post_id", live.PostID)
	if recapURL != "" {
		if err := o.host.AddComment(ctx, live.PostID, format.ClosingComment(recapURL)); err != nil {
			log.Warn("Failed to add closing comment", "error", err)
		}
	}
	if err := o.Cleanup(ctx, ictx, live.PostID); err != nil {
		log.Error("Failed to retire live thread", "error", err)
	}
}

// cleanupRecap handles a cleanup_recap job.
func (o *Orchestrator) cleanupRecap(ctx context.Context, ictx gameday.InvocationContext, p *gameday.CleanupPayload) {
	log := o.log(ictx).With("game_id", p.GameID, "post_id", p.PostID)
	if err := o.Cleanup(ctx, ictx, p.PostID); err != nil {
		log.Error("Recap cleanup failed, retrying", "retry_in", o.cfg.WatchInterval.String(), "error", err)
		err := o.scheduleJob(ctx, ictx, gameday.JobCleanupRecap, gameday.GameSubject(p.GameID), o.now().Add(o.cfg.WatchInterval), p)
		if err != nil {
			log.Error("Failed to reschedule recap cleanup", "error", err)
		}
		return
	}
	if p.GameID > 0 {
		o.setState(ctx, ictx, p.GameID, gameday.StateClosed)
	}
	log.Info("Recap thread closed")
}
