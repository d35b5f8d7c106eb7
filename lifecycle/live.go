package lifecycle

import (
	"context"
	"time"

	"gamedaylive/format"
	"gamedaylive/pkg/gameday"
)

const (
	opCreateLive = "create_live"
	opCreatePost = "create_post"
)

// createLive handles a create_live job.
func (o *Orchestrator) createLive(ctx context.Context, ictx gameday.InvocationContext, p *gameday.CreatePayload) {
	log := o.log(ictx).With("game_id", p.GameID)
	subject := gameday.GameSubject(p.GameID)
	again := func(at time.Time) error {
		return o.scheduleJob(ctx, ictx, gameday.JobCreateLive, subject, at, p)
	}

	cfg := o.loadConfig(ctx, ictx, p.GameID, opCreateLive, again)
	if cfg == nil || o.halted(ctx, ictx, p.GameID) {
		return
	}
	settings := cfg.Settings(gameday.KindLive)
	if !settings.Enabled && !cfg.Postgame.Enabled {
		log.Info("Live and recap threads disabled, nothing to do")
		return
	}

	game, token, _, err := o.data.Game(ctx, p.GameID, "")
	if err != nil {
		o.retryOrAbandon(ctx, ictx, opCreateLive, p.GameID, err, again)
		return
	}
	now := o.now()

	if !settings.Enabled {
		if game.Tag.Terminal() {
			log.Info("Live threads disabled and game over, routing to recap", "tag", game.Tag)
			o.routeRecap(ctx, ictx, cfg, p.GameID, game.Matchup(), now)
			return
		}
		log.Debug("Live threads disabled, watching game", "tag", game.Tag, "next_check", o.cfg.WatchInterval.String())
		if err := again(now.Add(o.cfg.WatchInterval)); err != nil {
			log.Error("Failed to schedule watch", "error", err)
		}
		return
	}

	rec, done := o.checkExisting(ctx, ictx, gameday.KindLive, p.GameID, opCreateLive, again)
	if done {
		return
	}
	if rec != nil {
		o.resumeLive(ctx, ictx, cfg, rec, game, now)
		return
	}

	if game.Tag.Terminal() {
		log.Info("Game over before a live thread was posted, routing to recap", "tag", game.Tag)
		o.routeRecap(ctx, ictx, cfg, p.GameID, game.Matchup(), now)
		return
	}

	ok, err := o.registry.Claim(ctx, ictx.Community, p.GameID, gameday.KindLive, o.cfg.ClaimTTL)
	if err != nil {
		o.retryOrAbandon(ctx, ictx, opCreateLive, p.GameID, err, again)
		return
	}
	if !ok {
		log.Info("Live thread creation already in progress elsewhere, skipping")
		return
	}
	defer o.registry.Release(ctx, ictx.Community, p.GameID, gameday.KindLive)

	// Another invocation may have finished creating between our check and the claim.
	if rec, err := o.registry.LookupByGame(ctx, ictx.Community, p.GameID, gameday.KindLive); err != nil {
		o.retryOrAbandon(ctx, ictx, opCreateLive, p.GameID, err, again)
		return
	} else if rec != nil {
		log.Info("Live thread created concurrently, skipping", "post_id", rec.PostID)
		return
	}

	title := format.Title(gameday.KindLive, game, cfg)
	post := o.publish(ctx, ictx, gameday.KindLive, p.GameID, title, format.Body(game), opCreatePost)
	if post == nil {
		return
	}
	log.Info("Live thread created", "post_id", post.ID, "title", title, "url", post.URL)

	rec = &gameday.ThreadRecord{
		CreatedAt:   now,
		PostID:      post.ID,
		PostURL:     post.URL,
		Kind:        gameday.KindLive,
		Matchup:     game.Matchup(),
		ChangeToken: token,
		LastTag:     game.Tag,
		GameID:      p.GameID,
	}
	if err := o.registry.Link(ctx, ictx.Community, rec); err != nil {
		// The post exists but is untracked; retrying would duplicate it.
		o.abandon(ctx, ictx, p.GameID, "link_live", err)
		return
	}
	o.resetAttempts(ctx, ictx, p.GameID, opCreateLive)
	o.applySettings(ctx, ictx, post.ID, settings)
	o.setState(ctx, ictx, p.GameID, gameday.StateLiveOpen)

	runAt := o.firstUpdate(game, now)
	if err := o.scheduleUpdate(ctx, ictx, gameday.KindLive, rec, runAt); err != nil {
		log.Error("Failed to schedule first live update", "post_id", post.ID, "error", err)
	}
}

// firstUpdate aligns the first update with puck drop for a game not yet started.
func (o *Orchestrator) firstUpdate(game *gameday.Game, now time.Time) time.Time {
	if game.Tag == gameday.TagScheduled {
		if game.StartTime.After(now) {
			return game.StartTime
		}
		return now.Add(o.cfg.Timing.Live)
	}
	interval, _ := o.nextInterval(game.Tag, game.Clock)
	return now.Add(interval)
}

// resumeLive handles a create_live run that found its live thread still up.
func (o *Orchestrator) resumeLive(ctx context.Context, ictx gameday.InvocationContext, cfg *gameday.SubredditConfig, rec *gameday.ThreadRecord, game *gameday.Game, now time.Time) {
	o.resetAttempts(ctx, ictx, rec.GameID, opCreateLive)
	if game.Tag.Terminal() {
		o.log(ictx).Info("Live thread exists and game is over", "game_id", rec.GameID, "post_id", rec.PostID)
		o.finishLive(ctx, ictx, cfg, rec, now)
		return
	}
	o.log(ictx).Info("Live thread already exists, re-arming updates", "game_id", rec.GameID, "post_id", rec.PostID)
	o.setState(ctx, ictx, rec.GameID, gameday.StateLiveOpen)
	if err := o.scheduleUpdate(ctx, ictx, gameday.KindLive, rec, now); err != nil {
		o.log(ictx).Error("Failed to re-arm live updates", "game_id", rec.GameID, "error", err)
	}
}

// finishLive moves a finished game on from its live thread: to recap if enabled,
// otherwise the live thread is retired and the game closed.
func (o *Orchestrator) finishLive(ctx context.Context, ictx gameday.InvocationContext, cfg *gameday.SubredditConfig, rec *gameday.ThreadRecord, runAt time.Time) {
	if cfg.Postgame.Enabled {
		if err := o.ScheduleRecap(ctx, ictx, rec.GameID, rec.Matchup, runAt); err != nil {
			o.log(ictx).Error("Failed to schedule recap", "game_id", rec.GameID, "error", err)
		}
		return
	}
	o.log(ictx).Info("Recap threads disabled, closing live thread", "game_id", rec.GameID, "post_id", rec.PostID)
	if err := o.Cleanup(ctx, ictx, rec.PostID); err != nil {
		o.log(ictx).Error("Failed to retire live thread", "post_id", rec.PostID, "error", err)
	}
	o.setState(ctx, ictx, rec.GameID, gameday.StateClosed)
}

// routeRecap sends a finished game without a live thread to recap creation.
func (o *Orchestrator) routeRecap(ctx context.Context, ictx gameday.InvocationContext, cfg *gameday.SubredditConfig, gameID int64, matchup string, runAt time.Time) {
	o.resetAttempts(ctx, ictx, gameID, opCreateLive)
	if !cfg.Postgame.Enabled {
		o.log(ictx).Info("Recap threads disabled, closing game", "game_id", gameID)
		o.setState(ctx, ictx, gameID, gameday.StateClosed)
		return
	}
	if err := o.ScheduleRecap(ctx, ictx, gameID, matchup, runAt); err != nil {
		o.log(ictx).Error("Failed to schedule recap", "game_id", gameID, "error", err)
	}
}

// checkExisting looks for a recorded post of kind. A live post is returned; a
// deleted or removed one is purged. done is true when the caller must stop
// because a transient failure was handed to the retry policy.
func (o *Orchestrator) checkExisting(ctx context.Context, ictx gameday.InvocationContext, kind gameday.ThreadKind, gameID int64, operation string, again func(time.Time) error) (rec *gameday.ThreadRecord, done bool) {
	rec, err := o.registry.LookupByGame(ctx, ictx.Community, gameID, kind)
	if err != nil {
		o.retryOrAbandon(ctx, ictx, operation, gameID, err, again)
		return nil, true
	}
	if rec == nil {
		return nil, false
	}

	post, err := o.host.GetPost(ctx, rec.PostID)
	if postGone(post, err) {
		o.log(ictx).Info("Recorded thread is gone upstream, purging", "game_id", gameID, "post_id", rec.PostID, "kind", kind)
		if err := o.registry.Unlink(ctx, ictx.Community, rec.PostID); err != nil {
			o.retryOrAbandon(ctx, ictx, operation, gameID, err, again)
			return nil, true
		}
		return nil, false
	}
	if err != nil {
		o.retryOrAbandon(ctx, ictx, operation, gameID, err, again)
		return nil, true
	}
	return rec, false
}

func (o *Orchestrator) resetAttempts(ctx context.Context, ictx gameday.InvocationContext, gameID int64, operations ...string) {
	for _, op := range operations {
		if err := o.retry.Reset(ctx, ictx.Community, op, gameday.GameSubject(gameID)); err != nil {
			o.log(ictx).Warn("Failed to reset attempts", "game_id", gameID, "operation", op, "error", err)
		}
	}
}
