package lifecycle

import (
	"context"
	"fmt"
	"time"

	"gamedaylive/metrics"
	"gamedaylive/pkg/gameday"
)

const opDiscovery = "discovery"

// RunDiscovery finds today's game for the community's team and schedules its
// live thread. A community without a team is a silent no-op. On success the
// next daily run is scheduled.
func (o *Orchestrator) RunDiscovery(ctx context.Context, ictx gameday.InvocationContext) error {
	log := o.log(ictx)

	cfg, err := o.configs.Get(ctx, ictx.Community)
	if err != nil {
		o.retryDiscovery(ctx, ictx, err)
		return fmt.Errorf("load config: %w", err)
	}
	if cfg == nil || cfg.Team == "" {
		log.Debug("No team configured, skipping discovery")
		return nil
	}

	now := o.now()
	date := now.In(gameday.TeamLocation(cfg.Team)).Format(time.DateOnly)
	games, err := o.data.Schedule(ctx, date)
	if err != nil {
		o.retryDiscovery(ctx, ictx, err)
		return fmt.Errorf("fetch schedule for %s: %w", date, err)
	}
	if err := o.retry.Reset(ctx, ictx.Community, opDiscovery, ictx.Community); err != nil {
		log.Warn("Failed to reset discovery attempts", "error", err)
	}

	var game *gameday.Game
	for _, g := range games {
		if g.Involves(cfg.Team) {
			game = g
			break
		}
	}

	if game == nil {
		log.Info("No game today", "team", cfg.Team, "date", date, "games_on_slate", len(games))
	} else {
		log.Info("Found game",
			"team", cfg.Team,
			"game_id", game.ID,
			"matchup", game.Matchup(),
			"start", game.StartTime.UTC().Format(time.RFC3339),
			"tag", game.Tag)
		if err := o.ScheduleCreate(ctx, ictx, game); err != nil {
			log.Error("Failed to schedule thread creation", "game_id", game.ID, "error", err)
		}
	}

	if err := o.scheduleDiscovery(ctx, ictx, o.nextDiscovery(now)); err != nil {
		return fmt.Errorf("schedule next discovery: %w", err)
	}
	return nil
}

// nextDiscovery is the next DiscoveryHour:00 UTC strictly after now.
func (o *Orchestrator) nextDiscovery(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), o.cfg.DiscoveryHour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (o *Orchestrator) scheduleDiscovery(ctx context.Context, ictx gameday.InvocationContext, runAt time.Time) error {
	return o.scheduleJob(ctx, ictx, gameday.JobDailyDiscovery, gameday.SubjectDaily, runAt, &gameday.DiscoveryPayload{
		Community: ictx.Community,
		JobTitle:  "discovery-" + ictx.Community,
	})
}

// retryDiscovery reschedules a failed discovery with backoff. Past the ceiling
// the operator is told and the next day's run is kept so automation resumes.
func (o *Orchestrator) retryDiscovery(ctx context.Context, ictx gameday.InvocationContext, cause error) {
	log := o.log(ictx)
	log.Warn("Discovery failed", "error", cause)

	d, err := o.retry.ShouldRetry(ctx, ictx.Community, opDiscovery, ictx.Community)
	if err != nil {
		log.Error("Retry bookkeeping failed", "error", err)
		d.Retry, d.Delay = true, o.cfg.WatchInterval
	}

	runAt := o.now().Add(d.Delay)
	if d.Retry {
		metrics.Retries.WithLabelValues(opDiscovery).Inc()
	} else {
		metrics.Abandoned.WithLabelValues(opDiscovery).Inc()
		runAt = o.nextDiscovery(o.now())
		o.notify(ctx, ictx, "Game day discovery failed",
			fmt.Sprintf("Today's schedule for r/%s could not be fetched after repeated attempts.\n\nError: %v\n\n"+
				"No game day thread will be posted today. Discovery runs again at %s.",
				ictx.Community, cause, runAt.Format(time.RFC1123)))
	}
	if err := o.scheduleDiscovery(ctx, ictx, runAt); err != nil {
		log.Error("Failed to reschedule discovery", "error", err)
	}
}

// ScheduleCreate schedules the live thread for a discovered game at
// start - pregame offset, immediately if that has passed. A game older than the
// stale threshold that has already ended goes straight to recap.
func (o *Orchestrator) ScheduleCreate(ctx context.Context, ictx gameday.InvocationContext, g *gameday.Game) error {
	log := o.log(ictx).With("game_id", g.ID)

	state, err := o.registry.State(ctx, ictx.Community, g.ID)
	if err != nil {
		return err
	}
	if state == gameday.StateAbandoned || state == gameday.StateClosed {
		log.Info("Game automation halted, not scheduling", "state", state)
		return nil
	}

	now := o.now()
	threadTime := g.StartTime.Add(-o.cfg.PregameOffset)
	if !threadTime.After(now) && now.Sub(g.StartTime) > o.cfg.StaleThreshold && g.Tag.Terminal() {
		log.Info("Game is stale and finished, routing to recap",
			"start", g.StartTime.UTC().Format(time.RFC3339),
			"age", now.Sub(g.StartTime).Round(time.Minute).String())
		return o.ScheduleRecap(ctx, ictx, g.ID, g.Matchup(), now)
	}

	runAt := threadTime
	if !threadTime.After(now) {
		runAt = now
	}
	if state == gameday.StateUnscheduled {
		o.setState(ctx, ictx, g.ID, gameday.StateScheduled)
	}
	log.Info("Scheduling live thread creation", "run_at", runAt.UTC().Format(time.RFC3339))
	return o.scheduleJob(ctx, ictx, gameday.JobCreateLive, gameday.GameSubject(g.ID), runAt, &gameday.CreatePayload{
		Community: ictx.Community,
		JobTitle:  fmt.Sprintf("GDT-%s-%d", g.Matchup(), g.ID),
		Matchup:   g.Matchup(),
		GameID:    g.ID,
	})
}

// ScheduleRecap schedules recap creation for a game and marks it awaiting recap.
func (o *Orchestrator) ScheduleRecap(ctx context.Context, ictx gameday.InvocationContext, gameID int64, matchup string, runAt time.Time) error {
	o.setState(ctx, ictx, gameID, gameday.StateAwaitingRecap)
	return o.scheduleJob(ctx, ictx, gameday.JobCreateRecap, gameday.GameSubject(gameID), runAt, &gameday.CreatePayload{
		Community: ictx.Community,
		JobTitle:  fmt.Sprintf("PGT-%s-%d", matchup, gameID),
		Matchup:   matchup,
		GameID:    gameID,
	})
}
