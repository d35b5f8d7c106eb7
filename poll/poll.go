// Package poll wraps the data source's conditional fetch and picks poll intervals.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gamedaylive/pkg/gameday"
)

// Fetcher is the conditional-fetch side of the data source.
type Fetcher interface {
	Game(ctx context.Context, gameID int64, etag string) (game *gameday.Game, newETag string, changed bool, err error)
}

// Timing holds the poll cadence settings.
type Timing struct {
	Live                 time.Duration // Default interval while a game is on
	Overtime             time.Duration // Interval during overtime and shootouts
	IntermissionLead     time.Duration // Resume polling this long before play restarts
	IntermissionSlowdown bool          // When false, intermissions poll at Live
}

// DefaultTiming returns 20s live, 15s overtime, intermission slowdown off.
func DefaultTiming() Timing {
	return Timing{
		Live:             20 * time.Second,
		Overtime:         15 * time.Second,
		IntermissionLead: time.Minute,
	}
}

// Poller decides whether upstream data changed since the last seen token.
type Poller struct {
	fetcher Fetcher
	logger  *slog.Logger
}

// New creates a change poller.
func New(fetcher Fetcher, logger *slog.Logger) *Poller {
	return &Poller{fetcher: fetcher, logger: logger}
}

// Poll fetches the game conditionally. On changed=false the snapshot is nil and
// the token is unchanged. Errors are never reported as unchanged.
func (p *Poller) Poll(ctx context.Context, gameID int64, token string) (*gameday.Game, string, bool, error) {
	start := time.Now()
	game, newToken, changed, err := p.fetcher.Game(ctx, gameID, token)
	if err != nil {
		return nil, "", false, fmt.Errorf("poll game %d: %w", gameID, err)
	}
	if !changed {
		p.logger.Debug("Game unchanged", "game_id", gameID, "duration_ms", time.Since(start).Milliseconds())
		return nil, token, false, nil
	}
	if game == nil {
		return nil, "", false, fmt.Errorf("poll game %d: changed response without a snapshot", gameID)
	}

	p.logger.Info("Game changed",
		"game_id", gameID,
		"tag", game.Tag,
		"period", game.Period.Number,
		"clock", game.Clock.TimeRemaining,
		"score", fmt.Sprintf("%d-%d", game.Away.Score, game.Home.Score),
		"duration_ms", time.Since(start).Milliseconds())
	return game, newToken, true, nil
}

// NextInterval returns how long to wait before the next poll and why.
// A zero interval with reason "terminal" means stop polling.
func NextInterval(tag gameday.Tag, clock gameday.Clock, t Timing) (time.Duration, string) {
	switch {
	case tag.Terminal():
		return 0, "terminal"
	case tag == gameday.TagOvertime || tag == gameday.TagShootout:
		return t.Overtime, "overtime"
	case tag == gameday.TagIntermission:
		if t.IntermissionSlowdown {
			wait := time.Duration(clock.SecondsRemaining)*time.Second - t.IntermissionLead
			if wait > t.Live {
				return wait, "intermission"
			}
		}
		return t.Live, "intermission polled at live cadence"
	case tag == gameday.TagScheduled:
		return t.Live, "pregame"
	default:
		return t.Live, "live"
	}
}
