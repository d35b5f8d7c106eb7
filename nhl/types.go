package nhl

import (
	"encoding/json"
	"strconv"
	"time"

	"gamedaylive/pkg/gameday"
)

// localized accepts either a plain string or the API's {"default": "..."} form.
type localized string

func (l *localized) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = localized(s)
		return nil
	}
	var obj struct {
		Default string `json:"default"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*l = localized(obj.Default)
	return nil
}

type apiTeam struct {
	Abbrev     string    `json:"abbrev"`
	CommonName localized `json:"commonName"`
	Score      int       `json:"score"`
	SOG        int       `json:"sog"`
}

func (t apiTeam) toTeam() gameday.Team {
	return gameday.Team{Abbrev: t.Abbrev, Name: string(t.CommonName), Score: t.Score, ShotsOnGoal: t.SOG}
}

type periodDescriptor struct {
	Number     int    `json:"number"`
	PeriodType string `json:"periodType"`
}

type apiGame struct {
	StartTimeUTC     time.Time        `json:"startTimeUTC"`
	Venue            localized        `json:"venue"`
	GameState        string           `json:"gameState"`
	AwayTeam         apiTeam          `json:"awayTeam"`
	HomeTeam         apiTeam          `json:"homeTeam"`
	PeriodDescriptor periodDescriptor `json:"periodDescriptor"`
	ID               int64            `json:"id"`
}

func (g *apiGame) toGame(fetchedAt time.Time) *gameday.Game {
	return &gameday.Game{
		ID:        g.ID,
		StartTime: g.StartTimeUTC,
		FetchedAt: fetchedAt,
		Home:      g.HomeTeam.toTeam(),
		Away:      g.AwayTeam.toTeam(),
		Venue:     string(g.Venue),
		Period:    gameday.Period{Number: g.PeriodDescriptor.Number, Type: g.PeriodDescriptor.PeriodType},
		Tag:       mapTag(g.GameState, g.PeriodDescriptor.PeriodType, false),
	}
}

type scheduleResponse struct {
	GameWeek []struct {
		Date  string    `json:"date"`
		Games []apiGame `json:"games"`
	} `json:"gameWeek"`
}

type landingResponse struct {
	apiGame
	Clock struct {
		TimeRemaining    string `json:"timeRemaining"`
		SecondsRemaining int    `json:"secondsRemaining"`
		Running          bool   `json:"running"`
		InIntermission   bool   `json:"inIntermission"`
	} `json:"clock"`
	Summary struct {
		Scoring []struct {
			PeriodDescriptor periodDescriptor `json:"periodDescriptor"`
			Goals            []struct {
				TimeInPeriod string    `json:"timeInPeriod"`
				TeamAbbrev   localized `json:"teamAbbrev"`
				Name         localized `json:"name"`
				Strength     string    `json:"strength"`
			} `json:"goals"`
		} `json:"scoring"`
		Penalties []struct {
			PeriodDescriptor periodDescriptor `json:"periodDescriptor"`
			Penalties        []struct {
				TimeInPeriod string    `json:"timeInPeriod"`
				TeamAbbrev   localized `json:"teamAbbrev"`
				DescKey      string    `json:"descKey"`
				Duration     int       `json:"duration"`
			} `json:"penalties"`
		} `json:"penalties"`
	} `json:"summary"`
}

func (r *landingResponse) toGame(fetchedAt time.Time) *gameday.Game {
	g := r.apiGame.toGame(fetchedAt)
	g.Clock = gameday.Clock{
		TimeRemaining:    r.Clock.TimeRemaining,
		SecondsRemaining: r.Clock.SecondsRemaining,
		Running:          r.Clock.Running,
		InIntermission:   r.Clock.InIntermission,
	}
	g.Tag = mapTag(r.GameState, r.PeriodDescriptor.PeriodType, r.Clock.InIntermission)

	for _, p := range r.Summary.Scoring {
		for _, goal := range p.Goals {
			desc := string(goal.Name)
			if goal.Strength != "" && goal.Strength != "ev" {
				desc += " (" + goal.Strength + ")"
			}
			g.Events = append(g.Events, gameday.Event{
				Period:      p.PeriodDescriptor.Number,
				Time:        goal.TimeInPeriod,
				Type:        gameday.EventGoal,
				Team:        string(goal.TeamAbbrev),
				Description: desc,
			})
		}
	}
	for _, p := range r.Summary.Penalties {
		for _, pen := range p.Penalties {
			g.Events = append(g.Events, gameday.Event{
				Period:      p.PeriodDescriptor.Number,
				Time:        pen.TimeInPeriod,
				Type:        gameday.EventPenalty,
				Team:        string(pen.TeamAbbrev),
				Description: penaltyDescription(pen.DescKey, pen.Duration),
			})
		}
	}
	return g
}

func penaltyDescription(key string, minutes int) string {
	if minutes == 0 {
		return key
	}
	return key + " (" + strconv.Itoa(minutes) + " min)"
}

// mapTag converts the API's gameState into a lifecycle tag.
func mapTag(state, periodType string, inIntermission bool) gameday.Tag {
	switch state {
	case "FUT", "PRE":
		return gameday.TagScheduled
	case "LIVE", "CRIT":
		switch {
		case inIntermission:
			return gameday.TagIntermission
		case periodType == "SO":
			return gameday.TagShootout
		case periodType == "OT":
			return gameday.TagOvertime
		default:
			return gameday.TagLive
		}
	case "FINAL":
		return gameday.TagFinal
	case "OFF":
		return gameday.TagOfficial
	default:
		return gameday.TagScheduled
	}
}
