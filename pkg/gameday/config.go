package gameday

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // Team timezones must resolve without system zoneinfo.
)

// ThreadSettings controls one kind of thread for a community.
type ThreadSettings struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Sticky      bool   `json:"sticky" yaml:"sticky"`
	Lock        bool   `json:"lock" yaml:"lock"`                                     // Lock when the thread is retired
	CommentSort string `json:"comment_sort,omitempty" yaml:"comment_sort,omitempty"` // Suggested sort, empty keeps the host default
}

// SubredditConfig is the per-community configuration record.
type SubredditConfig struct {
	UpdatedAt time.Time      `json:"updated_at" yaml:"-"`
	Community string         `json:"community" yaml:"community"`
	Team      string         `json:"team" yaml:"team"` // Team abbreviation, e.g. TOR
	Pregame   ThreadSettings `json:"pregame" yaml:"pregame"`
	Gameday   ThreadSettings `json:"gameday" yaml:"gameday"`
	Postgame  ThreadSettings `json:"postgame" yaml:"postgame"`
}

// Settings returns the settings for a lifecycle thread kind.
func (c *SubredditConfig) Settings(kind ThreadKind) ThreadSettings {
	if kind == KindRecap {
		return c.Postgame
	}
	return c.Gameday
}

var commentSorts = map[string]bool{
	"":              true,
	"confidence":    true,
	"top":           true,
	"new":           true,
	"controversial": true,
	"old":           true,
	"qa":            true,
	"live":          true,
}

// Validate checks the team and comment sorts.
func (c *SubredditConfig) Validate() error {
	if c.Community == "" {
		return errors.New("community is required")
	}
	if c.Team != "" {
		if _, ok := teamZones[c.Team]; !ok {
			return fmt.Errorf("unknown team %q", c.Team)
		}
	}
	for name, s := range map[string]ThreadSettings{"pregame": c.Pregame, "gameday": c.Gameday, "postgame": c.Postgame} {
		if !commentSorts[s.CommentSort] {
			return fmt.Errorf("%s: unknown comment sort %q", name, s.CommentSort)
		}
	}
	return nil
}

// teamZones maps team abbreviations to the home arena's timezone.
var teamZones = map[string]string{
	"ANA": "America/Los_Angeles",
	"BOS": "America/New_York",
	"BUF": "America/New_York",
	"CAR": "America/New_York",
	"CBJ": "America/New_York",
	"CGY": "America/Edmonton",
	"CHI": "America/Chicago",
	"COL": "America/Denver",
	"DAL": "America/Chicago",
	"DET": "America/Detroit",
	"EDM": "America/Edmonton",
	"FLA": "America/New_York",
	"LAK": "America/Los_Angeles",
	"MIN": "America/Chicago",
	"MTL": "America/Toronto",
	"NJD": "America/New_York",
	"NSH": "America/Chicago",
	"NYI": "America/New_York",
	"NYR": "America/New_York",
	"OTT": "America/Toronto",
	"PHI": "America/New_York",
	"PIT": "America/New_York",
	"SEA": "America/Los_Angeles",
	"SJS": "America/Los_Angeles",
	"STL": "America/Chicago",
	"TBL": "America/New_York",
	"TOR": "America/Toronto",
	"UTA": "America/Denver",
	"VAN": "America/Vancouver",
	"VGK": "America/Los_Angeles",
	"WPG": "America/Winnipeg",
	"WSH": "America/New_York",
}

// TeamLocation returns the team's home timezone, falling back to UTC.
func TeamLocation(team string) *time.Location {
	name, ok := teamZones[team]
	if !ok {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
