// Package gameday contains the core domain types for the game day thread service.
package gameday

import "time"

// Tag is the lifecycle stage of a game as reported by the data source.
type Tag string

// Lifecycle tags.
const (
	TagScheduled    Tag = "scheduled"
	TagLive         Tag = "live"
	TagIntermission Tag = "intermission"
	TagOvertime     Tag = "overtime"
	TagShootout     Tag = "shootout"
	TagFinal        Tag = "final"
	TagOfficial     Tag = "official"
)

// Terminal reports whether the game will produce no further meaningful updates.
func (t Tag) Terminal() bool {
	return t == TagFinal || t == TagOfficial
}

// InPlay reports whether the game is between puck drop and the final horn.
func (t Tag) InPlay() bool {
	switch t {
	case TagLive, TagIntermission, TagOvertime, TagShootout:
		return true
	default:
		return false
	}
}

// Team is one side of a game.
type Team struct {
	Abbrev      string `json:"abbrev"`
	Name        string `json:"name"`
	Score       int    `json:"score"`
	ShotsOnGoal int    `json:"sog"`
}

// Period describes the current period.
type Period struct {
	Number int    `json:"number"`
	Type   string `json:"type"` // REG, OT or SO
}

// Clock is the game clock at fetch time.
type Clock struct {
	TimeRemaining    string `json:"time_remaining"`    // mm:ss
	SecondsRemaining int    `json:"seconds_remaining"` // Seconds left in the period or intermission
	Running          bool   `json:"running"`
	InIntermission   bool   `json:"in_intermission"`
}

// Event is a single timestamped scoring or penalty play.
type Event struct {
	Period      int    `json:"period"`
	Time        string `json:"time"` // Time in period, mm:ss
	Type        string `json:"type"` // goal or penalty
	Team        string `json:"team"`
	Description string `json:"description"`
}

// Event types.
const (
	EventGoal    = "goal"
	EventPenalty = "penalty"
)

// Game is an immutable snapshot of one game at fetch time.
type Game struct {
	StartTime time.Time `json:"start_time"`
	FetchedAt time.Time `json:"fetched_at"`
	Home      Team      `json:"home"`
	Away      Team      `json:"away"`
	Period    Period    `json:"period"`
	Clock     Clock     `json:"clock"`
	Tag       Tag       `json:"tag"`
	Venue     string    `json:"venue,omitempty"`
	Events    []Event   `json:"events,omitempty"`
	ID        int64     `json:"id"`
}

// Matchup returns the short AWY@HOM form used in job titles.
func (g *Game) Matchup() string {
	return g.Away.Abbrev + "@" + g.Home.Abbrev
}

// Involves reports whether the team plays in this game.
func (g *Game) Involves(team string) bool {
	return g.Home.Abbrev == team || g.Away.Abbrev == team
}
