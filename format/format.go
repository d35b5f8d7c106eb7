// Package format renders post titles and bodies from game snapshots.
package format

import (
	"fmt"
	"strings"

	"gamedaylive/pkg/gameday"
)

const footer = "\n\n---\n\n^(This thread is updated automatically. Scores and events may lag the broadcast by a minute or two.)"

// LiveTitle is the live thread title, e.g. "Game Day Thread | MTL @ TOR | Jan 10, 1:00 PM".
func LiveTitle(g *gameday.Game, cfg *gameday.SubredditConfig) string {
	loc := gameday.TeamLocation(cfg.Team)
	return fmt.Sprintf("Game Day Thread | %s @ %s | %s",
		g.Away.Abbrev, g.Home.Abbrev, g.StartTime.In(loc).Format("Jan 2, 3:04 PM MST"))
}

// RecapTitle is the recap thread title, e.g. "PGT | MTL @ TOR".
func RecapTitle(g *gameday.Game) string {
	return fmt.Sprintf("PGT | %s @ %s", g.Away.Abbrev, g.Home.Abbrev)
}

// Title picks the title for the thread kind.
func Title(kind gameday.ThreadKind, g *gameday.Game, cfg *gameday.SubredditConfig) string {
	if kind == gameday.KindRecap {
		return RecapTitle(g)
	}
	return LiveTitle(g, cfg)
}

// Body renders the post body with the standard footer.
func Body(g *gameday.Game) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s %d - %d %s\n\n", g.Away.Abbrev, g.Away.Score, g.Home.Score, g.Home.Abbrev)
	b.WriteString(status(g))
	b.WriteString("\n\n")
	if g.Venue != "" {
		fmt.Fprintf(&b, "**Venue:** %s\n\n", g.Venue)
	}

	if g.Tag != gameday.TagScheduled {
		b.WriteString("| Team | Score | Shots |\n|:--|:-:|:-:|\n")
		fmt.Fprintf(&b, "| %s | %d | %d |\n", g.Away.Abbrev, g.Away.Score, g.Away.ShotsOnGoal)
		fmt.Fprintf(&b, "| %s | %d | %d |\n\n", g.Home.Abbrev, g.Home.Score, g.Home.ShotsOnGoal)
	}

	writeEvents(&b, "Scoring", g.Events, gameday.EventGoal)
	writeEvents(&b, "Penalties", g.Events, gameday.EventPenalty)

	b.WriteString(footer)
	return b.String()
}

func writeEvents(b *strings.Builder, heading string, events []gameday.Event, kind string) {
	var rows []gameday.Event
	for _, e := range events {
		if e.Type == kind {
			rows = append(rows, e)
		}
	}
	if len(rows) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n| Period | Time | Team | Description |\n|:-:|:-:|:-:|:--|\n", heading)
	for _, e := range rows {
		fmt.Fprintf(b, "| %s | %s | %s | %s |\n", periodLabel(e.Period), e.Time, e.Team, e.Description)
	}
	b.WriteString("\n")
}

func status(g *gameday.Game) string {
	switch g.Tag {
	case gameday.TagScheduled:
		return fmt.Sprintf("Puck drop at %s.", g.StartTime.UTC().Format("15:04 MST"))
	case gameday.TagIntermission:
		return fmt.Sprintf("%s intermission, %s remaining.", periodLabel(g.Period.Number), g.Clock.TimeRemaining)
	case gameday.TagShootout:
		return "Shootout."
	case gameday.TagFinal, gameday.TagOfficial:
		if g.Period.Type == "OT" || g.Period.Type == "SO" {
			return "Final/" + g.Period.Type + "."
		}
		return "Final."
	default:
		return fmt.Sprintf("%s period, %s remaining.", periodLabel(g.Period.Number), g.Clock.TimeRemaining)
	}
}

func periodLabel(n int) string {
	switch n {
	case 1:
		return "1st"
	case 2:
		return "2nd"
	case 3:
		return "3rd"
	case 4:
		return "OT"
	case 5:
		return "SO"
	default:
		return fmt.Sprintf("%dOT", n-3)
	}
}

// ClosingComment is posted on the live thread when the recap opens.
func ClosingComment(recapURL string) string {
	return fmt.Sprintf("This thread is now closed. The discussion continues in the [post game thread](%s).", recapURL)
}
