package gate

import (
	"time"

	"github.com/mcdev12/hackforge/go/internal/countdown"
	"github.com/mcdev12/hackforge/go/internal/models"
)

// View is what the dashboard shows for one gate
type View struct {
	Feature    Feature              `json:"feature"`
	Title      string               `json:"title"`
	Status     Status               `json:"status"`
	UnlockAt   *time.Time           `json:"unlock_at,omitempty"`
	Remaining  *countdown.Remaining `json:"remaining,omitempty"`
	Countdown  string               `json:"countdown,omitempty"`
	Actionable bool                 `json:"actionable"`
	Completed  bool                 `json:"completed"`
	Result     string               `json:"result,omitempty"`
	Score      *int                 `json:"score,omitempty"`
	Message    string               `json:"message"`
}

// Render combines a gate's state with the team's one-shot completion flag.
// A completed feature shows its recorded result even while the gate is open.
func Render(f Feature, s State, team *models.Team, now time.Time) View {
	v := View{
		Feature: f,
		Title:   f.Title(),
		Status:  s.Status,
	}

	if g, ok := f.Game(); ok {
		played, score := team.GameResult(g)
		v.Completed = played
		v.Score = score
	} else if team.HasDomain() {
		v.Completed = true
		v.Result = *team.Domain
	}

	switch s.Status {
	case StatusClosedScheduled:
		at := s.UnlockAt
		r := countdown.Compute(at, now)
		v.UnlockAt = &at
		v.Remaining = &r
		v.Countdown = r.String()
		v.Message = "Opens in " + r.String()
	case StatusOpen:
		v.Actionable = team != nil && !v.Completed
		v.Message = "Open"
	default:
		v.Message = "Closed"
	}

	if v.Completed {
		v.Actionable = false
		v.Message = "Completed"
	}
	return v
}

// RenderAll renders every gate in dashboard order
func RenderAll(states map[Feature]State, team *models.Team, now time.Time) []View {
	views := make([]View, 0, len(Features))
	for _, f := range Features {
		s, ok := states[f]
		if !ok {
			s = State{Status: StatusClosedUnknown}
		}
		views = append(views, Render(f, s, team, now))
	}
	return views
}
