package dashboard

import (
	"sort"
	"time"

	"github.com/mcdev12/hackforge/go/internal/gate"
	"github.com/mcdev12/hackforge/go/internal/models"
	"github.com/mcdev12/hackforge/go/internal/session"
)

// DomainSet is one group of the problem statement catalog
type DomainSet struct {
	Name    string          `json:"name"`
	Domains []models.Domain `json:"domains"`
}

// Catalog is the problem statement picker
type Catalog struct {
	Loaded   bool           `json:"loaded"`
	Sets     []DomainSet    `json:"sets"`
	Selected *models.Domain `json:"selected,omitempty"`
}

// View is everything the dashboard renders, taken at one instant
type View struct {
	Session        session.Status            `json:"session"`
	Message        string                    `json:"message,omitempty"`
	Team           *models.Team              `json:"team,omitempty"`
	Attendance     *models.AttendanceSummary `json:"attendance,omitempty"`
	Gates          []gate.View               `json:"gates"`
	Catalog        Catalog                   `json:"catalog"`
	Feed           []models.FeedEntry        `json:"feed"`
	LatestReminder *models.Reminder          `json:"latest_reminder,omitempty"`
	Presentation   *models.Presentation      `json:"presentation,omitempty"`
	Submitting     []gate.Feature            `json:"submitting,omitempty"`
	RenderedAt     time.Time                 `json:"rendered_at"`
}

// View renders the current state. Unauthenticated views carry only the
// session status and message.
func (s *Shell) View() View {
	now := s.clock.Now()
	team := s.guard.Team()

	s.mu.Lock()
	v := View{
		Session:    s.guard.Status(),
		Message:    s.message,
		RenderedAt: now,
	}
	for f := range s.submitting {
		v.Submitting = append(v.Submitting, f)
	}
	s.mu.Unlock()
	sort.Slice(v.Submitting, func(i, j int) bool { return v.Submitting[i] < v.Submitting[j] })

	if team == nil {
		v.Gates = gate.RenderAll(nil, nil, now)
		return v
	}

	snap := s.live.Snapshot()
	summary := models.SummarizeAttendance(team, s.rounds)

	v.Team = team
	v.Attendance = &summary
	v.Gates = gate.RenderAll(snap.Gates, team, now)
	v.Catalog = buildCatalog(snap.Domains, snap.DomainsLoaded, team)
	v.Feed = s.live.Feed(team)
	v.LatestReminder = snap.LatestReminder
	v.Presentation = snap.Presentation
	return v
}

func buildCatalog(domains []models.Domain, loaded bool, team *models.Team) Catalog {
	c := Catalog{Loaded: loaded}
	names, groups := models.GroupDomainsBySet(domains)
	for _, name := range names {
		c.Sets = append(c.Sets, DomainSet{Name: name, Domains: groups[name]})
	}
	if team.HasDomain() {
		c.Selected = models.FindDomainByName(domains, *team.Domain)
		if c.Selected == nil {
			c.Selected = &models.Domain{Name: *team.Domain}
		}
	}
	return c
}
