package models

import (
	"time"
)

// AttendanceStatus is the per-round status recorded by the attendance desk
type AttendanceStatus string

const (
	AttendancePresent AttendanceStatus = "Present"
	AttendanceAbsent  AttendanceStatus = "Absent"
)

// Attendance is a single round record for one member
type Attendance struct {
	Round  int              `json:"round"`
	Status AttendanceStatus `json:"status"`
}

// Member represents the team lead or one of the team members
type Member struct {
	Name               string       `json:"name"`
	RegistrationNumber string       `json:"registrationNumber"`
	QRCode             string       `json:"qrCode,omitempty"`
	Attendance         []Attendance `json:"attendance,omitempty"`
}

// StatusFor returns the recorded status for a round, or "" when nothing was recorded
func (m Member) StatusFor(round int) AttendanceStatus {
	for _, a := range m.Attendance {
		if a.Round == round {
			return a.Status
		}
	}
	return ""
}

// Issue is a support ticket raised by the team
type Issue struct {
	Text      string    `json:"text"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Team is the server-owned team document. The client never invents one;
// it only holds the latest copy fetched over REST or pushed over the socket.
type Team struct {
	ID                 string   `json:"_id"`
	TeamName           string   `json:"teamname"`
	LeadName           string   `json:"name"`
	Sector             string   `json:"Sector,omitempty"`
	RegistrationNumber string   `json:"registrationNumber,omitempty"`
	Email              string   `json:"email,omitempty"`
	Verified           bool     `json:"verified,omitempty"`
	Lead               Member   `json:"lead"`
	Members            []Member `json:"teamMembers"`
	Domain             *string  `json:"Domain"`

	MemoryGamePlayed   bool `json:"memoryGamePlayed"`
	MemoryGameScore    *int `json:"memoryGameScore,omitempty"`
	NumberPuzzlePlayed bool `json:"numberPuzzlePlayed"`
	NumberPuzzleScore  *int `json:"numberPuzzleScore,omitempty"`
	StopTheBarPlayed   bool `json:"stopTheBarPlayed"`
	StopTheBarScore    *int `json:"stopTheBarScore,omitempty"`

	Issues []Issue `json:"issues,omitempty"`
}

// HasDomain reports whether a problem statement has been chosen
func (t *Team) HasDomain() bool {
	return t != nil && t.Domain != nil && *t.Domain != ""
}

// GameResult returns the played flag and score for a mini-game.
// Both values come from the same document so they are always consistent.
func (t *Team) GameResult(g Game) (played bool, score *int) {
	if t == nil {
		return false, nil
	}
	switch g {
	case GameMemory:
		return t.MemoryGamePlayed, t.MemoryGameScore
	case GameNumberPuzzle:
		return t.NumberPuzzlePlayed, t.NumberPuzzleScore
	case GameStopTheBar:
		return t.StopTheBarPlayed, t.StopTheBarScore
	}
	return false, nil
}

// AllMembers returns the lead followed by the team members
func (t *Team) AllMembers() []Member {
	if t == nil {
		return nil
	}
	all := make([]Member, 0, len(t.Members)+1)
	all = append(all, t.Lead)
	return append(all, t.Members...)
}

// Clone returns a deep copy so snapshots handed to readers can't alias live state
func (t *Team) Clone() *Team {
	if t == nil {
		return nil
	}
	c := *t
	if t.Domain != nil {
		d := *t.Domain
		c.Domain = &d
	}
	c.MemoryGameScore = cloneInt(t.MemoryGameScore)
	c.NumberPuzzleScore = cloneInt(t.NumberPuzzleScore)
	c.StopTheBarScore = cloneInt(t.StopTheBarScore)
	c.Lead = cloneMember(t.Lead)
	if t.Members != nil {
		c.Members = make([]Member, len(t.Members))
		for i, m := range t.Members {
			c.Members[i] = cloneMember(m)
		}
	}
	if t.Issues != nil {
		c.Issues = append([]Issue(nil), t.Issues...)
	}
	return &c
}

func cloneMember(m Member) Member {
	if m.Attendance != nil {
		m.Attendance = append([]Attendance(nil), m.Attendance...)
	}
	return m
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
