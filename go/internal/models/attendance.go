package models

// AttendanceRound is one scheduled check-in window
type AttendanceRound struct {
	Round int    `json:"round" yaml:"round"`
	Time  string `json:"time" yaml:"time"`
}

// DefaultAttendanceRounds is the schedule used when none is configured
var DefaultAttendanceRounds = []AttendanceRound{
	{Round: 1, Time: "09:30 AM"},
	{Round: 2, Time: "11:30 AM"},
	{Round: 3, Time: "02:00 PM"},
	{Round: 4, Time: "04:30 PM"},
	{Round: 5, Time: "07:00 PM"},
	{Round: 6, Time: "09:30 PM"},
	{Round: 7, Time: "11:30 PM"},
}

// MemberAttendance is one row of the attendance table
type MemberAttendance struct {
	Name               string             `json:"name"`
	RegistrationNumber string             `json:"registration_number"`
	Lead               bool               `json:"lead"`
	Rounds             []AttendanceStatus `json:"rounds"`
}

// AttendanceSummary is the attendance table plus the overall present percentage
type AttendanceSummary struct {
	Rounds         []AttendanceRound  `json:"rounds"`
	Members        []MemberAttendance `json:"members"`
	PresentPercent float64            `json:"present_percent"`
}

// SummarizeAttendance builds the attendance table for a team.
// The percentage is taken over every member (lead included) times every round.
func SummarizeAttendance(t *Team, rounds []AttendanceRound) AttendanceSummary {
	summary := AttendanceSummary{Rounds: rounds}
	if t == nil {
		return summary
	}

	present := 0
	for i, m := range t.AllMembers() {
		row := MemberAttendance{
			Name:               m.Name,
			RegistrationNumber: m.RegistrationNumber,
			Lead:               i == 0,
			Rounds:             make([]AttendanceStatus, len(rounds)),
		}
		for j, r := range rounds {
			status := m.StatusFor(r.Round)
			row.Rounds[j] = status
			if status == AttendancePresent {
				present++
			}
		}
		summary.Members = append(summary.Members, row)
	}

	total := len(summary.Members) * len(rounds)
	if total > 0 {
		summary.PresentPercent = float64(present) * 100 / float64(total)
	}
	return summary
}
