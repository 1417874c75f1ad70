package models

import (
	"sort"
	"time"
)

// Domain is a problem statement offered for selection
type Domain struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Set         string `json:"set"`
	Slots       int    `json:"slots"`
	Description string `json:"description,omitempty"`
}

// Selectable reports whether the domain still has free slots
func (d Domain) Selectable() bool {
	return d.Slots > 0
}

// Reminder is an admin broadcast
type Reminder struct {
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Presentation is the slide template pushed to teams
type Presentation struct {
	FileURL  string `json:"fileUrl"`
	FileName string `json:"fileName"`
}

// FeedKind distinguishes the two sources merged into the intel feed
type FeedKind string

const (
	FeedReminder FeedKind = "reminder"
	FeedIssue    FeedKind = "issue"
)

// FeedEntry is one row of the intel feed
type FeedEntry struct {
	Kind      FeedKind  `json:"kind"`
	Text      string    `json:"text"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MergeFeed combines reminders and issues, most recent first
func MergeFeed(reminders []Reminder, issues []Issue) []FeedEntry {
	feed := make([]FeedEntry, 0, len(reminders)+len(issues))
	for _, r := range reminders {
		feed = append(feed, FeedEntry{Kind: FeedReminder, Text: r.Message, Timestamp: r.Time})
	}
	for _, i := range issues {
		feed = append(feed, FeedEntry{Kind: FeedIssue, Text: i.Text, Status: i.Status, Timestamp: i.Timestamp})
	}
	sort.SliceStable(feed, func(a, b int) bool {
		return feed[a].Timestamp.After(feed[b].Timestamp)
	})
	return feed
}

// GroupDomainsBySet returns the sorted set names and the domains under each
func GroupDomainsBySet(domains []Domain) ([]string, map[string][]Domain) {
	groups := make(map[string][]Domain)
	for _, d := range domains {
		groups[d.Set] = append(groups[d.Set], d)
	}
	sets := make([]string, 0, len(groups))
	for s := range groups {
		sets = append(sets, s)
	}
	sort.Strings(sets)
	return sets, groups
}

// FindDomainByName looks up the chosen problem statement; the team document stores its name
func FindDomainByName(domains []Domain, name string) *Domain {
	for i := range domains {
		if domains[i].Name == name {
			d := domains[i]
			return &d
		}
	}
	return nil
}

// FindDomainByID looks up a catalog entry by id
func FindDomainByID(domains []Domain, id string) *Domain {
	for i := range domains {
		if domains[i].ID == id {
			d := domains[i]
			return &d
		}
	}
	return nil
}
