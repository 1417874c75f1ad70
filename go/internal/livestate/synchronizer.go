package livestate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hackforge/go/internal/gate"
	"github.com/mcdev12/hackforge/go/internal/models"
	"github.com/mcdev12/hackforge/go/internal/realtime"
	"github.com/mcdev12/hackforge/go/internal/session"
)

// ErrStaleSession is returned when the session ended while a refresh was in flight
var ErrStaleSession = errors.New("session ended before the refresh completed")

// Guard is the part of the session guard the synchronizer relies on
type Guard interface {
	Active() (session.Active, bool)
	Current(gen uint64) bool
	ReplaceTeam(gen uint64, team *models.Team) bool
	Logout(ctx context.Context)
}

// Snapshot is an immutable copy of everything pushed since Start
type Snapshot struct {
	Generation     uint64                      `json:"generation"`
	Running        bool                        `json:"running"`
	Gates          map[gate.Feature]gate.State `json:"gates"`
	Domains        []models.Domain             `json:"domains"`
	DomainsLoaded  bool                        `json:"domains_loaded"`
	Reminders      []models.Reminder           `json:"reminders"`
	LatestReminder *models.Reminder            `json:"latest_reminder,omitempty"`
	Presentation   *models.Presentation        `json:"presentation,omitempty"`
}

// Synchronizer keeps the dashboard's server-pushed state for one authenticated
// session. Every push replaces its slice whole; nothing is merged field by field.
type Synchronizer struct {
	conn     realtime.Conn
	guard    Guard
	verifier session.TeamVerifier
	clock    clockwork.Clock
	gates    *gate.Set

	// lifeMu serializes Start and Stop
	lifeMu sync.Mutex
	// gateMu orders gate pushes against Stop so a push that lost the race
	// never lands on the next session's gates
	gateMu sync.Mutex

	mu             sync.Mutex
	subs           realtime.Subscriptions
	running        bool
	gen            uint64
	epoch          uint64
	domains        []models.Domain
	domainsLoaded  bool
	reminders      []models.Reminder
	untimed        map[string]bool
	latestReminder *models.Reminder
	presentation   *models.Presentation
}

// NewSynchronizer creates an idle synchronizer. onGate, if set, is told about
// every gate transition.
func NewSynchronizer(conn realtime.Conn, guard Guard, verifier session.TeamVerifier, clock clockwork.Clock, pollInterval time.Duration, onGate gate.ChangeFunc) *Synchronizer {
	return &Synchronizer{
		conn:     conn,
		guard:    guard,
		verifier: verifier,
		clock:    clock,
		gates:    gate.NewSet(clock, pollInterval, onGate),
	}
}

// Gates exposes the gate set for rendering
func (s *Synchronizer) Gates() *gate.Set {
	return s.gates
}

// Start subscribes to every push for session gen and asks the server for the
// initial values. Starting an already running synchronizer is a no-op.
func (s *Synchronizer) Start(ctx context.Context, gen uint64) error {
	if !s.subscribe(gen) {
		return nil
	}

	var errs []error
	requests := []string{realtime.EventGetDomains}
	for _, f := range gate.Features {
		requests = append(requests, f.RequestEvent())
	}
	for _, event := range requests {
		if err := s.conn.Emit(ctx, realtime.Message{Event: event}); err != nil {
			log.Warn().Err(err).Str("event", event).Msg("failed to request initial state")
			errs = append(errs, fmt.Errorf("%s: %w", event, err))
		}
	}
	return errors.Join(errs...)
}

// subscribe reports false when already running
func (s *Synchronizer) subscribe(gen uint64) bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false
	}
	s.running = true
	s.gen = gen
	s.epoch++
	b := binding{gen: gen, epoch: s.epoch}
	s.mu.Unlock()

	s.gateMu.Lock()
	s.gates.Start()
	s.gateMu.Unlock()

	s.subs.Add(s.conn, realtime.EventTeam, s.guarded(b, s.onTeam))
	s.subs.Add(s.conn, realtime.EventDomainData, s.guarded(b, s.onDomains))
	s.subs.Add(s.conn, realtime.EventReminder, s.guarded(b, s.onReminder))
	s.subs.Add(s.conn, realtime.EventReceivePPT, s.guarded(b, s.onPresentation))
	for _, f := range gate.Features {
		f := f
		s.subs.Add(s.conn, f.StatusEvent(), s.guarded(b, func(b binding, msg realtime.Message) {
			s.onGate(b, f, msg)
		}))
	}

	log.Debug().Uint64("generation", gen).Msg("live state subscribed")
	return true
}

// Stop drops every subscription, stops the gates and forgets all pushed state.
// Handlers already running when Stop is called write nothing once it returns.
func (s *Synchronizer) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.domains = nil
	s.domainsLoaded = false
	s.reminders = nil
	s.untimed = nil
	s.latestReminder = nil
	s.presentation = nil
	gen := s.gen
	s.mu.Unlock()

	s.subs.Release()

	s.gateMu.Lock()
	s.gates.Reset()
	s.gateMu.Unlock()

	if wasRunning {
		log.Debug().Uint64("generation", gen).Msg("live state released")
	}
}

// Running reports whether the synchronizer is subscribed
func (s *Synchronizer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RequestDomains asks the server to push the catalog again
func (s *Synchronizer) RequestDomains(ctx context.Context) error {
	if err := s.conn.Emit(ctx, realtime.Message{Event: realtime.EventGetDomains}); err != nil {
		return fmt.Errorf("failed to request domains: %w", err)
	}
	return nil
}

// Refresh re-runs the identity check and replaces the team document. A failed
// check ends the session the same way a failed login would.
func (s *Synchronizer) Refresh(ctx context.Context) (*models.Team, error) {
	active, ok := s.guard.Active()
	if !ok {
		return nil, session.ErrNotAuthenticated
	}

	team, err := s.verifier.VerifyTeam(ctx, active.Credential)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !s.guard.Current(active.Generation) {
			return nil, ErrStaleSession
		}
		log.Warn().Err(err).Str("team_id", active.TeamID).Msg("refresh failed, ending session")
		s.guard.Logout(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to refresh team: %w", err)
	}

	if !s.guard.ReplaceTeam(active.Generation, team) {
		return nil, ErrStaleSession
	}
	return team, nil
}

// Snapshot copies the current state
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Generation:    s.gen,
		Running:       s.running,
		Domains:       append([]models.Domain(nil), s.domains...),
		DomainsLoaded: s.domainsLoaded,
		Reminders:     append([]models.Reminder(nil), s.reminders...),
	}
	if s.latestReminder != nil {
		r := *s.latestReminder
		snap.LatestReminder = &r
	}
	if s.presentation != nil {
		p := *s.presentation
		snap.Presentation = &p
	}
	s.mu.Unlock()

	snap.Gates = s.gates.States()
	return snap
}

// Feed merges the pushed reminders with the team's issues, most recent first
func (s *Synchronizer) Feed(team *models.Team) []models.FeedEntry {
	s.mu.Lock()
	reminders := append([]models.Reminder(nil), s.reminders...)
	s.mu.Unlock()

	var issues []models.Issue
	if team != nil {
		issues = team.Issues
	}
	return models.MergeFeed(reminders, issues)
}

// binding ties a handler to the session generation and to the Start call
// that registered it
type binding struct {
	gen   uint64
	epoch uint64
}

type boundHandler func(b binding, msg realtime.Message)

// guarded drops pushes that arrive after Stop or for an ended session. The
// check is repeated by every write, since Stop can run while h is decoding.
func (s *Synchronizer) guarded(b binding, h boundHandler) realtime.Handler {
	return func(msg realtime.Message) {
		s.mu.Lock()
		live := s.liveLocked(b)
		s.mu.Unlock()
		if !live {
			return
		}
		h(b, msg)
	}
}

// liveLocked must be called with s.mu held
func (s *Synchronizer) liveLocked(b binding) bool {
	return s.running && s.epoch == b.epoch && s.gen == b.gen
}

func (s *Synchronizer) onTeam(b binding, msg realtime.Message) {
	var team models.Team
	if err := msg.Decode(&team); err != nil {
		log.Warn().Err(err).Msg("dropping malformed team push")
		return
	}

	if !s.guard.ReplaceTeam(b.gen, &team) {
		log.Debug().Str("team_id", team.ID).Msg("ignoring team push for another team")
	}
}

func (s *Synchronizer) onDomains(b binding, msg realtime.Message) {
	var domains []models.Domain
	if len(msg.Data) > 0 {
		if err := msg.Decode(&domains); err != nil {
			log.Warn().Err(err).Msg("dropping malformed domain catalog")
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.liveLocked(b) {
		return
	}
	s.domains = domains
	s.domainsLoaded = true
}

type reminderPayload struct {
	Message string          `json:"message"`
	Time    json.RawMessage `json:"time"`
}

// onReminder de-duplicates on (time, message). A reminder without a usable
// time is stamped with the receive time and de-duplicated on its message.
func (s *Synchronizer) onReminder(b binding, msg realtime.Message) {
	var p reminderPayload
	if err := msg.Decode(&p); err != nil {
		log.Warn().Err(err).Msg("dropping malformed reminder")
		return
	}
	at, timed := parseTime(p.Time)
	if !timed {
		at = s.clock.Now()
	}
	r := models.Reminder{
		Message: strings.TrimSpace(p.Message),
		Time:    at,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.liveLocked(b) {
		return
	}
	if !timed {
		if s.untimed[r.Message] {
			return
		}
		if s.untimed == nil {
			s.untimed = make(map[string]bool)
		}
		s.untimed[r.Message] = true
	} else {
		for _, existing := range s.reminders {
			if existing.Message == r.Message && existing.Time.Equal(r.Time) {
				return
			}
		}
	}
	s.reminders = append(s.reminders, r)
	s.latestReminder = &r
}

func (s *Synchronizer) onPresentation(b binding, msg realtime.Message) {
	var p models.Presentation
	if err := msg.Decode(&p); err != nil {
		log.Warn().Err(err).Msg("dropping malformed presentation push")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.liveLocked(b) {
		return
	}
	s.presentation = &p
}

func (s *Synchronizer) onGate(b binding, f gate.Feature, msg realtime.Message) {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()

	s.mu.Lock()
	live := s.liveLocked(b)
	s.mu.Unlock()
	if !live {
		return
	}
	if _, err := s.gates.Push(f, msg.Data); err != nil {
		log.Warn().Err(err).Str("feature", string(f)).Msg("dropping unreadable unlock time")
	}
}

// parseTime accepts an RFC 3339 string or epoch milliseconds. ok is false
// for anything else.
func parseTime(raw json.RawMessage) (t time.Time, ok bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, false
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, true
		}
		return time.Time{}, false
	}
	var ms int64
	if json.Unmarshal(raw, &ms) == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}
