package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hackforge/go/clients"
	"github.com/mcdev12/hackforge/go/internal/gate"
	"github.com/mcdev12/hackforge/go/internal/livestate"
	"github.com/mcdev12/hackforge/go/internal/models"
	"github.com/mcdev12/hackforge/go/internal/realtime"
	"github.com/mcdev12/hackforge/go/internal/session"
)

var (
	ErrAlreadyPlayed     = errors.New("game already played")
	ErrFeatureClosed     = errors.New("this feature is not open yet")
	ErrSessionEnded      = errors.New("session ended while the request was in flight")
	ErrBusy              = errors.New("a submission is already in progress")
	ErrEmptyIssue        = errors.New("issue text cannot be empty")
	ErrDomainChosen      = errors.New("a problem statement has already been selected")
	ErrDomainUnavailable = errors.New("problem statement is unknown or has no free slots")
	ErrDomainRejected    = errors.New("problem statement selection rejected")
)

const defaultDomainTimeout = 10 * time.Second

// API is the REST surface the shell calls
type API interface {
	session.TeamVerifier
	SubmitScore(ctx context.Context, teamID string, game models.Game, score int) error
	SubmitIssue(ctx context.Context, teamID, text string) error
}

// Shell drives the team dashboard: it runs the guard's handshake, keeps the
// synchronizer alive for exactly the authenticated period and turns user
// actions into requests.
type Shell struct {
	api    API
	guard  *session.Guard
	live   *livestate.Synchronizer
	clock  clockwork.Clock
	rounds []models.AttendanceRound

	domainReplies *realtime.Correlator
	domainTimeout time.Duration
	unwatch       func()

	mu         sync.Mutex
	submitting map[gate.Feature]bool
	message    string
}

// NewShell wires the shell to an existing guard and synchronizer
func NewShell(conn realtime.Conn, api API, guard *session.Guard, live *livestate.Synchronizer, clock clockwork.Clock, rounds []models.AttendanceRound) *Shell {
	if len(rounds) == 0 {
		rounds = models.DefaultAttendanceRounds
	}
	s := &Shell{
		api:           api,
		guard:         guard,
		live:          live,
		clock:         clock,
		rounds:        rounds,
		domainReplies: realtime.NewCorrelator(conn, realtime.EventDomainSelected),
		domainTimeout: defaultDomainTimeout,
		submitting:    make(map[gate.Feature]bool),
	}
	s.unwatch = guard.Watch(s.onSessionChange)
	return s
}

func (s *Shell) onSessionChange(c session.Change) {
	switch c.Kind {
	case session.ChangeAuthenticated:
		if err := s.live.Start(context.Background(), c.Generation); err != nil {
			log.Warn().Err(err).Msg("live state started with missing initial values")
		}
	case session.ChangeTerminating:
		s.setMessage(c.Reason)
	case session.ChangeLoggedOut:
		s.live.Stop()
		s.domainReplies.CancelAll()
		s.mu.Lock()
		s.submitting = make(map[gate.Feature]bool)
		if !c.Forced {
			s.message = ""
		}
		s.mu.Unlock()
	}
}

// Login authenticates with a freshly entered access code
func (s *Shell) Login(ctx context.Context, credential string) (*models.Team, error) {
	team, err := s.guard.Authenticate(ctx, credential)
	if err != nil {
		s.setMessage(UserMessage(err))
		return nil, err
	}
	s.setMessage("Welcome, " + team.TeamName)
	return team, nil
}

// Resume authenticates with the stored access code, if any
func (s *Shell) Resume(ctx context.Context) (*models.Team, error) {
	team, err := s.guard.Resume(ctx)
	if err != nil {
		if !errors.Is(err, session.ErrNoCredential) {
			s.setMessage(UserMessage(err))
		}
		return nil, err
	}
	return team, nil
}

// Logout always succeeds locally
func (s *Shell) Logout(ctx context.Context) {
	s.guard.Logout(ctx)
}

// SubmitScore records a one-shot mini-game score
func (s *Shell) SubmitScore(ctx context.Context, game models.Game, score int) error {
	f := gate.ForGame(game)
	active, team, err := s.authorize(f)
	if err != nil {
		return err
	}
	if played, _ := team.GameResult(game); played {
		return ErrAlreadyPlayed
	}
	if !s.begin(f) {
		return ErrBusy
	}
	defer s.end(f)

	err = s.api.SubmitScore(ctx, active.TeamID, game, score)
	if !s.guard.Current(active.Generation) {
		return ErrSessionEnded
	}

	if err != nil {
		if clients.HasStatus(err, http.StatusForbidden) {
			s.refresh(ctx, active.Generation)
			s.setMessage(game.Title() + ": already played")
			return fmt.Errorf("%w: %v", ErrAlreadyPlayed, err)
		}
		s.setMessage("Error submitting score, please try again")
		return fmt.Errorf("failed to submit %s score: %w", game, err)
	}

	s.setMessage(fmt.Sprintf("Challenge complete! Your score of %d has been submitted.", score))
	s.refresh(ctx, active.Generation)
	return nil
}

// SubmitIssue files a support ticket
func (s *Shell) SubmitIssue(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyIssue
	}
	active, ok := s.guard.Active()
	if !ok {
		return session.ErrNotAuthenticated
	}

	if err := s.api.SubmitIssue(ctx, active.TeamID, text); err != nil {
		if !s.guard.Current(active.Generation) {
			return ErrSessionEnded
		}
		s.setMessage("Failed to submit request. Please try again later.")
		return err
	}
	if !s.guard.Current(active.Generation) {
		return ErrSessionEnded
	}
	s.setMessage("Request sent")
	s.refresh(ctx, active.Generation)
	return nil
}

// SelectDomain claims a problem statement and waits for the server's verdict
func (s *Shell) SelectDomain(ctx context.Context, domainID string) (*models.Domain, error) {
	active, team, err := s.authorize(gate.FeatureDomain)
	if err != nil {
		return nil, err
	}
	if team.HasDomain() {
		return nil, ErrDomainChosen
	}
	domain := models.FindDomainByID(s.live.Snapshot().Domains, domainID)
	if domain == nil || !domain.Selectable() {
		return nil, ErrDomainUnavailable
	}
	if !s.begin(gate.FeatureDomain) {
		return nil, ErrBusy
	}
	defer s.end(gate.FeatureDomain)

	msg, err := realtime.NewMessage(realtime.EventDomainSelected, realtime.DomainSelectRequest{
		TeamID: active.TeamID,
		Domain: domain.ID,
	})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := clockwork.WithTimeout(ctx, s.clock, s.domainTimeout)
	defer cancel()
	reply, err := s.domainReplies.Request(reqCtx, msg)
	if !s.guard.Current(active.Generation) {
		return nil, ErrSessionEnded
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select problem statement: %w", err)
	}

	var res realtime.DomainSelectReply
	if err := reply.Decode(&res); err != nil {
		return nil, err
	}
	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = "unknown error"
		}
		s.setMessage("Error: " + reason)
		return nil, fmt.Errorf("%w: %s", ErrDomainRejected, reason)
	}

	if res.Domain != nil && res.Domain.Name != "" {
		domain.Name = res.Domain.Name
	}
	s.setMessage("Successfully selected problem statement: " + domain.Name)
	s.refresh(ctx, active.Generation)
	return domain, nil
}

// RequestDomains asks the server to push the catalog again
func (s *Shell) RequestDomains(ctx context.Context) error {
	if _, ok := s.guard.Active(); !ok {
		return session.ErrNotAuthenticated
	}
	return s.live.RequestDomains(ctx)
}

// Close detaches the shell from the guard and the connection
func (s *Shell) Close() {
	s.unwatch()
	s.live.Stop()
	s.domainReplies.Close()
}

// authorize checks the session and that f's gate is open
func (s *Shell) authorize(f gate.Feature) (session.Active, *models.Team, error) {
	active, ok := s.guard.Active()
	if !ok {
		return session.Active{}, nil, session.ErrNotAuthenticated
	}
	team := s.guard.Team()
	if team == nil {
		return session.Active{}, nil, session.ErrNotAuthenticated
	}
	if s.live.Gates().Gate(f).State().Status != gate.StatusOpen {
		return session.Active{}, nil, ErrFeatureClosed
	}
	return active, team, nil
}

// refresh pulls the team document after a mutation; failures are handled by
// the synchronizer, which ends the session when the identity check fails
func (s *Shell) refresh(ctx context.Context, gen uint64) {
	if !s.guard.Current(gen) {
		return
	}
	if _, err := s.live.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("team refresh failed")
	}
}

func (s *Shell) begin(f gate.Feature) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitting[f] {
		return false
	}
	s.submitting[f] = true
	return true
}

func (s *Shell) end(f gate.Feature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.submitting, f)
}

func (s *Shell) setMessage(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = msg
}

// UserMessage turns an error into the text shown to the team
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var denied *session.DeniedError
	if errors.As(err, &denied) {
		return denied.Error()
	}
	for _, sentinel := range []error{
		ErrAlreadyPlayed,
		ErrSessionEnded,
		session.ErrInvalidCredential,
		session.ErrTeamFetchFailed,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	var status *clients.StatusError
	if errors.As(err, &status) {
		if msg := status.Message(); msg != "" {
			return msg
		}
	}
	return err.Error()
}
