package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hackforge/go/internal/models"
	"github.com/mcdev12/hackforge/go/internal/realtime"
)

// Phase is the guard's lifecycle state
type Phase string

const (
	PhaseUnauthenticated Phase = "unauthenticated"
	PhaseAuthenticating  Phase = "authenticating"
	PhaseAuthenticated   Phase = "authenticated"
	// PhaseTerminating is the grace period between a forced logout push and the logout itself
	PhaseTerminating Phase = "terminating"
)

const defaultForcedLogoutReason = "Your session was ended by the organizers"

// TeamVerifier performs the REST identity check
type TeamVerifier interface {
	VerifyTeam(ctx context.Context, credential string) (*models.Team, error)
}

// Config holds the guard's timers
type Config struct {
	LockTimeout       time.Duration `yaml:"lock_timeout"`
	ForcedLogoutGrace time.Duration `yaml:"forced_logout_grace"`
	LogoutTimeout     time.Duration `yaml:"logout_timeout"`
}

// DefaultConfig returns the stock handshake timings
func DefaultConfig() Config {
	return Config{
		LockTimeout:       10 * time.Second,
		ForcedLogoutGrace: 3 * time.Second,
		LogoutTimeout:     2 * time.Second,
	}
}

// ChangeKind identifies a guard transition
type ChangeKind string

const (
	ChangeAuthenticated ChangeKind = "authenticated"
	ChangeTeamUpdated   ChangeKind = "team_updated"
	ChangeTerminating   ChangeKind = "terminating"
	ChangeLoggedOut     ChangeKind = "logged_out"
)

// Change is delivered to watchers after a transition has been committed
type Change struct {
	Kind       ChangeKind
	Generation uint64
	Team       *models.Team
	Reason     string
	Forced     bool
}

// Active describes the current authenticated session
type Active struct {
	Generation uint64
	TeamID     string
	Credential string
}

// Status is a read-only snapshot for rendering
type Status struct {
	Phase      Phase  `json:"phase"`
	Generation uint64 `json:"generation"`
	TeamID     string `json:"team_id,omitempty"`
	Notice     string `json:"notice,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Guard runs the identity-check-then-lock handshake and owns the in-memory
// team and the persisted credential. Every authenticated period gets a new
// generation number; callers holding an older one must drop their results.
type Guard struct {
	conn     realtime.Conn
	verifier TeamVerifier
	store    CredentialStore
	clock    clockwork.Clock
	cfg      Config

	locks *realtime.Correlator
	subs  realtime.Subscriptions

	// attempts are serialized; attemptSeq is bumped by every new attempt and
	// every logout so an older attempt can tell it lost
	attemptMu sync.Mutex

	mu            sync.Mutex
	phase         Phase
	team          *models.Team
	credential    string
	generation    uint64
	attemptSeq    uint64
	cancelAttempt context.CancelFunc
	notice        string
	lastErr       string
	grace         clockwork.Timer

	watchMu     sync.Mutex
	nextWatcher uint64
	watchers    map[uint64]func(Change)
}

// NewGuard wires a guard to the shared connection
func NewGuard(conn realtime.Conn, verifier TeamVerifier, store CredentialStore, clock clockwork.Clock, cfg Config) *Guard {
	def := DefaultConfig()
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.ForcedLogoutGrace <= 0 {
		cfg.ForcedLogoutGrace = def.ForcedLogoutGrace
	}
	if cfg.LogoutTimeout <= 0 {
		cfg.LogoutTimeout = def.LogoutTimeout
	}

	g := &Guard{
		conn:     conn,
		verifier: verifier,
		store:    store,
		clock:    clock,
		cfg:      cfg,
		phase:    PhaseUnauthenticated,
		watchers: make(map[uint64]func(Change)),
	}
	g.locks = realtime.NewCorrelator(conn, realtime.EventLoginSuccess, realtime.EventLoginError)
	g.subs.Add(conn, realtime.EventForceLogout, g.onForceLogout)
	return g
}

// Resume authenticates with the stored credential
func (g *Guard) Resume(ctx context.Context) (*models.Team, error) {
	credential, err := g.store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if credential == "" {
		return nil, ErrNoCredential
	}
	return g.Authenticate(ctx, credential)
}

// Authenticate runs the handshake for credential. A newer call, or a Logout,
// supersedes an attempt still in flight.
func (g *Guard) Authenticate(ctx context.Context, credential string) (*models.Team, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrNoCredential
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	seq := g.supersede(cancel)

	g.attemptMu.Lock()
	defer g.attemptMu.Unlock()

	g.mu.Lock()
	if seq != g.attemptSeq {
		g.mu.Unlock()
		return nil, ErrSuperseded
	}
	if g.phase == PhaseAuthenticated || g.phase == PhaseTerminating {
		g.mu.Unlock()
		return nil, ErrAlreadyAuthenticated
	}
	g.phase = PhaseAuthenticating
	g.notice = ""
	g.lastErr = ""
	g.mu.Unlock()

	team, err := g.verifier.VerifyTeam(attemptCtx, credential)
	if err != nil {
		if abort := g.aborted(ctx, seq); abort != nil {
			return nil, abort
		}
		log.Info().Err(err).Msg("identity check rejected")
		return nil, g.fail(seq, fmt.Errorf("%w: %v", ErrInvalidCredential, err))
	}

	logger := log.With().Str("team_id", team.ID).Logger()
	logger.Debug().Msg("identity check passed, requesting session lock")

	reply, err := g.requestLock(attemptCtx, team.ID)
	if err != nil {
		if abort := g.aborted(ctx, seq); abort != nil {
			return nil, abort
		}
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn().Dur("timeout", g.cfg.LockTimeout).Msg("session lock timed out")
			return nil, g.fail(seq, &DeniedError{Reason: ErrLockTimeout.Error(), cause: ErrLockTimeout})
		}
		return nil, g.fail(seq, fmt.Errorf("failed to request session lock: %w", err))
	}

	if reply.Event == realtime.EventLoginError {
		var p realtime.LoginErrorPayload
		if err := reply.Decode(&p); err != nil {
			logger.Warn().Err(err).Msg("malformed login error payload")
		}
		logger.Info().Str("reason", p.Message).Msg("session lock denied")
		return nil, g.fail(seq, &DeniedError{Reason: p.Message})
	}

	// a reply without an id is matched to the newest request, so a late grant
	// from an abandoned attempt can land here; trust it only for this team
	if granted, ok := realtime.GrantedTeam(reply); ok && granted != team.ID {
		logger.Warn().Str("granted_team_id", granted).Msg("session lock granted for another team")
		g.releaseLock(context.Background(), granted)
		if abort := g.aborted(ctx, seq); abort != nil {
			return nil, abort
		}
		return nil, g.fail(seq, &DeniedError{Reason: ErrGrantMismatch.Error(), cause: ErrGrantMismatch})
	}

	// granted: the team document is fetched again now that this client holds the lock
	fresh, err := g.verifier.VerifyTeam(attemptCtx, credential)
	if err != nil {
		g.releaseLock(context.Background(), team.ID)
		if abort := g.aborted(ctx, seq); abort != nil {
			return nil, abort
		}
		return nil, g.fail(seq, fmt.Errorf("%w: %v", ErrTeamFetchFailed, err))
	}

	if err := g.store.Save(credential); err != nil {
		logger.Error().Err(err).Msg("failed to persist credential")
	}

	g.mu.Lock()
	if seq != g.attemptSeq {
		g.mu.Unlock()
		// a logout landed after the grant; undo what this attempt persisted
		if err := g.store.Clear(); err != nil {
			logger.Warn().Err(err).Msg("failed to clear credential")
		}
		g.releaseLock(context.Background(), team.ID)
		return nil, ErrSuperseded
	}
	g.generation++
	gen := g.generation
	g.phase = PhaseAuthenticated
	g.team = fresh.Clone()
	g.credential = credential
	g.cancelAttempt = nil
	g.mu.Unlock()

	logger.Info().Uint64("generation", gen).Msg("session established")
	g.notify(Change{Kind: ChangeAuthenticated, Generation: gen, Team: fresh.Clone()})
	return fresh.Clone(), nil
}

// Logout releases the lock best-effort and always succeeds locally
func (g *Guard) Logout(ctx context.Context) {
	g.endSession(ctx, "", false, 0)
}

func (g *Guard) requestLock(ctx context.Context, teamID string) (realtime.Message, error) {
	msg, err := realtime.NewMessage(realtime.EventTeamLogin, teamID)
	if err != nil {
		return realtime.Message{}, err
	}
	lockCtx, cancel := clockwork.WithTimeout(ctx, g.clock, g.cfg.LockTimeout)
	defer cancel()
	return g.locks.Request(lockCtx, msg)
}

// releaseLock emits team:logout and ignores the outcome
func (g *Guard) releaseLock(ctx context.Context, teamID string) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	emitCtx, cancel := clockwork.WithTimeout(ctx, g.clock, g.cfg.LogoutTimeout)
	defer cancel()

	msg, err := realtime.NewMessage(realtime.EventTeamLogout, teamID)
	if err == nil {
		err = g.conn.Emit(emitCtx, msg)
	}
	if err != nil {
		log.Debug().Err(err).Str("team_id", teamID).Msg("lock release not delivered")
	}
}

// supersede cancels the attempt in flight and registers the next one
func (g *Guard) supersede(cancel context.CancelFunc) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelAttempt != nil {
		g.cancelAttempt()
	}
	g.cancelAttempt = cancel
	g.attemptSeq++
	return g.attemptSeq
}

// aborted reports why an attempt should stop without touching the store:
// either a newer attempt took over or the caller gave up.
func (g *Guard) aborted(parent context.Context, seq uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if seq != g.attemptSeq {
		return ErrSuperseded
	}
	if err := parent.Err(); err != nil {
		g.phase = PhaseUnauthenticated
		g.cancelAttempt = nil
		return err
	}
	return nil
}

// fail discards the stored credential and leaves the guard unauthenticated
func (g *Guard) fail(seq uint64, err error) error {
	if clearErr := g.store.Clear(); clearErr != nil {
		log.Warn().Err(clearErr).Msg("failed to clear credential")
	}

	g.mu.Lock()
	if seq == g.attemptSeq {
		g.phase = PhaseUnauthenticated
		g.team = nil
		g.credential = ""
		g.lastErr = err.Error()
		g.cancelAttempt = nil
	}
	g.mu.Unlock()
	return err
}

// endSession tears the session down. onlyGen of zero matches any generation.
func (g *Guard) endSession(ctx context.Context, reason string, forced bool, onlyGen uint64) {
	g.mu.Lock()
	if onlyGen != 0 && onlyGen != g.generation {
		g.mu.Unlock()
		return
	}
	if g.cancelAttempt != nil {
		g.cancelAttempt()
		g.cancelAttempt = nil
	}
	g.attemptSeq++
	if g.grace != nil {
		g.grace.Stop()
		g.grace = nil
	}

	wasActive := g.phase == PhaseAuthenticated || g.phase == PhaseTerminating
	var teamID string
	if g.team != nil {
		teamID = g.team.ID
	}
	if wasActive {
		g.generation++
	}
	gen := g.generation
	g.phase = PhaseUnauthenticated
	g.team = nil
	g.credential = ""
	if forced {
		g.notice = reason
	} else {
		g.notice = ""
	}
	g.mu.Unlock()

	// the server already revoked a forced session; only a voluntary logout releases
	if wasActive && !forced {
		g.releaseLock(ctx, teamID)
	}
	if err := g.store.Clear(); err != nil {
		log.Warn().Err(err).Msg("failed to clear credential")
	}

	if wasActive {
		log.Info().Str("team_id", teamID).Bool("forced", forced).Msg("session ended")
		g.notify(Change{Kind: ChangeLoggedOut, Generation: gen, Reason: reason, Forced: forced})
	}
}

func (g *Guard) onForceLogout(msg realtime.Message) {
	var p realtime.ForceLogoutPayload
	if err := msg.Decode(&p); err != nil {
		var text string
		if msg.Decode(&text) == nil {
			p.Message = text
		}
	}
	reason := strings.TrimSpace(p.Message)
	if reason == "" {
		reason = defaultForcedLogoutReason
	}

	g.mu.Lock()
	if g.phase != PhaseAuthenticated {
		phase := g.phase
		g.mu.Unlock()
		log.Debug().Str("phase", string(phase)).Msg("ignoring forced logout")
		return
	}
	g.phase = PhaseTerminating
	g.notice = reason
	gen := g.generation
	g.grace = g.clock.AfterFunc(g.cfg.ForcedLogoutGrace, func() {
		g.endSession(context.Background(), reason, true, gen)
	})
	g.mu.Unlock()

	log.Warn().Str("reason", reason).Uint64("generation", gen).Msg("forced logout received")
	g.notify(Change{Kind: ChangeTerminating, Generation: gen, Reason: reason, Forced: true})
}

// ReplaceTeam swaps in a newer team document for the session gen. Documents
// for another team or an ended session are dropped.
func (g *Guard) ReplaceTeam(gen uint64, team *models.Team) bool {
	if team == nil {
		return false
	}

	g.mu.Lock()
	if gen != g.generation || g.team == nil || g.team.ID != team.ID {
		g.mu.Unlock()
		return false
	}
	g.team = team.Clone()
	g.mu.Unlock()

	g.notify(Change{Kind: ChangeTeamUpdated, Generation: gen, Team: team.Clone()})
	return true
}

// Current reports whether gen is still the live session
func (g *Guard) Current(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return gen == g.generation && g.team != nil
}

// Active returns the live session, if any
func (g *Guard) Active() (Active, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.team == nil {
		return Active{}, false
	}
	return Active{Generation: g.generation, TeamID: g.team.ID, Credential: g.credential}, true
}

// Team returns a copy of the team document, nil when unauthenticated
func (g *Guard) Team() *models.Team {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.team.Clone()
}

func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Status{
		Phase:      g.phase,
		Generation: g.generation,
		Notice:     g.notice,
		Error:      g.lastErr,
	}
	if g.team != nil {
		s.TeamID = g.team.ID
	}
	return s
}

// Watch registers fn for committed transitions. Callbacks run on the goroutine
// that made the transition and must not block.
func (g *Guard) Watch(fn func(Change)) (cancel func()) {
	g.watchMu.Lock()
	g.nextWatcher++
	id := g.nextWatcher
	g.watchers[id] = fn
	g.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.watchMu.Lock()
			delete(g.watchers, id)
			g.watchMu.Unlock()
		})
	}
}

func (g *Guard) notify(c Change) {
	g.watchMu.Lock()
	fns := make([]func(Change), 0, len(g.watchers))
	for _, fn := range g.watchers {
		fns = append(fns, fn)
	}
	g.watchMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Close cancels any attempt in flight and detaches from the connection.
// The session itself is left as is.
func (g *Guard) Close() {
	g.mu.Lock()
	if g.cancelAttempt != nil {
		g.cancelAttempt()
		g.cancelAttempt = nil
	}
	if g.grace != nil {
		g.grace.Stop()
		g.grace = nil
	}
	g.mu.Unlock()

	g.subs.Release()
	g.locks.Close()
}
