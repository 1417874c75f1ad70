package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/hackforge/go/clients"
	"github.com/mcdev12/hackforge/go/internal/models"
	"github.com/mcdev12/hackforge/go/internal/realtime"
	"github.com/mcdev12/hackforge/go/internal/realtime/realtimetest"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type recordingStore struct {
	MemoryStore
	log *eventLog
}

func (s *recordingStore) Save(credential string) error {
	s.log.add("persist")
	return s.MemoryStore.Save(credential)
}

func (s *recordingStore) Clear() error {
	s.log.add("clear")
	return s.MemoryStore.Clear()
}

type fakeVerifier struct {
	mu    sync.Mutex
	teams map[string]*models.Team
	calls int
	// failFrom makes every call numbered >= failFrom fail; zero disables it
	failFrom int
}

func (f *fakeVerifier) VerifyTeam(ctx context.Context, credential string) (*models.Team, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	team, ok := f.teams[credential]
	fail := f.failFrom > 0 && n >= f.failFrom
	f.mu.Unlock()

	if fail {
		return nil, errors.New("connection reset")
	}
	if !ok {
		return nil, &clients.StatusError{StatusCode: http.StatusNotFound, Body: `{"error":"Team not found"}`}
	}
	return team.Clone(), nil
}

func grantLogins(l *realtimetest.Loopback) {
	l.Respond(realtime.EventTeamLogin, func(l *realtimetest.Loopback, msg realtime.Message) {
		l.Reply(realtime.EventLoginSuccess, msg.ID, nil)
	})
}

type fixture struct {
	conn     *realtimetest.Loopback
	verifier *fakeVerifier
	store    *recordingStore
	log      *eventLog
	clock    *clockwork.FakeClock
	guard    *Guard
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := &eventLog{}
	f := &fixture{
		conn: realtimetest.NewLoopback(),
		verifier: &fakeVerifier{teams: map[string]*models.Team{
			"abc123": {ID: "T1", TeamName: "Null Pointers"},
			"xyz789": {ID: "T2", TeamName: "Segfaults"},
		}},
		store: &recordingStore{log: log},
		log:   log,
		clock: clockwork.NewFakeClock(),
	}
	f.guard = NewGuard(f.conn, f.verifier, f.store, f.clock, DefaultConfig())
	t.Cleanup(f.guard.Close)
	return f
}

func TestIdentityCheckFailureClearsStoredCredential(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.MemoryStore.Save("stale"))

	team, err := f.guard.Authenticate(context.Background(), "wrong")
	require.Error(t, err)
	assert.Nil(t, team)
	assert.True(t, errors.Is(err, ErrInvalidCredential))

	stored, _ := f.store.Load()
	assert.Empty(t, stored)
	assert.Empty(t, f.conn.Sent(realtime.EventTeamLogin), "no lock request before a passing identity check")
	assert.Equal(t, PhaseUnauthenticated, f.guard.Status().Phase)
	assert.NotEmpty(t, f.guard.Status().Error)
}

func TestLockDenialClearsCredentialAndTeam(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.MemoryStore.Save("abc123"))
	f.conn.Respond(realtime.EventTeamLogin, func(l *realtimetest.Loopback, msg realtime.Message) {
		l.Reply(realtime.EventLoginError, msg.ID, realtime.LoginErrorPayload{Message: "Team already logged in on another device"})
	})

	_, err := f.guard.Authenticate(context.Background(), "abc123")
	require.Error(t, err)

	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "Team already logged in on another device", denied.Reason)

	stored, _ := f.store.Load()
	assert.Empty(t, stored)
	assert.Nil(t, f.guard.Team())
	assert.Equal(t, PhaseUnauthenticated, f.guard.Status().Phase)
}

func TestGrantPersistsBeforeExposingTeam(t *testing.T) {
	f := newFixture(t)
	f.conn.Respond(realtime.EventTeamLogin, func(l *realtimetest.Loopback, msg realtime.Message) {
		f.log.add("grant")
		l.Reply(realtime.EventLoginSuccess, msg.ID, nil)
	})
	f.guard.Watch(func(c Change) {
		if c.Kind == ChangeAuthenticated {
			f.log.add("team")
		}
	})

	team, err := f.guard.Authenticate(context.Background(), " abc123 ")
	require.NoError(t, err)
	require.NotNil(t, team)
	assert.Equal(t, "T1", team.ID)

	assert.Equal(t, []string{"grant", "persist", "team"}, f.log.all())

	stored, _ := f.store.Load()
	assert.Equal(t, "abc123", stored)
	assert.Equal(t, PhaseAuthenticated, f.guard.Status().Phase)

	sent := f.conn.Sent(realtime.EventTeamLogin)
	require.Len(t, sent, 1)
	var teamID string
	require.NoError(t, sent[0].Decode(&teamID))
	assert.Equal(t, "T1", teamID)
	assert.NotEmpty(t, sent[0].ID)

	// identity check, then the post-grant fetch
	assert.Equal(t, 2, f.verifier.calls)
}

func TestGrantForAnotherTeamIsRefused(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.MemoryStore.Save("abc123"))
	f.conn.Respond(realtime.EventTeamLogin, func(l *realtimetest.Loopback, msg realtime.Message) {
		// an uncorrelated grant left over from an attempt for another team
		l.Push(realtime.EventLoginSuccess, realtime.LoginSuccessPayload{TeamID: "T2"})
	})

	_, err := f.guard.Authenticate(context.Background(), "abc123")
	require.Error(t, err)
	assert.True(t, IsDenied(err))
	assert.ErrorIs(t, err, ErrGrantMismatch)

	released := f.conn.Sent(realtime.EventTeamLogout)
	require.Len(t, released, 1)
	var teamID string
	require.NoError(t, released[0].Decode(&teamID))
	assert.Equal(t, "T2", teamID)

	stored, _ := f.store.Load()
	assert.Empty(t, stored)
	assert.Nil(t, f.guard.Team())
	assert.Equal(t, 1, f.verifier.calls, "no post-grant fetch")
}

func TestGrantNamingThisTeamIsAccepted(t *testing.T) {
	f := newFixture(t)
	f.conn.Respond(realtime.EventTeamLogin, func(l *realtimetest.Loopback, msg realtime.Message) {
		l.Push(realtime.EventLoginSuccess, "T1")
	})

	team, err := f.guard.Authenticate(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "T1", team.ID)
	assert.Empty(t, f.conn.Sent(realtime.EventTeamLogout))
}

func TestTeamFetchFailureAfterGrantReleasesLock(t *testing.T) {
	f := newFixture(t)
	f.verifier.failFrom = 2
	grantLogins(f.conn)

	_, err := f.guard.Authenticate(context.Background(), "abc123")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTeamFetchFailed))
	assert.Len(t, f.conn.Sent(realtime.EventTeamLogout), 1)
	assert.Nil(t, f.guard.Team())

	stored, _ := f.store.Load()
	assert.Empty(t, stored)
}

func TestLockTimeoutIsADenial(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.MemoryStore.Save("abc123"))

	errCh := make(chan error, 1)
	go func() {
		_, err := f.guard.Authenticate(context.Background(), "abc123")
		errCh <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(DefaultConfig().LockTimeout)

	select {
	case err := <-errCh:
		assert.True(t, IsDenied(err))
		assert.True(t, errors.Is(err, ErrLockTimeout))
	case <-ctx.Done():
		t.Fatal("authenticate did not return after the lock timeout")
	}

	stored, _ := f.store.Load()
	assert.Empty(t, stored)
	assert.Zero(t, f.guard.locks.Pending())
}

func TestNewAttemptSupersedesPendingOne(t *testing.T) {
	f := newFixture(t)

	firstErr := make(chan error, 1)
	go func() {
		_, err := f.guard.Authenticate(context.Background(), "abc123")
		firstErr <- err
	}()
	require.Eventually(t, func() bool {
		return len(f.conn.Sent(realtime.EventTeamLogin)) == 1
	}, time.Second, time.Millisecond)
	staleID := f.conn.Sent(realtime.EventTeamLogin)[0].ID

	grantLogins(f.conn)
	team, err := f.guard.Authenticate(context.Background(), "xyz789")
	require.NoError(t, err)
	assert.Equal(t, "T2", team.ID)

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("first attempt never returned")
	}

	// a late answer to the abandoned request must not touch the new session
	f.conn.Reply(realtime.EventLoginError, staleID, realtime.LoginErrorPayload{Message: "late"})
	assert.Equal(t, PhaseAuthenticated, f.guard.Status().Phase)
	assert.Equal(t, "T2", f.guard.Team().ID)
	assert.Zero(t, f.guard.locks.Pending())
}

func TestAuthenticateWhileAuthenticated(t *testing.T) {
	f := newFixture(t)
	grantLogins(f.conn)

	_, err := f.guard.Authenticate(context.Background(), "abc123")
	require.NoError(t, err)

	_, err = f.guard.Authenticate(context.Background(), "xyz789")
	assert.ErrorIs(t, err, ErrAlreadyAuthenticated)
	assert.Equal(t, "T1", f.guard.Team().ID)
}

func TestResume(t *testing.T) {
	f := newFixture(t)
	grantLogins(f.conn)

	_, err := f.guard.Resume(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)

	require.NoError(t, f.store.MemoryStore.Save("xyz789"))
	team, err := f.guard.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "T2", team.ID)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	grantLogins(f.conn)

	var changes []Change
	f.guard.Watch(func(c Change) { changes = append(changes, c) })

	_, err := f.guard.Authenticate(context.Background(), "abc123")
	require.NoError(t, err)
	active, ok := f.guard.Active()
	require.True(t, ok)
	assert.Equal(t, "abc123", active.Credential)

	f.conn.FailEmits(errors.New("socket gone"))
	f.guard.Logout(context.Background())

	assert.Equal(t, PhaseUnauthenticated, f.guard.Status().Phase)
	assert.Nil(t, f.guard.Team())
	assert.False(t, f.guard.Current(active.Generation))
	stored, _ := f.store.Load()
	assert.Empty(t, stored)

	require.Len(t, changes, 2)
	assert.Equal(t, ChangeAuthenticated, changes[0].Kind)
	assert.Equal(t, ChangeLoggedOut, changes[1].Kind)
	assert.False(t, changes[1].Forced)

	// logging out twice is harmless
	f.guard.Logout(context.Background())
	assert.Len(t, changes, 2)
}

func TestLogoutEmitsLockRelease(t *testing.T) {
	f := newFixture(t)
	grantLogins(f.conn)

	_, err := f.guard.Authenticate(context.Background(), "abc123")
	require.NoError(t, err)
	f.guard.Logout(context.Background())

	sent := f.conn.Sent(realtime.EventTeamLogout)
	require.Len(t, sent, 1)
	var teamID string
	require.NoError(t, sent[0].Decode(&teamID))
	assert.Equal(t, "T1", teamID)
}

func TestForcedLogoutAfterGracePeriod(t *testing.T) {
	f := newFixture(t)
	grantLogins(f.conn)

	loggedOut := make(chan Change, 1)
	f.guard.Watch(func(c Change) {
		if c.Kind == ChangeLoggedOut {
			loggedOut <- c
		}
	})

	_, err := f.guard.Authenticate(context.Background(), "abc123")
	require.NoError(t, err)
	active, _ := f.guard.Active()

	f.conn.Push(realtime.EventForceLogout, realtime.ForceLogoutPayload{Message: "Logged in from another device"})

	st := f.guard.Status()
	assert.Equal(t, PhaseTerminating, st.Phase)
	assert.Equal(t, "Logged in from another device", st.Notice)
	assert.True(t, f.guard.Current(active.Generation), "session lives through the grace period")

	// a second push during the grace period changes nothing
	f.conn.Push(realtime.EventForceLogout, realtime.ForceLogoutPayload{Message: "again"})
	assert.Equal(t, "Logged in from another device", f.guard.Status().Notice)

	f.clock.Advance(DefaultConfig().ForcedLogoutGrace)

	select {
	case c := <-loggedOut:
		assert.True(t, c.Forced)
		assert.Equal(t, "Logged in from another device", c.Reason)
	case <-time.After(time.Second):
		t.Fatal("forced logout never completed")
	}

	st = f.guard.Status()
	assert.Equal(t, PhaseUnauthenticated, st.Phase)
	assert.Equal(t, "Logged in from another device", st.Notice)
	assert.Nil(t, f.guard.Team())
	assert.False(t, f.guard.ReplaceTeam(active.Generation, &models.Team{ID: "T1"}))
	assert.Empty(t, f.conn.Sent(realtime.EventTeamLogout), "a revoked session is not released again")

	stored, _ := f.store.Load()
	assert.Empty(t, stored)
}

func TestForcedLogoutIgnoredWhenUnauthenticated(t *testing.T) {
	f := newFixture(t)
	f.conn.Push(realtime.EventForceLogout, realtime.ForceLogoutPayload{Message: "bye"})
	assert.Equal(t, PhaseUnauthenticated, f.guard.Status().Phase)
	assert.Empty(t, f.guard.Status().Notice)
}

func TestReplaceTeam(t *testing.T) {
	f := newFixture(t)
	grantLogins(f.conn)

	_, err := f.guard.Authenticate(context.Background(), "abc123")
	require.NoError(t, err)
	active, _ := f.guard.Active()

	domain := "Smart Campus"
	assert.True(t, f.guard.ReplaceTeam(active.Generation, &models.Team{ID: "T1", Domain: &domain}))
	assert.Equal(t, "Smart Campus", *f.guard.Team().Domain)

	assert.False(t, f.guard.ReplaceTeam(active.Generation, &models.Team{ID: "T2"}))
	assert.False(t, f.guard.ReplaceTeam(active.Generation+1, &models.Team{ID: "T1"}))
	assert.False(t, f.guard.ReplaceTeam(active.Generation, nil))
}
