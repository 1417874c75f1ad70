package gate

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hackforge/go/internal/countdown"
)

// DefaultPollInterval is the local re-check period for scheduled gates
const DefaultPollInterval = time.Second

// ChangeFunc is notified after a gate changes state
type ChangeFunc func(f Feature, s State)

// Gate holds one feature's state and owns its countdown timer while scheduled
type Gate struct {
	feature  Feature
	clock    clockwork.Clock
	onChange ChangeFunc

	mu       sync.Mutex
	state    State
	timer    *countdown.Timer
	timerGen uint64
}

func newGate(f Feature, clock clockwork.Clock, onChange ChangeFunc) *Gate {
	return &Gate{
		feature:  f,
		clock:    clock,
		onChange: onChange,
		state:    State{Status: StatusClosedUnknown},
	}
}

// Feature returns the gated feature
func (g *Gate) Feature() Feature {
	return g.feature
}

// State returns the current state
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Apply runs ev through the reducer and reconciles the countdown timer
func (g *Gate) Apply(ev Event) State {
	g.mu.Lock()
	prev := g.state
	next := Reduce(prev, ev, g.clock.Now())
	g.state = next

	var stale *countdown.Timer
	if g.timer != nil && (next.Status != StatusClosedScheduled || !next.UnlockAt.Equal(g.timer.Target())) {
		stale = g.timer
		g.timer = nil
	}
	start := next.Status == StatusClosedScheduled && g.timer == nil
	if start || stale != nil {
		g.timerGen++
	}
	gen := g.timerGen
	g.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}
	if start {
		g.startTimer(gen, next.UnlockAt)
	}

	if !prev.Equal(next) {
		log.Debug().
			Str("feature", string(g.feature)).
			Str("from", string(prev.Status)).
			Str("to", string(next.Status)).
			Time("unlock_at", next.UnlockAt).
			Msg("gate transition")
		if g.onChange != nil {
			g.onChange(g.feature, next)
		}
	}
	return next
}

// startTimer runs outside the lock: an already-passed target fires the
// expiry callback synchronously, and that callback re-enters Apply.
func (g *Gate) startTimer(gen uint64, target time.Time) {
	t := countdown.Start(g.clock, target, nil, func() {
		g.Apply(Tick{})
	})

	g.mu.Lock()
	keep := g.timerGen == gen && g.timer == nil &&
		g.state.Status == StatusClosedScheduled && g.state.UnlockAt.Equal(target)
	if keep {
		g.timer = t
	}
	g.mu.Unlock()

	if !keep {
		t.Stop()
	}
}

// release stops the countdown timer, if any
func (g *Gate) release() {
	g.mu.Lock()
	t := g.timer
	g.timer = nil
	g.timerGen++
	g.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// reset returns the gate to ClosedUnknown without notifying
func (g *Gate) reset() {
	g.release()
	g.mu.Lock()
	g.state = State{Status: StatusClosedUnknown}
	g.mu.Unlock()
}

// Set is the group of dashboard gates plus the 1 Hz poll that re-checks them.
// Timers are owned by the set's lifetime: Stop releases all of them.
type Set struct {
	clock        clockwork.Clock
	pollInterval time.Duration
	gates        map[Feature]*Gate

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewSet creates gates for every feature, all ClosedUnknown
func NewSet(clock clockwork.Clock, pollInterval time.Duration, onChange ChangeFunc) *Set {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	s := &Set{
		clock:        clock,
		pollInterval: pollInterval,
		gates:        make(map[Feature]*Gate, len(Features)),
	}
	for _, f := range Features {
		s.gates[f] = newGate(f, clock, onChange)
	}
	return s
}

// Gate returns the gate for f
func (s *Set) Gate(f Feature) *Gate {
	return s.gates[f]
}

// Apply routes ev to the gate for f
func (s *Set) Apply(f Feature, ev Event) (State, error) {
	g, ok := s.gates[f]
	if !ok {
		return State{}, fmt.Errorf("unknown feature %q", f)
	}
	return g.Apply(ev), nil
}

// Push decodes a raw server payload and applies it
func (s *Set) Push(f Feature, raw json.RawMessage) (State, error) {
	sig, err := ParseSignal(raw)
	if err != nil {
		return State{}, fmt.Errorf("%s: %w", f, err)
	}
	return s.Apply(f, Push{Signal: sig})
}

// States returns a snapshot of every gate
func (s *Set) States() map[Feature]State {
	out := make(map[Feature]State, len(s.gates))
	for f, g := range s.gates {
		out[f] = g.State()
	}
	return out
}

// Tick re-checks every gate against the clock
func (s *Set) Tick() {
	for _, f := range Features {
		s.gates[f].Apply(Tick{})
	}
}

// Start launches the poll. Calling Start on a running set is a no-op.
func (s *Set) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	ticker := s.clock.NewTicker(s.pollInterval)
	go s.poll(ticker, s.stop, s.done)
}

// Stop halts the poll, waits for it to exit, and releases every countdown timer
func (s *Set) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	for _, g := range s.gates {
		g.release()
	}
}

// Reset stops everything and closes every gate, ready for a new session
func (s *Set) Reset() {
	s.Stop()
	for _, g := range s.gates {
		g.reset()
	}
}

func (s *Set) poll(ticker clockwork.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			s.Tick()
		}
	}
}
