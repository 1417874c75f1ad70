package gate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mcdev12/hackforge/go/internal/models"
	"github.com/mcdev12/hackforge/go/internal/realtime"
)

// Feature identifies a gated dashboard feature
type Feature string

const (
	FeatureDomain       Feature = "domain"
	FeatureMemory       Feature = Feature(models.GameMemory)
	FeatureNumberPuzzle Feature = Feature(models.GameNumberPuzzle)
	FeatureStopTheBar   Feature = Feature(models.GameStopTheBar)
)

// Features lists every gated feature in dashboard order
var Features = []Feature{FeatureDomain, FeatureMemory, FeatureNumberPuzzle, FeatureStopTheBar}

// ForGame returns the gate guarding a mini-game
func ForGame(g models.Game) Feature {
	return Feature(g)
}

// Game returns the mini-game behind a feature, if any
func (f Feature) Game() (models.Game, bool) {
	if f == FeatureDomain {
		return "", false
	}
	return models.Game(f), true
}

// StatusEvent is the push that carries this feature's unlock time
func (f Feature) StatusEvent() string {
	switch f {
	case FeatureDomain:
		return realtime.EventDomainStat
	case FeatureMemory:
		return realtime.EventGameStatusUpdate
	case FeatureNumberPuzzle:
		return realtime.EventPuzzleStatusUpdate
	case FeatureStopTheBar:
		return realtime.EventStopTheBarStatusUpdate
	}
	return ""
}

// RequestEvent asks the server to push this feature's unlock time
func (f Feature) RequestEvent() string {
	switch f {
	case FeatureDomain:
		return realtime.EventDomainStat
	case FeatureMemory:
		return realtime.EventGetGameStatus
	case FeatureNumberPuzzle:
		return realtime.EventGetPuzzleStatus
	case FeatureStopTheBar:
		return realtime.EventGetStopTheBarStatus
	}
	return ""
}

// Title is the dashboard label
func (f Feature) Title() string {
	if g, ok := f.Game(); ok {
		return g.Title()
	}
	return "Problem Statement Selection"
}

// Status is the gate state machine's state
type Status string

const (
	StatusClosedUnknown   Status = "closed_unknown"
	StatusClosedScheduled Status = "closed_scheduled"
	StatusOpen            Status = "open"
)

// State is a gate's current state. UnlockAt is only set while scheduled.
type State struct {
	Status   Status    `json:"status"`
	UnlockAt time.Time `json:"unlock_at,omitempty"`
}

// Equal compares states, treating instants by value
func (s State) Equal(o State) bool {
	return s.Status == o.Status && s.UnlockAt.Equal(o.UnlockAt)
}

// SignalKind classifies a server push
type SignalKind int

const (
	SignalClosed SignalKind = iota
	SignalOpen
	SignalAt
)

// Signal is a decoded unlock-time push
type Signal struct {
	Kind SignalKind
	At   time.Time
}

// Closed is the "no unlock time known" signal
func Closed() Signal {
	return Signal{Kind: SignalClosed}
}

// Open is the explicit open marker
func Open() Signal {
	return Signal{Kind: SignalOpen}
}

// At schedules the unlock for t
func At(t time.Time) Signal {
	return Signal{Kind: SignalAt, At: t}
}

// ParseSignal decodes a push payload. Accepted forms: null, "", false and
// "closed" close the gate; true and "open" open it; an RFC 3339 string or
// epoch milliseconds schedule it.
func ParseSignal(raw json.RawMessage) (Signal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Closed(), nil
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Signal{}, fmt.Errorf("invalid unlock signal: %w", err)
	}

	switch val := v.(type) {
	case bool:
		if val {
			return Open(), nil
		}
		return Closed(), nil
	case float64:
		return At(time.UnixMilli(int64(val)).UTC()), nil
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "":
			return Closed(), nil
		case "open", "opened":
			return Open(), nil
		case "close", "closed":
			return Closed(), nil
		}
		t, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return Signal{}, fmt.Errorf("invalid unlock time %q: %w", val, err)
		}
		return At(t), nil
	}
	return Signal{}, fmt.Errorf("unsupported unlock signal %s", string(raw))
}

// Event is an input to the gate reducer
type Event interface {
	isEvent()
}

// Push is a fresh authoritative value from the server
type Push struct {
	Signal Signal
}

// Tick is a local clock re-check
type Tick struct{}

func (Push) isEvent() {}
func (Tick) isEvent() {}

// Reduce is the single transition function for both server pushes and clock
// ticks. An instant at or before now counts as open.
func Reduce(s State, ev Event, now time.Time) State {
	switch e := ev.(type) {
	case Push:
		switch e.Signal.Kind {
		case SignalOpen:
			return State{Status: StatusOpen}
		case SignalAt:
			if !e.Signal.At.After(now) {
				return State{Status: StatusOpen}
			}
			return State{Status: StatusClosedScheduled, UnlockAt: e.Signal.At}
		default:
			return State{Status: StatusClosedUnknown}
		}
	case Tick:
		if s.Status == StatusClosedScheduled && !s.UnlockAt.After(now) {
			return State{Status: StatusOpen}
		}
	}
	return s
}
