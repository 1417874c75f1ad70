// Package countdown renders the time left until an unlock instant.
//
// The remaining time is always recomputed from target - now on every tick,
// never decremented, so a suspended process shows the right value on resume.
package countdown

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ExpiredText is shown once the target has been reached
const ExpiredText = "Opening..."

// Remaining is the clamped time left until a target instant
type Remaining struct {
	Days    int  `json:"days"`
	Hours   int  `json:"hours"`
	Minutes int  `json:"minutes"`
	Seconds int  `json:"seconds"`
	Expired bool `json:"expired"`
}

// Compute returns the time left from now until target. target <= now is expired.
func Compute(target, now time.Time) Remaining {
	diff := target.Sub(now)
	if diff <= 0 {
		return Remaining{Expired: true}
	}
	total := int64(diff / time.Second)
	return Remaining{
		Days:    int(total / 86400),
		Hours:   int(total % 86400 / 3600),
		Minutes: int(total % 3600 / 60),
		Seconds: int(total % 60),
	}
}

// Total converts back to a duration, truncated to whole seconds
func (r Remaining) Total() time.Duration {
	return time.Duration(r.Days)*24*time.Hour +
		time.Duration(r.Hours)*time.Hour +
		time.Duration(r.Minutes)*time.Minute +
		time.Duration(r.Seconds)*time.Second
}

func (r Remaining) String() string {
	if r.Expired {
		return ExpiredText
	}
	s := fmt.Sprintf("%dh %dm %ds", r.Hours, r.Minutes, r.Seconds)
	if r.Days > 0 {
		s = fmt.Sprintf("%dd %s", r.Days, s)
	}
	return s
}

// Timer samples the remaining time once per second until the target passes
type Timer struct {
	clock    clockwork.Clock
	target   time.Time
	onTick   func(Remaining)
	onExpire func()

	expireOnce sync.Once
	stopOnce   sync.Once
	stop       chan struct{}
	done       chan struct{}

	mu   sync.Mutex
	last Remaining
}

// Start begins sampling. onTick receives every sample including the first;
// onExpire runs exactly once when the target is reached. Either may be nil.
func Start(clock clockwork.Clock, target time.Time, onTick func(Remaining), onExpire func()) *Timer {
	t := &Timer{
		clock:    clock,
		target:   target,
		onTick:   onTick,
		onExpire: onExpire,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	// The first sample is taken synchronously so callers render immediately.
	if t.sample() {
		close(t.done)
		return t
	}

	ticker := clock.NewTicker(time.Second)
	go t.run(ticker)
	return t
}

// Target returns the instant being counted down to
func (t *Timer) Target() time.Time {
	return t.target
}

// Remaining returns the most recent sample
func (t *Timer) Remaining() Remaining {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Stop cancels the timer. It does not wait, so it is safe to call from the
// timer's own callbacks and safe to call repeatedly.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Done is closed once the timer goroutine has exited
func (t *Timer) Done() <-chan struct{} {
	return t.done
}

func (t *Timer) run(ticker clockwork.Ticker) {
	defer close(t.done)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.Chan():
			if t.sample() {
				return
			}
		}
	}
}

// sample records the current remaining time and reports whether the timer expired
func (t *Timer) sample() bool {
	r := Compute(t.target, t.clock.Now())

	t.mu.Lock()
	t.last = r
	t.mu.Unlock()

	if t.onTick != nil {
		t.onTick(r)
	}
	if r.Expired {
		t.expireOnce.Do(func() {
			if t.onExpire != nil {
				t.onExpire()
			}
		})
	}
	return r.Expired
}
