// Package realtimetest provides an in-process event channel for tests.
package realtimetest

import (
	"context"
	"sync"

	"github.com/mcdev12/hackforge/go/internal/realtime"
)

// Responder is a fake server-side handler for a client emit
type Responder func(l *Loopback, msg realtime.Message)

// Loopback is a realtime.Conn whose server side is driven by the test.
// Responders run synchronously inside Emit, after the emit is recorded.
type Loopback struct {
	*realtime.Dispatcher

	mu         sync.Mutex
	sent       []realtime.Message
	responders map[string]Responder
	emitErr    error
	closed     bool
}

var _ realtime.Conn = (*Loopback)(nil)

// NewLoopback creates an open loopback connection
func NewLoopback() *Loopback {
	return &Loopback{
		Dispatcher: realtime.NewDispatcher(),
		responders: make(map[string]Responder),
	}
}

// Emit records msg and runs the responder registered for its event
func (l *Loopback) Emit(ctx context.Context, msg realtime.Message) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return realtime.ErrClosed
	}
	if l.emitErr != nil {
		err := l.emitErr
		l.mu.Unlock()
		return err
	}
	l.sent = append(l.sent, msg)
	r := l.responders[msg.Event]
	l.mu.Unlock()

	if r != nil {
		r(l, msg)
	}
	return nil
}

// Close marks the loopback closed
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Respond installs a responder for a client event
func (l *Loopback) Respond(event string, r Responder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responders[event] = r
}

// FailEmits makes every subsequent Emit return err; nil restores normal behavior
func (l *Loopback) FailEmits(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emitErr = err
}

// Push delivers a server push with no correlation id
func (l *Loopback) Push(event string, data interface{}) {
	l.Reply(event, "", data)
}

// Reply delivers a server message carrying a correlation id
func (l *Loopback) Reply(event, id string, data interface{}) {
	msg, err := realtime.NewMessage(event, data)
	if err != nil {
		panic(err)
	}
	msg.ID = id
	l.Dispatch(msg)
}

// PushRaw delivers a payload exactly as given
func (l *Loopback) PushRaw(event string, raw string) {
	l.Dispatch(realtime.Message{Event: event, Data: []byte(raw)})
}

// Sent returns the recorded emits for event, or all emits when event is ""
func (l *Loopback) Sent(event string) []realtime.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []realtime.Message
	for _, m := range l.sent {
		if event == "" || m.Event == event {
			out = append(out, m)
		}
	}
	return out
}
