package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned when emitting on a closed connection
var ErrClosed = errors.New("realtime connection closed")

// Handler receives one inbound message. Handlers run on the transport's read goroutine.
type Handler func(msg Message)

// Conn is the long-lived connection resource shared by the session guard and
// the synchronizer. It is created once per process and injected, never global.
type Conn interface {
	// Emit sends an event to the server
	Emit(ctx context.Context, msg Message) error
	// On registers a handler for an inbound event and returns its deregistration func
	On(event string, h Handler) (off func())
	Close() error
}

// Dispatcher fans inbound messages out to registered handlers. Transports embed it.
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]map[uint64]Handler)}
}

// On registers h for event. The returned func is safe to call more than once.
func (d *Dispatcher) On(event string, h Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if d.handlers[event] == nil {
		d.handlers[event] = make(map[uint64]Handler)
	}
	d.handlers[event][id] = h
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if hs, ok := d.handlers[event]; ok {
				delete(hs, id)
				if len(hs) == 0 {
					delete(d.handlers, event)
				}
			}
		})
	}
}

// Dispatch delivers msg to every handler registered for its event.
// Handlers are snapshotted so they may deregister themselves while running.
func (d *Dispatcher) Dispatch(msg Message) {
	d.mu.RLock()
	hs := make([]Handler, 0, len(d.handlers[msg.Event]))
	for _, h := range d.handlers[msg.Event] {
		hs = append(hs, h)
	}
	d.mu.RUnlock()

	if len(hs) == 0 {
		log.Debug().Str("event", msg.Event).Msg("no handlers for inbound event")
		return
	}
	for _, h := range hs {
		h(msg)
	}
}

// HandlerCount returns the number of handlers registered for event
func (d *Dispatcher) HandlerCount(event string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[event])
}

// Subscriptions collects deregistration funcs so a component can release them together
type Subscriptions struct {
	mu   sync.Mutex
	offs []func()
}

// Add registers h on conn and remembers how to remove it
func (s *Subscriptions) Add(conn Conn, event string, h Handler) {
	off := conn.On(event, h)
	s.mu.Lock()
	s.offs = append(s.offs, off)
	s.mu.Unlock()
}

// Release deregisters everything added so far
func (s *Subscriptions) Release() {
	s.mu.Lock()
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()
	for _, off := range offs {
		off()
	}
}
