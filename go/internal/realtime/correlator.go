package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrSuperseded is returned to a pending request that was cancelled by a newer one
var ErrSuperseded = errors.New("request superseded")

type pendingRequest struct {
	id    string
	reply chan Message
}

// Correlator matches replies to requests by correlation id. It holds one long-lived
// subscription per reply event instead of registering ad-hoc handlers per request,
// so a late reply to an abandoned request can never resolve a newer one.
//
// Replies that don't echo an id resolve the most recent pending request.
type Correlator struct {
	conn Conn
	subs Subscriptions

	mu      sync.Mutex
	pending map[string]*pendingRequest
	latest  string
}

// NewCorrelator subscribes to the given reply events on conn
func NewCorrelator(conn Conn, replyEvents ...string) *Correlator {
	c := &Correlator{
		conn:    conn,
		pending: make(map[string]*pendingRequest),
	}
	for _, event := range replyEvents {
		c.subs.Add(conn, event, c.route)
	}
	return c
}

// Request emits msg with a fresh correlation id and blocks until a reply arrives
// or ctx is done. The pending entry is always removed before Request returns.
func (c *Correlator) Request(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	p := &pendingRequest{id: msg.ID, reply: make(chan Message, 1)}

	c.mu.Lock()
	c.pending[p.id] = p
	c.latest = p.id
	c.mu.Unlock()
	defer c.remove(p.id)

	if err := c.conn.Emit(ctx, msg); err != nil {
		return Message{}, fmt.Errorf("failed to emit %s: %w", msg.Event, err)
	}

	select {
	case reply, ok := <-p.reply:
		if !ok {
			return Message{}, ErrSuperseded
		}
		return reply, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// CancelAll fails every pending request with ErrSuperseded
func (c *Correlator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.pending {
		close(p.reply)
		delete(c.pending, id)
	}
	c.latest = ""
}

// Pending returns the number of outstanding requests
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close releases the reply subscriptions and cancels outstanding requests
func (c *Correlator) Close() {
	c.subs.Release()
	c.CancelAll()
}

func (c *Correlator) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
	if c.latest == id {
		c.latest = ""
	}
}

func (c *Correlator) route(msg Message) {
	c.mu.Lock()
	id := msg.ID
	if id == "" {
		id = c.latest
	}
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if c.latest == id {
			c.latest = ""
		}
	}
	c.mu.Unlock()

	if !ok {
		log.Debug().
			Str("event", msg.Event).
			Str("correlation_id", msg.ID).
			Msg("dropping reply with no pending request")
		return
	}
	p.reply <- msg
}
