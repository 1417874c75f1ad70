package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketConfig holds configuration for the event server connection
type WebSocketConfig struct {
	URL            string
	Header         http.Header
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	DialTimeout    time.Duration
}

// DefaultWebSocketConfig returns default WebSocket configuration
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 1 << 20, // team documents and catalogs are larger than draft events
		SendBuffer:     256,
		DialTimeout:    15 * time.Second,
	}
}

// WebSocketConn is a client connection to the event server
type WebSocketConn struct {
	*Dispatcher

	ID     string
	conn   *websocket.Conn
	send   chan []byte
	config WebSocketConfig

	done      chan struct{}
	closeOnce sync.Once

	// Connection metadata
	ConnectedAt time.Time
	lastPongMu  sync.Mutex
	lastPong    time.Time
}

// withDefaults fills zero or negative settings from DefaultWebSocketConfig
func (c WebSocketConfig) withDefaults() WebSocketConfig {
	d := DefaultWebSocketConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	return c
}

// DialWebSocket connects to the event server and starts the read and write pumps
func DialWebSocket(ctx context.Context, config WebSocketConfig) (*WebSocketConn, error) {
	config = config.withDefaults()
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: config.DialTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, config.URL, config.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", config.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", config.URL, err)
	}

	c := &WebSocketConn{
		Dispatcher:  NewDispatcher(),
		ID:          uuid.New().String(),
		conn:        conn,
		send:        make(chan []byte, config.SendBuffer),
		config:      config,
		done:        make(chan struct{}),
		ConnectedAt: time.Now(),
		lastPong:    time.Now(),
	}

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.ID).
		Str("url", config.URL).
		Msg("WebSocket connection established")

	return c, nil
}

// Emit queues a message for the write pump
func (c *WebSocketConn) Emit(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msg.Event, err)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the connection is torn down
func (c *WebSocketConn) Done() <-chan struct{} {
	return c.done
}

// LastPong returns when the server last answered a ping
func (c *WebSocketConn) LastPong() time.Time {
	c.lastPongMu.Lock()
	defer c.lastPongMu.Unlock()
	return c.lastPong
}

// Close tears down the connection; safe to call more than once
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		log.Info().Str("connection_id", c.ID).Msg("WebSocket connection closed")
	})
	return nil
}

// writePump handles sending messages to the WebSocket connection
func (c *WebSocketConn) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *WebSocketConn) readPump() {
	defer func() {
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		c.lastPongMu.Lock()
		c.lastPong = time.Now()
		c.lastPongMu.Unlock()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().
				Err(err).
				Str("connection_id", c.ID).
				Msg("dropping malformed server message")
			continue
		}

		log.Debug().
			Str("connection_id", c.ID).
			Str("event", msg.Event).
			Msg("received server message")
		c.Dispatch(msg)
	}
}
