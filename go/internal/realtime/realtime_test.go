package realtime_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/hackforge/go/internal/realtime"
	"github.com/mcdev12/hackforge/go/internal/realtime/realtimetest"
)

func TestDispatcherOnOff(t *testing.T) {
	d := realtime.NewDispatcher()
	var got []string

	off := d.On("team", func(msg realtime.Message) { got = append(got, string(msg.Data)) })
	assert.Equal(t, 1, d.HandlerCount("team"))

	d.Dispatch(realtime.Message{Event: "team", Data: []byte(`1`)})
	d.Dispatch(realtime.Message{Event: "other", Data: []byte(`2`)})
	off()
	off()
	d.Dispatch(realtime.Message{Event: "team", Data: []byte(`3`)})

	assert.Equal(t, []string{"1"}, got)
	assert.Equal(t, 0, d.HandlerCount("team"))
}

func TestSubscriptionsRelease(t *testing.T) {
	conn := realtimetest.NewLoopback()
	var subs realtime.Subscriptions
	subs.Add(conn, "a", func(realtime.Message) {})
	subs.Add(conn, "b", func(realtime.Message) {})
	subs.Release()
	assert.Zero(t, conn.HandlerCount("a"))
	assert.Zero(t, conn.HandlerCount("b"))
}

func TestCorrelatorMatchesByID(t *testing.T) {
	conn := realtimetest.NewLoopback()
	c := realtime.NewCorrelator(conn, "pong")
	defer c.Close()

	conn.Respond("ping", func(l *realtimetest.Loopback, msg realtime.Message) {
		l.Reply("pong", "someone-else", "stale")
		l.Reply("pong", msg.ID, "fresh")
	})

	msg, err := realtime.NewMessage("ping", nil)
	require.NoError(t, err)
	reply, err := c.Request(context.Background(), msg)
	require.NoError(t, err)

	var body string
	require.NoError(t, reply.Decode(&body))
	assert.Equal(t, "fresh", body)
	assert.NotEmpty(t, conn.Sent("ping")[0].ID)
	assert.Zero(t, c.Pending())
}

func TestCorrelatorUncorrelatedReplyResolvesLatest(t *testing.T) {
	conn := realtimetest.NewLoopback()
	c := realtime.NewCorrelator(conn, "pong")
	defer c.Close()

	conn.Respond("ping", func(l *realtimetest.Loopback, msg realtime.Message) {
		l.Push("pong", "legacy")
	})

	reply, err := c.Request(context.Background(), realtime.Message{Event: "ping"})
	require.NoError(t, err)
	assert.Equal(t, `"legacy"`, string(reply.Data))
}

func TestCorrelatorTimeoutCleansUp(t *testing.T) {
	conn := realtimetest.NewLoopback()
	c := realtime.NewCorrelator(conn, "pong")
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Request(ctx, realtime.Message{Event: "ping", ID: "p1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, c.Pending())

	// a reply arriving after the request gave up is dropped
	conn.Reply("pong", "p1", nil)
	assert.Zero(t, c.Pending())
}

func TestCorrelatorCancelAll(t *testing.T) {
	conn := realtimetest.NewLoopback()
	c := realtime.NewCorrelator(conn, "pong")

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), realtime.Message{Event: "ping"})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	c.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, realtime.ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("request was not released")
	}
	assert.Zero(t, conn.HandlerCount("pong"))
}

func TestCorrelatorEmitFailure(t *testing.T) {
	conn := realtimetest.NewLoopback()
	conn.FailEmits(realtime.ErrClosed)
	c := realtime.NewCorrelator(conn, "pong")
	defer c.Close()

	_, err := c.Request(context.Background(), realtime.Message{Event: "ping"})
	assert.ErrorIs(t, err, realtime.ErrClosed)
	assert.Zero(t, c.Pending())
}

// newEchoServer answers every event with "echo:<event>" carrying the same id and payload
func newEchoServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var in realtime.Message
			if json.Unmarshal(data, &in) != nil {
				continue
			}
			out, _ := json.Marshal(realtime.Message{Event: "echo:" + in.Event, ID: in.ID, Data: in.Data})
			if err := ws.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketConnRoundTrip(t *testing.T) {
	cfg := realtime.DefaultWebSocketConfig()
	cfg.URL = newEchoServer(t)

	conn, err := realtime.DialWebSocket(context.Background(), cfg)
	require.NoError(t, err)
	defer conn.Close()

	c := realtime.NewCorrelator(conn, "echo:hello")
	defer c.Close()

	msg, err := realtime.NewMessage("hello", map[string]string{"team": "T1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := c.Request(ctx, msg)
	require.NoError(t, err)

	var body map[string]string
	require.NoError(t, reply.Decode(&body))
	assert.Equal(t, "T1", body["team"])

	require.NoError(t, conn.Close())
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection did not close")
	}
	assert.ErrorIs(t, conn.Emit(context.Background(), msg), realtime.ErrClosed)
}

func TestGrantedTeam(t *testing.T) {
	for _, tc := range []struct {
		name string
		data interface{}
		want string
		ok   bool
	}{
		{"no payload", nil, "", false},
		{"bare id", "T1", "T1", true},
		{"object", realtime.LoginSuccessPayload{TeamID: "T2"}, "T2", true},
		{"object without id", map[string]string{"status": "ok"}, "", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := realtime.NewMessage(realtime.EventLoginSuccess, tc.data)
			require.NoError(t, err)
			got, ok := realtime.GrantedTeam(msg)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestWebSocketConnFillsUnsetConfig(t *testing.T) {
	// a zero ping interval would otherwise panic in the write pump
	conn, err := realtime.DialWebSocket(context.Background(), realtime.WebSocketConfig{URL: newEchoServer(t)})
	require.NoError(t, err)
	defer conn.Close()

	c := realtime.NewCorrelator(conn, "echo:ping")
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := c.Request(ctx, realtime.Message{Event: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "echo:ping", reply.Event)
}
