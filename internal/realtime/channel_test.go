package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"secure_msg/internal/model"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func fastOptions(srv *httptest.Server) Options {
	return Options{
		Host:              hostOf(srv),
		Token:             "tok-123",
		HeartbeatInterval: time.Hour,
		BaseDelay:         5 * time.Millisecond,
		DialTimeout:       time.Second,
	}
}

// statusRecorder collects OnStatus transitions.
type statusRecorder struct {
	mu     sync.Mutex
	states []State
	ch     chan State
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{ch: make(chan State, 64)}
}

func (r *statusRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	r.ch <- s
}

func (r *statusRecorder) waitFor(t *testing.T, want State) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestChannel_URLCarriesThreadAndToken(t *testing.T) {
	c := New("T1", Options{Host: "chat.example:8000", Token: "a b"}, Handlers{})
	assert.Equal(t, "ws://chat.example:8000/ws/chat/T1/?token=a+b", c.URL())

	c = New("T1", Options{Host: "chat.example", Secure: true, Token: "x"}, Handlers{})
	assert.Equal(t, "wss://chat.example/ws/chat/T1/?token=x", c.URL())
}

func TestChannel_DispatchesFramesByType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/chat/T1/", r.URL.Path)
		assert.Equal(t, "tok-123", r.URL.Query().Get("token"))

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		frames := []string{
			`{"type":"new_message","message":{"id":"m1","thread":"T1","sender":"bob","message_type":"text","content":"hi"}}`,
			`{"type":"reaction_added","message_id":"m1","emoji":"👍","user_id":"bob"}`,
			`{"type":"reaction_removed","message_id":"m1","emoji":"👍","user_id":"bob"}`,
			`not json at all`,
			`{"type":"typing_start","user_id":"bob"}`,
			`{"type":"typing_stop","user_id":"bob"}`,
			`{"type":"presence_update","user_id":"bob","status":"online"}`,
			`{"type":"new_message"}`,
			`{"type":"message_read","message_ids":["m1"],"user_id":"bob"}`,
			`{"type":"pong"}`,
		}
		for _, f := range frames {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
		}
		// keep the connection until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var got []string
	var errs int
	add := func(s string) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}
	pong := make(chan struct{})

	c := New("T1", fastOptions(srv), Handlers{
		OnNewMessage:      func(m model.Message) { add("new:" + m.ID + ":" + m.Content) },
		OnReactionAdded:   func(f model.Frame) { add("react+:" + f.Emoji) },
		OnReactionRemoved: func(f model.Frame) { add("react-:" + f.Emoji) },
		OnTypingStart:     func(u string) { add("typing+:" + u) },
		OnTypingStop:      func(u string) { add("typing-:" + u) },
		OnPresence:        func(u, s string) { add("presence:" + u + ":" + s) },
		OnOther:           func(f model.Frame) { add("other:" + f.Type) },
		OnPong:            func() { close(pong) },
		OnError: func(error) {
			mu.Lock()
			errs++
			mu.Unlock()
		},
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	select {
	case <-pong:
	case <-time.After(3 * time.Second):
		t.Fatal("pong never dispatched")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"new:m1:hi",
		"react+:👍",
		"react-:👍",
		"typing+:bob",
		"typing-:bob",
		"presence:bob:online",
		"other:message_read",
	}, got)
	assert.Equal(t, 2, errs, "malformed frame and message-less new_message surface as errors")
	assert.Equal(t, Open, c.State())
}

func TestChannel_ConnectIsNoopWhenOpen(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New("T1", fastOptions(srv), Handlers{})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	assert.Equal(t, int32(1), requests.Load())
	assert.Equal(t, Open, c.State())
}

func TestChannel_HeartbeatAndOutboundFrames(t *testing.T) {
	received := make(chan model.Frame, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var f model.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			received <- f
		}
	}))
	defer srv.Close()

	opts := fastOptions(srv)
	opts.HeartbeatInterval = 20 * time.Millisecond
	c := New("T1", opts, Handlers{})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	assert.True(t, c.SendTyping(true))
	assert.True(t, c.SendTyping(false))

	seen := map[string]bool{}
	timeout := time.After(3 * time.Second)
	for !(seen[model.FramePing] && seen[model.FrameTypingStart] && seen[model.FrameTypingStop]) {
		select {
		case f := <-received:
			seen[f.Type] = true
		case <-timeout:
			t.Fatalf("missing frames, saw %v", seen)
		}
	}
}

func TestChannel_SendFailsUnlessOpen(t *testing.T) {
	c := New("T1", Options{Host: "127.0.0.1:1"}, Handlers{})
	assert.Equal(t, Idle, c.State())
	assert.False(t, c.Send(model.Frame{Type: model.FramePing}))
	assert.False(t, c.SendTyping(true))
}

func TestChannel_BackoffDoubles(t *testing.T) {
	c := New("T1", Options{BaseDelay: time.Second}, Handlers{})
	assert.Equal(t, time.Second, c.Backoff(1))
	assert.Equal(t, 2*time.Second, c.Backoff(2))
	assert.Equal(t, 16*time.Second, c.Backoff(5))
}

func TestChannel_ReconnectAttemptsCappedThenTerminated(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) > 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// drop without a close frame
		conn.UnderlyingConn().Close()
	}))
	defer srv.Close()

	var mu sync.Mutex
	var attempts []int
	var delays []time.Duration
	lost := make(chan error, 1)
	status := newStatusRecorder()

	c := New("T1", fastOptions(srv), Handlers{
		OnStatus: status.record,
		OnReconnectScheduled: func(attempt int, delay time.Duration) {
			mu.Lock()
			attempts = append(attempts, attempt)
			delays = append(delays, delay)
			mu.Unlock()
		},
		OnError: func(err error) {
			if err == ErrConnectionLost {
				lost <- err
			}
		},
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	status.waitFor(t, Terminated)
	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("connection-lost not surfaced")
	}

	// nothing else is attempted once terminated
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, attempts)
	require.Len(t, delays, 5)
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1])
	}
	assert.Equal(t, int32(6), requests.Load(), "one initial connection plus five reconnects")
	assert.Equal(t, Terminated, c.State())
}

func TestChannel_ReconnectResetsAttemptsOnSuccess(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			conn.UnderlyingConn().Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	status := newStatusRecorder()
	c := New("T1", fastOptions(srv), Handlers{OnStatus: status.record})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	status.waitFor(t, Reconnecting)
	status.waitFor(t, Open)

	c.mu.Lock()
	assert.Equal(t, 0, c.attempts)
	c.mu.Unlock()
	assert.Equal(t, int32(2), requests.Load())
}

func TestChannel_NormalClosureDoesNotReconnect(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	status := newStatusRecorder()
	c := New("T1", fastOptions(srv), Handlers{OnStatus: status.record})
	require.NoError(t, c.Connect(context.Background()))

	status.waitFor(t, Closed)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, int32(1), requests.Load())
}

func TestChannel_UnauthorizedIsNotRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := New("T1", fastOptions(srv), Handlers{})
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrChannelConnect)
	assert.ErrorIs(t, err, ErrUnauthorized)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Terminated, c.State())
	assert.Equal(t, int32(1), requests.Load())
}

func TestChannel_DisconnectIsIdempotentAndNormal(t *testing.T) {
	closeCode := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, err = conn.ReadMessage()
		if ce, ok := err.(*websocket.CloseError); ok {
			closeCode <- ce.Code
		}
	}))
	defer srv.Close()

	status := newStatusRecorder()
	c := New("T1", fastOptions(srv), Handlers{OnStatus: status.record})
	require.NoError(t, c.Connect(context.Background()))

	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, Terminated, c.State())

	select {
	case code := <-closeCode:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw a close frame")
	}

	time.Sleep(50 * time.Millisecond)
	status.mu.Lock()
	defer status.mu.Unlock()
	terminated := 0
	for _, s := range status.states {
		if s == Terminated {
			terminated++
		}
	}
	assert.Equal(t, 1, terminated)
	assert.False(t, c.Send(model.Frame{Type: model.FramePing}))
}
