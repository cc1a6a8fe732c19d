package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"secure_msg/internal/model"
	"secure_msg/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultBaseDelay            = time.Second
	DefaultWriteTimeout         = 10 * time.Second
	DefaultDialTimeout          = 15 * time.Second
)

var (
	ErrChannelConnect = errors.New("realtime connect failed")
	ErrChannelSend    = errors.New("realtime send failed")
	ErrConnectionLost = errors.New("realtime connection lost")
	ErrUnauthorized   = errors.New("realtime access denied")
)

type (
	// Handlers receive demultiplexed inbound frames. They run on the channel's
	// read goroutine; any of them may be nil.
	Handlers struct {
		OnNewMessage         func(msg model.Message)
		OnReactionAdded      func(frame model.Frame)
		OnReactionRemoved    func(frame model.Frame)
		OnTypingStart        func(userID string)
		OnTypingStop         func(userID string)
		OnPresence           func(userID, status string)
		OnPong               func()
		OnOther              func(frame model.Frame)
		OnError              func(err error)
		OnStatus             func(state State)
		OnReconnectScheduled func(attempt int, delay time.Duration)
	}

	Options struct {
		Host   string
		Secure bool
		Token  string

		HeartbeatInterval    time.Duration
		MaxReconnectAttempts int
		BaseDelay            time.Duration
		WriteTimeout         time.Duration
		DialTimeout          time.Duration

		Dialer *websocket.Dialer
	}

	// Channel is one conversation's duplex event connection. It reconnects
	// with exponential backoff after abnormal closures.
	Channel struct {
		threadID string
		opts     Options
		h        Handlers

		mu             sync.Mutex
		state          State
		conn           *websocket.Conn
		seq            uint64
		attempts       int
		stopHeartbeat  chan struct{}
		reconnectTimer *time.Timer

		writeMu sync.Mutex
	}
)

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

func New(threadID string, opts Options, h Handlers) *Channel {
	return &Channel{
		threadID: threadID,
		opts:     opts.withDefaults(),
		h:        h,
	}
}

func (c *Channel) ThreadID() string {
	return c.threadID
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// URL is the conversation-scoped endpoint, with the bearer token as a query
// parameter.
func (c *Channel) URL() string {
	scheme := "ws"
	if c.opts.Secure {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     c.opts.Host,
		Path:     fmt.Sprintf("/ws/chat/%s/", url.PathEscape(c.threadID)),
		RawQuery: url.Values{"token": []string{c.opts.Token}}.Encode(),
	}
	return u.String()
}

// Backoff returns the wait before reconnect attempt n (1-based).
func (c *Channel) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.opts.BaseDelay << (attempt - 1)
}

// Connect opens the connection. It does nothing while a connection is being
// established or is already open.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Connecting, Open, Reconnecting:
		c.mu.Unlock()
		return nil
	}
	c.attempts = 0
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	c.emitStatus(Connecting)
	return c.dial(ctx)
}

func (c *Channel) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.URL(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if c.state != Connecting && c.state != Reconnecting {
		// disconnected while dialing
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}

	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.setStateLocked(Terminated)
			c.mu.Unlock()
			log.Error("realtime connection refused", zap.String("thread", c.threadID), zap.Int("status", resp.StatusCode))
			c.emitStatus(Terminated)
			c.emitError(ErrUnauthorized)
			return fmt.Errorf("%w: %w", ErrChannelConnect, ErrUnauthorized)
		}

		c.mu.Unlock()
		log.Warn("realtime dial failed", zap.String("thread", c.threadID), zap.Error(err))
		c.closed(websocket.CloseAbnormalClosure)
		return fmt.Errorf("%w: %v", ErrChannelConnect, err)
	}

	c.seq++
	seq := c.seq
	c.conn = conn
	c.attempts = 0
	stop := make(chan struct{})
	c.stopHeartbeat = stop
	c.setStateLocked(Open)
	c.mu.Unlock()

	log.Debug("realtime connected", zap.String("thread", c.threadID))
	c.emitStatus(Open)

	go c.readLoop(conn, seq)
	go c.heartbeat(stop)
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn, seq uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			conn.Close()

			c.mu.Lock()
			current := seq == c.seq && c.conn == conn
			if current {
				c.conn = nil
			}
			c.mu.Unlock()

			if current {
				log.Debug("realtime connection closed", zap.String("thread", c.threadID), zap.Int("code", code), zap.Error(err))
				c.closed(code)
			}
			return
		}

		c.dispatch(data)
	}
}

// closed decides between Closed, another reconnect attempt, or Terminated.
func (c *Channel) closed(code int) {
	c.mu.Lock()
	if c.state == Terminated {
		c.mu.Unlock()
		return
	}
	c.stopHeartbeatLocked()

	if code == websocket.CloseNormalClosure {
		c.setStateLocked(Closed)
		c.mu.Unlock()
		c.emitStatus(Closed)
		return
	}

	if c.attempts >= c.opts.MaxReconnectAttempts {
		c.setStateLocked(Terminated)
		c.mu.Unlock()
		log.Error("realtime reconnect attempts exhausted", zap.String("thread", c.threadID))
		c.emitStatus(Terminated)
		c.emitError(ErrConnectionLost)
		return
	}

	c.attempts++
	attempt := c.attempts
	delay := c.Backoff(attempt)
	c.setStateLocked(Reconnecting)
	c.mu.Unlock()

	log.Info("realtime reconnect scheduled", zap.String("thread", c.threadID), zap.Int("attempt", attempt), zap.Duration("delay", delay))
	c.emitStatus(Reconnecting)
	if c.h.OnReconnectScheduled != nil {
		c.h.OnReconnectScheduled(attempt, delay)
	}

	// the timer starts after the callbacks so attempts are reported in order
	c.mu.Lock()
	if c.state == Reconnecting && c.reconnectTimer == nil {
		c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
	}
	c.mu.Unlock()
}

func (c *Channel) reconnect() {
	c.mu.Lock()
	if c.state != Reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	_ = c.dial(context.Background())
}

func (c *Channel) heartbeat(stop <-chan struct{}) {
	t := time.NewTicker(c.opts.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.Send(model.Frame{Type: model.FramePing})
		}
	}
}

func (c *Channel) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("realtime handler panicked", zap.String("thread", c.threadID), zap.Any("panic", r))
			c.emitError(fmt.Errorf("handler panic: %v", r))
		}
	}()

	var f model.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warn("malformed realtime frame", zap.String("thread", c.threadID), zap.Error(err))
		c.emitError(fmt.Errorf("decode frame: %w", err))
		return
	}

	switch f.Type {
	case model.FrameNewMessage:
		if f.Message == nil {
			c.emitError(errors.New("new_message frame without message"))
			return
		}
		if c.h.OnNewMessage != nil {
			c.h.OnNewMessage(*f.Message)
		}
	case model.FrameReactionAdded:
		if c.h.OnReactionAdded != nil {
			c.h.OnReactionAdded(f)
		}
	case model.FrameReactionRemoved:
		if c.h.OnReactionRemoved != nil {
			c.h.OnReactionRemoved(f)
		}
	case model.FrameTypingStart:
		if c.h.OnTypingStart != nil {
			c.h.OnTypingStart(f.UserID)
		}
	case model.FrameTypingStop:
		if c.h.OnTypingStop != nil {
			c.h.OnTypingStop(f.UserID)
		}
	case model.FramePresenceUpdate:
		if c.h.OnPresence != nil {
			c.h.OnPresence(f.UserID, f.Status)
		}
	case model.FramePong:
		if c.h.OnPong != nil {
			c.h.OnPong()
		}
	default:
		if c.h.OnOther != nil {
			c.h.OnOther(f)
		}
	}
}

// Send writes v as JSON if the channel is open. It never queues: a false
// return means the frame was dropped.
func (c *Channel) Send(v any) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.state == Open
	c.mu.Unlock()

	if !open || conn == nil {
		log.Debug("realtime send dropped", zap.String("thread", c.threadID), zap.Error(ErrChannelSend))
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteJSON(v); err != nil {
		log.Warn("realtime send failed", zap.String("thread", c.threadID), zap.Error(err))
		return false
	}
	return true
}

func (c *Channel) SendTyping(isTyping bool) bool {
	t := model.FrameTypingStop
	if isTyping {
		t = model.FrameTypingStart
	}
	return c.Send(model.Frame{Type: t})
}

// Disconnect closes with a normal-closure code and stops every timer the
// channel owns. Safe to call more than once.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.state == Terminated {
		c.mu.Unlock()
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.setStateLocked(Terminated)
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.emitStatus(Terminated)
}

func (c *Channel) setStateLocked(s State) {
	c.state = s
}

func (c *Channel) stopHeartbeatLocked() {
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
}

func (c *Channel) emitStatus(s State) {
	if c.h.OnStatus != nil {
		c.h.OnStatus(s)
	}
}

func (c *Channel) emitError(err error) {
	if c.h.OnError != nil {
		c.h.OnError(err)
	}
}
