package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"secure_msg/internal/model"
	"secure_msg/internal/protocol/keyagreement"
	"secure_msg/internal/realtime"
	"secure_msg/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTypingTimeout      = time.Second
	DefaultDecryptConcurrency = 8
)

type (
	// MessageStore is the REST persistence boundary.
	MessageStore interface {
		ListThreads(ctx context.Context) ([]model.Thread, error)
		CreateThread(ctx context.Context, req model.CreateThreadRequest) (*model.Thread, error)
		GetThread(ctx context.Context, threadID string) (*model.Thread, error)
		ListMessages(ctx context.Context, threadID string) ([]model.Message, error)
		SendMessage(ctx context.Context, req model.SendMessageRequest) (*model.Message, error)
		AddReaction(ctx context.Context, messageID, emoji string) error
		RemoveReaction(ctx context.Context, messageID, emoji string) error
		MarkRead(ctx context.Context, threadID string, messageIDs []string) error
	}

	DeviceService interface {
		RegisterDevice(ctx context.Context, device model.Device) (*model.Device, error)
		SyncDevice(ctx context.Context, deviceID string, since time.Time) (*model.SyncResponse, error)
	}

	// LocalStore is durable state kept on this install.
	LocalStore interface {
		DeviceID(ctx context.Context) (string, error)
		SetDeviceID(ctx context.Context, id string) error
		LastSync(ctx context.Context) (time.Time, error)
		SetLastSync(ctx context.Context, t time.Time) error
		MergeMessages(ctx context.Context, msgs []model.Message) (int, error)
		Messages(ctx context.Context, threadID string) ([]model.Message, error)
	}

	// Channel is the part of realtime.Channel the controller drives.
	Channel interface {
		Connect(ctx context.Context) error
		Send(v any) bool
		SendTyping(isTyping bool) bool
		Disconnect()
	}

	// Dialer builds the channel for one thread. It must not connect.
	Dialer func(threadID string, h realtime.Handlers) Channel

	Notifier interface {
		Hidden() bool
		Permitted() bool
		Notify(title, body string)
	}

	Config struct {
		UserID string
		Box    *keyagreement.Box

		Store   MessageStore
		Devices DeviceService
		Local   LocalStore
		Dial    Dialer

		// Optional.
		Notifier Notifier
		// OnChange receives every new snapshot, in order. It is called with
		// the controller locked and must not call back into it.
		OnChange func(State)

		DeviceName         string
		DeviceType         string
		TypingTimeout      time.Duration
		DecryptConcurrency int
	}

	// Controller owns one session's conversation state.
	Controller struct {
		cfg Config

		mu       sync.Mutex
		state    State
		gen      uint64
		channel  Channel
		deviceID string
		closed   bool

		typingTimer  *time.Timer
		typingSeq    uint64
		typingActive bool
	}
)

func New(cfg Config) *Controller {
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = DefaultTypingTimeout
	}
	if cfg.DecryptConcurrency <= 0 {
		cfg.DecryptConcurrency = DefaultDecryptConcurrency
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "terminal"
	}
	if cfg.DeviceType == "" {
		cfg.DeviceType = "cli"
	}
	return &Controller{
		cfg:   cfg,
		state: NewState(cfg.UserID),
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Init makes sure this install has a device id, registers it, publishes the
// session key when the strategy needs one and merges server-held messages.
// REST failures are reported but do not stop the rest of Init.
func (c *Controller) Init(ctx context.Context) error {
	id, err := c.cfg.Local.DeviceID(ctx)
	if err != nil {
		return fmt.Errorf("load device id: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
		if err := c.cfg.Local.SetDeviceID(ctx, id); err != nil {
			return fmt.Errorf("store device id: %w", err)
		}
		log.Info("generated device id", zap.String("device", id))
	}
	c.mu.Lock()
	c.deviceID = id
	c.mu.Unlock()

	var errs []error

	if p, ok := c.cfg.Box.Strategy().(keyagreement.Publisher); ok {
		if err := p.Publish(ctx); err != nil {
			c.fail(0, "failed to publish encryption key", err)
			errs = append(errs, fmt.Errorf("publish key: %w", err))
		}
	}

	if _, err := c.cfg.Devices.RegisterDevice(ctx, model.Device{
		DeviceID:   id,
		DeviceName: c.cfg.DeviceName,
		DeviceType: c.cfg.DeviceType,
	}); err != nil {
		c.fail(0, "failed to register device", err)
		errs = append(errs, fmt.Errorf("register device: %w", err))
	} else if err := c.Sync(ctx); err != nil {
		errs = append(errs, err)
	}

	if _, err := c.ListThreads(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Sync pulls messages the server holds for this device since the last sync
// into the local cache.
func (c *Controller) Sync(ctx context.Context) error {
	deviceID := c.DeviceID()
	since, err := c.cfg.Local.LastSync(ctx)
	if err != nil {
		return fmt.Errorf("load last sync: %w", err)
	}

	resp, err := c.cfg.Devices.SyncDevice(ctx, deviceID, since)
	if err != nil {
		c.fail(0, "failed to sync device", err)
		return fmt.Errorf("sync device: %w", err)
	}

	n, err := c.cfg.Local.MergeMessages(ctx, resp.Messages)
	if err != nil {
		return fmt.Errorf("merge synced messages: %w", err)
	}
	if err := c.cfg.Local.SetLastSync(ctx, resp.SyncedAt); err != nil {
		return fmt.Errorf("store last sync: %w", err)
	}
	log.Debug("device synced", zap.String("device", deviceID), zap.Int("received", len(resp.Messages)), zap.Int("new", n))

	c.mu.Lock()
	gen, thread := c.gen, c.state.Thread
	c.mu.Unlock()
	if thread == nil {
		return nil
	}
	var current []model.Message
	for _, m := range resp.Messages {
		if m.ThreadID == thread.ID {
			current = append(current, m)
		}
	}
	if len(current) > 0 {
		c.dispatchIfCurrent(gen, MessagesMerged{Messages: current, Plaintext: c.decryptAll(ctx, thread, current)})
	}
	return nil
}

func (c *Controller) ListThreads(ctx context.Context) ([]model.Thread, error) {
	threads, err := c.cfg.Store.ListThreads(ctx)
	if err != nil {
		c.fail(0, "failed to load conversations", err)
		return nil, fmt.Errorf("list threads: %w", err)
	}
	c.dispatch(ThreadsListed{Threads: threads})
	return threads, nil
}

func (c *Controller) CreateThread(ctx context.Context, subject string, participants []string) (*model.Thread, error) {
	ids := []string{c.cfg.UserID}
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p != "" && p != c.cfg.UserID {
			ids = append(ids, p)
		}
	}

	thread, err := c.cfg.Store.CreateThread(ctx, model.CreateThreadRequest{Subject: subject, ParticipantIDs: ids})
	if err != nil {
		c.fail(0, "failed to create conversation", err)
		return nil, fmt.Errorf("create thread: %w", err)
	}
	c.dispatch(ThreadCreated{Thread: *thread})
	return thread, nil
}

// SelectThread switches the view to threadID. Loads started by an earlier
// selection are dropped when they finish.
func (c *Controller) SelectThread(ctx context.Context, threadID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	old := c.channel
	c.channel = nil
	stopTyping := c.clearTypingLocked()
	c.applyLocked(ThreadSelected{Generation: gen, ThreadID: threadID})
	c.mu.Unlock()

	if old != nil {
		if stopTyping {
			old.SendTyping(false)
		}
		old.Disconnect()
	}

	thread, err := c.cfg.Store.GetThread(ctx, threadID)
	if err != nil {
		c.fail(gen, "failed to open conversation", err)
		return fmt.Errorf("get thread: %w", err)
	}
	msgs, err := c.cfg.Store.ListMessages(ctx, threadID)
	if err != nil {
		cached, cacheErr := c.cfg.Local.Messages(ctx, threadID)
		if cacheErr != nil || len(cached) == 0 {
			c.fail(gen, "failed to load messages", err)
			return fmt.Errorf("list messages: %w", err)
		}
		log.Warn("showing cached history", zap.String("thread", threadID), zap.Error(err))
		msgs = cached
		defer c.fail(gen, "failed to load messages", err)
	} else if _, err := c.cfg.Local.MergeMessages(ctx, msgs); err != nil {
		log.Warn("cache thread history failed", zap.String("thread", threadID), zap.Error(err))
	}
	plain := c.decryptAll(ctx, thread, msgs)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		log.Debug("discarding stale thread load", zap.String("thread", threadID), zap.Uint64("generation", gen))
		return nil
	}
	c.applyLocked(ThreadLoaded{Generation: gen, Thread: thread, Messages: msgs, Plaintext: plain})
	ch := c.cfg.Dial(threadID, c.handlers(gen, thread))
	c.channel = ch
	c.mu.Unlock()

	if err := ch.Connect(ctx); err != nil {
		// the channel schedules its own reconnects
		log.Warn("realtime connect failed", zap.String("thread", threadID), zap.Error(err))
	}

	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		ch.Disconnect()
	}
	return nil
}

// Send encrypts text for the selected thread, persists it and fans it out.
// On failure the state is left as it was.
func (c *Controller) Send(ctx context.Context, text string, attachments []model.Attachment) error {
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	gen, thread := c.gen, c.state.Thread
	c.mu.Unlock()
	if thread == nil {
		return ErrNoThread
	}

	c.StopTyping()

	env, err := c.cfg.Box.Seal(ctx, thread, text)
	if err != nil {
		c.fail(gen, "failed to encrypt message", err)
		return fmt.Errorf("seal message: %w", err)
	}

	msg, err := c.cfg.Store.SendMessage(ctx, model.SendMessageRequest{
		ThreadID:    thread.ID,
		Envelope:    env,
		Type:        model.MessageTypeText,
		Attachments: attachments,
	})
	if err != nil {
		c.fail(gen, "failed to send message", err)
		return fmt.Errorf("persist message: %w", err)
	}

	c.mu.Lock()
	ch := c.channel
	if gen != c.gen {
		ch = nil
	}
	c.mu.Unlock()
	if ch != nil && !ch.Send(model.Frame{Type: model.FrameChatMessage, Message: msg}) {
		log.Debug("chat message not fanned out, peers will see it on reload", zap.String("message", msg.ID))
	}

	c.dispatchIfCurrent(gen, NewMessage{Message: *msg, Plaintext: text})
	return nil
}

// ToggleReaction adds the session user's emoji reaction to messageID, or
// removes it when already present.
func (c *Controller) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	c.mu.Lock()
	gen := c.gen
	msg, ok := c.state.Message(messageID)
	c.mu.Unlock()
	if !ok {
		return ErrUnknownMessage
	}

	reacted := ReactedBy(msg, emoji, c.cfg.UserID)
	var err error
	if reacted {
		err = c.cfg.Store.RemoveReaction(ctx, messageID, emoji)
	} else {
		err = c.cfg.Store.AddReaction(ctx, messageID, emoji)
	}
	if err != nil {
		c.fail(gen, "failed to update reaction", err)
		return fmt.Errorf("toggle reaction: %w", err)
	}

	c.dispatchIfCurrent(gen, ReactionChanged{MessageID: messageID, Emoji: emoji, UserID: c.cfg.UserID, Added: !reacted})
	return nil
}

// MarkRead marks every message from other participants as read.
func (c *Controller) MarkRead(ctx context.Context) error {
	c.mu.Lock()
	gen, threadID := c.gen, c.state.ThreadID
	var ids []string
	for _, m := range c.state.Messages {
		if m.SenderID != c.cfg.UserID && !m.IsReadBy(c.cfg.UserID) {
			ids = append(ids, m.ID)
		}
	}
	c.mu.Unlock()

	if threadID == "" {
		return ErrNoThread
	}
	if len(ids) == 0 {
		return nil
	}

	if err := c.cfg.Store.MarkRead(ctx, threadID, ids); err != nil {
		c.fail(gen, "failed to mark messages read", err)
		return fmt.Errorf("mark read: %w", err)
	}
	c.dispatchIfCurrent(gen, ReadReceipt{MessageIDs: ids, UserID: c.cfg.UserID})
	return nil
}

// Keystroke announces typing once and pushes back the automatic stop.
func (c *Controller) Keystroke() {
	c.mu.Lock()
	ch := c.channel
	if ch == nil || c.closed {
		c.mu.Unlock()
		return
	}
	start := !c.typingActive
	c.typingActive = true
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingSeq++
	seq := c.typingSeq
	c.typingTimer = time.AfterFunc(c.cfg.TypingTimeout, func() { c.typingExpired(seq) })
	c.mu.Unlock()

	if start {
		ch.SendTyping(true)
	}
}

func (c *Controller) StopTyping() {
	c.mu.Lock()
	ch := c.channel
	send := c.clearTypingLocked()
	c.mu.Unlock()

	if send && ch != nil {
		ch.SendTyping(false)
	}
}

func (c *Controller) typingExpired(seq uint64) {
	c.mu.Lock()
	if seq != c.typingSeq || !c.typingActive {
		c.mu.Unlock()
		return
	}
	c.typingActive = false
	c.typingTimer = nil
	ch := c.channel
	c.mu.Unlock()

	if ch != nil {
		ch.SendTyping(false)
	}
}

// clearTypingLocked stops the typing timer and reports whether a stop signal
// is owed to peers.
func (c *Controller) clearTypingLocked() bool {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typingSeq++
	was := c.typingActive
	c.typingActive = false
	return was
}

// Close tears down the channel, the typing timer and cached peer keys.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	ch := c.channel
	c.channel = nil
	stopTyping := c.clearTypingLocked()
	c.mu.Unlock()

	if ch != nil {
		if stopTyping {
			ch.SendTyping(false)
		}
		ch.Disconnect()
	}
	if r, ok := c.cfg.Box.Strategy().(interface{ Reset() }); ok {
		r.Reset()
	}
}

func (c *Controller) handlers(gen uint64, thread *model.Thread) realtime.Handlers {
	return realtime.Handlers{
		OnNewMessage: func(msg model.Message) {
			c.receive(gen, thread, msg)
		},
		OnReactionAdded: func(f model.Frame) {
			c.dispatchIfCurrent(gen, ReactionChanged{MessageID: f.MessageID, Emoji: f.Emoji, UserID: f.UserID, Added: true})
		},
		OnReactionRemoved: func(f model.Frame) {
			c.dispatchIfCurrent(gen, ReactionChanged{MessageID: f.MessageID, Emoji: f.Emoji, UserID: f.UserID})
		},
		OnTypingStart: func(userID string) {
			if userID != c.cfg.UserID {
				c.dispatchIfCurrent(gen, TypingChanged{UserID: userID, Typing: true})
			}
		},
		OnTypingStop: func(userID string) {
			c.dispatchIfCurrent(gen, TypingChanged{UserID: userID})
		},
		OnPresence: func(userID, status string) {
			c.dispatchIfCurrent(gen, PresenceChanged{UserID: userID, Status: status})
		},
		OnOther: func(f model.Frame) {
			if f.Type == model.FrameMessageRead {
				c.dispatchIfCurrent(gen, ReadReceipt{MessageIDs: f.MessageIDs, UserID: f.UserID})
				return
			}
			log.Debug("ignoring realtime frame", zap.String("type", f.Type))
		},
		OnError: func(err error) {
			switch {
			case errors.Is(err, realtime.ErrConnectionLost):
				c.fail(gen, "connection lost", err)
			case errors.Is(err, realtime.ErrUnauthorized):
				c.fail(gen, "access to this conversation was denied", err)
			default:
				log.Warn("realtime error", zap.String("thread", thread.ID), zap.Error(err))
			}
		},
		OnStatus: func(s realtime.State) {
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return
			}
			resumed := c.state.Connection == realtime.Reconnecting && s == realtime.Open
			c.applyLocked(ConnectionChanged{State: s})
			c.mu.Unlock()

			if resumed {
				go c.backfill(gen, thread)
			}
		},
	}
}

// receive decrypts an inbound message before the single state update that
// shows it.
func (c *Controller) receive(gen uint64, thread *model.Thread, msg model.Message) {
	if msg.ThreadID != thread.ID {
		return
	}

	c.mu.Lock()
	_, known := c.state.Plaintext[msg.ID]
	c.mu.Unlock()

	ev := NewMessage{Message: msg}
	if msg.Encrypted() && !known {
		text, err := c.cfg.Box.Open(context.Background(), thread, msg.SenderID, msg.Envelope)
		if err != nil {
			log.Warn("decrypt inbound message failed", zap.String("message", msg.ID), zap.Error(err))
		} else {
			ev.Plaintext = text
		}
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.applyLocked(ev)
	n := c.cfg.Notifier
	c.mu.Unlock()

	if n != nil && msg.SenderID != c.cfg.UserID && n.Hidden() && n.Permitted() {
		n.Notify("New secure message", fmt.Sprintf("from %s", msg.SenderID))
	}
}

// backfill merges messages persisted while the channel was down.
func (c *Controller) backfill(gen uint64, thread *model.Thread) {
	ctx := context.Background()
	msgs, err := c.cfg.Store.ListMessages(ctx, thread.ID)
	if err != nil {
		log.Warn("backfill after reconnect failed", zap.String("thread", thread.ID), zap.Error(err))
		return
	}

	c.mu.Lock()
	var missing []model.Message
	for _, m := range msgs {
		if _, ok := c.state.Message(m.ID); !ok {
			missing = append(missing, m)
		}
	}
	c.mu.Unlock()
	if len(missing) == 0 {
		return
	}

	c.dispatchIfCurrent(gen, MessagesMerged{Messages: missing, Plaintext: c.decryptAll(ctx, thread, missing)})
}

// decryptAll opens every encrypted message concurrently. A message that
// fails is simply absent from the result.
func (c *Controller) decryptAll(ctx context.Context, thread *model.Thread, msgs []model.Message) map[string]string {
	texts := make([]string, len(msgs))
	ok := make([]bool, len(msgs))

	var g errgroup.Group
	g.SetLimit(c.cfg.DecryptConcurrency)
	for i := range msgs {
		if !msgs[i].Encrypted() {
			continue
		}
		i := i
		g.Go(func() error {
			text, err := c.cfg.Box.Open(ctx, thread, msgs[i].SenderID, msgs[i].Envelope)
			if err != nil {
				log.Warn("decrypt message failed", zap.String("message", msgs[i].ID), zap.Error(err))
				return nil
			}
			texts[i], ok[i] = text, true
			return nil
		})
	}
	_ = g.Wait()

	plain := make(map[string]string, len(msgs))
	for i := range msgs {
		if ok[i] {
			plain[msgs[i].ID] = texts[i]
		}
	}
	return plain
}

func (c *Controller) dispatch(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyLocked(ev)
}

func (c *Controller) dispatchIfCurrent(gen uint64, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.applyLocked(ev)
}

func (c *Controller) applyLocked(ev Event) {
	c.state = Reduce(c.state, ev)
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(c.state)
	}
}

// fail logs err and shows action to the user. A zero gen is never stale.
func (c *Controller) fail(gen uint64, action string, err error) {
	log.Error(action, zap.Error(err))

	msg := action
	var describer interface{ UserMessage() string }
	if errors.As(err, &describer) {
		if m := describer.UserMessage(); m != "" {
			msg = fmt.Sprintf("%s: %s", action, m)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != 0 && gen != c.gen {
		return
	}
	c.applyLocked(ErrorRaised{Message: msg})
}
