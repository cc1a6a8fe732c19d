package conversation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"secure_msg/internal/model"
	"secure_msg/internal/protocol/keyagreement"
	"secure_msg/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backend is an in-memory stand-in for the REST relay shared by every
// controller in a test.
type backend struct {
	mu       sync.Mutex
	threads  map[string]*model.Thread
	messages map[string][]model.Message
	keys     map[string]model.PublicKeyBundle
	devices  map[string]model.Device
	seq      int

	sendErr error
	listErr error
	// gates block ListMessages for a thread until closed.
	gates   map[string]chan struct{}
	entered chan string
}

func newBackend() *backend {
	return &backend{
		threads:  map[string]*model.Thread{},
		messages: map[string][]model.Message{},
		keys:     map[string]model.PublicKeyBundle{},
		devices:  map[string]model.Device{},
		gates:    map[string]chan struct{}{},
		entered:  make(chan string, 8),
	}
}

func (b *backend) addThread(id string, participants ...string) *model.Thread {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := &model.Thread{ID: id, ParticipantIDs: participants, Subject: "subject " + id}
	b.threads[id] = t
	return t
}

func (b *backend) add(m model.Message) model.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	if m.ID == "" {
		m.ID = fmt.Sprintf("m%d", b.seq)
	}
	m.CreatedAt = time.Unix(int64(b.seq), 0)
	b.messages[m.ThreadID] = append(b.messages[m.ThreadID], m)
	return m
}

// store is one user's view of the backend.
type store struct {
	*backend
	user string
}

func (s store) ListThreads(context.Context) ([]model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Thread
	for _, t := range s.threads {
		if t.HasParticipant(s.user) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s store) CreateThread(_ context.Context, req model.CreateThreadRequest) (*model.Thread, error) {
	s.mu.Lock()
	id := fmt.Sprintf("T%d", len(s.threads)+100)
	s.mu.Unlock()
	t := s.addThread(id, req.ParticipantIDs...)
	t.Subject = req.Subject
	return t, nil
}

func (s store) GetThread(_ context.Context, id string) (*model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, errors.New("thread not found")
	}
	cp := *t
	return &cp, nil
}

func (s store) ListMessages(_ context.Context, threadID string) ([]model.Message, error) {
	s.mu.Lock()
	gate := s.gates[threadID]
	s.mu.Unlock()
	if gate != nil {
		s.entered <- threadID
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]model.Message(nil), s.messages[threadID]...), nil
}

func (s store) SendMessage(_ context.Context, req model.SendMessageRequest) (*model.Message, error) {
	s.mu.Lock()
	err := s.sendErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m := s.add(model.Message{
		ThreadID:    req.ThreadID,
		SenderID:    s.user,
		Envelope:    req.Envelope,
		Type:        req.Type,
		Attachments: req.Attachments,
	})
	return &m, nil
}

func (s store) AddReaction(context.Context, string, string) error    { return nil }
func (s store) RemoveReaction(context.Context, string, string) error { return nil }

func (s store) MarkRead(_ context.Context, threadID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages[threadID] {
		for _, id := range ids {
			if m.ID == id {
				s.messages[threadID][i].ReadBy = append(m.ReadBy, s.user)
			}
		}
	}
	return nil
}

func (s store) PublishKey(_ context.Context, b model.PublicKeyBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[b.UserID] = b
	return nil
}

func (s store) LookupKey(_ context.Context, userID string) (*model.PublicKeyBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.keys[userID]
	if !ok {
		return nil, errors.New("no key")
	}
	return &b, nil
}

type devices struct {
	*backend
	registerErr error
	synced      []model.Message
}

func (d *devices) RegisterDevice(_ context.Context, dev model.Device) (*model.Device, error) {
	if d.registerErr != nil {
		return nil, d.registerErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[dev.DeviceID] = dev
	return &dev, nil
}

func (d *devices) SyncDevice(_ context.Context, _ string, since time.Time) (*model.SyncResponse, error) {
	var out []model.Message
	for _, m := range d.synced {
		if m.CreatedAt.After(since) {
			out = append(out, m)
		}
	}
	return &model.SyncResponse{Messages: out, SyncedAt: time.Unix(1000, 0)}, nil
}

type memLocal struct {
	mu       sync.Mutex
	deviceID string
	lastSync time.Time
	cache    map[string]model.Message
}

func newMemLocal() *memLocal {
	return &memLocal{cache: map[string]model.Message{}}
}

func (l *memLocal) DeviceID(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deviceID, nil
}

func (l *memLocal) SetDeviceID(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deviceID = id
	return nil
}

func (l *memLocal) LastSync(context.Context) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSync, nil
}

func (l *memLocal) SetLastSync(_ context.Context, t time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSync = t
	return nil
}

func (l *memLocal) MergeMessages(_ context.Context, msgs []model.Message) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range msgs {
		if _, ok := l.cache[m.ID]; !ok {
			l.cache[m.ID] = m
			n++
		}
	}
	return n, nil
}

func (l *memLocal) Messages(_ context.Context, threadID string) ([]model.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Message
	for _, m := range l.cache {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// relay links fake channels of the same thread the way the server hub does.
type relay struct {
	mu       sync.Mutex
	channels []*fakeChannel
	dialed   []string
}

type fakeChannel struct {
	relay  *relay
	user   string
	thread string
	h      realtime.Handlers

	mu           sync.Mutex
	open         bool
	disconnected bool
	frames       []model.Frame
	typing       []bool
}

func (r *relay) dialer(user string) Dialer {
	return func(threadID string, h realtime.Handlers) Channel {
		ch := &fakeChannel{relay: r, user: user, thread: threadID, h: h}
		r.mu.Lock()
		r.channels = append(r.channels, ch)
		r.dialed = append(r.dialed, user+"@"+threadID)
		r.mu.Unlock()
		return ch
	}
}

func (r *relay) peers(from *fakeChannel) []*fakeChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*fakeChannel
	for _, ch := range r.channels {
		if ch != from && ch.thread == from.thread && ch.isOpen() {
			out = append(out, ch)
		}
	}
	return out
}

func (f *fakeChannel) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open && !f.disconnected
}

func (f *fakeChannel) Connect(context.Context) error {
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	if f.h.OnStatus != nil {
		f.h.OnStatus(realtime.Open)
	}
	return nil
}

func (f *fakeChannel) Send(v any) bool {
	frame, ok := v.(model.Frame)
	if !ok || !f.isOpen() {
		return false
	}
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()

	if frame.Type == model.FrameChatMessage && frame.Message != nil {
		for _, p := range f.relay.peers(f) {
			p.h.OnNewMessage(*frame.Message)
		}
	}
	return true
}

func (f *fakeChannel) SendTyping(isTyping bool) bool {
	if !f.isOpen() {
		return false
	}
	f.mu.Lock()
	f.typing = append(f.typing, isTyping)
	f.mu.Unlock()

	for _, p := range f.relay.peers(f) {
		if isTyping {
			p.h.OnTypingStart(f.user)
		} else {
			p.h.OnTypingStop(f.user)
		}
	}
	return true
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func (f *fakeChannel) typingSignals() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.typing...)
}

type testUser struct {
	ctrl    *Controller
	devices *devices
	local   *memLocal

	mu        sync.Mutex
	snapshots []State
}

func (u *testUser) snaps() []State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]State(nil), u.snapshots...)
}

func newUser(t *testing.T, b *backend, r *relay, name string, pairwise bool, mod func(*Config)) *testUser {
	t.Helper()
	st := store{backend: b, user: name}

	var strategy keyagreement.Strategy = keyagreement.NewThreadKey([]byte("test-secret"))
	if pairwise {
		pw, err := keyagreement.NewPairwise(name, st)
		require.NoError(t, err)
		strategy = pw
	}

	u := &testUser{devices: &devices{backend: b}, local: newMemLocal()}
	cfg := Config{
		UserID:  name,
		Box:     keyagreement.NewBox(name, strategy),
		Store:   st,
		Devices: u.devices,
		Local:   u.local,
		Dial:    r.dialer(name),
		OnChange: func(s State) {
			u.mu.Lock()
			u.snapshots = append(u.snapshots, s)
			u.mu.Unlock()
		},
	}
	if mod != nil {
		mod(&cfg)
	}
	u.ctrl = New(cfg)
	t.Cleanup(u.ctrl.Close)
	return u
}

func TestController_SendAndReceive(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	r := &relay{}
	alice := newUser(t, b, r, "alice", true, nil)
	bob := newUser(t, b, r, "bob", true, nil)
	require.NoError(t, alice.ctrl.Init(ctx))
	require.NoError(t, bob.ctrl.Init(ctx))

	thread, err := alice.ctrl.CreateThread(ctx, "Loan question", []string{"bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, thread.ParticipantIDs)

	require.NoError(t, alice.ctrl.SelectThread(ctx, thread.ID))
	require.NoError(t, bob.ctrl.SelectThread(ctx, thread.ID))

	require.NoError(t, alice.ctrl.Send(ctx, "hello", nil))

	as := alice.ctrl.State()
	require.Len(t, as.Messages, 1)
	assert.Equal(t, "hello", as.Text(as.Messages[0].ID))
	assert.True(t, as.Messages[0].Encrypted())

	stored := b.messages[thread.ID][0]
	assert.NotContains(t, stored.Ciphertext, "hello")
	assert.Equal(t, keyagreement.SchemePairwise, stored.Scheme)

	// every snapshot that shows the message already shows its plaintext
	found := false
	for _, s := range bob.snaps() {
		if _, ok := s.Message(stored.ID); ok {
			found = true
			assert.Equal(t, "hello", s.Text(stored.ID))
		}
	}
	assert.True(t, found)
	assert.Equal(t, "hello", bob.ctrl.State().Text(stored.ID))
}

func TestController_PeerRestartKeepsConversationReadable(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	r := &relay{}
	alice := newUser(t, b, r, "alice", true, nil)
	bob := newUser(t, b, r, "bob", true, nil)
	require.NoError(t, alice.ctrl.Init(ctx))
	require.NoError(t, bob.ctrl.Init(ctx))

	thread := b.addThread("T1", "alice", "bob")
	require.NoError(t, alice.ctrl.SelectThread(ctx, thread.ID))
	require.NoError(t, bob.ctrl.SelectThread(ctx, thread.ID))
	require.NoError(t, alice.ctrl.Send(ctx, "before", nil))
	first := b.messages[thread.ID][0].ID
	assert.Equal(t, "before", bob.ctrl.State().Text(first))

	// bob restarts with a fresh session keypair while alice stays online
	bob.ctrl.Close()
	bob2 := newUser(t, b, r, "bob", true, nil)
	require.NoError(t, bob2.ctrl.Init(ctx))
	require.NoError(t, bob2.ctrl.SelectThread(ctx, thread.ID))

	require.NoError(t, alice.ctrl.Send(ctx, "after", nil))
	second := b.messages[thread.ID][1].ID

	st := bob2.ctrl.State()
	assert.Equal(t, "after", st.Text(second))
	assert.Equal(t, DecryptFailedText, st.Text(first))
	assert.Equal(t, "before", alice.ctrl.State().Text(first))
}

func TestController_DecryptFailureIsolated(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	r := &relay{}
	thread := b.addThread("T1", "alice", "bob")

	box := keyagreement.NewBox("alice", keyagreement.NewThreadKey([]byte("test-secret")))
	var ids []string
	for i, text := range []string{"first", "second", "third"} {
		env, err := box.Seal(ctx, thread, text)
		require.NoError(t, err)
		if i == 1 {
			ct, _ := base64.StdEncoding.DecodeString(env.Ciphertext)
			ct[0] ^= 0xff
			env.Ciphertext = base64.StdEncoding.EncodeToString(ct)
		}
		m := b.add(model.Message{ThreadID: "T1", SenderID: "alice", Envelope: env, Type: model.MessageTypeText})
		ids = append(ids, m.ID)
	}

	bob := newUser(t, b, r, "bob", false, nil)
	require.NoError(t, bob.ctrl.SelectThread(ctx, "T1"))

	s := bob.ctrl.State()
	require.Len(t, s.Messages, 3)
	assert.Equal(t, "first", s.Text(ids[0]))
	assert.Equal(t, DecryptFailedText, s.Text(ids[1]))
	assert.Equal(t, "third", s.Text(ids[2]))
	assert.Empty(t, s.Error)
}

func TestController_TypingLifecycle(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	r := &relay{}
	b.addThread("T1", "alice", "bob")

	fast := func(c *Config) { c.TypingTimeout = 150 * time.Millisecond }
	alice := newUser(t, b, r, "alice", false, fast)
	bob := newUser(t, b, r, "bob", false, fast)
	require.NoError(t, alice.ctrl.SelectThread(ctx, "T1"))
	require.NoError(t, bob.ctrl.SelectThread(ctx, "T1"))

	alice.ctrl.Keystroke()
	alice.ctrl.Keystroke()
	alice.ctrl.Keystroke()
	assert.Equal(t, []string{"alice"}, bob.ctrl.State().TypingUsers())

	assert.Eventually(t, func() bool {
		return len(bob.ctrl.State().TypingUsers()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	r.mu.Lock()
	ch := r.channels[0]
	r.mu.Unlock()
	assert.Equal(t, []bool{true, false}, ch.typingSignals(), "one start per burst, one stop after idling")

	// sending ends a burst straight away
	alice.ctrl.Keystroke()
	require.NoError(t, alice.ctrl.Send(ctx, "done", nil))
	assert.Empty(t, bob.ctrl.State().TypingUsers())
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, []bool{true, false, true, false}, ch.typingSignals())
}

func TestController_StaleSelectionDiscarded(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	r := &relay{}
	b.addThread("T1", "alice", "bob")
	b.addThread("T2", "alice", "carol")
	b.add(model.Message{ThreadID: "T1", SenderID: "bob", Content: "old thread", Type: model.MessageTypeText})
	m2 := b.add(model.Message{ThreadID: "T2", SenderID: "carol", Content: "new thread", Type: model.MessageTypeText})

	gate := make(chan struct{})
	b.gates["T1"] = gate

	alice := newUser(t, b, r, "alice", false, nil)

	done := make(chan error, 1)
	go func() { done <- alice.ctrl.SelectThread(ctx, "T1") }()
	require.Equal(t, "T1", <-b.entered)

	require.NoError(t, alice.ctrl.SelectThread(ctx, "T2"))
	close(gate)
	require.NoError(t, <-done)

	s := alice.ctrl.State()
	assert.Equal(t, "T2", s.ThreadID)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, m2.ID, s.Messages[0].ID)
	assert.Equal(t, "new thread", s.Text(m2.ID))

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, []string{"alice@T2"}, r.dialed)
}

func TestController_SwitchingThreadsDropsOldChannel(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	r := &relay{}
	b.addThread("T1", "alice", "bob")
	b.addThread("T2", "alice", "bob")

	alice := newUser(t, b, r, "alice", false, nil)
	require.NoError(t, alice.ctrl.SelectThread(ctx, "T1"))
	r.mu.Lock()
	first := r.channels[0]
	r.mu.Unlock()

	require.NoError(t, alice.ctrl.SelectThread(ctx, "T2"))
	assert.False(t, first.isOpen())

	// late frames from the old channel are ignored
	first.h.OnTypingStart("bob")
	first.h.OnNewMessage(model.Message{ID: "late", ThreadID: "T1", SenderID: "bob", Content: "x"})
	s := alice.ctrl.State()
	assert.Empty(t, s.TypingUsers())
	assert.Empty(t, s.Messages)
	assert.Equal(t, realtime.Open, s.Connection)
}

func TestController_SendValidationAndFailure(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	r := &relay{}
	b.addThread("T1", "alice", "bob")
	alice := newUser(t, b, r, "alice", false, nil)

	assert.ErrorIs(t, alice.ctrl.Send(ctx, "hi", nil), ErrNoThread)

	require.NoError(t, alice.ctrl.SelectThread(ctx, "T1"))
	assert.ErrorIs(t, alice.ctrl.Send(ctx, "   \n\t", nil), ErrEmptyMessage)

	b.sendErr = userError{"thread is archived"}
	err := alice.ctrl.Send(ctx, "hello", nil)
	require.Error(t, err)

	s := alice.ctrl.State()
	assert.Empty(t, s.Messages)
	assert.Equal(t, "failed to send message: thread is archived", s.Error)

	// attachments alone are a valid send
	b.sendErr = nil
	require.NoError(t, alice.ctrl.Send(ctx, "", []model.Attachment{{Name: "statement.pdf", ContentType: "application/pdf", Size: 1024}}))
	assert.Len(t, alice.ctrl.State().Messages, 1)
}

type userError struct{ msg string }

func (e userError) Error() string       { return "api: " + e.msg }
func (e userError) UserMessage() string { return e.msg }

func TestController_ToggleReaction(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	r := &relay{}
	b.addThread("T1", "alice", "bob")
	m := b.add(model.Message{ThreadID: "T1", SenderID: "bob", Content: "rates went up", Type: model.MessageTypeText})

	alice := newUser(t, b, r, "alice", false, nil)
	require.NoError(t, alice.ctrl.SelectThread(ctx, "T1"))

	require.NoError(t, alice.ctrl.ToggleReaction(ctx, m.ID, "👍"))
	got, _ := alice.ctrl.State().Message(m.ID)
	require.Len(t, got.Reactions, 1)
	assert.Equal(t, model.Reaction{Emoji: "👍", Count: 1, Users: []string{"alice"}}, got.Reactions[0])

	// the relay echoes our own reaction back
	r.mu.Lock()
	ch := r.channels[0]
	r.mu.Unlock()
	ch.h.OnReactionAdded(model.Frame{Type: model.FrameReactionAdded, MessageID: m.ID, Emoji: "👍", UserID: "alice"})
	got, _ = alice.ctrl.State().Message(m.ID)
	assert.Equal(t, 1, got.Reactions[0].Count)

	require.NoError(t, alice.ctrl.ToggleReaction(ctx, m.ID, "👍"))
	got, _ = alice.ctrl.State().Message(m.ID)
	assert.Empty(t, got.Reactions)

	assert.ErrorIs(t, alice.ctrl.ToggleReaction(ctx, "missing", "👍"), ErrUnknownMessage)
}

func TestController_MarkRead(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	r := &relay{}
	b.addThread("T1", "alice", "bob")
	m1 := b.add(model.Message{ThreadID: "T1", SenderID: "bob", Content: "a", Type: model.MessageTypeText})
	m2 := b.add(model.Message{ThreadID: "T1", SenderID: "alice", Content: "b", Type: model.MessageTypeText})

	alice := newUser(t, b, r, "alice", false, nil)
	require.NoError(t, alice.ctrl.SelectThread(ctx, "T1"))
	require.NoError(t, alice.ctrl.MarkRead(ctx))

	s := alice.ctrl.State()
	got1, _ := s.Message(m1.ID)
	got2, _ := s.Message(m2.ID)
	assert.True(t, got1.IsReadBy("alice"))
	assert.False(t, got2.IsReadBy("alice"), "own messages are not marked")
	assert.True(t, b.messages["T1"][0].IsReadBy("alice"))

	// a peer's receipt arrives over the channel
	r.mu.Lock()
	ch := r.channels[0]
	r.mu.Unlock()
	ch.h.OnOther(model.Frame{Type: model.FrameMessageRead, MessageIDs: []string{m2.ID}, UserID: "bob"})
	got2, _ = alice.ctrl.State().Message(m2.ID)
	assert.True(t, got2.IsReadBy("bob"))
}

func TestController_InitRegistersDeviceOnce(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	r := &relay{}
	b.addThread("T1", "alice", "bob")

	alice := newUser(t, b, r, "alice", false, nil)
	alice.devices.synced = []model.Message{
		{ID: "s1", ThreadID: "T1", SenderID: "bob", Content: "while away", CreatedAt: time.Unix(10, 0)},
		{ID: "s2", ThreadID: "T1", SenderID: "bob", Content: "again", CreatedAt: time.Unix(20, 0)},
	}
	require.NoError(t, alice.ctrl.Init(ctx))

	id := alice.ctrl.DeviceID()
	require.NotEmpty(t, id)
	assert.Contains(t, b.devices, id)
	assert.Len(t, alice.local.cache, 2)
	assert.Equal(t, time.Unix(1000, 0), alice.local.lastSync)
	assert.Len(t, alice.ctrl.State().Threads, 1)

	// a second session on the same install reuses the id
	again := New(Config{
		UserID:  "alice",
		Box:     keyagreement.NewBox("alice", keyagreement.NewThreadKey([]byte("test-secret"))),
		Store:   store{backend: b, user: "alice"},
		Devices: alice.devices,
		Local:   alice.local,
		Dial:    r.dialer("alice"),
	})
	defer again.Close()
	require.NoError(t, again.Init(ctx))
	assert.Equal(t, id, again.DeviceID())
	assert.Len(t, b.devices, 1)
}

func TestController_InitSurvivesRegistrationFailure(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	r := &relay{}
	b.addThread("T1", "alice", "bob")

	alice := newUser(t, b, r, "alice", false, nil)
	alice.devices.registerErr = errors.New("503 service unavailable")

	err := alice.ctrl.Init(ctx)
	require.Error(t, err)

	s := alice.ctrl.State()
	assert.Equal(t, "failed to register device", s.Error)
	assert.Len(t, s.Threads, 1, "thread list still loads")
	require.NoError(t, alice.ctrl.SelectThread(ctx, "T1"))
}

type fakeNotifier struct {
	mu     sync.Mutex
	hidden bool
	sent   []string
}

func (n *fakeNotifier) Hidden() bool    { return n.hidden }
func (n *fakeNotifier) Permitted() bool { return true }
func (n *fakeNotifier) Notify(title, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, title+": "+body)
}

func TestController_NotifiesWhenHidden(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	r := &relay{}
	b.addThread("T1", "alice", "bob")

	n := &fakeNotifier{hidden: true}
	alice := newUser(t, b, r, "alice", false, nil)
	bob := newUser(t, b, r, "bob", false, func(c *Config) { c.Notifier = n })
	require.NoError(t, alice.ctrl.SelectThread(ctx, "T1"))
	require.NoError(t, bob.ctrl.SelectThread(ctx, "T1"))

	require.NoError(t, alice.ctrl.Send(ctx, "your card shipped", nil))
	require.NoError(t, bob.ctrl.Send(ctx, "thanks", nil))

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.sent, 1)
	assert.Contains(t, n.sent[0], "alice")
	assert.NotContains(t, n.sent[0], "card", "notifications never carry plaintext")
}

func TestController_BackfillAfterReconnect(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	r := &relay{}
	b.addThread("T1", "alice", "bob")

	alice := newUser(t, b, r, "alice", false, nil)
	require.NoError(t, alice.ctrl.SelectThread(ctx, "T1"))

	r.mu.Lock()
	ch := r.channels[0]
	r.mu.Unlock()

	ch.h.OnStatus(realtime.Reconnecting)
	missed := b.add(model.Message{ThreadID: "T1", SenderID: "bob", Content: "sent while offline", Type: model.MessageTypeText})
	ch.h.OnStatus(realtime.Open)

	assert.Eventually(t, func() bool {
		_, ok := alice.ctrl.State().Message(missed.ID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestController_CloseReleasesResources(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	r := &relay{}
	b.addThread("T1", "alice", "bob")

	alice := newUser(t, b, r, "alice", false, nil)
	require.NoError(t, alice.ctrl.SelectThread(ctx, "T1"))
	alice.ctrl.Keystroke()

	alice.ctrl.Close()
	alice.ctrl.Close()

	r.mu.Lock()
	ch := r.channels[0]
	r.mu.Unlock()
	assert.False(t, ch.isOpen())
	assert.Equal(t, []bool{true, false}, ch.typingSignals())

	alice.ctrl.Keystroke()
	assert.ErrorIs(t, alice.ctrl.SelectThread(ctx, "T1"), ErrClosed)
}

func TestController_CachedHistoryWhenOffline(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	r := &relay{}
	thread := b.addThread("T1", "alice", "bob")

	box := keyagreement.NewBox("alice", keyagreement.NewThreadKey([]byte("test-secret")))
	env, err := box.Seal(ctx, thread, "cached hello")
	require.NoError(t, err)
	m := b.add(model.Message{ThreadID: "T1", SenderID: "alice", Envelope: env, Type: model.MessageTypeText})

	bob := newUser(t, b, r, "bob", false, nil)
	require.NoError(t, bob.ctrl.SelectThread(ctx, "T1"))

	b.mu.Lock()
	b.listErr = userError{msg: "service unavailable"}
	b.mu.Unlock()

	require.NoError(t, bob.ctrl.SelectThread(ctx, "T1"))
	s := bob.ctrl.State()
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "cached hello", s.Text(m.ID))
	assert.Equal(t, "failed to load messages: service unavailable", s.Error)

	empty := newUser(t, b, r, "alice", false, nil)
	assert.Error(t, empty.ctrl.SelectThread(ctx, "T1"), "nothing cached")
}
