package conversation

import (
	"sort"

	"secure_msg/internal/model"
	"secure_msg/internal/realtime"
)

// DecryptFailedText replaces the body of a message that could not be opened.
const DecryptFailedText = "[unable to decrypt message]"

type (
	// State is a snapshot of one session's conversation view. Reduce never
	// mutates a State it was given, so snapshots can be handed to the UI.
	State struct {
		Self       string
		Generation uint64

		Threads  []model.Thread
		Thread   *model.Thread
		ThreadID string
		Loading  bool

		Messages  []model.Message
		Plaintext map[string]string

		Typing     map[string]struct{}
		Presence   map[string]string
		Connection realtime.State

		Error string
	}

	// Event is one input to Reduce.
	Event interface {
		event()
	}

	ThreadsListed struct {
		Threads []model.Thread
	}

	ThreadCreated struct {
		Thread model.Thread
	}

	// ThreadSelected starts a new generation. Results of older generations
	// are ignored from here on.
	ThreadSelected struct {
		Generation uint64
		ThreadID   string
	}

	ThreadLoaded struct {
		Generation uint64
		Thread     *model.Thread
		Messages   []model.Message
		Plaintext  map[string]string
	}

	// NewMessage appends one message. Plaintext is empty when the body could
	// not be decrypted or the message is not encrypted.
	NewMessage struct {
		Message   model.Message
		Plaintext string
	}

	// MessagesMerged adds messages of the selected thread that are not
	// already shown, keeping created-at order.
	MessagesMerged struct {
		Messages  []model.Message
		Plaintext map[string]string
	}

	ReactionChanged struct {
		MessageID string
		Emoji     string
		UserID    string
		Added     bool
	}

	TypingChanged struct {
		UserID string
		Typing bool
	}

	PresenceChanged struct {
		UserID string
		Status string
	}

	ConnectionChanged struct {
		State realtime.State
	}

	ReadReceipt struct {
		MessageIDs []string
		UserID     string
	}

	// ErrorRaised sets the user-visible error line. An empty Message clears it.
	ErrorRaised struct {
		Message string
	}
)

func (ThreadsListed) event()     {}
func (ThreadCreated) event()     {}
func (ThreadSelected) event()    {}
func (ThreadLoaded) event()      {}
func (NewMessage) event()        {}
func (MessagesMerged) event()    {}
func (ReactionChanged) event()   {}
func (TypingChanged) event()     {}
func (PresenceChanged) event()   {}
func (ConnectionChanged) event() {}
func (ReadReceipt) event()       {}
func (ErrorRaised) event()       {}

func NewState(self string) State {
	return State{
		Self:      self,
		Plaintext: map[string]string{},
		Typing:    map[string]struct{}{},
		Presence:  map[string]string{},
	}
}

// Reduce returns the state that follows s after ev.
func Reduce(s State, ev Event) State {
	switch e := ev.(type) {
	case ThreadsListed:
		s.Threads = append([]model.Thread(nil), e.Threads...)

	case ThreadCreated:
		for _, t := range s.Threads {
			if t.ID == e.Thread.ID {
				return s
			}
		}
		threads := make([]model.Thread, 0, len(s.Threads)+1)
		threads = append(threads, e.Thread)
		s.Threads = append(threads, s.Threads...)

	case ThreadSelected:
		s.Generation = e.Generation
		s.ThreadID = e.ThreadID
		s.Thread = nil
		s.Loading = true
		s.Messages = nil
		s.Plaintext = map[string]string{}
		s.Typing = map[string]struct{}{}
		s.Presence = map[string]string{}
		s.Connection = realtime.Idle
		s.Error = ""

	case ThreadLoaded:
		if e.Generation != s.Generation || e.Thread == nil || e.Thread.ID != s.ThreadID {
			return s
		}
		t := *e.Thread
		s.Thread = &t
		s.Loading = false
		s.Messages = append([]model.Message(nil), e.Messages...)
		s.Plaintext = make(map[string]string, len(e.Plaintext))
		for id, p := range e.Plaintext {
			s.Plaintext[id] = p
		}

	case NewMessage:
		if e.Message.ThreadID != s.ThreadID {
			return s
		}
		if e.Plaintext != "" {
			if _, ok := s.Plaintext[e.Message.ID]; !ok {
				s.Plaintext = withEntry(s.Plaintext, e.Message.ID, e.Plaintext)
			}
		}
		if s.indexOf(e.Message.ID) >= 0 {
			return s
		}
		msgs := make([]model.Message, 0, len(s.Messages)+1)
		msgs = append(msgs, s.Messages...)
		s.Messages = append(msgs, e.Message)
		s.Threads = withLastMessage(s.Threads, e.Message)

	case MessagesMerged:
		var added []model.Message
		seen := make(map[string]struct{}, len(e.Messages))
		for _, m := range e.Messages {
			if m.ThreadID != s.ThreadID || s.indexOf(m.ID) >= 0 {
				continue
			}
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			added = append(added, m)
		}
		if len(added) == 0 {
			return s
		}
		msgs := make([]model.Message, 0, len(s.Messages)+len(added))
		msgs = append(msgs, s.Messages...)
		msgs = append(msgs, added...)
		sort.SliceStable(msgs, func(i, j int) bool {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		})
		s.Messages = msgs

		plain := make(map[string]string, len(s.Plaintext)+len(added))
		for id, p := range s.Plaintext {
			plain[id] = p
		}
		for _, m := range added {
			if p, ok := e.Plaintext[m.ID]; ok {
				plain[m.ID] = p
			}
		}
		s.Plaintext = plain

	case ReactionChanged:
		i := s.indexOf(e.MessageID)
		if i < 0 {
			return s
		}
		reactions, changed := applyReaction(s.Messages[i].Reactions, e.Emoji, e.UserID, e.Added)
		if !changed {
			return s
		}
		s.Messages = append([]model.Message(nil), s.Messages...)
		s.Messages[i].Reactions = reactions

	case TypingChanged:
		_, typing := s.Typing[e.UserID]
		if typing == e.Typing || e.UserID == "" {
			return s
		}
		next := make(map[string]struct{}, len(s.Typing)+1)
		for u := range s.Typing {
			next[u] = struct{}{}
		}
		if e.Typing {
			next[e.UserID] = struct{}{}
		} else {
			delete(next, e.UserID)
		}
		s.Typing = next

	case PresenceChanged:
		if e.UserID == "" || s.Presence[e.UserID] == e.Status {
			return s
		}
		s.Presence = withEntry(s.Presence, e.UserID, e.Status)
		if e.Status == model.PresenceOffline {
			// a peer that left cannot still be typing
			if _, ok := s.Typing[e.UserID]; ok {
				return Reduce(s, TypingChanged{UserID: e.UserID})
			}
		}

	case ConnectionChanged:
		s.Connection = e.State

	case ReadReceipt:
		ids := make(map[string]struct{}, len(e.MessageIDs))
		for _, id := range e.MessageIDs {
			ids[id] = struct{}{}
		}
		var msgs []model.Message
		for i, m := range s.Messages {
			if _, ok := ids[m.ID]; !ok || m.IsReadBy(e.UserID) {
				continue
			}
			if msgs == nil {
				msgs = append([]model.Message(nil), s.Messages...)
			}
			msgs[i].ReadBy = append(append([]string(nil), m.ReadBy...), e.UserID)
		}
		if msgs != nil {
			s.Messages = msgs
		}
		if e.UserID == s.Self && s.Thread != nil {
			t := *s.Thread
			t.UnreadCount = 0
			s.Thread = &t
			s.Threads = withUnreadCleared(s.Threads, t.ID)
		}

	case ErrorRaised:
		s.Error = e.Message
	}
	return s
}

// Text is what the UI shows as the body of message id.
func (s State) Text(id string) string {
	if p, ok := s.Plaintext[id]; ok {
		return p
	}
	i := s.indexOf(id)
	if i < 0 {
		return ""
	}
	if !s.Messages[i].Encrypted() {
		return s.Messages[i].Content
	}
	return DecryptFailedText
}

// Message returns a copy of message id.
func (s State) Message(id string) (model.Message, bool) {
	i := s.indexOf(id)
	if i < 0 {
		return model.Message{}, false
	}
	return s.Messages[i], true
}

// TypingUsers lists everyone currently typing, sorted.
func (s State) TypingUsers() []string {
	users := make([]string, 0, len(s.Typing))
	for u := range s.Typing {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (s State) indexOf(id string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// ReactedBy reports whether user has reacted to msg with emoji.
func ReactedBy(msg model.Message, emoji, user string) bool {
	for _, r := range msg.Reactions {
		if r.Emoji != emoji {
			continue
		}
		for _, u := range r.Users {
			if u == user {
				return true
			}
		}
	}
	return false
}

// applyReaction counts each user at most once per emoji and drops an emoji
// whose count reaches zero. The input slice is never modified.
func applyReaction(rs []model.Reaction, emoji, user string, added bool) ([]model.Reaction, bool) {
	idx := -1
	for i := range rs {
		if rs[i].Emoji == emoji {
			idx = i
			break
		}
	}

	if added {
		if idx < 0 {
			out := make([]model.Reaction, 0, len(rs)+1)
			out = append(out, rs...)
			return append(out, model.Reaction{Emoji: emoji, Count: 1, Users: []string{user}}), true
		}
		for _, u := range rs[idx].Users {
			if u == user {
				return rs, false
			}
		}
		out := append([]model.Reaction(nil), rs...)
		out[idx].Users = append(append([]string(nil), rs[idx].Users...), user)
		out[idx].Count = rs[idx].Count + 1
		return out, true
	}

	if idx < 0 {
		return rs, false
	}
	users := make([]string, 0, len(rs[idx].Users))
	for _, u := range rs[idx].Users {
		if u != user {
			users = append(users, u)
		}
	}
	if len(users) == len(rs[idx].Users) {
		return rs, false
	}

	if rs[idx].Count-1 <= 0 {
		out := make([]model.Reaction, 0, len(rs)-1)
		out = append(out, rs[:idx]...)
		return append(out, rs[idx+1:]...), true
	}
	out := append([]model.Reaction(nil), rs...)
	out[idx].Users = users
	out[idx].Count = rs[idx].Count - 1
	return out, true
}

func withEntry(m map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for key, val := range m {
		out[key] = val
	}
	out[k] = v
	return out
}

func withLastMessage(threads []model.Thread, msg model.Message) []model.Thread {
	for i := range threads {
		if threads[i].ID != msg.ThreadID {
			continue
		}
		out := append([]model.Thread(nil), threads...)
		m := msg
		out[i].LastMessage = &m
		return out
	}
	return threads
}

func withUnreadCleared(threads []model.Thread, id string) []model.Thread {
	for i := range threads {
		if threads[i].ID != id || threads[i].UnreadCount == 0 {
			continue
		}
		out := append([]model.Thread(nil), threads...)
		out[i].UnreadCount = 0
		return out
	}
	return threads
}
