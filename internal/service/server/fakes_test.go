package server

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"secure_msg/internal/model"
)

type memStores struct {
	mu       sync.Mutex
	keys     map[string]model.PublicKeyBundle
	threads  map[string]model.Thread
	messages map[string]model.Message
	devices  map[string]model.Device
}

func newMemStores() *memStores {
	return &memStores{
		keys:     map[string]model.PublicKeyBundle{},
		threads:  map[string]model.Thread{},
		messages: map[string]model.Message{},
		devices:  map[string]model.Device{},
	}
}

func (m *memStores) stores() Stores {
	return Stores{
		Keys:     memKeys{m},
		Threads:  memThreads{m},
		Messages: memMessages{m},
		Devices:  memDevices{m},
		Presence: NewMemoryPresence(),
	}
}

type (
	memKeys     struct{ *memStores }
	memThreads  struct{ *memStores }
	memMessages struct{ *memStores }
	memDevices  struct{ *memStores }
)

func (s memKeys) GetKey(_ context.Context, userID string) (*model.PublicKeyBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.keys[userID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s memKeys) PutKey(_ context.Context, b *model.PublicKeyBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[b.UserID] = *b
	return nil
}

func (s memThreads) Create(_ context.Context, t *model.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ID] = *t
	return nil
}

func (s memThreads) Get(_ context.Context, id string) (*model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s memThreads) ListForUser(_ context.Context, userID string) ([]model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Thread
	for _, t := range s.threads {
		if t.HasParticipant(userID) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s memMessages) Create(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = *m
	return nil
}

func (s memMessages) Get(_ context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s memMessages) filter(keep func(model.Message) bool) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s memMessages) ListByThread(_ context.Context, threadID string) ([]model.Message, error) {
	return s.filter(func(m model.Message) bool { return m.ThreadID == threadID }), nil
}

func (s memMessages) ListSince(_ context.Context, threadIDs []string, since time.Time) ([]model.Message, error) {
	return s.filter(func(m model.Message) bool {
		return slices.Contains(threadIDs, m.ThreadID) && m.CreatedAt.After(since)
	}), nil
}

func (s memMessages) Latest(ctx context.Context, threadID string) (*model.Message, error) {
	msgs, _ := s.ListByThread(ctx, threadID)
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[len(msgs)-1], nil
}

func (s memMessages) CountUnread(_ context.Context, threadID, userID string) (int, error) {
	return len(s.filter(func(m model.Message) bool {
		return m.ThreadID == threadID && m.SenderID != userID && !m.IsReadBy(userID)
	})), nil
}

func (s memMessages) AddReaction(_ context.Context, id, emoji, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.messages[id]
	for i, r := range m.Reactions {
		if r.Emoji != emoji {
			continue
		}
		if slices.Contains(r.Users, userID) {
			return false, nil
		}
		m.Reactions[i].Users = append(r.Users, userID)
		m.Reactions[i].Count++
		s.messages[id] = m
		return true, nil
	}
	m.Reactions = append(m.Reactions, model.Reaction{Emoji: emoji, Count: 1, Users: []string{userID}})
	s.messages[id] = m
	return true, nil
}

func (s memMessages) RemoveReaction(_ context.Context, id, emoji, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.messages[id]
	for i, r := range m.Reactions {
		if r.Emoji != emoji || !slices.Contains(r.Users, userID) {
			continue
		}
		r.Users = slices.DeleteFunc(slices.Clone(r.Users), func(u string) bool { return u == userID })
		r.Count = len(r.Users)
		if r.Count == 0 {
			m.Reactions = slices.Delete(m.Reactions, i, i+1)
		} else {
			m.Reactions[i] = r
		}
		s.messages[id] = m
		return true, nil
	}
	return false, nil
}

func (s memMessages) MarkRead(_ context.Context, threadID string, ids []string, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marked := []string{}
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok || m.ThreadID != threadID || m.SenderID == userID || m.IsReadBy(userID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, userID)
		s.messages[id] = m
		marked = append(marked, id)
	}
	return marked, nil
}

func (s memDevices) Upsert(_ context.Context, d *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.devices[d.DeviceID]; ok {
		old.DeviceName, old.DeviceType, old.UserID = d.DeviceName, d.DeviceType, d.UserID
		s.devices[d.DeviceID] = old
		return nil
	}
	s.devices[d.DeviceID] = *d
	return nil
}

func (s memDevices) Get(_ context.Context, id string) (*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s memDevices) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[id]
	d.LastSyncAt = at
	s.devices[id] = d
	return nil
}
