package server

import (
	"context"
	"sync"
	"time"
)

// MemoryPresence is the single-instance PresenceStore used when no Redis is
// configured.
type MemoryPresence struct {
	mu      sync.Mutex
	entries map[string]presenceEntry
	now     func() time.Time
}

type presenceEntry struct {
	status  string
	expires time.Time
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{entries: make(map[string]presenceEntry), now: time.Now}
}

func (p *MemoryPresence) SetPresence(_ context.Context, userID, status string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[userID] = presenceEntry{status: status, expires: p.now().Add(ttl)}
	return nil
}

func (p *MemoryPresence) ClearPresence(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, userID)
	return nil
}

func (p *MemoryPresence) Presence(_ context.Context, userIDs ...string) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make(map[string]string, len(userIDs))
	for _, u := range userIDs {
		e, ok := p.entries[u]
		if !ok {
			continue
		}
		if now.After(e.expires) {
			delete(p.entries, u)
			continue
		}
		out[u] = e.status
	}
	return out, nil
}
