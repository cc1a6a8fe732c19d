package server

import (
	"context"
	"encoding/json"
	"sync"

	"secure_msg/internal/model"
	"secure_msg/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const sendBuffer = 64

type (
	// client is one websocket connection to one thread.
	client struct {
		id       string
		userID   string
		threadID string
		conn     *websocket.Conn
		send     chan []byte
		done     chan struct{}
		once     sync.Once
	}

	// Hub tracks the connections of this relay instance by thread and
	// delivers whatever the broker publishes to them.
	Hub struct {
		broker Broker

		mu    sync.RWMutex
		rooms map[string]map[*client]struct{}
		users map[string]int
	}
)

func NewHub(broker Broker) *Hub {
	return &Hub{
		broker: broker,
		rooms:  make(map[string]map[*client]struct{}),
		users:  make(map[string]int),
	}
}

func (h *Hub) Start(ctx context.Context) error {
	deliveries, err := h.broker.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		for d := range deliveries {
			h.deliver(d)
		}
	}()
	return nil
}

// Broadcast publishes f to every connection on threadID except origin.
func (h *Hub) Broadcast(ctx context.Context, threadID, origin string, f model.Frame) {
	if err := h.broker.Publish(ctx, Delivery{ThreadID: threadID, Origin: origin, Frame: f}); err != nil {
		log.Error("Publish failed", zap.String("thread", threadID), zap.String("type", f.Type), zap.Error(err))
	}
}

// register reports whether c is its user's first connection on the thread.
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[c.threadID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[c.threadID] = room
	}
	first := !h.inRoom(room, c.userID)
	room[c] = struct{}{}
	h.users[c.userID]++
	return first
}

// unregister reports whether c was its user's last connection on the thread
// and whether the user has no connection left on this instance at all.
func (h *Hub) unregister(c *client) (leftThread, leftRelay bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[c.threadID]
	if _, ok := room[c]; !ok {
		return false, false
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.threadID)
	}

	h.users[c.userID]--
	if h.users[c.userID] <= 0 {
		delete(h.users, c.userID)
		leftRelay = true
	}
	return !h.inRoom(room, c.userID), leftRelay
}

func (h *Hub) inRoom(room map[*client]struct{}, userID string) bool {
	for c := range room {
		if c.userID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) deliver(d Delivery) {
	data, err := json.Marshal(d.Frame)
	if err != nil {
		log.Error("Marshal frame failed", zap.Error(err))
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.rooms[d.ThreadID] {
		if c.id == d.Origin {
			continue
		}
		if !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Warn("dropping slow connection", zap.String("user", c.userID), zap.String("thread", c.threadID))
		c.close()
	}
}

func newClient(id, userID, threadID string, conn *websocket.Conn) *client {
	return &client{
		id:       id,
		userID:   userID,
		threadID: threadID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// enqueue reports false when the send buffer is full. A closed client
// silently accepts nothing.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) sendFrame(f model.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Error("Marshal frame failed", zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
