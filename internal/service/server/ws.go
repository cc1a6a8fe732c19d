package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"secure_msg/internal/model"
	"secure_msg/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 256 << 10
)

// HandleChatWS upgrades a participant to the thread's realtime channel.
// Authorization is checked before the upgrade so clients see a plain 403.
func (s *HttpServer) HandleChatWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := s.participantThread(w, r, mux.Vars(r)["thread"])
		if !ok {
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		c := newClient(uuid.NewString(), UserID(r.Context()), t.ID, conn)
		s.serve(r.Context(), c, t)
	}
}

func (s *HttpServer) serve(ctx context.Context, c *client, t *model.Thread) {
	go c.writePump()
	defer c.close()

	if first := s.hub.register(c); first {
		s.hub.Broadcast(ctx, c.threadID, c.id, model.Frame{Type: model.FramePresenceUpdate, UserID: c.userID, Status: model.PresenceOnline})
	}
	s.touchPresence(ctx, c.userID)
	s.sendPresenceSnapshot(ctx, c, t)

	log.Debug("websocket connected", zap.String("user", c.userID), zap.String("thread", c.threadID))
	s.readPump(ctx, c)

	leftThread, leftRelay := s.hub.unregister(c)
	if leftRelay && s.stores.Presence != nil {
		if err := s.stores.Presence.ClearPresence(ctx, c.userID); err != nil {
			log.Warn("Clear presence failed", zap.String("user", c.userID), zap.Error(err))
		}
	}
	if leftThread {
		s.hub.Broadcast(ctx, c.threadID, c.id, model.Frame{Type: model.FramePresenceUpdate, UserID: c.userID, Status: model.PresenceOffline})
	}
	log.Debug("websocket closed", zap.String("user", c.userID), zap.String("thread", c.threadID))
}

func (s *HttpServer) readPump(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxFrameSize)
	for {
		c.conn.SetReadDeadline(time.Now().Add(s.presenceTTL))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read failed", zap.String("user", c.userID), zap.Error(err))
			}
			return
		}

		var f model.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn("Unmarshal frame failed", zap.String("user", c.userID), zap.Error(err))
			continue
		}
		s.handleFrame(ctx, c, f)
	}
}

func (s *HttpServer) handleFrame(ctx context.Context, c *client, f model.Frame) {
	switch f.Type {
	case model.FramePing:
		s.touchPresence(ctx, c.userID)
		c.sendFrame(model.Frame{Type: model.FramePong, Timestamp: time.Now().UnixMilli()})

	case model.FrameTypingStart, model.FrameTypingStop:
		s.hub.Broadcast(ctx, c.threadID, c.id, model.Frame{Type: f.Type, UserID: c.userID})

	case model.FrameChatMessage:
		if f.Message == nil || f.Message.ID == "" {
			log.Warn("chat_message without message", zap.String("user", c.userID))
			return
		}
		// Relay the persisted copy; ids the store does not know are dropped.
		stored, err := s.stores.Messages.Get(ctx, f.Message.ID)
		if err != nil {
			log.Error("Get message failed", zap.String("message", f.Message.ID), zap.Error(err))
			return
		}
		if stored == nil || stored.ThreadID != c.threadID || stored.SenderID != c.userID {
			log.Warn("refusing to relay unknown message", zap.String("user", c.userID), zap.String("message", f.Message.ID))
			return
		}
		s.hub.Broadcast(ctx, c.threadID, c.id, model.Frame{Type: model.FrameNewMessage, Message: stored})

	default:
		log.Debug("ignoring frame", zap.String("type", f.Type), zap.String("user", c.userID))
	}
}

func (c *client) writePump() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *HttpServer) touchPresence(ctx context.Context, userID string) {
	if s.stores.Presence == nil {
		return
	}
	if err := s.stores.Presence.SetPresence(ctx, userID, model.PresenceOnline, s.presenceTTL); err != nil {
		log.Warn("Set presence failed", zap.String("user", userID), zap.Error(err))
	}
}

// sendPresenceSnapshot tells a fresh connection which peers are online.
func (s *HttpServer) sendPresenceSnapshot(ctx context.Context, c *client, t *model.Thread) {
	if s.stores.Presence == nil {
		return
	}
	peers := t.Peers(c.userID)
	statuses, err := s.stores.Presence.Presence(ctx, peers...)
	if err != nil {
		log.Warn("Get presence failed", zap.String("thread", t.ID), zap.Error(err))
		return
	}
	for _, p := range peers {
		if status, ok := statuses[p]; ok {
			c.sendFrame(model.Frame{Type: model.FramePresenceUpdate, UserID: p, Status: status})
		}
	}
}
