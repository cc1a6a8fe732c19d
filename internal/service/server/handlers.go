package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"secure_msg/internal/model"
	"secure_msg/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	maxBodyBytes   = 1 << 20
	maxSubjectLen  = 200
	maxEmojiLen    = 32
	maxParticipant = 64
)

func (s *HttpServer) ListThreads() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := UserID(ctx)

		threads, err := s.stores.Threads.ListForUser(ctx, userID)
		if err != nil {
			s.internalError(w, "List threads failed", err)
			return
		}
		if threads == nil {
			threads = []model.Thread{}
		}
		for i := range threads {
			if err := s.decorate(ctx, &threads[i], userID); err != nil {
				s.internalError(w, "List threads failed", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, threads)
	}
}

func (s *HttpServer) CreateThread() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := UserID(ctx)

		var req model.CreateThreadRequest
		if !decode(w, r, &req) {
			return
		}

		subject := sanitizeText(req.Subject)
		if subject == "" || utf8.RuneCountInString(subject) > maxSubjectLen {
			writeError(w, http.StatusBadRequest, "subject is required")
			return
		}

		participants := []string{userID}
		seen := map[string]bool{userID: true}
		for _, p := range req.ParticipantIDs {
			p = strings.TrimSpace(p)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			participants = append(participants, p)
		}
		if len(participants) < 2 {
			writeError(w, http.StatusBadRequest, "a thread needs at least one other participant")
			return
		}
		if len(participants) > maxParticipant {
			writeError(w, http.StatusBadRequest, "too many participants")
			return
		}

		t := &model.Thread{
			ID:             uuid.NewString(),
			ParticipantIDs: participants,
			Subject:        subject,
			CreatedAt:      s.stamp(),
		}
		if err := s.stores.Threads.Create(ctx, t); err != nil {
			s.internalError(w, "Create thread failed", err)
			return
		}
		log.Info("thread created", zap.String("thread", t.ID), zap.String("by", userID))
		writeJSON(w, http.StatusCreated, t)
	}
}

func (s *HttpServer) GetThread() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		t, ok := s.participantThread(w, r, mux.Vars(r)["id"])
		if !ok {
			return
		}
		if err := s.decorate(ctx, t, UserID(ctx)); err != nil {
			s.internalError(w, "Get thread failed", err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func (s *HttpServer) ListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := s.participantThread(w, r, mux.Vars(r)["id"])
		if !ok {
			return
		}
		msgs, err := s.stores.Messages.ListByThread(r.Context(), t.ID)
		if err != nil {
			s.internalError(w, "List messages failed", err)
			return
		}
		if msgs == nil {
			msgs = []model.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func (s *HttpServer) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req model.SendMessageRequest
		if !decode(w, r, &req) {
			return
		}
		t, ok := s.participantThread(w, r, req.ThreadID)
		if !ok {
			return
		}

		m := &model.Message{
			ID:          uuid.NewString(),
			ThreadID:    t.ID,
			SenderID:    UserID(ctx),
			Envelope:    req.Envelope,
			Type:        req.Type,
			Attachments: req.Attachments,
			CreatedAt:   s.stamp(),
		}
		if m.Type == "" {
			m.Type = model.MessageTypeText
		}
		if m.Envelope != nil {
			if m.Ciphertext == "" || m.IV == "" || m.AuthTag == "" {
				writeError(w, http.StatusBadRequest, "incomplete encrypted message")
				return
			}
		} else {
			m.Content = sanitizeText(req.Content)
		}
		for i := range m.Attachments {
			m.Attachments[i].Name = sanitizeText(m.Attachments[i].Name)
		}
		if m.Envelope == nil && m.Content == "" && len(m.Attachments) == 0 {
			writeError(w, http.StatusBadRequest, "message is empty")
			return
		}

		if err := s.stores.Messages.Create(ctx, m); err != nil {
			s.internalError(w, "Create message failed", err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	}
}

func (s *HttpServer) AddReaction() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.ReactionRequest
		if !decode(w, r, &req) {
			return
		}
		s.react(w, r, mux.Vars(r)["id"], req.Emoji, true)
	}
}

func (s *HttpServer) RemoveReaction() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		s.react(w, r, vars["id"], vars["emoji"], false)
	}
}

func (s *HttpServer) react(w http.ResponseWriter, r *http.Request, messageID, emoji string, add bool) {
	ctx := r.Context()
	userID := UserID(ctx)

	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > maxEmojiLen {
		writeError(w, http.StatusBadRequest, "invalid emoji")
		return
	}

	m, err := s.stores.Messages.Get(ctx, messageID)
	if err != nil {
		s.internalError(w, "Get message failed", err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if _, ok := s.participantThread(w, r, m.ThreadID); !ok {
		return
	}

	var changed bool
	frameType := model.FrameReactionRemoved
	if add {
		frameType = model.FrameReactionAdded
		changed, err = s.stores.Messages.AddReaction(ctx, m.ID, emoji, userID)
	} else {
		changed, err = s.stores.Messages.RemoveReaction(ctx, m.ID, emoji, userID)
	}
	if err != nil {
		s.internalError(w, "Update reaction failed", err)
		return
	}

	if changed {
		s.hub.Broadcast(ctx, m.ThreadID, "", model.Frame{
			Type:      frameType,
			MessageID: m.ID,
			Emoji:     emoji,
			UserID:    userID,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HttpServer) MarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := UserID(ctx)

		var req model.ReadRequest
		if !decode(w, r, &req) {
			return
		}
		t, ok := s.participantThread(w, r, mux.Vars(r)["id"])
		if !ok {
			return
		}

		marked, err := s.stores.Messages.MarkRead(ctx, t.ID, req.MessageIDs, userID)
		if err != nil {
			s.internalError(w, "Mark read failed", err)
			return
		}
		if len(marked) > 0 {
			s.hub.Broadcast(ctx, t.ID, "", model.Frame{
				Type:       model.FrameMessageRead,
				MessageIDs: marked,
				UserID:     userID,
			})
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) PublishKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := UserID(ctx)

		var bundle model.PublicKeyBundle
		if !decode(w, r, &bundle) {
			return
		}
		if bundle.UserID != "" && bundle.UserID != userID {
			writeError(w, http.StatusForbidden, "cannot publish a key for another user")
			return
		}
		if bundle.PublicKey == "" || bundle.Curve == "" {
			writeError(w, http.StatusBadRequest, "public key and curve are required")
			return
		}

		bundle.UserID = userID
		bundle.UpdatedAt = s.stamp()
		if err := s.stores.Keys.PutKey(ctx, &bundle); err != nil {
			s.internalError(w, "Publish key failed", err)
			return
		}
		log.Debug("key published", zap.String("user", userID), zap.String("curve", bundle.Curve))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) LookupKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["user"]

		bundle, err := s.stores.Keys.GetKey(r.Context(), name)
		if err != nil {
			s.internalError(w, "Get key failed", err)
			return
		}
		if bundle == nil {
			writeError(w, http.StatusNotFound, "user has not published a key")
			return
		}
		writeJSON(w, http.StatusOK, bundle)
	}
}

func (s *HttpServer) RegisterDevice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := UserID(ctx)

		var d model.Device
		if !decode(w, r, &d) {
			return
		}
		if strings.TrimSpace(d.DeviceID) == "" {
			writeError(w, http.StatusBadRequest, "device_id is required")
			return
		}

		existing, err := s.stores.Devices.Get(ctx, d.DeviceID)
		if err != nil {
			s.internalError(w, "Get device failed", err)
			return
		}
		if existing != nil && existing.UserID != userID {
			writeError(w, http.StatusForbidden, "device belongs to another user")
			return
		}

		d.UserID = userID
		d.DeviceName = sanitizeText(d.DeviceName)
		d.DeviceType = sanitizeText(d.DeviceType)
		d.RegisteredAt = s.stamp()
		if err := s.stores.Devices.Upsert(ctx, &d); err != nil {
			s.internalError(w, "Register device failed", err)
			return
		}

		saved, err := s.stores.Devices.Get(ctx, d.DeviceID)
		if err != nil || saved == nil {
			saved = &d
		}
		writeJSON(w, http.StatusCreated, saved)
	}
}

func (s *HttpServer) SyncDevice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := UserID(ctx)

		var since time.Time
		if raw := r.URL.Query().Get("since"); raw != "" {
			var err error
			if since, err = time.Parse(time.RFC3339Nano, raw); err != nil {
				writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
				return
			}
		}

		d, err := s.stores.Devices.Get(ctx, mux.Vars(r)["id"])
		if err != nil {
			s.internalError(w, "Get device failed", err)
			return
		}
		if d == nil {
			writeError(w, http.StatusNotFound, "device not registered")
			return
		}
		if d.UserID != userID {
			writeError(w, http.StatusForbidden, "device belongs to another user")
			return
		}

		threads, err := s.stores.Threads.ListForUser(ctx, userID)
		if err != nil {
			s.internalError(w, "Sync failed", err)
			return
		}
		ids := make([]string, len(threads))
		for i, t := range threads {
			ids[i] = t.ID
		}

		syncedAt := s.stamp()
		from := since
		if !from.IsZero() {
			from = from.Add(-SyncOverlap)
		}
		msgs, err := s.stores.Messages.ListSince(ctx, ids, from)
		if err != nil {
			s.internalError(w, "Sync failed", err)
			return
		}
		if msgs == nil {
			msgs = []model.Message{}
		}
		if err := s.stores.Devices.Touch(ctx, d.DeviceID, syncedAt); err != nil {
			log.Warn("Touch device failed", zap.String("device", d.DeviceID), zap.Error(err))
		}
		writeJSON(w, http.StatusOK, model.SyncResponse{Messages: msgs, SyncedAt: syncedAt})
	}
}

// participantThread loads threadID and writes 404 or 403 unless the caller
// participates in it.
func (s *HttpServer) participantThread(w http.ResponseWriter, r *http.Request, threadID string) (*model.Thread, bool) {
	if threadID == "" {
		writeError(w, http.StatusBadRequest, "thread is required")
		return nil, false
	}

	t, err := s.stores.Threads.Get(r.Context(), threadID)
	if err != nil {
		s.internalError(w, "Get thread failed", err)
		return nil, false
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "thread not found")
		return nil, false
	}
	if !t.HasParticipant(UserID(r.Context())) {
		writeError(w, http.StatusForbidden, "not a participant of this thread")
		return nil, false
	}
	return t, true
}

// decorate fills the per-user summary fields of t.
func (s *HttpServer) decorate(ctx context.Context, t *model.Thread, userID string) error {
	n, err := s.stores.Messages.CountUnread(ctx, t.ID, userID)
	if err != nil {
		return err
	}
	last, err := s.stores.Messages.Latest(ctx, t.ID)
	if err != nil {
		return err
	}
	t.UnreadCount = n
	t.LastMessage = last
	return nil
}

func (s *HttpServer) internalError(w http.ResponseWriter, msg string, err error) {
	log.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, strings.ToLower(msg))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
