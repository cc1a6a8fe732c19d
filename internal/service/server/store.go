package server

import (
	"context"
	"time"

	"secure_msg/internal/model"
)

// Lookups return nil, nil when the record does not exist.
type (
	KeyStore interface {
		GetKey(ctx context.Context, userID string) (*model.PublicKeyBundle, error)
		PutKey(ctx context.Context, bundle *model.PublicKeyBundle) error
	}

	ThreadStore interface {
		Create(ctx context.Context, t *model.Thread) error
		Get(ctx context.Context, id string) (*model.Thread, error)
		ListForUser(ctx context.Context, userID string) ([]model.Thread, error)
	}

	MessageStore interface {
		Create(ctx context.Context, m *model.Message) error
		Get(ctx context.Context, id string) (*model.Message, error)
		ListByThread(ctx context.Context, threadID string) ([]model.Message, error)
		ListSince(ctx context.Context, threadIDs []string, since time.Time) ([]model.Message, error)
		Latest(ctx context.Context, threadID string) (*model.Message, error)
		CountUnread(ctx context.Context, threadID, userID string) (int, error)
		AddReaction(ctx context.Context, messageID, emoji, userID string) (bool, error)
		RemoveReaction(ctx context.Context, messageID, emoji, userID string) (bool, error)
		MarkRead(ctx context.Context, threadID string, ids []string, userID string) ([]string, error)
	}

	DeviceStore interface {
		Upsert(ctx context.Context, d *model.Device) error
		Get(ctx context.Context, id string) (*model.Device, error)
		Touch(ctx context.Context, id string, at time.Time) error
	}

	PresenceStore interface {
		SetPresence(ctx context.Context, userID, status string, ttl time.Duration) error
		ClearPresence(ctx context.Context, userID string) error
		Presence(ctx context.Context, userIDs ...string) (map[string]string, error)
	}

	Stores struct {
		Keys     KeyStore
		Threads  ThreadStore
		Messages MessageStore
		Devices  DeviceStore
		Presence PresenceStore
	}
)
