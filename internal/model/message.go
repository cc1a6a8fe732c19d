package model

import (
	"time"

	"secure_msg/internal/cryptographic/encryption"
)

const (
	MessageTypeText   = "text"
	MessageTypeSystem = "system"
	MessageTypeFile   = "file"
)

type (
	Attachment struct {
		Name        string `json:"name" bson:"name"`
		ContentType string `json:"content_type" bson:"content_type"`
		Size        int64  `json:"size" bson:"size"`
		URL         string `json:"url,omitempty" bson:"url,omitempty"`
	}

	// Reaction is the aggregate for one emoji on one message.
	Reaction struct {
		Emoji string   `json:"emoji" bson:"emoji"`
		Count int      `json:"count" bson:"count"`
		Users []string `json:"users" bson:"users"`
	}

	// Message is a persisted chat message. Encrypted messages carry the
	// envelope fields inline; system and plain messages leave it nil and use
	// Content.
	Message struct {
		ID       string `json:"id" bson:"_id"`
		ThreadID string `json:"thread" bson:"thread_id"`
		SenderID string `json:"sender" bson:"sender_id"`

		*encryption.Envelope `bson:"envelope,omitempty"`

		Content     string       `json:"content,omitempty" bson:"content,omitempty"`
		Type        string       `json:"message_type" bson:"message_type"`
		Attachments []Attachment `json:"attachments,omitempty" bson:"attachments,omitempty"`
		Reactions   []Reaction   `json:"reactions,omitempty" bson:"-"`
		ReadBy      []string     `json:"read_by,omitempty" bson:"read_by,omitempty"`
		CreatedAt   time.Time    `json:"created_at" bson:"created_at"`
	}

	// SendMessageRequest is the REST body for persisting a new message.
	SendMessageRequest struct {
		ThreadID string `json:"thread"`
		*encryption.Envelope
		Content     string       `json:"content,omitempty"`
		Type        string       `json:"message_type"`
		Attachments []Attachment `json:"attachments,omitempty"`
	}

	ReactionRequest struct {
		Emoji string `json:"emoji"`
	}

	ReadRequest struct {
		MessageIDs []string `json:"message_ids"`
	}
)

func (m *Message) Encrypted() bool {
	return m.Envelope != nil
}

func (m *Message) IsReadBy(userID string) bool {
	for _, u := range m.ReadBy {
		if u == userID {
			return true
		}
	}
	return false
}
