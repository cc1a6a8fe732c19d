package model

// Realtime frame types. Inbound ones come from the relay, outbound ones are
// written by the client.
const (
	FrameNewMessage      = "new_message"
	FrameReactionAdded   = "reaction_added"
	FrameReactionRemoved = "reaction_removed"
	FrameTypingStart     = "typing_start"
	FrameTypingStop      = "typing_stop"
	FramePresenceUpdate  = "presence_update"
	FrameMessageRead     = "message_read"
	FramePong            = "pong"

	FramePing        = "ping"
	FrameChatMessage = "chat_message"
)

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
	PresenceAway    = "away"
)

type (
	// Frame is one JSON message on the realtime channel. Type selects which of
	// the other fields are meaningful.
	Frame struct {
		Type       string   `json:"type"`
		Message    *Message `json:"message,omitempty"`
		MessageID  string   `json:"message_id,omitempty"`
		MessageIDs []string `json:"message_ids,omitempty"`
		Emoji      string   `json:"emoji,omitempty"`
		UserID     string   `json:"user_id,omitempty"`
		Status     string   `json:"status,omitempty"`
		Timestamp  int64    `json:"timestamp,omitempty"`
	}
)
