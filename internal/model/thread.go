package model

import "time"

type (
	Thread struct {
		ID             string    `json:"id" bson:"_id"`
		ParticipantIDs []string  `json:"participants" bson:"participants"`
		Subject        string    `json:"subject" bson:"subject"`
		UnreadCount    int       `json:"unread_count" bson:"-"`
		LastMessage    *Message  `json:"last_message,omitempty" bson:"-"`
		CreatedAt      time.Time `json:"created_at" bson:"created_at"`
	}

	CreateThreadRequest struct {
		Subject        string   `json:"subject"`
		ParticipantIDs []string `json:"participants"`
	}
)

func (t *Thread) HasParticipant(userID string) bool {
	for _, p := range t.ParticipantIDs {
		if p == userID {
			return true
		}
	}
	return false
}

// Peers returns every participant except self.
func (t *Thread) Peers(self string) []string {
	peers := make([]string, 0, len(t.ParticipantIDs))
	for _, p := range t.ParticipantIDs {
		if p != self {
			peers = append(peers, p)
		}
	}
	return peers
}
