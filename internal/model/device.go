package model

import "time"

type (
	Device struct {
		DeviceID     string    `json:"device_id" bson:"_id"`
		DeviceName   string    `json:"device_name" bson:"device_name"`
		DeviceType   string    `json:"device_type" bson:"device_type"`
		UserID       string    `json:"user_id,omitempty" bson:"user_id"`
		RegisteredAt time.Time `json:"registered_at,omitempty" bson:"registered_at"`
		LastSyncAt   time.Time `json:"last_sync_at,omitempty" bson:"last_sync_at"`
	}

	SyncResponse struct {
		Messages []Message `json:"messages"`
		SyncedAt time.Time `json:"synced_at"`
	}
)
