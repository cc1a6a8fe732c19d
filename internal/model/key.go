package model

import "time"

type (
	// PublicKeyBundle is what a participant publishes to the key directory so
	// peers can run ECDH against it.
	PublicKeyBundle struct {
		UserID    string    `json:"user_id" bson:"_id"`
		PublicKey string    `json:"public_key" bson:"public_key"`
		Curve     string    `json:"curve" bson:"curve"`
		UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
	}
)
