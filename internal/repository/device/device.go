package device

import (
	"context"
	"errors"
	"time"

	"secure_msg/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	DeviceRepo struct {
		collection *mongo.Collection
	}
)

func NewDeviceRepo(db *mongo.Database) *DeviceRepo {
	return &DeviceRepo{
		collection: db.Collection("devices"),
	}
}

// Upsert registers the device or refreshes its name and type. RegisteredAt is
// kept from the first registration.
func (r *DeviceRepo) Upsert(ctx context.Context, d *model.Device) error {
	update := bson.M{
		"$set": bson.M{
			"device_name": d.DeviceName,
			"device_type": d.DeviceType,
			"user_id":     d.UserID,
		},
		"$setOnInsert": bson.M{
			"registered_at": d.RegisteredAt,
		},
	}
	_, err := r.collection.UpdateByID(ctx, d.DeviceID, update, options.Update().SetUpsert(true))
	return err
}

// Get returns nil, nil for an unknown device.
func (r *DeviceRepo) Get(ctx context.Context, id string) (*model.Device, error) {
	var d model.Device
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DeviceRepo) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.collection.UpdateByID(ctx, id, bson.M{"$set": bson.M{"last_sync_at": at}})
	return err
}
