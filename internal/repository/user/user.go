package user

import (
	"context"
	"errors"

	"secure_msg/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// UserRepo is the key directory: one published public key per user.
	UserRepo struct {
		collection *mongo.Collection
	}
)

func NewUserRepo(db *mongo.Database) *UserRepo {
	return &UserRepo{
		collection: db.Collection("users"),
	}
}

// GetKey returns nil, nil when userID has not published a key.
func (r *UserRepo) GetKey(ctx context.Context, userID string) (*model.PublicKeyBundle, error) {
	filter := bson.M{
		"_id": userID,
	}

	var bundle model.PublicKeyBundle
	err := r.collection.FindOne(ctx, filter).Decode(&bundle)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &bundle, nil
}

// PutKey replaces the user's key, creating the entry on first publish.
func (r *UserRepo) PutKey(ctx context.Context, bundle *model.PublicKeyBundle) error {
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": bundle.UserID}, bundle, options.Replace().SetUpsert(true))
	return err
}
