package thread

import (
	"context"
	"errors"

	"secure_msg/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	ThreadRepo struct {
		collection *mongo.Collection
	}
)

func NewThreadRepo(db *mongo.Database) *ThreadRepo {
	return &ThreadRepo{
		collection: db.Collection("threads"),
	}
}

func (r *ThreadRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "participants", Value: 1}},
	})
	return err
}

func (r *ThreadRepo) Create(ctx context.Context, t *model.Thread) error {
	_, err := r.collection.InsertOne(ctx, t)
	return err
}

// Get returns nil, nil for an unknown thread.
func (r *ThreadRepo) Get(ctx context.Context, id string) (*model.Thread, error) {
	var t model.Thread
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListForUser returns the threads userID participates in, newest first.
func (r *ThreadRepo) ListForUser(ctx context.Context, userID string) ([]model.Thread, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cur, err := r.collection.Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, err
	}

	threads := []model.Thread{}
	if err := cur.All(ctx, &threads); err != nil {
		return nil, err
	}
	return threads, nil
}
