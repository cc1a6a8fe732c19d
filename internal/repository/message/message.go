package message

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
	MessageRepo struct {
		collection *mongo.Collection
	}

	// reaction is stored once per (emoji, user); the per-emoji aggregate the
	// API returns is computed on read.
	reaction struct {
		Emoji  string `bson:"emoji"`
		UserID string `bson:"user_id"`
	}

	document struct {
		model.Message `bson:",inline"`
		Reactions     []reaction `bson:"reaction_entries,omitempty"`
	}
)

func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{
		collection: db.Collection("messages"),
	}
}

func (r *MessageRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	return err
}

func (r *MessageRepo) Create(ctx context.Context, m *model.Message) error {
	_, err := r.collection.InsertOne(ctx, document{Message: *m})
	return err
}

// Get returns nil, nil for an unknown message.
func (r *MessageRepo) Get(ctx context.Context, id string) (*model.Message, error) {
	var doc document
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m := doc.toModel()
	return &m, nil
}

// ListByThread returns the thread's messages oldest first.
func (r *MessageRepo) ListByThread(ctx context.Context, threadID string) ([]model.Message, error) {
	return r.find(ctx, bson.M{"thread_id": threadID}, options.Find().SetSort(byCreated))
}

// ListSince returns messages of the given threads created after since.
func (r *MessageRepo) ListSince(ctx context.Context, threadIDs []string, since time.Time) ([]model.Message, error) {
	if len(threadIDs) == 0 {
		return []model.Message{}, nil
	}
	filter := bson.M{
		"thread_id":  bson.M{"$in": threadIDs},
		"created_at": bson.M{"$gt": since},
	}
	return r.find(ctx, filter, options.Find().SetSort(byCreated))
}

// Latest returns nil, nil for an empty thread.
func (r *MessageRepo) Latest(ctx context.Context, threadID string) (*model.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(1)
	msgs, err := r.find(ctx, bson.M{"thread_id": threadID}, opts)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

// CountUnread counts messages from others that userID has not read.
func (r *MessageRepo) CountUnread(ctx context.Context, threadID, userID string) (int, error) {
	n, err := r.collection.CountDocuments(ctx, unreadFilter(threadID, userID))
	return int(n), err
}

// AddReaction reports whether the reaction was new.
func (r *MessageRepo) AddReaction(ctx context.Context, messageID, emoji, userID string) (bool, error) {
	update := bson.M{"$addToSet": bson.M{"reaction_entries": reaction{Emoji: emoji, UserID: userID}}}
	res, err := r.collection.UpdateByID(ctx, messageID, update)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// RemoveReaction reports whether a reaction was removed.
func (r *MessageRepo) RemoveReaction(ctx context.Context, messageID, emoji, userID string) (bool, error) {
	update := bson.M{"$pull": bson.M{"reaction_entries": reaction{Emoji: emoji, UserID: userID}}}
	res, err := r.collection.UpdateByID(ctx, messageID, update)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// MarkRead records userID as a reader of the listed messages and returns the
// ids that were not already read by them. Own messages are skipped.
func (r *MessageRepo) MarkRead(ctx context.Context, threadID string, ids []string, userID string) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}

	filter := unreadFilter(threadID, userID)
	filter["_id"] = bson.M{"$in": ids}

	cur, err := r.collection.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}

	marked := make([]string, 0, len(rows))
	for _, row := range rows {
		marked = append(marked, row.ID)
	}
	if len(marked) == 0 {
		return marked, nil
	}

	_, err = r.collection.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": marked}},
		bson.M{"$addToSet": bson.M{"read_by": userID}},
	)
	if err != nil {
		return nil, err
	}
	return marked, nil
}

var byCreated = bson.D{{Key: "created_at", Value: 1}}

func unreadFilter(threadID, userID string) bson.M {
	return bson.M{
		"thread_id": threadID,
		"sender_id": bson.M{"$ne": userID},
		"read_by":   bson.M{"$ne": userID},
	}
}

func (r *MessageRepo) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]model.Message, error) {
	cur, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	msgs := make([]model.Message, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, d.toModel())
	}
	return msgs, nil
}

func (d document) toModel() model.Message {
	m := d.Message
	m.Reactions = aggregate(d.Reactions)
	m.CreatedAt = m.CreatedAt.UTC()
	return m
}

// aggregate folds per-user entries into one Reaction per emoji, in the order
// each emoji first appeared.
func aggregate(entries []reaction) []model.Reaction {
	if len(entries) == 0 {
		return nil
	}

	index := make(map[string]int)
	var out []model.Reaction
	for _, e := range entries {
		i, ok := index[e.Emoji]
		if !ok {
			i = len(out)
			index[e.Emoji] = i
			out = append(out, model.Reaction{Emoji: e.Emoji})
		}
		out[i].Users = append(out[i].Users, e.UserID)
		out[i].Count = len(out[i].Users)
	}
	return out
}
