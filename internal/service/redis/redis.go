package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presencePrefix = "secure_msg:presence:"
	threadPrefix   = "secure_msg:thread:"
)

type (
	RedisService struct {
		rdb *redis.Client
	}

	// Publication is one payload received on a thread channel.
	Publication struct {
		ThreadID string
		Payload  []byte
	}
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisService) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *RedisService) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

// SetPresence records status for userID. The entry expires after ttl unless
// refreshed, so a crashed relay does not leave users online forever.
func (r *RedisService) SetPresence(ctx context.Context, userID, status string, ttl time.Duration) error {
	return r.Set(ctx, presencePrefix+userID, status, ttl)
}

func (r *RedisService) ClearPresence(ctx context.Context, userID string) error {
	return r.Del(ctx, presencePrefix+userID)
}

// Presence returns the recorded status of each user that has one.
func (r *RedisService) Presence(ctx context.Context, userIDs ...string) (map[string]string, error) {
	out := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(userIDs))
	for i, u := range userIDs {
		keys[i] = presencePrefix + u
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[userIDs[i]] = s
		}
	}
	return out, nil
}

func (r *RedisService) Publish(ctx context.Context, threadID string, payload []byte) error {
	return r.rdb.Publish(ctx, threadPrefix+threadID, payload).Err()
}

// Subscribe delivers every thread publication until ctx is done. The returned
// channel is closed when the subscription ends.
func (r *RedisService) Subscribe(ctx context.Context) (<-chan Publication, error) {
	sub := r.rdb.PSubscribe(ctx, threadPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan Publication, 64)
	go func() {
		defer close(out)
		defer sub.Close()

		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				p := Publication{ThreadID: m.Channel[len(threadPrefix):], Payload: []byte(m.Payload)}
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
