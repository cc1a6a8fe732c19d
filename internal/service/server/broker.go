package server

import (
	"context"
	"encoding/json"
	"sync"

	"secure_msg/internal/model"
	"secure_msg/internal/service/redis"
	"secure_msg/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// Delivery is a frame addressed to every connection on a thread except
	// Origin, the id of the connection it came from (empty for REST events).
	Delivery struct {
		ThreadID string      `json:"thread"`
		Origin   string      `json:"origin,omitempty"`
		Frame    model.Frame `json:"frame"`
	}

	// Broker carries deliveries between relay instances.
	Broker interface {
		Publish(ctx context.Context, d Delivery) error
		Subscribe(ctx context.Context) (<-chan Delivery, error)
	}

	// LocalBroker fans out within one process.
	LocalBroker struct {
		mu   sync.Mutex
		subs []localSub
	}

	localSub struct {
		ch   chan Delivery
		done <-chan struct{}
	}

	// RedisBroker fans out through Redis pub/sub, one channel per thread.
	RedisBroker struct {
		redis *redis.RedisService
	}
)

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{}
}

func (b *LocalBroker) Publish(ctx context.Context, d Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- d:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx is done, then closes its channel.
func (b *LocalBroker) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	sub := localSub{ch: make(chan Delivery, 64), done: ctx.Done()}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.ch == sub.ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		close(sub.ch)
	}()
	return sub.ch, nil
}

func NewRedisBroker(r *redis.RedisService) *RedisBroker {
	return &RedisBroker{redis: r}
}

func (b *RedisBroker) Publish(ctx context.Context, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, d.ThreadID, data)
}

func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	pubs, err := b.redis.Subscribe(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery, 64)
	go func() {
		defer close(out)
		for p := range pubs {
			var d Delivery
			if err := json.Unmarshal(p.Payload, &d); err != nil {
				log.Error("Unmarshal delivery failed", zap.String("thread", p.ThreadID), zap.Error(err))
				continue
			}
			d.ThreadID = p.ThreadID
			out <- d
		}
	}()
	return out, nil
}
