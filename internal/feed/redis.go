package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisBus carries changes over Redis Pub/Sub channels "changes:<table>"
type RedisBus struct {
	client   *redis.Client
	ownsConn bool
}

// NewRedisBus connects to Redis and returns a bus that owns the client
func NewRedisBus(addr, password string, db int) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisBus{client: rdb, ownsConn: true}, nil
}

// NewRedisBusFromClient wraps an existing client; Close leaves it open
func NewRedisBusFromClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish sends the change on its table channel
func (b *RedisBus) Publish(ctx context.Context, c Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(c.Table), data).Err(); err != nil {
		return fmt.Errorf("failed to publish change to Redis: %w", err)
	}
	return nil
}

// Subscribe listens on the filter's table channel until Unsubscribe or ctx is done
func (b *RedisBus) Subscribe(ctx context.Context, filter Filter, handler Handler) (Subscription, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	channel := Channel(filter.Table)
	pubsub := b.client.Subscribe(ctx, channel)

	// Wait for the subscription confirmation so no change published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	rs := &redisSubscription{pubsub: pubsub, done: make(chan struct{})}
	go rs.listen(ctx, filter, handler)
	return rs, nil
}

// Close closes the client if the bus owns it
func (b *RedisBus) Close() error {
	if !b.ownsConn {
		return nil
	}
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) listen(ctx context.Context, filter Filter, handler Handler) {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.Unsubscribe()
			return
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to parse change")
				continue
			}
			if filter.Matches(c) {
				handler(c)
			}
		}
	}
}

func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
