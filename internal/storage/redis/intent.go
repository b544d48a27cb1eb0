// Package redis stores short-lived checkout state in Redis.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/shopcart/internal/domain/order"
)

const (
	intentKeyPrefix     = "shop:intent:"
	userIntentKeyPrefix = "shop:intent:user:"
)

type cmdable interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// NewClient parses url, connects and verifies connectivity.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

var _ order.IntentStore = (*IntentStore)(nil)

// IntentStore keeps payment intents as JSON values that expire with the
// intent.
type IntentStore struct {
	store cmdable
}

// NewIntentStore returns an IntentStore over client.
func NewIntentStore(client *redis.Client) *IntentStore {
	return &IntentStore{store: client}
}

// Save writes in with the given time to live.
func (s *IntentStore) Save(ctx context.Context, in *order.PaymentIntent, ttl time.Duration) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling intent %q: %w", in.ID, err)
	}
	if err := s.store.Set(ctx, intentKey(in.ID), string(data), ttl).Err(); err != nil {
		return fmt.Errorf("saving intent %q: %w", in.ID, err)
	}
	if err := s.store.Set(ctx, userIntentKey(in.UserID), in.ID, ttl).Err(); err != nil {
		return fmt.Errorf("indexing intent %q: %w", in.ID, err)
	}
	return nil
}

// GetByUser returns the latest intent saved for userID.
func (s *IntentStore) GetByUser(ctx context.Context, userID string) (*order.PaymentIntent, error) {
	id, err := s.store.Get(ctx, userIntentKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, order.ErrIntentNotFound
		}
		return nil, fmt.Errorf("getting intent of user %q: %w", userID, err)
	}
	return s.Get(ctx, id)
}

// Get returns the intent, or order.ErrIntentNotFound once it expired.
func (s *IntentStore) Get(ctx context.Context, id string) (*order.PaymentIntent, error) {
	raw, err := s.store.Get(ctx, intentKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, order.ErrIntentNotFound
		}
		return nil, fmt.Errorf("getting intent %q: %w", id, err)
	}
	var in order.PaymentIntent
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("unmarshaling intent %q: %w", id, err)
	}
	return &in, nil
}

// Delete removes the intent. Deleting a missing intent is not an error.
func (s *IntentStore) Delete(ctx context.Context, id string) error {
	if err := s.store.Del(ctx, intentKey(id)).Err(); err != nil {
		return fmt.Errorf("deleting intent %q: %w", id, err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (s *IntentStore) Ping(ctx context.Context) error {
	return s.store.Ping(ctx).Err()
}

func intentKey(id string) string {
	return intentKeyPrefix + id
}

func userIntentKey(userID string) string {
	return userIntentKeyPrefix + userID
}
