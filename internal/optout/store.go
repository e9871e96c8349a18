// Package optout keeps the global do-not-call list in Redis. Entries are
// keyed by phone number and expire at the Redis level, so honoring a
// time-limited opt-out needs no sweeper.
package optout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "dialcast:optout:"

// Entry is one opted-out phone number.
type Entry struct {
	Phone       string     `json:"phone"`
	Source      string     `json:"source"`
	BroadcastID string     `json:"broadcast_id,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	OptedOutAt  time.Time  `json:"opted_out_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Store records and answers opt-out lookups.
type Store interface {
	// Add upserts an opt-out. A later opt-out for the same phone replaces
	// the earlier record, including its expiry.
	Add(ctx context.Context, entry Entry) error
	// IsOptedOut reports whether phone is currently opted out.
	IsOptedOut(ctx context.Context, phone string) (bool, error)
	// Get returns the entry for phone, or (nil, nil).
	Get(ctx context.Context, phone string) (*Entry, error)
	// Remove drops an opt-out, re-enabling the number.
	Remove(ctx context.Context, phone string) error
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	Close() error
}

type redisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewStore connects to Redis at addr.
func NewStore(addr, password string, db int, logger *slog.Logger) Store {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &redisStore{
		client: client,
		logger: logger.With("subsystem", "optout"),
	}
}

func (s *redisStore) Add(ctx context.Context, entry Entry) error {
	if entry.Phone == "" {
		return fmt.Errorf("opt-out entry has no phone")
	}
	if entry.OptedOutAt.IsZero() {
		entry.OptedOutAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding opt-out entry: %w", err)
	}

	key := keyPrefix + entry.Phone
	if err := s.client.Set(ctx, key, payload, 0).Err(); err != nil {
		return fmt.Errorf("storing opt-out for %s: %w", entry.Phone, err)
	}
	if entry.ExpiresAt != nil {
		if err := s.client.ExpireAt(ctx, key, *entry.ExpiresAt).Err(); err != nil {
			return fmt.Errorf("setting opt-out expiry for %s: %w", entry.Phone, err)
		}
	}
	s.logger.Info("opt-out recorded", "phone", entry.Phone, "source", entry.Source)
	return nil
}

func (s *redisStore) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+phone).Result()
	if err != nil {
		return false, fmt.Errorf("checking opt-out for %s: %w", phone, err)
	}
	return n > 0, nil
}

func (s *redisStore) Get(ctx context.Context, phone string) (*Entry, error) {
	payload, err := s.client.Get(ctx, keyPrefix+phone).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading opt-out for %s: %w", phone, err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("decoding opt-out for %s: %w", phone, err)
	}
	return &entry, nil
}

func (s *redisStore) Remove(ctx context.Context, phone string) error {
	if err := s.client.Del(ctx, keyPrefix+phone).Err(); err != nil {
		return fmt.Errorf("removing opt-out for %s: %w", phone, err)
	}
	return nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
