// Package redisstore keeps the digest buffer and the idempotency ledger in Redis
// so every scheduler replica shares them.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "triven"
	keySeparator  = "|"
)

type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var (
	_ notify.DigestBuffer = (*Store)(nil)
	_ notify.Ledger       = (*Store)(nil)
)

// New wraps client. Ledger keys expire after ttl; zero keeps them forever.
func New(client redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{client: client, prefix: defaultPrefix, ttl: ttl}
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client, ttl), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) indexKey() string {
	return s.prefix + ":digest:index"
}

func (s *Store) bufferKey(key notify.DigestKey) string {
	return s.prefix + ":digest:" + key.UserID + ":" + key.Day
}

func (s *Store) Append(ctx context.Context, key notify.DigestKey, entry models.DigestEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode digest entry: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.bufferKey(key), payload)
		pipe.SAdd(ctx, s.indexKey(), key.UserID+keySeparator+key.Day)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append digest entry: %w", err)
	}

	return nil
}

// Drain reads and deletes the buffer in one MULTI block.
func (s *Store) Drain(ctx context.Context, key notify.DigestKey) ([]models.DigestEntry, error) {
	var lrange *redis.StringSliceCmd

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, s.bufferKey(key), 0, -1)
		pipe.Del(ctx, s.bufferKey(key))
		pipe.SRem(ctx, s.indexKey(), key.UserID+keySeparator+key.Day)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain digest buffer: %w", err)
	}

	raw := lrange.Val()
	entries := make([]models.DigestEntry, 0, len(raw))

	for _, item := range raw {
		var entry models.DigestEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode digest entry: %w", err)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (s *Store) Keys(ctx context.Context) ([]notify.DigestKey, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list digest buffers: %w", err)
	}

	slices.Sort(members)

	keys := make([]notify.DigestKey, 0, len(members))

	for _, m := range members {
		user, day, ok := strings.Cut(m, keySeparator)
		if !ok {
			continue
		}

		keys = append(keys, notify.DigestKey{UserID: user, Day: day})
	}

	return keys, nil
}

func (s *Store) ledgerKey(key string) string {
	return s.prefix + ":ledger:" + key
}

// Claim is SET NX, so concurrent replicas race on one key and exactly one wins.
func (s *Store) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.ledgerKey(key), time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}

	return ok, nil
}

func (s *Store) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.ledgerKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}

	return nil
}
