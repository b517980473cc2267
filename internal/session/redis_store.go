// Package session provides a Redis backend for persisted dashboard state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mosqlimate/arbodash/internal/models"
)

const defaultPrefix = "arbodash:state:"

// maxSaveRetries bounds optimistic-lock retries when two namespaces of the
// same client save concurrently
const maxSaveRetries = 5

// RedisStore keeps one JSON blob per client. The key TTL is the expiration
// window, refreshed on every save.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed state store
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: defaultPrefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) key(clientID string) string {
	return s.prefix + clientID
}

// Load returns the client's blob; found is false when the key is missing or expired
func (s *RedisStore) Load(ctx context.Context, clientID string) (models.Persisted, bool, error) {
	raw, err := s.client.Get(ctx, s.key(clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Persisted{}, false, nil
	}
	if err != nil {
		return models.Persisted{}, false, fmt.Errorf("load state: %w", err)
	}

	var p models.Persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.Persisted{}, false, fmt.Errorf("unmarshal state: %w", err)
	}
	if p.Namespaces == nil {
		p.Namespaces = make(map[string]models.DashboardState)
	}
	return p, true, nil
}

// Save merges one namespace into the client's blob under WATCH so concurrent
// saves of sibling namespaces do not overwrite each other
func (s *RedisStore) Save(ctx context.Context, clientID, namespace string, state models.DashboardState, meta models.PersistedMeta) error {
	key := s.key(clientID)

	txf := func(tx *redis.Tx) error {
		p := models.Persisted{Namespaces: make(map[string]models.DashboardState)}
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			// An unreadable blob is replaced
			if jerr := json.Unmarshal(raw, &p); jerr != nil || p.Namespaces == nil {
				p.Namespaces = make(map[string]models.DashboardState)
			}
		}

		p.Namespaces[namespace] = state
		p.Meta = meta
		encoded, err := json.Marshal(p)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxSaveRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("save state: %w", err)
	}
	return fmt.Errorf("save state: %w", redis.TxFailedErr)
}

// Clear deletes the client's blob
func (s *RedisStore) Clear(ctx context.Context, clientID string) error {
	if err := s.client.Del(ctx, s.key(clientID)).Err(); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	return nil
}

// Clients scans every stored client, newest first
func (s *RedisStore) Clients(ctx context.Context) ([]models.ClientRecord, error) {
	var records []models.ClientRecord
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		clientID := strings.TrimPrefix(key, s.prefix)
		p, found, err := s.Load(ctx, clientID)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		namespaces := make([]string, 0, len(p.Namespaces))
		for ns := range p.Namespaces {
			namespaces = append(namespaces, ns)
		}
		sort.Strings(namespaces)
		records = append(records, models.ClientRecord{
			ClientID:   clientID,
			Namespaces: namespaces,
			Timestamp:  p.Meta.Timestamp,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan clients: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Timestamp != records[j].Timestamp {
			return records[i].Timestamp > records[j].Timestamp
		}
		return records[i].ClientID < records[j].ClientID
	})
	return records, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
