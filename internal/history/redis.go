package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	entriesKey    = "history:entries"
	tombstonesKey = "history:tombstones"
	syncedKey     = "history:synced"
)

// RedisStore persists history in Redis hashes keyed by (url, deviceId).
// Merge is read-modify-write under a process-local mutex: the daemon is the
// only writer of its own store, so no cross-process locking is needed.
type RedisStore struct {
	client *redis.Client
	mu     sync.Mutex
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Append(ctx context.Context, entry Entry) error {
	_, err := s.Merge(ctx, []Entry{entry})
	return err
}

func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	raw, err := s.client.HGetAll(ctx, entriesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, value := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			return nil, fmt.Errorf("decoding stored entry: %w", err)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].VisitTime != entries[j].VisitTime {
			return entries[i].VisitTime < entries[j].VisitTime
		}
		return entries[i].Key() < entries[j].Key()
	})
	return entries, nil
}

func (s *RedisStore) Merge(ctx context.Context, entries []Entry) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var applied []Entry
	for _, entry := range entries {
		changed, err := s.mergeOne(ctx, entry)
		if err != nil {
			return applied, err
		}
		if changed {
			applied = append(applied, entry)
		}
	}
	return applied, nil
}

func (s *RedisStore) mergeOne(ctx context.Context, entry Entry) (bool, error) {
	key := entry.Key()

	rawTombstone, err := s.client.HGet(ctx, tombstonesKey, key).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("reading tombstone: %w", err)
	}
	if err == nil {
		var tombstone Tombstone
		if err := json.Unmarshal([]byte(rawTombstone), &tombstone); err != nil {
			return false, fmt.Errorf("decoding tombstone: %w", err)
		}
		if entry.VisitTime <= tombstone.Timestamp {
			return false, nil
		}
		if err := s.client.HDel(ctx, tombstonesKey, key).Err(); err != nil {
			return false, fmt.Errorf("clearing tombstone: %w", err)
		}
	}

	rawCurrent, err := s.client.HGet(ctx, entriesKey, key).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("reading entry: %w", err)
	}
	if err == nil {
		var current Entry
		if err := json.Unmarshal([]byte(rawCurrent), &current); err != nil {
			return false, fmt.Errorf("decoding stored entry: %w", err)
		}
		if !entry.NewerThan(current) {
			return false, nil
		}
	}

	encoded, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encoding entry: %w", err)
	}
	if err := s.client.HSet(ctx, entriesKey, key, encoded).Err(); err != nil {
		return false, fmt.Errorf("storing entry: %w", err)
	}
	return true, nil
}

func (s *RedisStore) ApplyDelete(ctx context.Context, tombstone Tombstone) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tombstone.Key()

	rawExisting, err := s.client.HGet(ctx, tombstonesKey, key).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("reading tombstone: %w", err)
	}
	if err == nil {
		var existing Tombstone
		if err := json.Unmarshal([]byte(rawExisting), &existing); err != nil {
			return false, fmt.Errorf("decoding tombstone: %w", err)
		}
		if existing.Timestamp >= tombstone.Timestamp {
			return false, nil
		}
	}

	rawCurrent, err := s.client.HGet(ctx, entriesKey, key).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("reading entry: %w", err)
	}
	if err == nil {
		var current Entry
		if err := json.Unmarshal([]byte(rawCurrent), &current); err != nil {
			return false, fmt.Errorf("decoding stored entry: %w", err)
		}
		if current.VisitTime > tombstone.Timestamp {
			return false, nil
		}
		if err := s.client.HDel(ctx, entriesKey, key).Err(); err != nil {
			return false, fmt.Errorf("deleting entry: %w", err)
		}
		s.client.SRem(ctx, syncedKey, key)
	}

	encoded, err := json.Marshal(tombstone)
	if err != nil {
		return false, fmt.Errorf("encoding tombstone: %w", err)
	}
	if err := s.client.HSet(ctx, tombstonesKey, key, encoded).Err(); err != nil {
		return false, fmt.Errorf("storing tombstone: %w", err)
	}
	return true, nil
}

func (s *RedisStore) MarkSynced(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]interface{}, len(keys))
	for i, key := range keys {
		members[i] = key
	}
	if err := s.client.SAdd(ctx, syncedKey, members...).Err(); err != nil {
		return fmt.Errorf("marking synced: %w", err)
	}
	return nil
}
