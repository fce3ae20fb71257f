package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tarrragon/book-overview-v1-sub017/pkg/types"
)

const historyKey = "reconcile:history"

// RedisHistory persists history records as a Redis list used as an
// append log: newest records at the head, trimming from the tail.
type RedisHistory struct {
	client *redis.Client
}

// NewRedisHistory connects to Redis and verifies reachability.
func NewRedisHistory(ctx context.Context, addr, password string, db int) (*RedisHistory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return &RedisHistory{client: client}, nil
}

// Append pushes one record onto the head of the log.
func (r *RedisHistory) Append(ctx context.Context, rec types.HistoryRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal history record: %w", err)
	}
	if err := r.client.LPush(ctx, historyKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to push history record: %w", err)
	}
	return nil
}

// Remove deletes the record with the given id by rewriting its entry.
// LREM needs the exact payload, so the log is scanned for the id.
func (r *RedisHistory) Remove(ctx context.Context, id string) error {
	entries, err := r.client.LRange(ctx, historyKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to scan history log: %w", err)
	}
	for _, entry := range entries {
		var rec types.HistoryRecord
		if json.Unmarshal([]byte(entry), &rec) != nil {
			continue
		}
		if rec.ID == id {
			if err := r.client.LRem(ctx, historyKey, 1, entry).Err(); err != nil {
				return fmt.Errorf("failed to remove history record: %w", err)
			}
			return nil
		}
	}
	return nil
}

// Load returns up to limit of the most recent records, oldest first.
func (r *RedisHistory) Load(ctx context.Context, limit int) ([]types.HistoryRecord, error) {
	entries, err := r.client.LRange(ctx, historyKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	// List head is newest; reverse into oldest-first order.
	records := make([]types.HistoryRecord, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		var rec types.HistoryRecord
		if json.Unmarshal([]byte(entries[i]), &rec) != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Trim keeps only the most recent maxRecords entries.
func (r *RedisHistory) Trim(ctx context.Context, maxRecords int) error {
	if err := r.client.LTrim(ctx, historyKey, 0, int64(maxRecords-1)).Err(); err != nil {
		return fmt.Errorf("failed to trim history: %w", err)
	}
	return nil
}

// Close releases the client.
func (r *RedisHistory) Close() error {
	return r.client.Close()
}
