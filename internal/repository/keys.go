package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chaincore/internal/domain"
	"chaincore/internal/models"
)

// ResultKey holds the latest SyncResult of a task.
func ResultKey(taskID string) string {
	return fmt.Sprintf("sync:result:%s", taskID)
}

// LastSyncKey holds the last successful sync time for an entity within a scope.
func LastSyncKey(entity models.EntityType, scope string) string {
	return fmt.Sprintf("sync:last:%s:%s", entity, scope)
}

func SetJSON(ctx context.Context, cache domain.Cache, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return cache.Set(ctx, key, data, ttl)
}

// GetJSON decodes a cached value into v and reports whether the key was present.
func GetJSON(ctx context.Context, cache domain.Cache, key string, v interface{}) (bool, error) {
	data, err := cache.Get(ctx, key)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}
