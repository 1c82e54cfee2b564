package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore 产物写入 Redis: {prefix}:{task_id} 保存 JSON，{prefix}:index 保存最近的 task_id
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	indexSize int64
}

// NewRedisStore creates a redis backed store. The client is owned by the caller.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration, indexSize int) *RedisStore {
	if prefix == "" {
		prefix = "flow:artifact"
	}
	if indexSize <= 0 {
		indexSize = 10000
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		ttl:       ttl,
		indexSize: int64(indexSize),
	}
}

// Key 返回产物的 key
func (s *RedisStore) Key(taskID string) string {
	return s.prefix + ":" + taskID
}

// IndexKey 返回索引列表的 key
func (s *RedisStore) IndexKey() string {
	return s.prefix + ":index"
}

// SaveBatch writes the batch in a single pipeline round trip
func (s *RedisStore) SaveBatch(ctx context.Context, items []*Artifact) error {
	if len(items) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, a := range items {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal artifact %s: %w", a.TaskID, err)
		}
		pipe.Set(ctx, s.Key(a.TaskID), string(data), s.ttl)
		pipe.LPush(ctx, s.IndexKey(), a.TaskID)
	}
	pipe.LTrim(ctx, s.IndexKey(), 0, s.indexSize-1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Load 读取单个产物
func (s *RedisStore) Load(ctx context.Context, taskID string) (*Artifact, error) {
	data, err := s.client.Get(ctx, s.Key(taskID)).Bytes()
	if err != nil {
		return nil, err
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", taskID, err)
	}
	return &a, nil
}

// Close does not close the shared client
func (s *RedisStore) Close() error {
	return nil
}
