package suspension

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisV9Backend persists SuspensionRecords in Redis via the redis/go-redis
// v9 client, one string key per record keyed by execution id.
type RedisV9Backend struct {
	rdb    *redis.Client
	prefix string
	ctx    context.Context
}

// NewRedisV9Backend constructs a RedisV9Backend with the given key prefix.
func NewRedisV9Backend(rdb *redis.Client, keyPrefix string) *RedisV9Backend {
	return &RedisV9Backend{rdb: rdb, prefix: keyPrefix, ctx: context.Background()}
}

func (b *RedisV9Backend) key(id string) string {
	return fmt.Sprintf("%s%s", b.prefix, id)
}

func (b *RedisV9Backend) Upsert(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal suspension record: %w", err)
	}
	return b.rdb.Set(b.ctx, b.key(rec.ExecutionID), data, 0).Err()
}

func (b *RedisV9Backend) Get(id string) (*Record, bool) {
	data, err := b.rdb.Get(b.ctx, b.key(id)).Result()
	if err != nil {
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func (b *RedisV9Backend) List() []*Record {
	keys, err := b.rdb.Keys(b.ctx, b.prefix+"*").Result()
	if err != nil {
		return nil
	}
	out := make([]*Record, 0, len(keys))
	for _, key := range keys {
		data, err := b.rdb.Get(b.ctx, key).Result()
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out
}

func (b *RedisV9Backend) Delete(id string) bool {
	n, err := b.rdb.Del(b.ctx, b.key(id)).Result()
	return err == nil && n > 0
}
