package suspension

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisV8Backend is a second Redis-backed implementation of Backend, on
// the older go-redis/v8 client. It exists alongside RedisV9Backend
// because the broader pipeflow dependency surface carries both client
// generations; operators pick whichever matches the Redis deployment
// they're already running elsewhere in their fleet.
type RedisV8Backend struct {
	rdb    *redis.Client
	prefix string
	ctx    context.Context
}

// NewRedisV8Backend constructs a RedisV8Backend.
func NewRedisV8Backend(rdb *redis.Client, keyPrefix string) *RedisV8Backend {
	return &RedisV8Backend{rdb: rdb, prefix: keyPrefix, ctx: context.Background()}
}

func (b *RedisV8Backend) key(id string) string {
	return fmt.Sprintf("%s%s", b.prefix, id)
}

func (b *RedisV8Backend) Upsert(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal suspension record: %w", err)
	}
	return b.rdb.Set(b.ctx, b.key(rec.ExecutionID), data, 0).Err()
}

func (b *RedisV8Backend) Get(id string) (*Record, bool) {
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

func (b *RedisV8Backend) List() []*Record {
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

func (b *RedisV8Backend) Delete(id string) bool {
	n, err := b.rdb.Del(b.ctx, b.key(id)).Result()
	return err == nil && n > 0
}
