package blob

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/forgekit/forge/internal/domain"
	"github.com/forgekit/forge/internal/logging"
)

// redisTier is an optional, shared second-level hot tier between the
// in-process LRU and the disk tier. When several daemon instances run
// against a common network Redis, a blob decompressed by one instance is
// served to the others without touching their disks. Entries are
// size-capped like the LRU and expire on a TTL; Redis is a cache here,
// never the system of record, so every error degrades to a miss.
type redisTier struct {
	client       *redis.Client
	maxEntrySize int64
	ttl          time.Duration
}

const redisKeyPrefix = "forge:blob:"

func newRedisTier(addr string, maxEntrySize int64) *redisTier {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logging.Op().Warn("blob: redis tier unreachable, disabled", "addr", addr, "error", err)
		client.Close()
		return nil
	}
	return &redisTier{
		client:       client,
		maxEntrySize: maxEntrySize,
		ttl:          10 * time.Minute,
	}
}

func (t *redisTier) get(id domain.BlobID) ([]byte, bool) {
	if t == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := t.client.Get(ctx, redisKeyPrefix+string(id)).Bytes()
	if err != nil {
		return nil, false
	}
	// Content addressing makes a poisoned cache entry detectable.
	if hashOf(data) != id {
		t.del(id)
		return nil, false
	}
	return data, true
}

func (t *redisTier) put(id domain.BlobID, data []byte) {
	if t == nil {
		return
	}
	if t.maxEntrySize > 0 && int64(len(data)) > t.maxEntrySize {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := t.client.Set(ctx, redisKeyPrefix+string(id), data, t.ttl).Err(); err != nil {
		logging.Op().Debug("blob: redis tier set failed", "error", err)
	}
}

func (t *redisTier) del(id domain.BlobID) {
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = t.client.Del(ctx, redisKeyPrefix+string(id)).Err()
}

func (t *redisTier) close() {
	if t == nil {
		return
	}
	_ = t.client.Close()
}
