package lockstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// createScript writes the record only when the key does not exist yet.
var createScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 1 then
		return 0
	end
	redis.call("HSET", KEYS[1], "etag", ARGV[1], "doc", ARGV[2])
	return 1
`)

// casScript replaces the record only when the stored etag matches.
var casScript = redis.NewScript(`
	if redis.call("HGET", KEYS[1], "etag") == ARGV[1] then
		redis.call("HSET", KEYS[1], "etag", ARGV[2], "doc", ARGV[3])
		return 1
	end
	return 0
`)

// Redis implements Backend on a Redis hash per lock holding "etag" and "doc".
// Compare-and-swap runs as a Lua script so the etag check and the write are atomic.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption configures a Redis backend.
type RedisOption func(*Redis)

// WithKeyPrefix sets a prefix for all lock keys in Redis.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// NewRedis creates a new Redis-backed lock store.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: "leasework:lock:",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(name string) string {
	return r.prefix + name
}

// Create implements Backend.Create.
func (r *Redis) Create(ctx context.Context, name string, rec Record) error {
	doc, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := createScript.Run(ctx, r.client, []string{r.key(name)}, newETag(), string(doc)).Err(); err != nil {
		return wrapErr("create", name, err)
	}
	return nil
}

// Load implements Backend.Load.
func (r *Redis) Load(ctx context.Context, name string) (Record, error) {
	vals, err := r.client.HMGet(ctx, r.key(name), "etag", "doc").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrNotFound
		}
		return Record{}, wrapErr("load", name, err)
	}
	etag, _ := vals[0].(string)
	doc, _ := vals[1].(string)
	if etag == "" || doc == "" {
		return Record{}, ErrNotFound
	}
	rec, err := decodeRecord([]byte(doc), etag)
	if err != nil {
		return Record{}, wrapErr("load", name, err)
	}
	return rec, nil
}

// CompareAndSwap implements Backend.CompareAndSwap.
func (r *Redis) CompareAndSwap(ctx context.Context, name string, rec Record, etag string) (string, bool, error) {
	doc, err := encodeRecord(rec)
	if err != nil {
		return "", false, err
	}
	next := newETag()
	swapped, err := casScript.Run(ctx, r.client, []string{r.key(name)}, etag, next, string(doc)).Int64()
	if err != nil {
		return "", false, wrapErr("compare_and_swap", name, err)
	}
	if swapped == 0 {
		return "", false, nil
	}
	return next, true, nil
}

// Ping checks if the Redis connection is healthy.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
