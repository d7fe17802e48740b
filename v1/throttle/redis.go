package throttle

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-warden/v1/adapter"
)

// The expiry is set on the first hit only, which anchors the window. A key
// left without expiry by an interrupted client gets one on its next hit.
var incrementScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 or redis.call("PTTL", KEYS[1]) == -1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return hits
`)

const deleteBatch = 500

// Redis implements Storage using a Redis backend. Each window is an integer
// key expired natively by Redis, so no cleanup is needed.
type Redis struct {
	client *redis.Client
	opts   options
}

// NewRedis returns a Redis throttling storage using the provided client.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	return &Redis{client: client, opts: newOptions(opts)}
}

// Load sends the increment script to the server.
func (r *Redis) Load(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()
	return incrementScript.Load(cctx, r.client).Err()
}

func (r *Redis) key(resource string) string {
	return r.opts.keyPrefix + resource
}

// Increment implements Storage.Increment.
func (r *Redis) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := validateIncrement(key, ttl); err != nil {
		return 0, err
	}
	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()
	return incrementScript.Run(cctx, r.client, []string{r.key(key)}, adapter.Millis(ttl)).Int64()
}

// HitCount implements Storage.HitCount.
func (r *Redis) HitCount(ctx context.Context, key string) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()
	n, err := r.client.Get(cctx, r.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// FlushAll implements Storage.FlushAll. Only keys under the storage prefix
// are removed.
func (r *Redis) FlushAll(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()
	keys, err := adapter.ScanKeys(cctx, r.client, adapter.EscapePattern(r.opts.keyPrefix)+"*")
	if err != nil {
		return err
	}
	for len(keys) > 0 {
		n := min(len(keys), deleteBatch)
		if err := r.client.Del(cctx, keys[:n]...).Err(); err != nil {
			return err
		}
		keys = keys[n:]
	}
	return nil
}
