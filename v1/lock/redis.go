package lock

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-warden/v1/adapter"
)

const (
	defaultRedisKeyPrefix = "warden:lock:"
	defaultRedisOpTimeout = 5 * time.Second
)

// The compare and the mutation run inside one script so no other client can
// interleave between them.
var (
	replaceScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[2] then
    if tonumber(ARGV[3]) > 0 then
        redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
    else
        redis.call("SET", KEYS[1], ARGV[1])
    end
    return 1
end
return 0
`)

	removeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

	redisScripts = []*redis.Script{replaceScript, removeScript}
)

// Redis implements Storage and Inspector using a Redis backend. Each lock is
// a string key holding the lock id, expired natively by Redis.
type Redis struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// RedisOption configures a Redis storage.
type RedisOption func(*Redis)

// WithKeyPrefix sets the prefix prepended to every resource key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithRedisTimeout sets the timeout applied to every Redis round trip.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRedis returns a Redis lock storage using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: defaultRedisKeyPrefix, timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load sends the compare-and-set scripts to the server so later calls only
// reference them by SHA. Calling it is optional: scripts are sent on first
// use when missing.
func (r *Redis) Load(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	for _, s := range redisScripts {
		if err := s.Load(cctx, r.client).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) key(resource string) string {
	return r.prefix + resource
}

// Insert implements Storage.Insert using SET NX.
func (r *Redis) Insert(ctx context.Context, key, lockID string, ttl time.Duration) (bool, error) {
	if err := validateInsert(key, lockID, ttl); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.SetNX(cctx, r.key(key), lockID, ttl).Result()
}

// ReplaceIfEqual implements Storage.ReplaceIfEqual.
func (r *Redis) ReplaceIfEqual(ctx context.Context, key, newLockID, expectedLockID string, ttl time.Duration) (bool, error) {
	if err := validateInsert(key, newLockID, ttl); err != nil {
		return false, err
	}
	if err := validateLockID(expectedLockID); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := replaceScript.Run(cctx, r.client, []string{r.key(key)}, newLockID, expectedLockID, adapter.Millis(ttl)).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RemoveIfEqual implements Storage.RemoveIfEqual.
func (r *Redis) RemoveIfEqual(ctx context.Context, key, expectedLockID string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if err := validateLockID(expectedLockID); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := removeScript.Run(cctx, r.client, []string{r.key(key)}, expectedLockID).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Expiration implements Storage.Expiration using PTTL.
func (r *Redis) Expiration(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := validateKey(key); err != nil {
		return 0, false, err
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ttl, err := r.client.PTTL(cctx, r.key(key)).Result()
	if err != nil {
		return 0, false, err
	}
	// -2: missing, -1: no expiry
	if ttl < 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

// Exists implements Storage.Exists.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Exists(cctx, r.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get implements Inspector.Get.
func (r *Redis) Get(ctx context.Context, key string) (*Record, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.get(cctx, r.key(key))
}

func (r *Redis) get(ctx context.Context, fullKey string) (*Record, error) {
	pipe := r.client.TxPipeline()
	idCmd := pipe.Get(ctx, fullKey)
	ttlCmd := pipe.PTTL(ctx, fullKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	id, err := idCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := &Record{Resource: strings.TrimPrefix(fullKey, r.prefix), LockID: id}
	if ttl := ttlCmd.Val(); ttl > 0 {
		exp := time.Now().Add(ttl)
		rec.ExpiresAt = &exp
	}
	return rec, nil
}

// List implements Inspector.List using SCAN.
func (r *Redis) List(ctx context.Context, prefix string) ([]Record, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	keys, err := adapter.ScanKeys(cctx, r.client, adapter.EscapePattern(r.key(prefix))+"*")
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		rec, err := r.get(cctx, k)
		if err != nil {
			return nil, err
		}
		// expired between SCAN and GET
		if rec == nil {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Count implements Inspector.Count.
func (r *Redis) Count(ctx context.Context) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	keys, err := adapter.ScanKeys(cctx, r.client, adapter.EscapePattern(r.prefix)+"*")
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}
