package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps every transport or protocol failure talking to the store.
// Guards treat it as fail-closed.
var ErrUnavailable = errors.New("store unavailable")

// KV is the atomic key-value capability shared by the stateful guards.
type KV interface {
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Set stores value unconditionally.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the stored value and whether the key existed.
	Get(ctx context.Context, key string) (string, bool, error)
	// Del removes key and returns how many keys this call deleted.
	Del(ctx context.Context, key string) (int64, error)
	// IncrWindow increments the counter at key, arms its expiry to window when it has
	// none, and returns the post-increment count with the remaining time-to-live.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Ping(ctx context.Context) error
}

// Single round trip so INCR, the conditional expire and the TTL read are atomic
// as a unit. PEXPIRE only runs while the key holds no TTL, so a racing first
// hit never extends the window.
var incrWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisKV implements KV on go-redis. Every key is prefixed with the namespace.
type RedisKV struct {
	client    *redis.Client
	namespace string
}

func NewRedisKV(client *redis.Client, namespace string) *RedisKV {
	namespace = strings.TrimSpace(namespace)
	if namespace != "" && !strings.HasSuffix(namespace, ":") {
		namespace += ":"
	}
	return &RedisKV{client: client, namespace: namespace}
}

func (r *RedisKV) key(k string) string { return r.namespace + k }

// Namespace returns the key prefix including its trailing separator.
func (r *RedisKV) Namespace() string { return r.namespace }

func (r *RedisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", err)
	}
	return res, true, nil
}

func (r *RedisKV) Del(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return 0, unavailable("del", err)
	}
	return n, nil
}

func (r *RedisKV) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	ms := window.Milliseconds()
	if ms <= 0 {
		return 0, 0, fmt.Errorf("incr window: non-positive window %v", window)
	}
	res, err := incrWindowScript.Run(ctx, r.client, []string{r.key(key)}, ms).Result()
	if err != nil {
		return 0, 0, unavailable("incr window", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, 0, unavailable("incr window", fmt.Errorf("unexpected script reply %T", res))
	}
	count, ok := vals[0].(int64)
	if !ok {
		return 0, 0, unavailable("incr window", fmt.Errorf("unexpected count %T", vals[0]))
	}
	ttlMs, ok := vals[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = ms
	}
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

func (r *RedisKV) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
