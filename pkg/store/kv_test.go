package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestKV(t *testing.T) (*RedisKV, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisKV(client, "formgate"), mr
}

func TestRedisKVNamespacesKeys(t *testing.T) {
	kv, mr := newTestKV(t)
	if kv.Namespace() != "formgate:" {
		t.Fatalf("expected trailing separator, got %q", kv.Namespace())
	}
	if err := kv.Set(context.Background(), "csrf:contact:abc", "1", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("formgate:csrf:contact:abc") {
		t.Fatalf("expected namespaced key, have %v", mr.Keys())
	}
}

func TestRedisKVSetNXFirstWriterWins(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()
	ok, err := kv.SetNX(ctx, "idem:contact:k1", "hash-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first setnx to win, ok=%v err=%v", ok, err)
	}
	ok, err = kv.SetNX(ctx, "idem:contact:k1", "hash-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second setnx to lose, ok=%v err=%v", ok, err)
	}
	val, found, err := kv.Get(ctx, "idem:contact:k1")
	if err != nil || !found || val != "hash-a" {
		t.Fatalf("expected original value kept, got %q found=%v err=%v", val, found, err)
	}
}

func TestRedisKVGetMissing(t *testing.T) {
	kv, _ := newTestKV(t)
	val, found, err := kv.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found || val != "" {
		t.Fatalf("expected miss, got %q found=%v", val, found)
	}
}

func TestRedisKVDelReportsSingleWinner(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()
	if err := kv.Set(ctx, "csrf:contact:tok", "1", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := kv.Del(ctx, "csrf:contact:tok")
			if err != nil {
				t.Errorf("del: %v", err)
				return
			}
			atomic.AddInt64(&wins, n)
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one deletion, got %d", wins)
	}
}

func TestRedisKVIncrWindowArmsExpiryOnce(t *testing.T) {
	kv, mr := newTestKV(t)
	ctx := context.Background()
	count, ttl, err := kv.IncrWindow(ctx, "ratelimit:contact:1.2.3.4", 10*time.Second)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if count != 1 || ttl != 10*time.Second {
		t.Fatalf("expected count=1 ttl=10s, got %d %v", count, ttl)
	}
	mr.FastForward(4 * time.Second)
	count, ttl, err = kv.IncrWindow(ctx, "ratelimit:contact:1.2.3.4", 10*time.Second)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected count=2, got %d", count)
	}
	if ttl > 6*time.Second {
		t.Fatalf("expected window not to be extended, ttl=%v", ttl)
	}
	mr.FastForward(7 * time.Second)
	count, _, err = kv.IncrWindow(ctx, "ratelimit:contact:1.2.3.4", 10*time.Second)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected counter reset after window, got %d", count)
	}
}

func TestRedisKVIncrWindowRepairsMissingExpiry(t *testing.T) {
	kv, mr := newTestKV(t)
	if err := mr.Set("formgate:ratelimit:contact:x", "5"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	count, ttl, err := kv.IncrWindow(context.Background(), "ratelimit:contact:x", time.Minute)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if count != 6 || ttl != time.Minute {
		t.Fatalf("expected count=6 ttl=1m, got %d %v", count, ttl)
	}
	if mr.TTL("formgate:ratelimit:contact:x") <= 0 {
		t.Fatal("expected expiry to be armed")
	}
}

func TestRedisKVIncrWindowRejectsZeroWindow(t *testing.T) {
	kv, _ := newTestKV(t)
	if _, _, err := kv.IncrWindow(context.Background(), "k", 0); err == nil {
		t.Fatal("expected error for zero window")
	}
}

func TestRedisKVWrapsTransportErrors(t *testing.T) {
	kv, mr := newTestKV(t)
	mr.Close()
	_, err := kv.SetNX(context.Background(), "k", "v", time.Minute)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := kv.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ping ErrUnavailable, got %v", err)
	}
}

func TestNewRedisSuccessAndRequireTLS(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	client, err := NewRedis(context.Background(), RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("expected redis client success, got %v", err)
	}
	_ = client.Close()

	if _, err := NewRedis(context.Background(), RedisOptions{Addr: mr.Addr(), RequireTLS: true}); err == nil {
		t.Fatal("expected require_tls without tls to fail")
	}
}

func TestNewRedisPingFailure(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	addr := mr.Addr()
	mr.Close()
	if _, err := NewRedis(context.Background(), RedisOptions{Addr: addr, DialTimeout: 200 * time.Millisecond}); err == nil {
		t.Fatal("expected ping failure against closed server")
	}
}

func TestValidatePostgresTLS(t *testing.T) {
	cases := map[string]bool{
		"postgres://u@h/db?sslmode=require":     true,
		"postgres://u@h/db?sslmode=verify-full": true,
		"postgres://u@h/db?sslmode=disable":     false,
		"postgres://u@h/db":                     false,
	}
	for dsn, ok := range cases {
		err := validatePostgresTLS(dsn)
		if ok && err != nil {
			t.Fatalf("%s: unexpected error %v", dsn, err)
		}
		if !ok && err == nil {
			t.Fatalf("%s: expected error", dsn)
		}
	}
}

func TestNewPostgresPoolRequiresDSN(t *testing.T) {
	if _, err := NewPostgresPool(context.Background(), "", false); err == nil {
		t.Fatal("expected empty dsn error")
	}
	if _, err := NewPostgresPool(context.Background(), "postgres://u@h/db?sslmode=disable", true); err == nil {
		t.Fatal("expected insecure sslmode rejection")
	}
}
