package csrf

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"formgate/pkg/store"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(store.NewRedisKV(client, "formgate")), mr
}

func TestIssueStoresSentinelWithTTL(t *testing.T) {
	s, mr := newStore(t)
	token, err := s.Issue(context.Background(), "contact-us", 5*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenBytes {
		t.Fatalf("expected 32 url-safe bytes, got %q (%v)", token, err)
	}
	k := "formgate:csrf:contact-us:" + token
	if v, _ := mr.Get(k); v != "1" {
		t.Fatalf("expected sentinel value, got %q", v)
	}
	if ttl := mr.TTL(k); ttl != 5*time.Minute {
		t.Fatalf("expected 5m ttl, got %v", ttl)
	}
}

func TestConsumeIsOneTime(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	token, err := s.Issue(ctx, "contact-us", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ok, err := s.Consume(ctx, "contact-us", token)
	if err != nil || !ok {
		t.Fatalf("expected first consume to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = s.Consume(ctx, "contact-us", token)
	if err != nil || ok {
		t.Fatalf("expected replay to fail, ok=%v err=%v", ok, err)
	}
}

func TestConsumeIsScopedToTemplate(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	token, err := s.Issue(ctx, "contact-us", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if ok, _ := s.Consume(ctx, "newsletter", token); ok {
		t.Fatal("token must not be valid for another template")
	}
	if ok, _ := s.Consume(ctx, "contact-us", ""); ok {
		t.Fatal("blank token must not be valid")
	}
}

func TestConcurrentConsumeHasOneWinner(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	token, err := s.Issue(ctx, "contact-us", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.Consume(ctx, "contact-us", token); err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestExpiredTokenIsInvalid(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	token, err := s.Issue(ctx, "contact-us", time.Second)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if ok, _ := s.Consume(ctx, "contact-us", token); ok {
		t.Fatal("expired token must not be valid")
	}
}

func TestIssueFailures(t *testing.T) {
	s, mr := newStore(t)
	s.random = bytes.NewReader([]byte{1, 2, 3})
	if _, err := s.Issue(context.Background(), "contact-us", time.Minute); err == nil {
		t.Fatal("expected short entropy read to fail")
	}

	s, mr = newStore(t)
	mr.Close()
	if _, err := s.Issue(context.Background(), "contact-us", time.Minute); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := s.Consume(context.Background(), "contact-us", "abc"); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on consume, got %v", err)
	}
}
