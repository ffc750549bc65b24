package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const DefaultStream = "mail:queue"

// RedisStream appends jobs to a capped Redis stream.
type RedisStream struct {
	client redis.Cmdable
	key    string
	maxLen int64
}

func NewRedisStream(client redis.Cmdable, namespace, stream string, maxLen int64) *RedisStream {
	stream = strings.TrimSpace(stream)
	if stream == "" {
		stream = DefaultStream
	}
	namespace = strings.TrimSpace(namespace)
	if namespace != "" && !strings.HasSuffix(namespace, ":") {
		namespace += ":"
	}
	return &RedisStream{client: client, key: namespace + stream, maxLen: maxLen}
}

// Key returns the fully qualified stream name.
func (s *RedisStream) Key() string { return s.key }

func (s *RedisStream) Enqueue(ctx context.Context, job Job) (string, error) {
	if s == nil || s.client == nil {
		return "", fmt.Errorf("%w: redis stream not initialized", ErrEnqueueFailed)
	}
	id := assignID(&job)
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("%w: encode job: %w", ErrEnqueueFailed, err)
	}
	args := &redis.XAddArgs{
		Stream: s.key,
		Values: []any{"id", id, "priority", strconv.Itoa(job.Priority), "job", string(payload)},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return "", fmt.Errorf("%w: xadd %s: %w", ErrEnqueueFailed, s.key, err)
	}
	return id, nil
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStream) Close() error { return nil }
