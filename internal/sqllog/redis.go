package sqllog

import (
	"context"
	"fmt"
	"time"

	"github.com/matst80/sqltap/internal/proto"
	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream captured packets are added to.
const DefaultStream = "sqltap:packets"

// RedisSink publishes entries to a capped Redis stream so several relay
// instances can feed one consumer.
type RedisSink struct {
	client  redis.UniversalClient
	stream  string
	maxLen  int64
	timeout time.Duration
}

func NewRedisSink(client redis.UniversalClient, stream string, maxLen int64) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen, timeout: 2 * time.Second}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(e Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"session": e.SessionID,
			"ts":      e.Time.UTC().Format(time.RFC3339Nano),
			"seq":     int(e.Header.Sequence),
			"command": proto.CommandName(e.Header.Command),
			"payload": e.Payload,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", s.stream, err)
	}
	return nil
}

// Close leaves the client open; it is shared with the state store.
func (s *RedisSink) Close() error { return nil }
