package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Arnav-03/vecertify/internal/certify/model"
)

// DefaultStream is the Redis stream verification entries are appended to.
const DefaultStream = "vecertify:verifications"

// RedisStream appends verification entries to a capped Redis stream so other
// services can consume them with XREAD.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStream connects to the Redis server at url. The stream is trimmed
// to roughly maxLen entries; zero leaves it uncapped.
func NewRedisStream(ctx context.Context, url, stream string, maxLen int64) (*RedisStream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStreamWithClient(client, stream, maxLen), nil
}

// NewRedisStreamWithClient wraps an existing client.
func NewRedisStreamWithClient(client *redis.Client, stream string, maxLen int64) *RedisStream {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

// Record implements Sink.
func (r *RedisStream) Record(ctx context.Context, e *model.VerificationLog) error {
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"id":          e.ID.String(),
			"fingerprint": e.Fingerprint.String(),
			"file_name":   e.FileName,
			"verified_by": e.VerifiedBy,
			"status":      e.Status,
			"verified_at": e.VerifiedAt.Format(time.RFC3339),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

// Health checks the Redis connection.
func (r *RedisStream) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisStream) Close() error {
	return r.client.Close()
}
