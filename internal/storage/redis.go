package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maneesh/runartifacts/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCacheTTL is how long a metadata record stays cached. Records are
// immutable, so the TTL only bounds memory.
const DefaultCacheTTL = 5 * time.Minute

// RedisClient is a registry.BatchCache over Redis. Values are the JSON
// encoding of models.File under "file:{id}".
type RedisClient struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisClient connects to addr and pings it. A non-positive ttl means
// DefaultCacheTTL.
func NewRedisClient(addr, password string, db int, ttl time.Duration) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return NewRedisClientFrom(client, ttl), nil
}

// NewRedisClientFrom wraps an existing client.
func NewRedisClientFrom(client redis.UniversalClient, ttl time.Duration) *RedisClient {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisClient{client: client, ttl: ttl}
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

func cacheKey(fileID string) string {
	return "file:" + fileID
}

// GetFileMetadata returns the cached record of fileID. A miss is (nil, nil).
func (rc *RedisClient) GetFileMetadata(ctx context.Context, fileID string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "redis.get_file_metadata",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, cacheKey(fileID)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.String("cache_status", "miss"))
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	file, err := decodeCached(data)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("cache_status", "hit"))
	return file, nil
}

// GetManyFileMetadata reads every id with a single MGET. Misses are absent
// from the result.
func (rc *RedisClient) GetManyFileMetadata(ctx context.Context, fileIDs []string) (map[string]*models.File, error) {
	ctx, span := tracer.Start(ctx, "redis.get_many_file_metadata",
		trace.WithAttributes(attribute.Int("file_count", len(fileIDs))),
	)
	defer span.End()

	found := make(map[string]*models.File, len(fileIDs))
	if len(fileIDs) == 0 {
		return found, nil
	}
	keys := make([]string, len(fileIDs))
	for i, id := range fileIDs {
		keys[i] = cacheKey(id)
	}

	values, err := rc.client.MGet(ctx, keys...).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		file, err := decodeCached([]byte(s))
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		found[fileIDs[i]] = file
	}
	span.SetAttributes(attribute.Int("cache_hits", len(found)))
	return found, nil
}

// SetFileMetadata caches file under fileID for the client's TTL.
func (rc *RedisClient) SetFileMetadata(ctx context.Context, fileID string, file *models.File) error {
	ctx, span := tracer.Start(ctx, "redis.set_file_metadata",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.Int64("ttl_seconds", int64(rc.ttl.Seconds())),
		),
	)
	defer span.End()

	data, err := json.Marshal(file)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal file: %w", err)
	}
	if err := rc.client.Set(ctx, cacheKey(fileID), data, rc.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

func decodeCached(data []byte) (*models.File, error) {
	var file models.File
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}
	return &file, nil
}
