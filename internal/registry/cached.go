package registry

import (
	"context"

	"github.com/maneesh/runartifacts/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("runartifacts-registry")

// Cached consults a metadata cache before the backing registry and fills it
// on a miss. Cache failures are logged and never fail a lookup.
type Cached struct {
	next   Registry
	cache  Cache
	logger *zap.Logger
}

// NewCached wraps next with cache.
func NewCached(next Registry, cache Cache, logger *zap.Logger) *Cached {
	return &Cached{next: next, cache: cache, logger: logger}
}

// Resolve implements Registry.
func (c *Cached) Resolve(ctx context.Context, id string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "registry.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("file_id", id))

	if file := c.lookupCache(ctx, id); file != nil {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return file, nil
	}
	span.SetAttributes(attribute.Bool("cache_hit", false))

	file, err := c.next.Resolve(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	c.fillCache(ctx, file)
	return file, nil
}

// ResolveMany implements Registry.
func (c *Cached) ResolveMany(ctx context.Context, ids []string) (map[string]*models.File, error) {
	ctx, span := tracer.Start(ctx, "registry.resolve_many")
	defer span.End()
	span.SetAttributes(attribute.Int("file_count", len(ids)))

	found := c.lookupCacheMany(ctx, ids)
	var misses []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			misses = append(misses, id)
		}
	}
	span.SetAttributes(attribute.Int("cache_misses", len(misses)))
	if len(misses) == 0 {
		return found, nil
	}

	fetched, err := c.next.ResolveMany(ctx, misses)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	for id, file := range fetched {
		found[id] = file
		c.fillCache(ctx, file)
	}
	return found, nil
}

func (c *Cached) lookupCache(ctx context.Context, id string) *models.File {
	file, err := c.cache.GetFileMetadata(ctx, id)
	if err != nil {
		c.logger.Warn("metadata cache read failed", zap.String("file_id", id), zap.Error(err))
		return nil
	}
	return file
}

func (c *Cached) lookupCacheMany(ctx context.Context, ids []string) map[string]*models.File {
	batch, ok := c.cache.(BatchCache)
	if !ok {
		found := make(map[string]*models.File, len(ids))
		for _, id := range ids {
			if file := c.lookupCache(ctx, id); file != nil {
				found[id] = file
			}
		}
		return found
	}
	found, err := batch.GetManyFileMetadata(ctx, ids)
	if err != nil {
		c.logger.Warn("metadata cache batch read failed", zap.Int("file_count", len(ids)), zap.Error(err))
		return make(map[string]*models.File, len(ids))
	}
	return found
}

func (c *Cached) fillCache(ctx context.Context, file *models.File) {
	if err := c.cache.SetFileMetadata(ctx, file.ID, file); err != nil {
		c.logger.Warn("failed to update metadata cache", zap.String("file_id", file.ID), zap.Error(err))
	}
}
