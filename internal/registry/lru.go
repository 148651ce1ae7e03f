package registry

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maneesh/runartifacts/internal/models"
)

// LRU keeps recently resolved records in process memory. File records never
// change after upload, so entries are never invalidated, only evicted.
type LRU struct {
	next  Registry
	cache *lru.Cache[string, *models.File]
}

// NewLRU wraps next with an in-process cache holding up to size records.
func NewLRU(next Registry, size int) (*LRU, error) {
	cache, err := lru.New[string, *models.File](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata LRU: %w", err)
	}
	return &LRU{next: next, cache: cache}, nil
}

// Resolve implements Registry.
func (l *LRU) Resolve(ctx context.Context, id string) (*models.File, error) {
	if file, ok := l.cache.Get(id); ok {
		return clone(file), nil
	}
	file, err := l.next.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	l.cache.Add(id, clone(file))
	return file, nil
}

// ResolveMany implements Registry.
func (l *LRU) ResolveMany(ctx context.Context, ids []string) (map[string]*models.File, error) {
	found := make(map[string]*models.File, len(ids))
	var misses []string
	for _, id := range ids {
		if file, ok := l.cache.Get(id); ok {
			found[id] = clone(file)
		} else {
			misses = append(misses, id)
		}
	}
	if len(misses) == 0 {
		return found, nil
	}
	fetched, err := l.next.ResolveMany(ctx, misses)
	if err != nil {
		return nil, err
	}
	for id, file := range fetched {
		l.cache.Add(id, clone(file))
		found[id] = file
	}
	return found, nil
}
