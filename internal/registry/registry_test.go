package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/maneesh/runartifacts/internal/models"
	"github.com/maneesh/runartifacts/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mapCache struct {
	mu      sync.Mutex
	entries map[string]*models.File
	getErr  error
	setErr  error
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]*models.File)}
}

func (c *mapCache) GetFileMetadata(ctx context.Context, fileID string) (*models.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.entries[fileID], nil
}

func (c *mapCache) SetFileMetadata(ctx context.Context, fileID string, file *models.File) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.entries[fileID] = file
	return nil
}

func TestCachedReadThrough(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.AddFile("a", "a.txt", []byte("hello"), 4)
	cache := newMapCache()
	reg := NewCached(mem, cache, zap.NewNop())
	ctx := context.Background()

	file, err := reg.Resolve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", file.Filename)
	assert.Equal(t, int64(1), mem.Resolves())

	_, err = reg.Resolve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), mem.Resolves(), "second lookup should be served from cache")
}

func TestCachedNotFound(t *testing.T) {
	reg := NewCached(testutil.NewMemStore(), newMapCache(), zap.NewNop())
	_, err := reg.Resolve(context.Background(), "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestCachedFailuresAreNotFatal(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.AddFile("a", "a.txt", []byte("hello"), 4)
	cache := newMapCache()
	cache.getErr = errors.New("redis down")
	cache.setErr = errors.New("redis down")
	reg := NewCached(mem, cache, zap.NewNop())

	file, err := reg.Resolve(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), file.Length)
}

func TestCachedResolveMany(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.AddFile("a", "a.txt", []byte("hello"), 4)
	mem.AddFile("b", "b.txt", []byte("world"), 4)
	cache := newMapCache()
	reg := NewCached(mem, cache, zap.NewNop())
	ctx := context.Background()

	_, err := reg.Resolve(ctx, "a")
	require.NoError(t, err)

	found, err := reg.ResolveMany(ctx, []string{"a", "b", "zzz"})
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Contains(t, found, "b")
	assert.NotContains(t, found, "zzz")
	assert.Contains(t, cache.entries, "b")
}

type batchCache struct {
	*mapCache
	batches int
	err     error
}

func (c *batchCache) GetManyFileMetadata(ctx context.Context, fileIDs []string) (map[string]*models.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches++
	if c.err != nil {
		return nil, c.err
	}
	found := make(map[string]*models.File)
	for _, id := range fileIDs {
		if f, ok := c.entries[id]; ok {
			found[id] = f
		}
	}
	return found, nil
}

func TestCachedResolveManyBatch(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.AddFile("a", "a.txt", []byte("hello"), 4)
	mem.AddFile("b", "b.txt", []byte("world"), 4)
	cache := &batchCache{mapCache: newMapCache()}
	reg := NewCached(mem, cache, zap.NewNop())
	ctx := context.Background()

	found, err := reg.ResolveMany(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Equal(t, 1, cache.batches)
	resolves := mem.Resolves()

	found, err = reg.ResolveMany(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Equal(t, 2, cache.batches)
	assert.Equal(t, resolves, mem.Resolves(), "second batch is served from the cache")

	cache.err = errors.New("redis down")
	found, err = reg.ResolveMany(ctx, []string{"a", "zzz"})
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestLRU(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.AddFile("a", "a.txt", []byte("hello"), 4)
	mem.AddFile("b", "b.txt", []byte("world"), 4)
	reg, err := NewLRU(mem, 8)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := reg.Resolve(ctx, "a")
	require.NoError(t, err)
	first.Filename = "mutated"

	second, err := reg.Resolve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", second.Filename, "cached record must not alias caller copies")
	assert.Equal(t, int64(1), mem.Resolves())

	found, err := reg.ResolveMany(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Equal(t, int64(2), mem.Resolves())

	_, err = reg.Resolve(ctx, "nope")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestLRUInvalidSize(t *testing.T) {
	_, err := NewLRU(testutil.NewMemStore(), 0)
	require.Error(t, err)
}
