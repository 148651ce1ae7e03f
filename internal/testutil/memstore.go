// Package testutil provides an in-memory file and chunk store for tests.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maneesh/runartifacts/internal/chunker"
	"github.com/maneesh/runartifacts/internal/models"
)

// MemStore holds files, chunks and run groupings in memory. Chunks are kept
// in a single slice in shuffled order, so anything relying on insertion or
// iteration order will break against it.
type MemStore struct {
	mu     sync.Mutex
	files  map[string]*models.File
	chunks []models.Chunk
	runs   map[string][]string
	rng    *rand.Rand

	lookups  atomic.Int64
	resolves atomic.Int64

	// LookupErr, when set, is returned by every chunk lookup.
	LookupErr error
}

// NewMemStore returns an empty store with a fixed shuffle seed.
func NewMemStore() *MemStore {
	return &MemStore{
		files: make(map[string]*models.File),
		runs:  make(map[string][]string),
		rng:   rand.New(rand.NewSource(1)),
	}
}

// AddFile splits data into chunks of chunkSize and stores the file and its
// chunks.
func (m *MemStore) AddFile(id, filename string, data []byte, chunkSize int64) *models.File {
	file := &models.File{
		ID:         id,
		Filename:   filename,
		Length:     int64(len(data)),
		ChunkSize:  chunkSize,
		UploadDate: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	m.PutFile(file)

	s := chunker.NewChunker(chunkSize).Split(id, bytes.NewReader(data))
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			panic(fmt.Sprintf("splitting in-memory data: %v", err))
		}
		m.PutChunk(*chunk)
	}
	return file
}

// PutFile stores a metadata record as is.
func (m *MemStore) PutFile(file *models.File) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := *file
	m.files[file.ID] = &f
}

// PutChunk inserts a chunk record at a random position.
func (m *MemStore) PutChunk(chunk models.Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append(m.chunks, chunk)
	i := m.rng.Intn(len(m.chunks))
	last := len(m.chunks) - 1
	m.chunks[i], m.chunks[last] = m.chunks[last], m.chunks[i]
}

// RemoveChunk deletes every chunk of fileID at sequence n.
func (m *MemStore) RemoveChunk(fileID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.chunks[:0]
	for _, c := range m.chunks {
		if c.FileID == fileID && c.Sequence == n {
			continue
		}
		kept = append(kept, c)
	}
	m.chunks = kept
}

// SetRun records the ordered file ids of a run grouping.
func (m *MemStore) SetRun(runID string, kind models.RunFileKind, ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runKey(runID, kind)] = ids
}

// ChunkLookups returns how many chunk lookups have been served.
func (m *MemStore) ChunkLookups() int64 {
	return m.lookups.Load()
}

// Resolves returns how many metadata lookups have been served.
func (m *MemStore) Resolves() int64 {
	return m.resolves.Load()
}

// Resolve implements registry.Registry.
func (m *MemStore) Resolve(ctx context.Context, id string) (*models.File, error) {
	m.resolves.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", id, models.ErrNotFound)
	}
	f := *file
	return &f, nil
}

// ResolveMany implements registry.Registry.
func (m *MemStore) ResolveMany(ctx context.Context, ids []string) (map[string]*models.File, error) {
	m.resolves.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	found := make(map[string]*models.File)
	for _, id := range ids {
		if file, ok := m.files[id]; ok {
			f := *file
			found[id] = &f
		}
	}
	return found, nil
}

// Lookup implements chunkstore.Backend by scanning every chunk.
func (m *MemStore) Lookup(ctx context.Context, fileID string, n int) ([]models.Chunk, error) {
	m.lookups.Add(1)
	if m.LookupErr != nil {
		return nil, m.LookupErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Chunk
	for _, c := range m.chunks {
		if c.FileID == fileID && c.Sequence == n {
			out = append(out, c)
		}
	}
	return out, nil
}

// Exists implements chunkstore.Backend.
func (m *MemStore) Exists(ctx context.Context, fileID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chunks {
		if c.FileID == fileID {
			return true, nil
		}
	}
	return false, nil
}

// RunFiles implements registry.RunResolver.
func (m *MemStore) RunFiles(ctx context.Context, runID string, kind models.RunFileKind) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.runs[runKey(runID, kind)]
	return append([]string(nil), ids...), nil
}

func runKey(runID string, kind models.RunFileKind) string {
	return runID + "/" + string(kind)
}
