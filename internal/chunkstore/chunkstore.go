// Package chunkstore reads the chunk records of stored files in sequence
// order.
//
// Backends are only asked for one sequence number at a time, so whatever
// order a backend would naturally iterate its records in never reaches the
// caller, and at most one chunk payload is resident per cursor.
package chunkstore

import (
	"context"
	"fmt"
	"io"

	"github.com/maneesh/runartifacts/internal/models"
)

// Backend is the storage contract a chunk collection must satisfy.
type Backend interface {
	// Lookup returns every chunk record of fileID stored at sequence n,
	// with payloads. More than one record means the store holds a
	// duplicate.
	Lookup(ctx context.Context, fileID string, n int) ([]models.Chunk, error)

	// Exists reports whether any chunk record references fileID.
	Exists(ctx context.Context, fileID string) (bool, error)
}

// Store hands out chunk cursors over a Backend.
type Store struct {
	backend Backend
}

// New creates a Store on top of backend.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// ChunksFor returns a cursor over the chunks of file in ascending sequence
// order. The cursor is lazy; nothing is read until Next is called.
func (s *Store) ChunksFor(file *models.File) *Cursor {
	return &Cursor{
		backend:  s.backend,
		fileID:   file.ID,
		expected: file.ChunkCount(),
	}
}

// Cursor walks a file's chunks from sequence 0 upwards. It is finite and
// can be restarted with Reset.
type Cursor struct {
	backend  Backend
	fileID   string
	expected int

	next int
	err  error
}

// Next returns the next chunk. It returns io.EOF after the last chunk the
// file's declared length accounts for, once it has confirmed that no chunk
// exists beyond it.
func (c *Cursor) Next(ctx context.Context) (*models.Chunk, error) {
	if c.err != nil {
		return nil, c.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := c.next
	chunks, err := c.backend.Lookup(ctx, c.fileID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to look up chunk %d of file %s: %w", n, c.fileID, err)
	}

	if n == c.expected {
		if len(chunks) > 0 {
			return nil, c.fail(n, chunks[0].Sequence, "more chunks than the declared length allows")
		}
		c.err = io.EOF
		return nil, io.EOF
	}

	switch len(chunks) {
	case 0:
		if n == 0 {
			exists, err := c.backend.Exists(ctx, c.fileID)
			if err != nil {
				return nil, fmt.Errorf("failed to check chunks of file %s: %w", c.fileID, err)
			}
			if !exists {
				c.err = fmt.Errorf("no chunks for file %s: %w", c.fileID, models.ErrNotFound)
				return nil, c.err
			}
		}
		return nil, c.fail(n, -1, "missing chunk")
	case 1:
	default:
		return nil, c.fail(n, chunks[1].Sequence, fmt.Sprintf("%d records share this sequence", len(chunks)))
	}

	c.next++
	return &chunks[0], nil
}

// Reset rewinds the cursor to sequence 0.
func (c *Cursor) Reset() {
	c.next = 0
	c.err = nil
}

// Expected returns the number of chunks the file's declared length implies.
func (c *Cursor) Expected() int {
	return c.expected
}

func (c *Cursor) fail(expected, got int, reason string) error {
	c.err = &models.CorruptSequenceError{
		FileID:   c.fileID,
		Expected: expected,
		Got:      got,
		Reason:   reason,
	}
	return c.err
}
