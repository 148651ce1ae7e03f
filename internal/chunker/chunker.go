package chunker

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/maneesh/runartifacts/internal/models"
	"github.com/zeebo/blake3"
)

// Chunker splits byte streams into fixed-size chunk records
type Chunker struct {
	chunkSize int64
}

// NewChunker creates a new chunker with the specified chunk size
func NewChunker(chunkSize int64) *Chunker {
	return &Chunker{
		chunkSize: chunkSize,
	}
}

// ChunkSize returns the nominal chunk size
func (c *Chunker) ChunkSize() int64 {
	return c.chunkSize
}

// Splitter yields the chunks of one stream, one at a time
type Splitter struct {
	fileID    string
	reader    io.Reader
	chunkSize int64
	next      int
	total     int64
	done      bool
}

// Split starts splitting reader into chunks owned by fileID
func (c *Chunker) Split(fileID string, reader io.Reader) *Splitter {
	return &Splitter{
		fileID:    fileID,
		reader:    reader,
		chunkSize: c.chunkSize,
	}
}

// Next returns the next chunk, or io.EOF once the reader is exhausted.
// Every chunk except the last is exactly chunkSize bytes.
func (s *Splitter) Next() (*models.Chunk, error) {
	if s.done {
		return nil, io.EOF
	}

	buffer := make([]byte, s.chunkSize)
	n, err := io.ReadFull(s.reader, buffer)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		s.done = true
	} else if err != nil {
		return nil, fmt.Errorf("error reading chunk: %w", err)
	}
	if n == 0 {
		return nil, io.EOF
	}

	data := buffer[:n]
	chunk := &models.Chunk{
		ID:        uuid.New().String(),
		FileID:    s.fileID,
		Sequence:  s.next,
		Hash:      ComputeHash(data),
		ObjectKey: ObjectKey(s.fileID, s.next),
		Payload:   data,
	}
	s.next++
	s.total += int64(n)
	return chunk, nil
}

// Total returns the number of bytes consumed so far
func (s *Splitter) Total() int64 {
	return s.total
}

// ObjectKey returns the object storage key of chunk n of a file
func ObjectKey(fileID string, n int) string {
	return fmt.Sprintf("chunks/%s/%d", fileID, n)
}

// ComputeHash computes the hex BLAKE3 digest of data
func ComputeHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChunkHash verifies that chunk data matches the expected hash
func VerifyChunkHash(data []byte, expectedHash string) bool {
	return ComputeHash(data) == expectedHash
}
