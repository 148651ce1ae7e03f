package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/maneesh/runartifacts/internal/chunker"
	"github.com/maneesh/runartifacts/internal/models"
	bolt "go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	filesBucket  = []byte("fs.files")
	chunksBucket = []byte("fs.chunks")
	runsBucket   = []byte("runs")
)

// Times keep their sub-second precision and zone offset.
var encMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

// BoltStore is an embedded file and chunk store. Chunk records are keyed
// by file id, big-endian sequence and chunk id, so every record of one
// sequence shares a key prefix.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{filesBucket, chunksBucket, runsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (bs *BoltStore) Close() error {
	return bs.db.Close()
}

func filePrefix(fileID string) []byte {
	return append([]byte(fileID), 0)
}

func sequencePrefix(fileID string, n int) []byte {
	key := filePrefix(fileID)
	key = binary.BigEndian.AppendUint64(key, uint64(n))
	return append(key, 0)
}

func chunkKey(c *models.Chunk) []byte {
	return append(sequencePrefix(c.FileID, c.Sequence), c.ID...)
}

func runKey(runID string, kind models.RunFileKind) []byte {
	return []byte(runID + "/" + string(kind))
}

// Resolve implements registry.Registry.
func (bs *BoltStore) Resolve(ctx context.Context, fileID string) (*models.File, error) {
	_, span := tracer.Start(ctx, "bolt.get_file",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	var file *models.File
	err := bs.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(filesBucket).Get([]byte(fileID))
		if data == nil {
			return nil
		}
		file = new(models.File)
		return cbor.Unmarshal(data, file)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read file %s: %w", fileID, err)
	}
	if file == nil {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, fmt.Errorf("file %s: %w", fileID, models.ErrNotFound)
	}
	span.SetAttributes(attribute.Bool("found", true))
	return file, nil
}

// ResolveMany implements registry.Registry.
func (bs *BoltStore) ResolveMany(ctx context.Context, ids []string) (map[string]*models.File, error) {
	_, span := tracer.Start(ctx, "bolt.get_files",
		trace.WithAttributes(attribute.Int("requested", len(ids))),
	)
	defer span.End()

	found := make(map[string]*models.File, len(ids))
	err := bs.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket)
		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var file models.File
			if err := cbor.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("file %s: %w", id, err)
			}
			found[id] = &file
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read files: %w", err)
	}
	span.SetAttributes(attribute.Int("found", len(found)))
	return found, nil
}

// Lookup implements chunkstore.Backend.
func (bs *BoltStore) Lookup(ctx context.Context, fileID string, n int) ([]models.Chunk, error) {
	_, span := tracer.Start(ctx, "bolt.get_chunk",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.Int("n", n),
		),
	)
	defer span.End()

	prefix := sequencePrefix(fileID, n)
	var chunks []models.Chunk
	err := bs.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(chunksBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var chunk models.Chunk
			if err := cbor.Unmarshal(v, &chunk); err != nil {
				return fmt.Errorf("chunk %q: %w", k, err)
			}
			chunks = append(chunks, chunk)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read chunk %d of file %s: %w", n, fileID, err)
	}
	span.SetAttributes(attribute.Int("records", len(chunks)))
	return chunks, nil
}

// Exists implements chunkstore.Backend.
func (bs *BoltStore) Exists(ctx context.Context, fileID string) (bool, error) {
	prefix := filePrefix(fileID)
	var exists bool
	err := bs.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(chunksBucket).Cursor().Seek(prefix)
		exists = k != nil && bytes.HasPrefix(k, prefix)
		return nil
	})
	return exists, err
}

// RunFiles implements registry.RunResolver. An unknown run has no files.
func (bs *BoltStore) RunFiles(ctx context.Context, runID string, kind models.RunFileKind) ([]string, error) {
	var ids []string
	err := bs.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(runsBucket).Get(runKey(runID, kind))
		if data == nil {
			return nil
		}
		return cbor.Unmarshal(data, &ids)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s/%s: %w", runID, kind, err)
	}
	return ids, nil
}

// PutFile writes a metadata record.
func (bs *BoltStore) PutFile(file *models.File) error {
	data, err := encMode.Marshal(file)
	if err != nil {
		return err
	}
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).Put([]byte(file.ID), data)
	})
}

// PutChunk writes a chunk record.
func (bs *BoltStore) PutChunk(chunk *models.Chunk) error {
	data, err := encMode.Marshal(chunk)
	if err != nil {
		return err
	}
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(chunksBucket).Put(chunkKey(chunk), data)
	})
}

// DeleteChunks removes every chunk record of fileID at sequence n.
func (bs *BoltStore) DeleteChunks(fileID string, n int) error {
	prefix := sequencePrefix(fileID, n)
	return bs.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(chunksBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetRun records the ordered file ids of a run grouping.
func (bs *BoltStore) SetRun(runID string, kind models.RunFileKind, ids []string) error {
	data, err := encMode.Marshal(ids)
	if err != nil {
		return err
	}
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Put(runKey(runID, kind), data)
	})
}

// Import splits r into chunks and stores them together with the file's
// metadata record in one transaction.
func (bs *BoltStore) Import(ctx context.Context, fileID, filename string, r io.Reader, ch *chunker.Chunker) (*models.File, error) {
	_, span := tracer.Start(ctx, "bolt.import",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.String("file_name", filename),
		),
	)
	defer span.End()

	file := &models.File{
		ID:         fileID,
		Filename:   filename,
		ChunkSize:  ch.ChunkSize(),
		UploadDate: time.Now().UTC().Truncate(time.Millisecond),
	}

	err := bs.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(filesBucket).Get([]byte(fileID)) != nil {
			return fmt.Errorf("file %s already exists", fileID)
		}
		chunks := tx.Bucket(chunksBucket)
		s := ch.Split(fileID, r)
		for {
			chunk, err := s.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			data, err := encMode.Marshal(chunk)
			if err != nil {
				return err
			}
			if err := chunks.Put(chunkKey(chunk), data); err != nil {
				return err
			}
			file.Length += int64(len(chunk.Payload))
		}

		data, err := encMode.Marshal(file)
		if err != nil {
			return err
		}
		return tx.Bucket(filesBucket).Put([]byte(fileID), data)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to import %s: %w", filename, err)
	}

	span.SetAttributes(attribute.Int64("file_size", file.Length))
	return file, nil
}
