// Package reassembly reconstructs stored files from their chunks.
//
// A Stream pulls one chunk from the chunk store only when its reader has
// consumed the previous one, so the pace of store reads follows the pace of
// the consumer and a canceled context stops the reads at the next chunk
// boundary.
package reassembly

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/maneesh/runartifacts/internal/chunker"
	"github.com/maneesh/runartifacts/internal/chunkstore"
	"github.com/maneesh/runartifacts/internal/metrics"
	"github.com/maneesh/runartifacts/internal/models"
	"github.com/maneesh/runartifacts/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("runartifacts-reassembly")

// ErrClosed is returned by reads on a closed Stream.
var ErrClosed = errors.New("reassembly stream closed")

// Reassembler opens reconstruction streams.
type Reassembler struct {
	registry registry.Registry
	chunks   *chunkstore.Store
	logger   *zap.Logger
}

// New creates a Reassembler.
func New(reg registry.Registry, chunks *chunkstore.Store, logger *zap.Logger) *Reassembler {
	return &Reassembler{
		registry: reg,
		chunks:   chunks,
		logger:   logger,
	}
}

// Open resolves fileID and returns a stream over its reconstructed bytes.
// The returned error wraps models.ErrNotFound if the file has no metadata
// record. Each call re-reads the chunk store from the start.
func (r *Reassembler) Open(ctx context.Context, fileID string) (*Stream, error) {
	file, err := r.registry.Resolve(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return r.OpenFile(ctx, file)
}

// OpenFile returns a stream over an already resolved file.
func (r *Reassembler) OpenFile(ctx context.Context, file *models.File) (*Stream, error) {
	if file.Length < 0 || (file.Length > 0 && file.ChunkSize <= 0) {
		return nil, fmt.Errorf("file %s: invalid metadata (length %d, chunk size %d): %w",
			file.ID, file.Length, file.ChunkSize, models.ErrCorruptChunkSequence)
	}

	ctx, span := tracer.Start(ctx, "reassemble",
		trace.WithAttributes(
			attribute.String("file_id", file.ID),
			attribute.Int64("file_length", file.Length),
			attribute.Int64("chunk_size", file.ChunkSize),
		),
	)
	return &Stream{
		ctx:    ctx,
		span:   span,
		file:   file,
		cursor: r.chunks.ChunksFor(file),
		logger: r.logger.With(zap.String("file_id", file.ID)),
	}, nil
}

// Stream is a single-pass reader over one file's reconstructed bytes. It is
// not safe for concurrent use.
//
// A Stream that returns an error other than io.EOF has delivered bytes that
// must not be trusted as the complete file.
type Stream struct {
	ctx    context.Context
	span   trace.Span
	file   *models.File
	cursor *chunkstore.Cursor
	logger *zap.Logger

	next     int
	buf      []byte
	consumed int64
	emitted  int64
	chunks   int
	err      error
	ended    bool
}

// File returns the metadata record the stream reconstructs.
func (s *Stream) File() *models.File {
	return s.file
}

// BytesEmitted returns how many bytes have been handed to the consumer.
func (s *Stream) BytesEmitted() int64 {
	return s.emitted
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(s.buf) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		s.err = s.advance()
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	s.emitted += int64(n)
	return n, nil
}

// WriteTo implements io.WriterTo, writing each chunk payload to w without
// an intermediate copy.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for {
		if len(s.buf) > 0 {
			n, err := w.Write(s.buf)
			total += int64(n)
			s.emitted += int64(n)
			s.buf = s.buf[n:]
			if err != nil {
				return total, err
			}
			continue
		}
		if s.err != nil {
			if s.err == io.EOF {
				return total, nil
			}
			return total, s.err
		}
		s.err = s.advance()
	}
}

// Close stops the stream. No chunk is read after Close returns.
func (s *Stream) Close() error {
	s.buf = nil
	if s.err == nil {
		s.err = ErrClosed
		s.end(ErrClosed)
	}
	return nil
}

// advance loads the next chunk into buf, or returns the terminal error of
// the stream (io.EOF on success).
func (s *Stream) advance() error {
	chunk, err := s.cursor.Next(s.ctx)
	if errors.Is(err, io.EOF) {
		if s.consumed != s.file.Length {
			err = &models.LengthMismatchError{
				FileID:   s.file.ID,
				Declared: s.file.Length,
				Actual:   s.consumed,
			}
			s.end(err)
			return err
		}
		s.end(nil)
		return io.EOF
	}
	if err != nil {
		s.end(err)
		return err
	}

	if chunk.Sequence != s.next {
		err := &models.CorruptSequenceError{
			FileID:   s.file.ID,
			Expected: s.next,
			Got:      chunk.Sequence,
			Reason:   "store returned a chunk out of order",
		}
		s.end(err)
		return err
	}
	if chunk.Hash != "" && !chunker.VerifyChunkHash(chunk.Payload, chunk.Hash) {
		err := fmt.Errorf("file %s chunk %d: %w", s.file.ID, chunk.Sequence, models.ErrChecksumMismatch)
		s.end(err)
		return err
	}

	s.next++
	s.chunks++
	s.consumed += int64(len(chunk.Payload))
	s.buf = chunk.Payload
	metrics.ChunksRead.Inc()
	return nil
}

func (s *Stream) end(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.span.SetAttributes(
		attribute.Int("chunks_read", s.chunks),
		attribute.Int64("bytes_read", s.consumed),
	)
	switch {
	case errors.Is(err, ErrClosed):
		s.logger.Debug("reconstruction closed by consumer", zap.Int64("bytes", s.emitted))
	case err != nil:
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
		metrics.ReconstructionFailures.WithLabelValues(metrics.FailureReason(err)).Inc()
		if errors.Is(err, context.Canceled) {
			s.logger.Debug("reconstruction canceled", zap.Int64("bytes", s.consumed))
		} else {
			s.logger.Error("reconstruction failed", zap.Int("chunks", s.chunks), zap.Int64("bytes", s.consumed), zap.Error(err))
		}
	default:
		s.logger.Debug("reconstruction finished", zap.Int("chunks", s.chunks), zap.Int64("bytes", s.consumed))
	}
	s.span.End()
}
