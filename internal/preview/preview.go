// Package preview fetches small text files for inline display.
//
// A preview is gated on metadata alone: files over the size limit or with a
// non-previewable extension are never fetched. A fetched file is accumulated
// in full and decoded as UTF-8 exactly once, after the stream has ended, so
// a multi-byte character split across reads is never mangled.
package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/maneesh/runartifacts/internal/metrics"
	"github.com/maneesh/runartifacts/internal/models"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	// ErrReadFailed is wrapped by every failure after fetching has begun.
	ErrReadFailed = errors.New("preview read failed")
	// ErrExceedsLimit means the stream delivered more bytes than the limit.
	ErrExceedsLimit = errors.New("preview stream exceeds size limit")
)

// ReadFailedError is returned when a preview stream fails. Bytes already
// accumulated are discarded; BytesRead says how far it got.
type ReadFailedError struct {
	FileID    string
	BytesRead int64
	Err       error
}

func (e *ReadFailedError) Error() string {
	return fmt.Sprintf("preview of file %s failed after %s: %v",
		e.FileID, humanize.IBytes(uint64(e.BytesRead)), e.Err)
}

func (e *ReadFailedError) Unwrap() []error {
	return []error{ErrReadFailed, e.Err}
}

// State is a step of a preview.
type State int

const (
	StateIdle State = iota
	StateGating
	StateSkipped
	StateFetching
	StateAccumulating
	StateDecoding
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGating:
		return "gating"
	case StateSkipped:
		return "skipped"
	case StateFetching:
		return "fetching"
	case StateAccumulating:
		return "accumulating"
	case StateDecoding:
		return "decoding"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Source provides file metadata and reconstructed file bytes.
type Source interface {
	Stat(ctx context.Context, fileID string) (*models.File, error)
	Open(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// Result is the outcome of a preview that did not fail.
type Result struct {
	File *models.File
	// Skipped is NotSkipped when Text holds the decoded file.
	Skipped SkipReason
	// Detail describes the skip reason for display.
	Detail string
	Text   string
}

// IsSkipped reports whether the file was gated out.
func (r *Result) IsSkipped() bool {
	return r.Skipped != NotSkipped
}

const defaultReadSize = 32 * 1024

// Streamer runs previews against a Source.
type Streamer struct {
	source   Source
	logger   *zap.Logger
	readSize int
	onState  func(fileID string, s State)
}

// Option configures a Streamer.
type Option func(*Streamer)

// WithStateHook calls fn on every state transition.
func WithStateHook(fn func(fileID string, s State)) Option {
	return func(s *Streamer) {
		s.onState = fn
	}
}

// WithReadSize sets the size of each read from the source.
func WithReadSize(n int) Option {
	return func(s *Streamer) {
		if n > 0 {
			s.readSize = n
		}
	}
}

// NewStreamer creates a Streamer.
func NewStreamer(source Source, logger *zap.Logger, opts ...Option) *Streamer {
	s := &Streamer{
		source:   source,
		logger:   logger,
		readSize: defaultReadSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PreviewID looks up fileID's metadata and previews it.
func (s *Streamer) PreviewID(ctx context.Context, fileID string, sizeLimit int64) (*Result, error) {
	file, err := s.source.Stat(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return s.Preview(ctx, file, sizeLimit)
}

// Preview gates file against sizeLimit and, if it passes, fetches and
// decodes it. A gated file is reported through Result.Skipped and is never
// opened. Failures after the fetch has started return a *ReadFailedError.
func (s *Streamer) Preview(ctx context.Context, file *models.File, sizeLimit int64) (*Result, error) {
	run := &previewRun{streamer: s, file: file}
	run.transition(StateIdle)

	run.transition(StateGating)
	if reason, detail := Gate(file, sizeLimit); reason != NotSkipped {
		run.transition(StateSkipped)
		metrics.PreviewOutcomes.WithLabelValues("skipped_" + reason.String()).Inc()
		s.logger.Debug("preview skipped",
			zap.String("file_id", file.ID), zap.Stringer("reason", reason), zap.String("detail", detail))
		return &Result{File: file, Skipped: reason, Detail: detail}, nil
	}

	run.transition(StateFetching)
	rc, err := s.source.Open(ctx, file.ID)
	if err != nil {
		return nil, run.fail(err)
	}
	defer rc.Close()

	run.transition(StateAccumulating)
	data, err := run.accumulate(ctx, rc, sizeLimit)
	if err != nil {
		return nil, run.fail(err)
	}

	run.transition(StateDecoding)
	text, err := DecodeText(data)
	if err != nil {
		return nil, run.fail(err)
	}

	run.transition(StateDone)
	metrics.PreviewOutcomes.WithLabelValues("ok").Inc()
	metrics.BytesStreamed.WithLabelValues(metrics.KindPreview).Add(float64(len(data)))
	return &Result{File: file, Text: text}, nil
}

type previewRun struct {
	streamer *Streamer
	file     *models.File
	read     int64
}

func (r *previewRun) transition(state State) {
	if r.streamer.onState != nil {
		r.streamer.onState(r.file.ID, state)
	}
}

func (r *previewRun) fail(err error) error {
	r.transition(StateFailed)
	metrics.PreviewOutcomes.WithLabelValues("failed").Inc()
	r.streamer.logger.Warn("preview failed",
		zap.String("file_id", r.file.ID), zap.Int64("bytes_read", r.read), zap.Error(err))
	return &ReadFailedError{FileID: r.file.ID, BytesRead: r.read, Err: err}
}

// accumulate reads rc to the end. The buffer grows geometrically, so the
// total copy cost stays linear in the file size.
func (r *previewRun) accumulate(ctx context.Context, rc io.Reader, sizeLimit int64) ([]byte, error) {
	var buf bytes.Buffer
	if r.file.Length > 0 {
		buf.Grow(int(r.file.Length))
	}
	chunk := make([]byte, r.streamer.readSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := rc.Read(chunk)
		if n > 0 {
			r.read += int64(n)
			if r.read > sizeLimit {
				return nil, ErrExceedsLimit
			}
			buf.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// DecodeText decodes data as UTF-8. A leading byte order mark is stripped
// and invalid sequences become U+FFFD.
func DecodeText(data []byte) (string, error) {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(dec, data)
	if err != nil {
		return "", fmt.Errorf("failed to decode preview text: %w", err)
	}
	return string(out), nil
}
