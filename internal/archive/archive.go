// Package archive bundles reconstructed files into a ZIP stream.
package archive

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/maneesh/runartifacts/internal/metrics"
	"github.com/maneesh/runartifacts/internal/models"
	"github.com/maneesh/runartifacts/internal/reassembly"
	"github.com/maneesh/runartifacts/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("runartifacts-archive")

// Builder produces archives of stored files.
type Builder struct {
	registry    registry.Registry
	reassembler *reassembly.Reassembler
	logger      *zap.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(reg registry.Registry, reassembler *reassembly.Reassembler, logger *zap.Logger) *Builder {
	return &Builder{
		registry:    reg,
		reassembler: reassembler,
		logger:      logger,
	}
}

// Warning records a requested file that was left out of an archive.
type Warning struct {
	FileID string
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.FileID, w.Reason)
}

// Plan is the resolved content of one archive: the files that will become
// entries, in request order, and the ids that were skipped.
type Plan struct {
	Files    []*models.File
	Warnings []Warning

	builder *Builder
}

// Plan resolves ids against the registry. Ids without a metadata record are
// skipped with a warning. If nothing is left to archive the error wraps
// models.ErrNoFilesAvailable and no archive should be produced.
func (b *Builder) Plan(ctx context.Context, ids []string) (*Plan, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("empty file list: %w", models.ErrNoFilesAvailable)
	}

	found, err := b.registry.ResolveMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve archive files: %w", err)
	}

	plan := &Plan{builder: b}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			plan.skip(id, "requested more than once")
			continue
		}
		seen[id] = true
		file, ok := found[id]
		if !ok {
			plan.skip(id, "no file metadata record")
			continue
		}
		plan.Files = append(plan.Files, file)
	}

	if len(plan.Files) == 0 {
		return nil, fmt.Errorf("none of %d requested files exist: %w", len(ids), models.ErrNoFilesAvailable)
	}
	return plan, nil
}

func (p *Plan) skip(id, reason string) {
	p.Warnings = append(p.Warnings, Warning{FileID: id, Reason: reason})
	p.builder.logger.Warn("skipping archive entry", zap.String("file_id", id), zap.String("reason", reason))
	metrics.ArchiveEntries.WithLabelValues("skipped").Inc()
}

// Write reconstructs every planned file into w as one ZIP entry each. An
// entry is flushed to w as soon as its file has been reconstructed. A
// reconstruction failure aborts the archive; whatever was already written
// to w is not a valid archive.
func (p *Plan) Write(ctx context.Context, w io.Writer) (retErr error) {
	ctx, span := tracer.Start(ctx, "archive.write",
		trace.WithAttributes(attribute.Int("entry_count", len(p.Files))),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
		}
		span.End()
	}()

	zw := zip.NewWriter(w)
	names := newNameSet()
	for _, file := range p.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := names.claim(EntryName(file))
		if err := p.writeEntry(ctx, zw, file, name); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	return nil
}

func (p *Plan) writeEntry(ctx context.Context, zw *zip.Writer, file *models.File, name string) error {
	stream, err := p.builder.reassembler.OpenFile(ctx, file)
	if err != nil {
		return fmt.Errorf("archive entry %s: %w", name, err)
	}
	defer stream.Close()

	fw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: file.UploadDate,
	})
	if err != nil {
		return fmt.Errorf("failed to create archive entry %s: %w", name, err)
	}
	n, err := io.Copy(fw, stream)
	if err != nil {
		return fmt.Errorf("archive entry %s: %w", name, err)
	}
	if err := zw.Flush(); err != nil {
		return fmt.Errorf("failed to flush archive entry %s: %w", name, err)
	}

	metrics.ArchiveEntries.WithLabelValues("written").Inc()
	p.builder.logger.Debug("archive entry written",
		zap.String("file_id", file.ID), zap.String("entry", name), zap.Int64("bytes", n))
	return nil
}

// Build plans an archive over ids and returns it as a lazy stream. Bytes
// are only produced as the returned reader is read; closing the reader
// early stops the reconstruction.
func (b *Builder) Build(ctx context.Context, ids []string) (io.ReadCloser, *Plan, error) {
	plan, err := b.Plan(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	go func() {
		defer cancel()
		pw.CloseWithError(plan.Write(ctx, pw))
	}()
	return &pipeReader{PipeReader: pr, cancel: cancel}, plan, nil
}

type pipeReader struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (r *pipeReader) Close() error {
	r.cancel()
	return r.PipeReader.Close()
}

// Name returns the download name of a run's archive.
func Name(runID string, kind models.RunFileKind) string {
	return fmt.Sprintf("%s-%s.zip", kind, runID)
}

// EntryName turns a stored filename into a relative archive path.
func EntryName(file *models.File) string {
	name := strings.ReplaceAll(file.Filename, `\`, "/")
	if len(name) >= 2 && name[1] == ':' {
		name = name[2:]
	}
	name = path.Clean("/" + name)
	name = strings.TrimPrefix(name, "/")
	if name == "" || name == "." {
		return file.ID
	}
	return name
}

type nameSet map[string]int

func newNameSet() nameSet {
	return make(nameSet)
}

// claim returns name, or name with a numeric suffix if it is already taken.
func (s nameSet) claim(name string) string {
	n := s[name]
	s[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	candidate := fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n+1, ext)
	return s.claim(candidate)
}
