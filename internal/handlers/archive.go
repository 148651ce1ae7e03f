package handlers

import (
	"bufio"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/gorilla/mux"
	"github.com/maneesh/runartifacts/internal/archive"
	"github.com/maneesh/runartifacts/internal/metrics"
	"github.com/maneesh/runartifacts/internal/models"
	"github.com/maneesh/runartifacts/internal/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ArchiveHandler streams a run's files as one ZIP download.
type ArchiveHandler struct {
	runs    registry.RunResolver
	builder *archive.Builder
	logger  *zap.Logger
}

// NewArchiveHandler creates a new archive handler
func NewArchiveHandler(runs registry.RunResolver, builder *archive.Builder, logger *zap.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		runs:    runs,
		builder: builder,
		logger:  logger,
	}
}

// writeFlusher flushes the response after every write. It backs a
// bufio.Writer so the response goes out in reasonably sized chunks.
type writeFlusher struct {
	io.Writer
	http.Flusher
	written int64
}

func (w *writeFlusher) Write(p []byte) (int, error) {
	n, err := w.Writer.Write(p)
	w.written += int64(n)
	if err != nil {
		return n, err
	}
	w.Flush()
	return n, nil
}

type noopFlusher struct{}

func (noopFlusher) Flush() {}

// ServeHTTP handles GET /api/v1/files/downloadAll/{run_id}/{type}
func (ah *ArchiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	runID := vars["run_id"]
	kind, ok := models.ParseRunFileKind(vars["type"])
	if !ok {
		badRequest(w, "type must be source_files or artifacts")
		return
	}

	ctx, span := tracer.Start(r.Context(), "download_archive",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("kind", string(kind)),
		),
	)
	defer span.End()
	logger := ah.logger.With(zap.String("run_id", runID), zap.String("kind", string(kind)))

	ids, err := ah.runs.RunFiles(ctx, runID, kind)
	if err != nil {
		span.RecordError(err)
		writeError(w, logger, err)
		return
	}
	plan, err := ah.builder.Plan(ctx, ids)
	if err != nil {
		span.RecordError(err)
		writeError(w, logger, err)
		return
	}
	span.SetAttributes(
		attribute.Int("entry_count", len(plan.Files)),
		attribute.Int("skipped_count", len(plan.Warnings)),
	)

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", attachment(archive.Name(runID, kind)))
	if len(plan.Warnings) > 0 {
		w.Header().Set("X-Skipped-Files", strconv.Itoa(len(plan.Warnings)))
	}
	w.WriteHeader(http.StatusOK)

	fl, ok := w.(http.Flusher)
	if !ok {
		fl = noopFlusher{}
	}
	wf := &writeFlusher{Writer: w, Flusher: fl}
	bw := bufio.NewWriterSize(wf, units.MiB)

	err = plan.Write(ctx, bw)
	if err == nil {
		err = bw.Flush()
	}
	metrics.BytesStreamed.WithLabelValues(metrics.KindArchive).Add(float64(wf.written))
	metrics.RetrievalDuration.WithLabelValues(metrics.KindArchive).Observe(time.Since(start).Seconds())
	if err != nil {
		// The archive is incomplete and the status line is already sent.
		span.RecordError(err)
		logger.Error("archive aborted", zap.Int64("bytes", wf.written), zap.Error(err))
		panic(http.ErrAbortHandler)
	}
	logger.Info("archive completed",
		zap.Int("entries", len(plan.Files)), zap.Int("skipped", len(plan.Warnings)), zap.Int64("bytes", wf.written))
}
