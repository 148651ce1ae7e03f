package handlers

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/maneesh/runartifacts/internal/metrics"
	"github.com/maneesh/runartifacts/internal/reassembly"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ReadHandler streams a reconstructed file to the client.
type ReadHandler struct {
	reassembler *reassembly.Reassembler
	logger      *zap.Logger
}

// NewReadHandler creates a new read handler
func NewReadHandler(reassembler *reassembly.Reassembler, logger *zap.Logger) *ReadHandler {
	return &ReadHandler{
		reassembler: reassembler,
		logger:      logger,
	}
}

// ServeHTTP handles GET /api/v1/files/download/{file_id}[/{file_name}]
func (rh *ReadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	fileID := vars["file_id"]

	ctx, span := tracer.Start(r.Context(), "read_file",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()
	logger := rh.logger.With(zap.String("file_id", fileID))

	stream, err := rh.reassembler.Open(ctx, fileID)
	if err != nil {
		span.RecordError(err)
		writeError(w, logger, err)
		return
	}
	defer stream.Close()

	file := stream.File()
	name := vars["file_name"]
	if name == "" {
		name = file.BaseName()
	}
	span.SetAttributes(
		attribute.String("file_name", file.Filename),
		attribute.Int64("file_size", file.Length),
		attribute.Int("chunk_count", file.ChunkCount()),
	)

	// Pull the first chunk before committing to a status code.
	body := bufio.NewReader(stream)
	if _, err := body.Peek(1); err != nil && !errors.Is(err, io.EOF) {
		span.RecordError(err)
		writeError(w, logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", attachment(name))
	w.Header().Set("Content-Length", strconv.FormatInt(file.Length, 10))
	w.WriteHeader(http.StatusOK)

	// Headers are gone at this point. A failure can only cut the body short,
	// which the client sees against Content-Length.
	n, err := io.Copy(w, body)
	metrics.BytesStreamed.WithLabelValues(metrics.KindDownload).Add(float64(n))
	metrics.RetrievalDuration.WithLabelValues(metrics.KindDownload).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		logger.Warn("download aborted", zap.Int64("bytes", n), zap.Error(err))
		return
	}
	logger.Info("download completed", zap.String("file_name", name), zap.Int64("bytes", n))
}
