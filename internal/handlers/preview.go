package handlers

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/maneesh/runartifacts/internal/metrics"
	"github.com/maneesh/runartifacts/internal/reassembly"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// PreviewHandler serves the raw bytes of files small enough to preview.
// Decoding is left to the client.
type PreviewHandler struct {
	reassembler *reassembly.Reassembler
	sizeLimit   int64
	logger      *zap.Logger
}

// NewPreviewHandler creates a preview handler that refuses files over
// sizeLimit bytes.
func NewPreviewHandler(reassembler *reassembly.Reassembler, sizeLimit int64, logger *zap.Logger) *PreviewHandler {
	return &PreviewHandler{
		reassembler: reassembler,
		sizeLimit:   sizeLimit,
		logger:      logger,
	}
}

// ServeHTTP handles GET /api/v1/files/preview/{file_id}
func (ph *PreviewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	fileID := mux.Vars(r)["file_id"]
	ctx, span := tracer.Start(r.Context(), "preview_file",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()
	logger := ph.logger.With(zap.String("file_id", fileID))

	stream, err := ph.reassembler.Open(ctx, fileID)
	if err != nil {
		span.RecordError(err)
		writeError(w, logger, err)
		return
	}
	defer stream.Close()

	file := stream.File()
	if file.Length > ph.sizeLimit {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
			Message: fmt.Sprintf("Error: %s is %s, previews are limited to %s",
				file.BaseName(), humanize.IBytes(uint64(file.Length)), humanize.IBytes(uint64(ph.sizeLimit))),
		})
		return
	}

	// Pull the first chunk before committing to a status code.
	body := bufio.NewReader(stream)
	if _, err := body.Peek(1); err != nil && !errors.Is(err, io.EOF) {
		span.RecordError(err)
		writeError(w, logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(file.Length, 10))
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, body)
	metrics.BytesStreamed.WithLabelValues(metrics.KindPreview).Add(float64(n))
	metrics.RetrievalDuration.WithLabelValues(metrics.KindPreview).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		logger.Warn("preview aborted", zap.Int64("bytes", n), zap.Error(err))
	}
}
