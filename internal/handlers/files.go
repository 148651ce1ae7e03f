package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/runartifacts/internal/models"
	"github.com/maneesh/runartifacts/internal/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// FilesHandler serves file metadata records.
type FilesHandler struct {
	registry registry.Registry
	logger   *zap.Logger
}

// NewFilesHandler creates a new metadata handler
func NewFilesHandler(reg registry.Registry, logger *zap.Logger) *FilesHandler {
	return &FilesHandler{registry: reg, logger: logger}
}

// Get handles GET /api/v1/files/{file_id}
func (fh *FilesHandler) Get(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["file_id"]
	ctx, span := tracer.Start(r.Context(), "get_file_metadata",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	file, err := fh.registry.Resolve(ctx, fileID)
	if err != nil {
		span.RecordError(err)
		writeError(w, fh.logger.With(zap.String("file_id", fileID)), err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// List handles GET /api/v1/files?id=a&id=b. Records are returned in
// request order; unknown ids are left out.
func (fh *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["id"]
	ctx, span := tracer.Start(r.Context(), "list_file_metadata",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.Int("requested", len(ids))),
	)
	defer span.End()

	found, err := fh.registry.ResolveMany(ctx, ids)
	if err != nil {
		span.RecordError(err)
		writeError(w, fh.logger, err)
		return
	}

	files := make([]*models.File, 0, len(found))
	for _, id := range ids {
		if file, ok := found[id]; ok {
			files = append(files, file)
			delete(found, id)
		}
	}
	span.SetAttributes(attribute.Int("found", len(files)))
	writeJSON(w, http.StatusOK, files)
}
