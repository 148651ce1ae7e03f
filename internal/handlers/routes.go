package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/runartifacts/internal/archive"
	"github.com/maneesh/runartifacts/internal/reassembly"
	"github.com/maneesh/runartifacts/internal/registry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Deps are the components the routes are served from.
type Deps struct {
	Registry     registry.Registry
	Runs         registry.RunResolver
	Reassembler  *reassembly.Reassembler
	Archives     *archive.Builder
	PreviewLimit int64
	Logger       *zap.Logger
}

// NewRouter builds the service's route table.
func NewRouter(d Deps) *mux.Router {
	files := NewFilesHandler(d.Registry, d.Logger)
	readHandler := NewReadHandler(d.Reassembler, d.Logger)
	previewHandler := NewPreviewHandler(d.Reassembler, d.PreviewLimit, d.Logger)
	archiveHandler := NewArchiveHandler(d.Runs, d.Archives, d.Logger)

	router := mux.NewRouter()

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1/files").Subrouter()
	api.Handle("/download/{file_id}",
		otelhttp.NewHandler(readHandler, "GET /api/v1/files/download/{file_id}")).Methods("GET")
	api.Handle("/download/{file_id}/{file_name}",
		otelhttp.NewHandler(readHandler, "GET /api/v1/files/download/{file_id}/{file_name}")).Methods("GET")
	api.Handle("/downloadAll/{run_id}/{type}",
		otelhttp.NewHandler(archiveHandler, "GET /api/v1/files/downloadAll/{run_id}/{type}")).Methods("GET")
	api.Handle("/preview/{file_id}",
		otelhttp.NewHandler(previewHandler, "GET /api/v1/files/preview/{file_id}")).Methods("GET")
	api.Handle("/{file_id}",
		otelhttp.NewHandler(http.HandlerFunc(files.Get), "GET /api/v1/files/{file_id}")).Methods("GET")
	api.Handle("",
		otelhttp.NewHandler(http.HandlerFunc(files.List), "GET /api/v1/files")).Methods("GET")

	return router
}
