// Package metrics holds the Prometheus collectors of the retrieval paths.
package metrics

import (
	"context"
	"errors"

	"github.com/maneesh/runartifacts/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Retrieval kinds used as label values.
const (
	KindDownload = "download"
	KindArchive  = "archive"
	KindPreview  = "preview"
)

var (
	BytesStreamed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runartifacts",
		Subsystem: "retrieval",
		Name:      "bytes_streamed_total",
		Help:      "Reconstructed bytes handed to consumers, by retrieval kind",
	}, []string{"kind"})
	ChunksRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "runartifacts",
		Subsystem: "chunkstore",
		Name:      "chunks_read_total",
		Help:      "Chunk records pulled from the chunk store",
	})
	ReconstructionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runartifacts",
		Subsystem: "reassembly",
		Name:      "failures_total",
		Help:      "Reconstructions that ended in error, by failure kind",
	}, []string{"reason"})
	ArchiveEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runartifacts",
		Subsystem: "archive",
		Name:      "entries_total",
		Help:      "Archive entries, by outcome (written or skipped)",
	}, []string{"outcome"})
	PreviewOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runartifacts",
		Subsystem: "preview",
		Name:      "outcomes_total",
		Help:      "Preview attempts, by outcome",
	}, []string{"outcome"})
	RetrievalDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "runartifacts",
		Subsystem: "retrieval",
		Name:      "duration_seconds",
		Help:      "Time spent serving a retrieval, by kind",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"kind"})
)

// FailureReason classifies an error for the failures_total label.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrCorruptChunkSequence):
		return "corrupt_sequence"
	case errors.Is(err, models.ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, models.ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "store_error"
	}
}
