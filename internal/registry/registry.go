// Package registry resolves file ids to their metadata records.
package registry

import (
	"context"

	"github.com/maneesh/runartifacts/internal/models"
)

// Registry resolves file metadata.
type Registry interface {
	// Resolve returns the record of id, or an error wrapping
	// models.ErrNotFound.
	Resolve(ctx context.Context, id string) (*models.File, error)

	// ResolveMany returns the records of the ids that exist. Missing ids
	// are absent from the map; that is not an error.
	ResolveMany(ctx context.Context, ids []string) (map[string]*models.File, error)
}

// RunResolver maps a run's file grouping to the ordered ids of its files.
type RunResolver interface {
	RunFiles(ctx context.Context, runID string, kind models.RunFileKind) ([]string, error)
}

// Cache is a best-effort metadata cache. A miss is (nil, nil).
type Cache interface {
	GetFileMetadata(ctx context.Context, fileID string) (*models.File, error)
	SetFileMetadata(ctx context.Context, fileID string, file *models.File) error
}

// BatchCache is implemented by caches that can answer several ids in one
// round trip. Misses are absent from the map.
type BatchCache interface {
	Cache
	GetManyFileMetadata(ctx context.Context, fileIDs []string) (map[string]*models.File, error)
}

func clone(f *models.File) *models.File {
	c := *f
	return &c
}
