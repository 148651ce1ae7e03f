package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/maneesh/runartifacts/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ObjectGetter fetches chunk payloads kept outside the database.
type ObjectGetter interface {
	DownloadChunk(ctx context.Context, objectKey string) ([]byte, error)
}

// TiDBClient reads file metadata, the chunk index and run groupings from
// TiDB, with chunk payloads fetched from object storage.
type TiDBClient struct {
	db      *sql.DB
	objects ObjectGetter
}

// NewTiDBClient initializes a new TiDB client
func NewTiDBClient(dsn string, objects ObjectGetter) (*TiDBClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return NewTiDBClientFromDB(db, objects), nil
}

// NewTiDBClientFromDB wraps an open database handle.
func NewTiDBClientFromDB(db *sql.DB, objects ObjectGetter) *TiDBClient {
	return &TiDBClient{db: db, objects: objects}
}

// Close closes the database connection
func (tc *TiDBClient) Close() error {
	return tc.db.Close()
}

// Resolve retrieves file metadata by ID with tracing
func (tc *TiDBClient) Resolve(ctx context.Context, fileID string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_file",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
		),
	)
	defer span.End()

	query := `SELECT id, filename, length, chunk_size, upload_date FROM fs_files WHERE id = ?`

	var file models.File
	err := tc.db.QueryRowContext(ctx, query, fileID).Scan(
		&file.ID,
		&file.Filename,
		&file.Length,
		&file.ChunkSize,
		&file.UploadDate,
	)

	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, fmt.Errorf("file %s: %w", fileID, models.ErrNotFound)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query file: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return &file, nil
}

// ResolveMany retrieves the metadata of every existing id in one query.
func (tc *TiDBClient) ResolveMany(ctx context.Context, ids []string) (map[string]*models.File, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_files",
		trace.WithAttributes(
			attribute.Int("requested", len(ids)),
		),
	)
	defer span.End()

	found := make(map[string]*models.File, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT id, filename, length, chunk_size, upload_date FROM fs_files WHERE id IN (?` +
		strings.Repeat(", ?", len(ids)-1) + `)`

	rows, err := tc.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var file models.File
		if err := rows.Scan(&file.ID, &file.Filename, &file.Length, &file.ChunkSize, &file.UploadDate); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		found[file.ID] = &file
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	span.SetAttributes(attribute.Int("found", len(found)))
	return found, nil
}

// Lookup returns the chunk records of fileID at sequence n. At most two
// rows are read, enough to tell a duplicate apart from a single record;
// the payload is only downloaded for a single record.
func (tc *TiDBClient) Lookup(ctx context.Context, fileID string, n int) ([]models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_chunk",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.Int("n", n),
		),
	)
	defer span.End()

	query := `SELECT id, files_id, n, hash, object_key
			  FROM fs_chunks
			  WHERE files_id = ? AND n = ?
			  LIMIT 2`

	rows, err := tc.db.QueryContext(ctx, query, fileID, n)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunk: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		var (
			chunk models.Chunk
			hash  sql.NullString
		)
		if err := rows.Scan(&chunk.ID, &chunk.FileID, &chunk.Sequence, &hash, &chunk.ObjectKey); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunk.Hash = hash.String
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}

	span.SetAttributes(attribute.Int("records", len(chunks)))
	if len(chunks) != 1 {
		return chunks, nil
	}

	payload, err := tc.objects.DownloadChunk(ctx, chunks[0].ObjectKey)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("chunk %d of file %s: %w", n, fileID, err)
	}
	chunks[0].Payload = payload
	return chunks, nil
}

// Exists reports whether fileID has any chunk records.
func (tc *TiDBClient) Exists(ctx context.Context, fileID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "tidb.chunks_exist",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
		),
	)
	defer span.End()

	var one int
	err := tc.db.QueryRowContext(ctx, `SELECT 1 FROM fs_chunks WHERE files_id = ? LIMIT 1`, fileID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to query chunks: %w", err)
	}
	return true, nil
}

// RunFiles returns the ordered file ids of a run grouping.
func (tc *TiDBClient) RunFiles(ctx context.Context, runID string, kind models.RunFileKind) ([]string, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_run_files",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("kind", string(kind)),
		),
	)
	defer span.End()

	query := `SELECT file_id FROM run_files WHERE run_id = ? AND kind = ? ORDER BY position ASC`

	rows, err := tc.db.QueryContext(ctx, query, runID, string(kind))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query run files: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan run file: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating run files: %w", err)
	}

	span.SetAttributes(attribute.Int("file_count", len(ids)))
	return ids, nil
}
