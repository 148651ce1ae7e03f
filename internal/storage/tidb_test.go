package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/maneesh/runartifacts/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	data      map[string][]byte
	downloads int
}

func (f *fakeObjects) DownloadChunk(ctx context.Context, key string) ([]byte, error) {
	f.downloads++
	b, ok := f.data[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return b, nil
}

func newMockTiDB(t *testing.T, objects ObjectGetter) (*TiDBClient, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewTiDBClientFromDB(db, objects), mock
}

var fileColumns = []string{"id", "filename", "length", "chunk_size", "upload_date"}

func TestTiDBResolve(t *testing.T) {
	tc, mock := newMockTiDB(t, nil)
	uploaded := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM fs_files WHERE id = ?")).
		WithArgs("f1").
		WillReturnRows(sqlmock.NewRows(fileColumns).AddRow("f1", "train.py", 9216, 4096, uploaded))
	mock.ExpectQuery(regexp.QuoteMeta("FROM fs_files WHERE id = ?")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(fileColumns))

	file, err := tc.Resolve(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, &models.File{ID: "f1", Filename: "train.py", Length: 9216, ChunkSize: 4096, UploadDate: uploaded}, file)

	_, err = tc.Resolve(context.Background(), "nope")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestTiDBResolveMany(t *testing.T) {
	tc, mock := newMockTiDB(t, nil)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM fs_files WHERE id IN (?, ?, ?)")).
		WithArgs("a", "b", "c").
		WillReturnRows(sqlmock.NewRows(fileColumns).
			AddRow("a", "a.txt", 1, 4, now).
			AddRow("c", "c.txt", 1, 4, now))

	found, err := tc.ResolveMany(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Contains(t, found, "a")
	assert.NotContains(t, found, "b")
}

func TestTiDBLookupFetchesPayload(t *testing.T) {
	objects := &fakeObjects{data: map[string][]byte{"chunks/f1/0": []byte("abcd")}}
	tc, mock := newMockTiDB(t, objects)

	mock.ExpectQuery(regexp.QuoteMeta("FROM fs_chunks WHERE files_id = ? AND n = ? LIMIT 2")).
		WithArgs("f1", 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "files_id", "n", "hash", "object_key"}).
			AddRow("c0", "f1", 0, nil, "chunks/f1/0"))

	chunks, err := tc.Lookup(context.Background(), "f1", 0)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "abcd", string(chunks[0].Payload))
	assert.Empty(t, chunks[0].Hash)
	assert.Equal(t, 1, objects.downloads)
}

func TestTiDBLookupDuplicateSkipsDownload(t *testing.T) {
	objects := &fakeObjects{}
	tc, mock := newMockTiDB(t, objects)

	mock.ExpectQuery(regexp.QuoteMeta("FROM fs_chunks WHERE files_id = ? AND n = ? LIMIT 2")).
		WithArgs("f1", 3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "files_id", "n", "hash", "object_key"}).
			AddRow("c3", "f1", 3, "aa", "k1").
			AddRow("c3b", "f1", 3, "bb", "k2"))

	chunks, err := tc.Lookup(context.Background(), "f1", 3)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
	assert.Zero(t, objects.downloads)
}

func TestTiDBExists(t *testing.T) {
	tc, mock := newMockTiDB(t, nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM fs_chunks WHERE files_id = ? LIMIT 1")).
		WithArgs("f1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM fs_chunks WHERE files_id = ? LIMIT 1")).
		WithArgs("f2").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	ok, err := tc.Exists(context.Background(), "f1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = tc.Exists(context.Background(), "f2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTiDBRunFiles(t *testing.T) {
	tc, mock := newMockTiDB(t, nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM run_files WHERE run_id = ? AND kind = ? ORDER BY position ASC")).
		WithArgs("42", "source_files").
		WillReturnRows(sqlmock.NewRows([]string{"file_id"}).AddRow("b").AddRow("a"))

	ids, err := tc.RunFiles(context.Background(), "42", models.KindSourceFiles)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids)
}

func TestTiDBQueryError(t *testing.T) {
	tc, mock := newMockTiDB(t, nil)
	boom := errors.New("connection reset")
	mock.ExpectQuery("FROM fs_chunks").WillReturnError(boom)

	_, err := tc.Lookup(context.Background(), "f1", 0)
	require.ErrorIs(t, err, boom)
}
