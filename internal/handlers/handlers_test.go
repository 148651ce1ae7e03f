package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/maneesh/runartifacts/internal/archive"
	"github.com/maneesh/runartifacts/internal/chunkstore"
	"github.com/maneesh/runartifacts/internal/models"
	"github.com/maneesh/runartifacts/internal/preview"
	"github.com/maneesh/runartifacts/internal/reassembly"
	"github.com/maneesh/runartifacts/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newServer(t *testing.T, mem *testutil.MemStore) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()
	r := reassembly.New(mem, chunkstore.New(mem), logger)
	srv := httptest.NewServer(NewRouter(Deps{
		Registry:     mem,
		Runs:         mem,
		Reassembler:  r,
		Archives:     archive.NewBuilder(mem, r, logger),
		PreviewLimit: preview.DefaultSizeLimit,
		Logger:       logger,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, []byte, error) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp, body, err
}

func errorMessage(t *testing.T, body []byte) string {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	return e.Message
}

func TestHealth(t *testing.T) {
	srv := newServer(t, testutil.NewMemStore())
	resp, body, err := get(t, srv.URL+"/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestDownload(t *testing.T) {
	mem := testutil.NewMemStore()
	data := testutil.RandomBytes(5, 9216)
	mem.AddFile("f1", "/runs/7/model.pt", data, 4096)
	srv := newServer(t, mem)

	resp, body, err := get(t, srv.URL+"/api/v1/files/download/f1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, data, body)
	assert.Equal(t, int64(9216), resp.ContentLength)

	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, "model.pt", params["filename"])

	resp, _, err = get(t, srv.URL+"/api/v1/files/download/f1/renamed.pt")
	require.NoError(t, err)
	_, params, _ = mime.ParseMediaType(resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "renamed.pt", params["filename"])
}

func TestDownloadNotFound(t *testing.T) {
	srv := newServer(t, testutil.NewMemStore())
	resp, body, err := get(t, srv.URL+"/api/v1/files/download/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, models.Message(models.ErrNotFound), errorMessage(t, body))
}

func TestDownloadFirstChunkMissing(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.AddFile("f", "a.txt", []byte("aaaabbbb"), 4)
	mem.RemoveChunk("f", 0)
	srv := newServer(t, mem)

	resp, _, err := get(t, srv.URL+"/api/v1/files/download/f")
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestDownloadGapCutsBodyShort(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.AddFile("f", "a.txt", bytes.Repeat([]byte("x"), 4096*3), 4096)
	mem.RemoveChunk("f", 1)
	srv := newServer(t, mem)

	resp, body, err := get(t, srv.URL+"/api/v1/files/download/f")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Error(t, err)
	assert.Less(t, len(body), 4096*3)
}

func TestFileMetadata(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.AddFile("a", "a.txt", []byte("hello"), 4)
	mem.AddFile("b", "b.txt", []byte("world!"), 4)
	srv := newServer(t, mem)

	resp, body, err := get(t, srv.URL+"/api/v1/files/a")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var file models.File
	require.NoError(t, json.Unmarshal(body, &file))
	assert.Equal(t, "a.txt", file.Filename)
	assert.Equal(t, int64(5), file.Length)

	_, body, err = get(t, srv.URL+"/api/v1/files?id=b&id=missing&id=a")
	require.NoError(t, err)
	var files []models.File
	require.NoError(t, json.Unmarshal(body, &files))
	require.Len(t, files, 2)
	assert.Equal(t, "b", files[0].ID)
	assert.Equal(t, "a", files[1].ID)
}

func TestPreviewRoute(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.AddFile("t", "notes.txt", []byte("héllo\n"), 2)
	mem.PutFile(&models.File{ID: "big", Filename: "big.log", Length: 10_000_000, ChunkSize: 261120})
	srv := newServer(t, mem)

	resp, body, err := get(t, srv.URL+"/api/v1/files/preview/t")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "héllo\n", string(body))

	lookups := mem.ChunkLookups()
	resp, _, err = get(t, srv.URL+"/api/v1/files/preview/big")
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, lookups, mem.ChunkLookups())
}

func TestDownloadAll(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.AddFile("a", "/src/train.py", []byte("import torch\n"), 4)
	mem.AddFile("c", "/src/eval.py", []byte("print(1)\n"), 4)
	mem.SetRun("42", models.KindSourceFiles, "a", "b", "c")
	srv := newServer(t, mem)

	resp, body, err := get(t, srv.URL+"/api/v1/files/downloadAll/42/source_files")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Equal(t, "1", resp.Header.Get("X-Skipped-Files"))
	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, "source_files-42.zip", params["filename"])

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "src/train.py", zr.File[0].Name)
	assert.Equal(t, "src/eval.py", zr.File[1].Name)
}

func TestDownloadAllNoFiles(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.SetRun("42", models.KindArtifacts, "gone")
	srv := newServer(t, mem)

	for _, run := range []string{"42", "unknown"} {
		resp, body, err := get(t, srv.URL+"/api/v1/files/downloadAll/"+run+"/artifacts")
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, run)
		assert.Equal(t, "Error: No files are available to download", errorMessage(t, body))
	}
}

func TestDownloadAllBadType(t *testing.T) {
	srv := newServer(t, testutil.NewMemStore())
	resp, _, err := get(t, srv.URL+"/api/v1/files/downloadAll/42/logs")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownloadAllAbortsOnCorruptEntry(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.AddFile("a", "a.txt", []byte("aaaabbbb"), 4)
	mem.RemoveChunk("a", 1)
	mem.SetRun("42", models.KindArtifacts, "a")
	srv := newServer(t, mem)

	// Nothing reaches the client before the failure, so the connection is
	// dropped without a response, or with a body that is not an archive.
	resp, err := http.Get(srv.URL + "/api/v1/files/downloadAll/42/artifacts")
	if err != nil {
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err == nil {
		_, zerr := zip.NewReader(bytes.NewReader(body), int64(len(body)))
		assert.Error(t, zerr, "a truncated archive must not parse")
	}
}
