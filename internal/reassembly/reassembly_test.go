package reassembly

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/maneesh/runartifacts/internal/chunkstore"
	"github.com/maneesh/runartifacts/internal/models"
	"github.com/maneesh/runartifacts/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newReassembler(mem *testutil.MemStore) *Reassembler {
	return New(mem, chunkstore.New(mem), zap.NewNop())
}

func readAll(t *testing.T, r *Reassembler, id string) ([]byte, error) {
	t.Helper()
	s, err := r.Open(context.Background(), id)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return io.ReadAll(s)
}

func TestRoundTrip(t *testing.T) {
	mem := testutil.NewMemStore()
	sizes := []int{0, 1, 63, 64, 65, 1000, 64 * 37}
	for i, n := range sizes {
		data := testutil.RandomBytes(int64(i), n)
		id := string(rune('a' + i))
		mem.AddFile(id, "f.bin", data, 64)

		got, err := readAll(t, newReassembler(mem), id)
		require.NoError(t, err, "size %d", n)
		assert.Equal(t, data, got, "size %d", n)
	}
}

func TestShuffledStoreKeepsOrder(t *testing.T) {
	mem := testutil.NewMemStore()
	var data []byte
	for i := 0; i < 50; i++ {
		data = append(data, bytes.Repeat([]byte{byte(i)}, 16)...)
	}
	mem.AddFile("f", "f.bin", data, 16)

	got, err := readAll(t, newReassembler(mem), "f")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestThreeChunkFile(t *testing.T) {
	mem := testutil.NewMemStore()
	data := testutil.RandomBytes(7, 9216)
	file := mem.AddFile("f", "f.bin", data, 4096)
	require.Equal(t, int64(9216), file.Length)
	require.Equal(t, 3, file.ChunkCount())

	s, err := newReassembler(mem).Open(context.Background(), "f")
	require.NoError(t, err)
	defer s.Close()

	var out bytes.Buffer
	n, err := io.Copy(&out, s)
	require.NoError(t, err)
	assert.Equal(t, int64(9216), n)
	assert.Equal(t, data, out.Bytes())
	assert.Equal(t, int64(9216), s.BytesEmitted())
}

func TestGapStopsStream(t *testing.T) {
	mem := testutil.NewMemStore()
	data := []byte("aaaabbbbcccc")
	mem.AddFile("f", "f.bin", data, 4)
	mem.RemoveChunk("f", 1)

	s, err := newReassembler(mem).Open(context.Background(), "f")
	require.NoError(t, err)
	defer s.Close()

	got, err := io.ReadAll(s)
	require.ErrorIs(t, err, models.ErrCorruptChunkSequence)
	assert.Equal(t, "aaaa", string(got))

	lookups := mem.ChunkLookups()
	_, err = s.Read(make([]byte, 8))
	require.ErrorIs(t, err, models.ErrCorruptChunkSequence)
	assert.Equal(t, lookups, mem.ChunkLookups(), "no chunk reads after the gap is detected")
}

func TestLengthMismatchAtEnd(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.AddFile("f", "f.bin", []byte("aaaabbbbcc"), 4)
	mem.PutFile(&models.File{ID: "f", Filename: "f.bin", Length: 11, ChunkSize: 4})

	s, err := newReassembler(mem).Open(context.Background(), "f")
	require.NoError(t, err)
	defer s.Close()

	got, err := io.ReadAll(s)
	var lme *models.LengthMismatchError
	require.ErrorAs(t, err, &lme)
	assert.Equal(t, int64(11), lme.Declared)
	assert.Equal(t, int64(10), lme.Actual)
	assert.Equal(t, "aaaabbbbcc", string(got), "bytes before the end are still delivered")
}

func TestChecksumMismatch(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.AddFile("f", "f.bin", []byte("aaaabbbb"), 4)
	mem.RemoveChunk("f", 1)
	mem.PutChunk(models.Chunk{ID: "bad", FileID: "f", Sequence: 1, Hash: "00", Payload: []byte("bbbb")})

	_, err := readAll(t, newReassembler(mem), "f")
	require.ErrorIs(t, err, models.ErrChecksumMismatch)
}

func TestUnhashedChunksAreAccepted(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.PutFile(&models.File{ID: "g", Filename: "g.txt", Length: 6, ChunkSize: 4})
	mem.PutChunk(models.Chunk{ID: "1", FileID: "g", Sequence: 1, Payload: []byte("ef")})
	mem.PutChunk(models.Chunk{ID: "0", FileID: "g", Sequence: 0, Payload: []byte("abcd")})

	got, err := readAll(t, newReassembler(mem), "g")
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(got))
}

func TestNotFound(t *testing.T) {
	_, err := newReassembler(testutil.NewMemStore()).Open(context.Background(), "nope")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestInvalidMetadata(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.PutFile(&models.File{ID: "f", Length: 10, ChunkSize: 0})
	_, err := newReassembler(mem).Open(context.Background(), "f")
	require.ErrorIs(t, err, models.ErrCorruptChunkSequence)
}

func TestConcurrentReconstructionsAreIndependent(t *testing.T) {
	mem := testutil.NewMemStore()
	data := testutil.RandomBytes(3, 64*100+5)
	mem.AddFile("f", "f.bin", data, 64)
	r := newReassembler(mem)

	results := make([][]byte, 8)
	var eg errgroup.Group
	for i := range results {
		i := i
		eg.Go(func() error {
			s, err := r.Open(context.Background(), "f")
			if err != nil {
				return err
			}
			defer s.Close()
			var out bytes.Buffer
			// Small reads interleave the streams as much as possible.
			buf := make([]byte, 7)
			for {
				n, err := s.Read(buf)
				out.Write(buf[:n])
				if err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
			}
			results[i] = out.Bytes()
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	for i, got := range results {
		assert.Equal(t, data, got, "stream %d", i)
	}
}

func TestReadsFollowConsumer(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.AddFile("f", "f.bin", testutil.RandomBytes(1, 40), 4)

	s, err := newReassembler(mem).Open(context.Background(), "f")
	require.NoError(t, err)
	defer s.Close()
	assert.Zero(t, mem.ChunkLookups(), "opening a stream reads no chunks")

	buf := make([]byte, 4)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, int64(1), mem.ChunkLookups())

	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, int64(2), mem.ChunkLookups())
}

func TestCancelStopsReads(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.AddFile("f", "f.bin", testutil.RandomBytes(1, 40), 4)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := newReassembler(mem).Open(ctx, "f")
	require.NoError(t, err)
	defer s.Close()

	_, err = io.ReadFull(s, make([]byte, 4))
	require.NoError(t, err)
	cancel()

	_, err = io.ReadAll(s)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1), mem.ChunkLookups())
}

func TestCloseStopsReads(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.AddFile("f", "f.bin", testutil.RandomBytes(1, 40), 4)

	s, err := newReassembler(mem).Open(context.Background(), "f")
	require.NoError(t, err)
	_, err = io.ReadFull(s, make([]byte, 2))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Read(make([]byte, 4))
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, int64(1), mem.ChunkLookups())
}

func TestWriteToConsumerError(t *testing.T) {
	mem := testutil.NewMemStore()
	mem.AddFile("f", "f.bin", testutil.RandomBytes(1, 40), 4)

	s, err := newReassembler(mem).Open(context.Background(), "f")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.WriteTo(failingWriter{})
	require.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, int64(1), mem.ChunkLookups())
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }
