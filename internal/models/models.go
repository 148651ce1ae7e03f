package models

import (
	"strings"
	"time"
)

// File is the metadata record of one stored file (the fs.files document).
type File struct {
	ID         string    `json:"id" cbor:"id"`
	Filename   string    `json:"filename" cbor:"filename"`
	Length     int64     `json:"length" cbor:"length"`
	ChunkSize  int64     `json:"chunkSize" cbor:"chunk_size"`
	UploadDate time.Time `json:"uploadDate" cbor:"upload_date"`
}

// ChunkCount returns the number of chunks a file of this length and chunk
// size is split into.
func (f *File) ChunkCount() int {
	if f.Length <= 0 || f.ChunkSize <= 0 {
		return 0
	}
	return int((f.Length + f.ChunkSize - 1) / f.ChunkSize)
}

// BaseName returns the last path element of the stored filename.
func (f *File) BaseName() string {
	name := strings.ReplaceAll(f.Filename, `\`, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return f.ID
	}
	return name
}

// Chunk is one stored segment of a file (the fs.chunks document).
type Chunk struct {
	ID       string `json:"id" cbor:"id"`
	FileID   string `json:"files_id" cbor:"files_id"`
	Sequence int    `json:"n" cbor:"n"`
	// Hash is the hex BLAKE3 digest of Payload. Empty when the writer did
	// not record one.
	Hash string `json:"hash,omitempty" cbor:"hash,omitempty"`
	// ObjectKey locates the payload in object storage for backends that
	// keep bytes outside the chunk record.
	ObjectKey string `json:"object_key,omitempty" cbor:"object_key,omitempty"`
	Payload   []byte `json:"-" cbor:"data"`
}

// RunFileKind names a grouping of files attached to an experiment run.
type RunFileKind string

const (
	KindSourceFiles RunFileKind = "source_files"
	KindArtifacts   RunFileKind = "artifacts"
)

// ParseRunFileKind validates a grouping name taken from a request path.
func ParseRunFileKind(s string) (RunFileKind, bool) {
	switch RunFileKind(s) {
	case KindSourceFiles, KindArtifacts:
		return RunFileKind(s), true
	default:
		return "", false
	}
}
