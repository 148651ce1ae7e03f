package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a file id has no metadata record, or no
	// chunk records at all.
	ErrNotFound = errors.New("file not found")

	// ErrCorruptChunkSequence is returned when a file's chunks have a gap,
	// a duplicate, or more chunks than its declared length allows.
	ErrCorruptChunkSequence = errors.New("corrupt chunk sequence")

	// ErrLengthMismatch is returned at the end of a reconstruction whose
	// byte count disagrees with the declared file length.
	ErrLengthMismatch = errors.New("length mismatch")

	// ErrChecksumMismatch is returned when a chunk payload does not match
	// its recorded digest.
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")

	// ErrNoFilesAvailable is returned when an archive is requested over an
	// empty set of files.
	ErrNoFilesAvailable = errors.New("no files available")
)

// CorruptSequenceError describes where a chunk sequence broke.
type CorruptSequenceError struct {
	FileID   string
	Expected int
	Got      int
	Reason   string
}

func (e *CorruptSequenceError) Error() string {
	return fmt.Sprintf("file %s: corrupt chunk sequence at n=%d (got %d): %s", e.FileID, e.Expected, e.Got, e.Reason)
}

func (e *CorruptSequenceError) Unwrap() error { return ErrCorruptChunkSequence }

// LengthMismatchError reports the declared and reconstructed sizes.
type LengthMismatchError struct {
	FileID   string
	Declared int64
	Actual   int64
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("file %s: reconstructed %d bytes, declared length is %d", e.FileID, e.Actual, e.Declared)
}

func (e *LengthMismatchError) Unwrap() error { return ErrLengthMismatch }

// Message turns an error into the text shown to a user.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "Error: The requested file is not available"
	case errors.Is(err, ErrNoFilesAvailable):
		return "Error: No files are available to download"
	case errors.Is(err, ErrCorruptChunkSequence), errors.Is(err, ErrChecksumMismatch):
		return "Error: The stored file is corrupt and cannot be retrieved"
	case errors.Is(err, ErrLengthMismatch):
		return "Error: The stored file is incomplete"
	default:
		return "Error: " + err.Error()
	}
}
