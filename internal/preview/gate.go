package preview

import (
	"fmt"
	"path"
	"strings"

	"github.com/docker/go-units"
	"github.com/dustin/go-humanize"
	"github.com/maneesh/runartifacts/internal/models"
)

// DefaultSizeLimit is the largest file previewed by default (5 MiB).
const DefaultSizeLimit int64 = 5 * units.MiB

// SkipReason says why a preview was not attempted.
type SkipReason int

const (
	NotSkipped SkipReason = iota
	SkipTooLarge
	SkipBinaryType
)

func (r SkipReason) String() string {
	switch r {
	case NotSkipped:
		return "none"
	case SkipTooLarge:
		return "too-large"
	case SkipBinaryType:
		return "non-previewable-type"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// binaryExtensions are never previewed as text: images first, then common
// binary artifact formats.
var binaryExtensions = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "gif": true, "bmp": true,
	"tif": true, "tiff": true, "ico": true, "webp": true, "svg": true,
	"heic": true, "psd": true, "eps": true, "raw": true,

	"pdf": true, "zip": true, "gz": true, "tgz": true, "bz2": true,
	"xz": true, "zst": true, "tar": true, "7z": true, "rar": true,
	"pkl": true, "pickle": true, "npy": true, "npz": true, "h5": true,
	"hdf5": true, "pt": true, "pth": true, "ckpt": true, "onnx": true,
	"pb": true, "parquet": true, "feather": true, "bin": true, "so": true,
	"dll": true, "exe": true, "whl": true, "mp3": true, "mp4": true,
	"wav": true, "avi": true, "mov": true,
}

// Extension returns the lower-case extension of name without the dot.
func Extension(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	return strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
}

// IsBinaryName reports whether a file name has a non-previewable
// extension.
func IsBinaryName(name string) bool {
	return binaryExtensions[Extension(name)]
}

// Gate applies the preview rules to metadata alone.
func Gate(file *models.File, sizeLimit int64) (SkipReason, string) {
	if file.Length > sizeLimit {
		return SkipTooLarge, fmt.Sprintf("file is %s, the preview limit is %s",
			humanize.IBytes(uint64(file.Length)), humanize.IBytes(uint64(sizeLimit)))
	}
	if IsBinaryName(file.Filename) {
		return SkipBinaryType, fmt.Sprintf("%q files cannot be previewed", Extension(file.Filename))
	}
	return NotSkipped, ""
}
