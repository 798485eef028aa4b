// Package formats reads the two supported vendor volume formats (Zeiss
// LSM and Zeiss CZI), resolves their metadata into the canonical scaling
// record, and writes the processed ImageJ-compatible TIFF output.
//
// Each vendor format is one Reader implementation; format-specific fields
// never leave this package.
package formats

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"stacknorm/internal/models"
)

// AcceptedExtensions lists the input file extensions the pipeline accepts,
// lower-case with dot.
var AcceptedExtensions = []string{".lsm", ".czi"}

// Reader is the vendor-format strategy: pixel access plus canonical
// metadata resolution. Implementations are not safe for concurrent use.
type Reader interface {
	// Volume reads the full acquisition as a (z, c, y, x) volume.
	Volume() (*models.Volume, error)

	// Scaling resolves vendor metadata into the canonical scaling record.
	// A *MetadataError return means the caller may continue with
	// DefaultScalingParams (degraded mode).
	Scaling() (*models.ScalingParams, error)

	// Close releases the underlying file handle.
	Close() error
}

// MetadataError marks a recoverable vendor-metadata parse failure. The
// file's pixel data may still be readable; processing continues degraded.
type MetadataError struct {
	Path string
	Err  error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("extracting metadata from %s: %v", e.Path, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// Accepted reports whether the path has a supported input extension.
func Accepted(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, a := range AcceptedExtensions {
		if ext == a {
			return true
		}
	}
	return false
}

// Open selects the vendor reader by file extension.
func Open(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".lsm":
		return newLSMReader(f, path)
	case ".czi":
		return newCZIReader(f, path)
	default:
		f.Close()
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
}
