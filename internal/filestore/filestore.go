package filestore

import (
	"io"
)

// ObjectStore stores binary objects under caller-chosen paths inside named
// buckets. Saving to an existing path overwrites the object.
type ObjectStore interface {
	// Save writes the object and returns the number of bytes stored.
	Save(bucket, path string, r io.Reader) (int64, error)

	// Get retrieves the object content.
	Get(bucket, path string) (io.ReadCloser, error)
}
