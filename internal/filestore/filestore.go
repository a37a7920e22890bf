// Package filestore keeps uploaded media addressed by the digest of its content.
package filestore

import (
	"errors"
	"io"
)

var ErrInvalidHash = errors.New("invalid content hash")

// FileStore stores and retrieves media blobs by content hash.
type FileStore interface {
	// Put stores the content read from r and returns its hex digest and size.
	// Storing the same content twice keeps a single copy.
	Put(r io.Reader) (hash string, size int64, err error)

	// Get opens the blob with the given hash. A missing blob is models.ErrNotFound.
	Get(hash string) (io.ReadCloser, error)

	Delete(hash string) error
}
