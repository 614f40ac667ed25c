package sv

import (
	"context"
	"io"
)

// ObjectStore stores binary uploads as ordered fixed-size chunks.
// All transfer goes through streams so that large files are never held in memory.
type ObjectStore interface {
	// OpenWriteStream starts a new blob. The blob id is assigned when the
	// stream is closed; nothing is readable before that.
	OpenWriteStream(ctx context.Context, name, contentType, ownerID string) (WriteStream, error)

	// OpenReadStream returns a lazy, forward-only reader over the blob's chunks.
	// Calling it again restarts from the first byte. Returns ErrBlobNotFound
	// when no blob has the id.
	OpenReadStream(ctx context.Context, blobID string) (io.ReadCloser, error)

	// Delete removes the blob and all of its chunks. Deleting an id that does
	// not exist is not an error.
	Delete(ctx context.Context, blobID string) error

	// ListByOwner returns descriptors of every committed blob tagged with ownerID.
	ListByOwner(ctx context.Context, ownerID string) ([]*BlobInfo, error)
}

// WriteStream receives the bytes of one blob.
type WriteStream interface {
	io.Writer

	// Close flushes the final chunk and commits the blob.
	Close() error

	// Abort discards a partially written blob. It is safe to call after Close
	// failed, and a no-op after a successful Close.
	Abort() error

	// BlobID returns the committed blob id, or "" until Close succeeds.
	BlobID() string
}
