package staging

import "io"

// stagingStore abstracts where captured upload bytes live.
// Each buffer is written by one upload only, so buffers need not be safe
// for concurrent use.
type stagingStore interface {
	// Create returns an empty buffer for one upload.
	Create(name string) (captureBuffer, error)
}

// captureBuffer holds the kept prefix of one upload.
type captureBuffer interface {
	io.Writer

	// Open returns an independent reader over everything written so far.
	Open() (io.ReadCloser, error)

	// Remove discards the content (best-effort).
	Remove() error
}
