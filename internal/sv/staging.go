package sv

import "io"

// StagingArea captures a bounded copy of an upload while it streams into the
// object store, so the parser can read it after the blob is committed.
type StagingArea interface {
	// Begin returns a capture for one upload.
	Begin(name string) (StagedUpload, error)
}

// StagedUpload is the captured copy of one upload.
// Writes never fail because of the size limit: bytes past the limit are
// dropped and Truncated reports true.
type StagedUpload interface {
	io.Writer

	// Truncated reports whether the upload exceeded the staging limit.
	Truncated() bool

	// Size returns the number of bytes kept.
	Size() int64

	// Open returns a reader over the kept bytes.
	Open() (io.ReadCloser, error)

	// Release frees the capture.
	Release() error
}
