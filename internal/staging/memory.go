package staging

import (
	"bytes"
	"io"
)

// MemoryStagingArea keeps captures in memory, making it useful for testing
// and for small deployments.
// This implementation is safe for concurrent use.
type MemoryStagingArea struct {
	stagingArea
}

// NewMemoryStagingArea creates a new in-memory staging area.
// maxSize is the per-upload capture limit in bytes; must be positive.
func NewMemoryStagingArea(maxSize int64) *MemoryStagingArea {
	return &MemoryStagingArea{stagingArea{store: memoryStore{}, maxSize: maxSize}}
}

type memoryStore struct{}

func (memoryStore) Create(name string) (captureBuffer, error) {
	return &memoryBuffer{}, nil
}

type memoryBuffer struct {
	buf bytes.Buffer
}

func (b *memoryBuffer) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

func (b *memoryBuffer) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.buf.Bytes())), nil
}

func (b *memoryBuffer) Remove() error {
	b.buf = bytes.Buffer{}
	return nil
}
