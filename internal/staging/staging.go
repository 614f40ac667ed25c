package staging

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"sheetvault/internal/sv"
)

var errReleased = errors.New("staged upload already released")

// stagingArea implements sv.StagingArea using a pluggable stagingStore
// for the storage mechanics. All shared algorithm logic lives here.
type stagingArea struct {
	store   stagingStore
	maxSize int64

	mu     sync.Mutex
	active int
	held   int64
}

var _ sv.StagingArea = (*stagingArea)(nil)

// Begin starts capturing one upload.
func (s *stagingArea) Begin(name string) (sv.StagedUpload, error) {
	buf, err := s.store.Create(name)
	if err != nil {
		return nil, fmt.Errorf("creating staging buffer: %w", err)
	}
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	return &stagedUpload{area: s, buf: buf}, nil
}

// Count returns the number of captures not yet released.
func (s *stagingArea) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Size returns the bytes held by captures not yet released.
func (s *stagingArea) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

func (s *stagingArea) grow(n int64) {
	s.mu.Lock()
	s.held += n
	s.mu.Unlock()
}

func (s *stagingArea) release(size int64) {
	s.mu.Lock()
	s.active--
	s.held -= size
	s.mu.Unlock()
}

// stagedUpload keeps at most maxSize bytes. Bytes past the limit, and
// everything after a buffer write error, are dropped and the capture is
// marked truncated; the upload itself is never failed by staging.
type stagedUpload struct {
	area      *stagingArea
	buf       captureBuffer
	size      int64
	truncated bool
	released  bool
	err       error
}

func (u *stagedUpload) Write(p []byte) (int, error) {
	if u.truncated || u.released {
		return len(p), nil
	}
	keep := p
	if room := u.area.maxSize - u.size; int64(len(keep)) > room {
		keep = keep[:room]
		u.truncated = true
	}
	if len(keep) > 0 {
		n, err := u.buf.Write(keep)
		u.size += int64(n)
		u.area.grow(int64(n))
		if err != nil {
			u.truncated = true
			u.err = err
		}
	}
	return len(p), nil
}

func (u *stagedUpload) Truncated() bool { return u.truncated }

func (u *stagedUpload) Size() int64 { return u.size }

// Err returns the buffer error that stopped the capture, if any.
func (u *stagedUpload) Err() error { return u.err }

func (u *stagedUpload) Open() (io.ReadCloser, error) {
	if u.released {
		return nil, errReleased
	}
	return u.buf.Open()
}

// Release discards the capture. Calling it twice is a no-op.
func (u *stagedUpload) Release() error {
	if u.released {
		return nil
	}
	u.released = true
	u.area.release(u.size)
	return u.buf.Remove()
}
