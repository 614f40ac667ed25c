package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const captureFilePattern = "upload-*.part"

// FileSystemStagingArea keeps each capture in its own temporary file so that
// large previews do not sit in memory.
//
// Directory structure:
//
//	<staging_dir>/
//	  upload-<random>.part    (one per upload in flight)
type FileSystemStagingArea struct {
	stagingArea
	stagingDir string
}

// NewFileSystemStagingArea creates a new filesystem-based staging area.
// Capture files left behind by a previous process are removed.
// maxSize is the per-upload capture limit in bytes; must be positive.
func NewFileSystemStagingArea(stagingDir string, maxSize int64) (*FileSystemStagingArea, error) {
	if err := os.MkdirAll(stagingDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	stale, err := filepath.Glob(filepath.Join(stagingDir, captureFilePattern))
	if err != nil {
		return nil, fmt.Errorf("scanning staging directory: %w", err)
	}
	for _, path := range stale {
		os.Remove(path)
	}

	return &FileSystemStagingArea{
		stagingArea: stagingArea{store: fileStore{dir: stagingDir}, maxSize: maxSize},
		stagingDir:  stagingDir,
	}, nil
}

type fileStore struct {
	dir string
}

func (s fileStore) Create(name string) (captureBuffer, error) {
	f, err := os.CreateTemp(s.dir, captureFilePattern)
	if err != nil {
		return nil, err
	}
	return &fileBuffer{f: f}, nil
}

type fileBuffer struct {
	f *os.File
}

func (b *fileBuffer) Write(p []byte) (int, error) {
	return b.f.Write(p)
}

// Open reads through a second handle so the write position is untouched.
func (b *fileBuffer) Open() (io.ReadCloser, error) {
	return os.Open(b.f.Name())
}

func (b *fileBuffer) Remove() error {
	b.f.Close()
	if err := os.Remove(b.f.Name()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing capture file: %w", err)
	}
	return nil
}
