package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"sheetvault/internal/sv"
)

// ErrLocked is returned by reads on an EncryptedStore opened without a
// decryption context.
var ErrLocked = errors.New("object store is locked: no decryption key loaded")

// EncryptedStore encrypts blob content on its way into an inner store and
// decrypts it on the way out. Chunking, ids and listing are the inner store's;
// lengths reported by ListByOwner are ciphertext lengths.
type EncryptedStore struct {
	inner sv.ObjectStore
	enc   sv.Encryptor
	dec   sv.DecryptionContext
}

// NewEncryptedStore wraps inner. dec may be nil for a write-only store.
func NewEncryptedStore(inner sv.ObjectStore, enc sv.Encryptor, dec sv.DecryptionContext) *EncryptedStore {
	return &EncryptedStore{inner: inner, enc: enc, dec: dec}
}

func (s *EncryptedStore) OpenWriteStream(ctx context.Context, name, contentType, ownerID string) (sv.WriteStream, error) {
	ws, err := s.inner.OpenWriteStream(ctx, name, contentType, ownerID)
	if err != nil {
		return nil, err
	}
	ew, err := s.enc.EncryptWriter(ws)
	if err != nil {
		ws.Abort()
		return nil, fmt.Errorf("starting encryption: %w", err)
	}
	return &encryptedWriteStream{inner: ws, enc: ew}, nil
}

func (s *EncryptedStore) OpenReadStream(ctx context.Context, blobID string) (io.ReadCloser, error) {
	if s.dec == nil {
		return nil, ErrLocked
	}
	rc, err := s.inner.OpenReadStream(ctx, blobID)
	if err != nil {
		return nil, err
	}
	plain, err := s.dec.DecryptReader(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("decrypting blob %s: %w", blobID, err)
	}
	return &decryptedReader{Reader: plain, closer: rc}, nil
}

func (s *EncryptedStore) Delete(ctx context.Context, blobID string) error {
	return s.inner.Delete(ctx, blobID)
}

func (s *EncryptedStore) ListByOwner(ctx context.Context, ownerID string) ([]*sv.BlobInfo, error) {
	return s.inner.ListByOwner(ctx, ownerID)
}

// Close closes the inner store when it has a Close method.
func (s *EncryptedStore) Close() error {
	if c, ok := s.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type encryptedWriteStream struct {
	inner sv.WriteStream
	enc   io.WriteCloser
}

func (ws *encryptedWriteStream) Write(p []byte) (int, error) {
	return ws.enc.Write(p)
}

// Close flushes the final encrypted block into the inner stream, then commits it.
func (ws *encryptedWriteStream) Close() error {
	if err := ws.enc.Close(); err != nil {
		return fmt.Errorf("finishing encryption: %w", err)
	}
	return ws.inner.Close()
}

func (ws *encryptedWriteStream) Abort() error {
	return ws.inner.Abort()
}

func (ws *encryptedWriteStream) BlobID() string {
	return ws.inner.BlobID()
}

type decryptedReader struct {
	io.Reader
	closer io.Closer
}

func (r *decryptedReader) Close() error {
	return r.closer.Close()
}

// Compile-time check that EncryptedStore implements sv.ObjectStore
var _ sv.ObjectStore = (*EncryptedStore)(nil)
