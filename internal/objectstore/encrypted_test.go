package objectstore

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"sheetvault/internal/config"
	"sheetvault/internal/encryption"
	"sheetvault/internal/sv"
)

func ageConfig(dir string) config.EncryptionConfig {
	return config.EncryptionConfig{
		Type:           "age",
		PublicKeyPath:  filepath.Join(dir, "sheetvault.pub"),
		PrivateKeyPath: filepath.Join(dir, "sheetvault.key"),
	}
}

func TestEncryptedStore(t *testing.T) {
	testObjectStore(t, func(t *testing.T) sv.ObjectStore {
		enc := encryption.NewTestEncryptor()
		dec, _ := enc.Unlock("")
		return NewEncryptedStore(NewMemoryStore(16, newStepClock(), &seqIDs{}), enc, dec)
	})
}

func TestEncryptedStore_InnerHoldsCiphertext(t *testing.T) {
	inner := NewMemoryStore(16, newStepClock(), &seqIDs{})
	enc := encryption.NewTestEncryptor()
	dec, _ := enc.Unlock("")
	s := NewEncryptedStore(inner, enc, dec)

	plain := []byte("region,total\nnorth,10\n")
	id := putBlob(t, s, "a.csv", "u1", plain)

	raw := readBlob(t, inner, id)
	if bytes.Equal(raw, plain) {
		t.Fatal("inner store holds plaintext")
	}
	if got := readBlob(t, s, id); !bytes.Equal(got, plain) {
		t.Errorf("decrypted = %q, want %q", got, plain)
	}
}

func TestEncryptedStore_Locked(t *testing.T) {
	s := NewEncryptedStore(NewMemoryStore(16, nil, nil), encryption.NewTestEncryptor(), nil)
	id := putBlob(t, s, "a.csv", "u1", []byte("secret"))

	if _, err := s.OpenReadStream(context.Background(), id); !errors.Is(err, ErrLocked) {
		t.Errorf("OpenReadStream() error = %v, want ErrLocked", err)
	}
}

func TestEncryptedStore_Age(t *testing.T) {
	dir := t.TempDir()
	enc := encryption.NewAgeEncryptor(ageConfig(dir))
	if err := enc.Setup("correct horse"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	store, err := WithEncryption(NewMemoryStore(64, nil, nil), enc, "correct horse")
	if err != nil {
		t.Fatalf("WithEncryption() error = %v", err)
	}
	data := bytes.Repeat([]byte("a,b,c\n"), 1000)
	id := putBlob(t, store, "a.csv", "u1", data)
	if got := readBlob(t, store, id); !bytes.Equal(got, data) {
		t.Errorf("read %d bytes, want %d", len(got), len(data))
	}

	if _, err := WithEncryption(NewMemoryStore(64, nil, nil), enc, "wrong"); err == nil {
		t.Error("WithEncryption() with wrong passphrase succeeded")
	}
}

func TestWithEncryption_None(t *testing.T) {
	inner := NewMemoryStore(16, nil, nil)
	got, err := WithEncryption(inner, nil, "")
	if err != nil {
		t.Fatalf("WithEncryption() error = %v", err)
	}
	if got != Store(inner) {
		t.Error("WithEncryption(nil) did not return the inner store")
	}
}
