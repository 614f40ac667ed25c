package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"sheetvault/internal/config"
	"sheetvault/internal/sv"
)

// Store is an ObjectStore that owns releasable resources.
type Store interface {
	sv.ObjectStore
	Close() error
}

// NewObjectStoreFromConfig creates a Store implementation based on the object store config type.
func NewObjectStoreFromConfig(ctx context.Context, cfg config.ObjectStoreConfig, clock sv.Clock, idgen sv.IDGenerator) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(cfg.ChunkSizeBytes, clock, idgen), nil
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite object store")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return OpenSQLiteStore(filepath.Join(cfg.DataDir, "sheetvault.db"), cfg.ChunkSizeBytes, clock, idgen)
	case "filesystem":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for filesystem object store")
		}
		return NewFileSystemStore(filepath.Join(cfg.DataDir, cfg.BucketName), cfg.ChunkSizeBytes, clock, idgen)
	case "gridfs":
		if cfg.MongoURI == "" || cfg.MongoDatabase == "" {
			return nil, fmt.Errorf("mongo_uri and mongo_database required for gridfs object store")
		}
		return OpenGridFSStore(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.BucketName, cfg.ChunkSizeBytes)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3_bucket required for s3 object store")
		}
		client, err := NewS3Client(ctx, S3Options{
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3UsePathStyle,
			AccessKey:    envValue(cfg.S3AccessKeyEnv),
			SecretKey:    envValue(cfg.S3SecretKeyEnv),
		})
		if err != nil {
			return nil, err
		}
		return NewS3Store(client, cfg.S3Bucket, cfg.S3Prefix, cfg.ChunkSizeBytes, idgen), nil
	default:
		return nil, fmt.Errorf("unknown object store type: %s", cfg.Type)
	}
}

// WithEncryption wraps store when enc is set. The passphrase unlocks reads;
// an empty passphrase yields a write-only store.
func WithEncryption(store Store, enc sv.Encryptor, passphrase string) (Store, error) {
	if enc == nil {
		return store, nil
	}
	if !enc.IsConfigured() {
		return nil, fmt.Errorf("encryption keys not found; run 'sheetvault config init' first")
	}
	var dec sv.DecryptionContext
	if passphrase != "" {
		var err error
		dec, err = enc.Unlock(passphrase)
		if err != nil {
			return nil, fmt.Errorf("unlocking encryption key: %w", err)
		}
	}
	return NewEncryptedStore(store, enc, dec), nil
}

func envValue(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}
