package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultChunkSizeBytes = 255 * 1024
	DefaultBucketName     = "uploads"
	DefaultMaxPreviewRows = 1000
	DefaultStagingMaxSize = 32 << 20
	DefaultServerAddr     = "127.0.0.1:8080"
)

// Config represents the main configuration for sheetvault.
type Config struct {
	BaseDir     string            `toml:"base_dir"`
	LogDir      string            `toml:"log_dir"`
	LogLevel    string            `toml:"log_level,omitempty"` // debug, info (default), warn or error
	Server      ServerConfig      `toml:"server"`
	Auth        AuthConfig        `toml:"auth"`
	Database    DatabaseConfig    `toml:"database"`
	ObjectStore ObjectStoreConfig `toml:"object_store"`
	Staging     StagingConfig     `toml:"staging"`
	Preview     PreviewConfig     `toml:"preview"`
	Encryption  EncryptionConfig  `toml:"encryption"`
	Notify      NotifyConfig      `toml:"notify"`
	Summarizer  SummarizerConfig  `toml:"summarizer"`
}

// ServerConfig holds HTTP listener settings. Timeouts are Go duration strings.
type ServerConfig struct {
	Addr            string `toml:"addr"`
	ReadTimeout     string `toml:"read_timeout,omitempty"`
	WriteTimeout    string `toml:"write_timeout,omitempty"`
	ShutdownTimeout string `toml:"shutdown_timeout,omitempty"`
}

// AuthConfig names the environment variable holding the HS256 token secret.
type AuthConfig struct {
	JWTSecretEnv string `toml:"jwt_secret_env"`
}

// DatabaseConfig represents configuration for the metadata store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type          string `toml:"type"`                     // "sqlite", "memory" or "mongo"
	DataDir       string `toml:"data_dir,omitempty"`       // only used for type=sqlite
	MongoURI      string `toml:"mongo_uri,omitempty"`      // only used for type=mongo
	MongoDatabase string `toml:"mongo_database,omitempty"` // only used for type=mongo
}

// ObjectStoreConfig represents configuration for the chunked blob store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ObjectStoreConfig struct {
	Type           string `toml:"type"` // "memory", "sqlite", "filesystem", "gridfs" or "s3"
	BucketName     string `toml:"bucket_name"`
	ChunkSizeBytes int    `toml:"chunk_size_bytes"`

	// Only used when Type == "sqlite" or "filesystem"; filesystem blobs live under DataDir/BucketName
	DataDir string `toml:"data_dir,omitempty"`

	// GridFS-specific fields (only used when Type == "gridfs"); default to the database's
	MongoURI      string `toml:"mongo_uri,omitempty"`
	MongoDatabase string `toml:"mongo_database,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket       string `toml:"s3_bucket,omitempty"`
	S3Prefix       string `toml:"s3_prefix,omitempty"`
	S3Region       string `toml:"s3_region,omitempty"`
	S3Endpoint     string `toml:"s3_endpoint,omitempty"`
	S3UsePathStyle bool   `toml:"s3_use_path_style,omitempty"`
	S3AccessKeyEnv string `toml:"s3_access_key_env,omitempty"` // static credentials; default chain when unset
	S3SecretKeyEnv string `toml:"s3_secret_key_env,omitempty"`
}

// StagingConfig represents configuration for the upload staging area.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StagingConfig struct {
	Type       string `toml:"type"`                  // "memory" or "filesystem"
	StagingDir string `toml:"staging_dir,omitempty"` // only used for type=filesystem
	MaxSize    int64  `toml:"max_size"`              // uploads larger than this are stored but not parsed
}

// PreviewConfig bounds the parsed rows kept on each record.
type PreviewConfig struct {
	MaxRows int `toml:"max_rows"`
}

// EncryptionConfig holds the age key pair used to encrypt blobs at rest.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" (default), "age" or "test"
	PublicKeyPath  string `toml:"public_key_path,omitempty"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`
	PassphraseEnv  string `toml:"passphrase_env,omitempty"` // unlocks the private key for reads
}

// NotifyConfig selects the lifecycle notification sink.
type NotifyConfig struct {
	Type          string `toml:"type"` // "none" (default), "websocket" or "redis"
	RedisAddr     string `toml:"redis_addr,omitempty"`
	RedisPassword string `toml:"redis_password,omitempty"`
	RedisDB       int    `toml:"redis_db,omitempty"`
	RedisPrefix   string `toml:"redis_prefix,omitempty"`
}

// SummarizerConfig selects the insight generator.
type SummarizerConfig struct {
	Type      string `toml:"type"` // "none" (default) or "openai"
	BaseURL   string `toml:"base_url,omitempty"`
	Model     string `toml:"model,omitempty"`
	APIKeyEnv string `toml:"api_key_env,omitempty"`
	Timeout   string `toml:"timeout,omitempty"`
	MaxRows   int    `toml:"max_rows,omitempty"` // rows sent to the model
}

// NewConfig creates a new Config rooted at baseDir with default settings.
func NewConfig(baseDir string) *Config {
	cfg := &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Server:  ServerConfig{Addr: DefaultServerAddr},
		Auth:    AuthConfig{JWTSecretEnv: "SHEETVAULT_JWT_SECRET"},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		ObjectStore: ObjectStoreConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Staging: StagingConfig{Type: "memory"},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "sheetvault.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "sheetvault.key"),
			PassphraseEnv:  "SHEETVAULT_PASSPHRASE",
		},
		Notify:     NotifyConfig{Type: "websocket"},
		Summarizer: SummarizerConfig{Type: "none"},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued settings.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.ObjectStore.BucketName == "" {
		c.ObjectStore.BucketName = DefaultBucketName
	}
	if c.ObjectStore.ChunkSizeBytes == 0 {
		c.ObjectStore.ChunkSizeBytes = DefaultChunkSizeBytes
	}
	if c.ObjectStore.MongoURI == "" {
		c.ObjectStore.MongoURI = c.Database.MongoURI
	}
	if c.ObjectStore.MongoDatabase == "" {
		c.ObjectStore.MongoDatabase = c.Database.MongoDatabase
	}
	if c.Staging.Type == "" {
		c.Staging.Type = "memory"
	}
	if c.Staging.MaxSize == 0 {
		c.Staging.MaxSize = DefaultStagingMaxSize
	}
	if c.Preview.MaxRows == 0 {
		c.Preview.MaxRows = DefaultMaxPreviewRows
	}
	if c.Encryption.Type == "" {
		c.Encryption.Type = "none"
	}
	if c.Notify.Type == "" {
		c.Notify.Type = "none"
	}
	if c.Notify.RedisPrefix == "" {
		c.Notify.RedisPrefix = "sheetvault"
	}
	if c.Summarizer.Type == "" {
		c.Summarizer.Type = "none"
	}
	if c.Summarizer.MaxRows == 0 {
		c.Summarizer.MaxRows = 50
	}
}

// Validate rejects unknown backend types and missing required fields.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", c.LogLevel)
	}

	switch c.Database.Type {
	case "memory":
	case "sqlite":
		if c.Database.DataDir == "" {
			return fmt.Errorf("database: data_dir required for sqlite")
		}
	case "mongo":
		if c.Database.MongoURI == "" || c.Database.MongoDatabase == "" {
			return fmt.Errorf("database: mongo_uri and mongo_database required for mongo")
		}
	default:
		return fmt.Errorf("database: unknown type %q", c.Database.Type)
	}

	if c.ObjectStore.ChunkSizeBytes <= 0 {
		return fmt.Errorf("object_store: chunk_size_bytes must be positive")
	}
	switch c.ObjectStore.Type {
	case "memory":
	case "sqlite", "filesystem":
		if c.ObjectStore.DataDir == "" {
			return fmt.Errorf("object_store: data_dir required for %s", c.ObjectStore.Type)
		}
	case "gridfs":
		if c.ObjectStore.MongoURI == "" || c.ObjectStore.MongoDatabase == "" {
			return fmt.Errorf("object_store: mongo_uri and mongo_database required for gridfs")
		}
	case "s3":
		if c.ObjectStore.S3Bucket == "" {
			return fmt.Errorf("object_store: s3_bucket required for s3")
		}
	default:
		return fmt.Errorf("object_store: unknown type %q", c.ObjectStore.Type)
	}

	switch c.Staging.Type {
	case "memory":
	case "filesystem":
		if c.Staging.StagingDir == "" {
			return fmt.Errorf("staging: staging_dir required for filesystem")
		}
	default:
		return fmt.Errorf("staging: unknown type %q", c.Staging.Type)
	}
	if c.Staging.MaxSize <= 0 {
		return fmt.Errorf("staging: max_size must be positive")
	}
	if c.Preview.MaxRows <= 0 {
		return fmt.Errorf("preview: max_rows must be positive")
	}

	switch c.Encryption.Type {
	case "none", "test":
	case "age":
		if c.Encryption.PublicKeyPath == "" || c.Encryption.PrivateKeyPath == "" {
			return fmt.Errorf("encryption: key paths required for age")
		}
	default:
		return fmt.Errorf("encryption: unknown type %q", c.Encryption.Type)
	}

	switch c.Notify.Type {
	case "none", "websocket":
	case "redis":
		if c.Notify.RedisAddr == "" {
			return fmt.Errorf("notify: redis_addr required for redis")
		}
	default:
		return fmt.Errorf("notify: unknown type %q", c.Notify.Type)
	}

	switch c.Summarizer.Type {
	case "none":
	case "openai":
		if c.Summarizer.BaseURL == "" || c.Summarizer.Model == "" {
			return fmt.Errorf("summarizer: base_url and model required for openai")
		}
	default:
		return fmt.Errorf("summarizer: unknown type %q", c.Summarizer.Type)
	}

	for name, value := range map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"summarizer.timeout":      c.Summarizer.Timeout,
	} {
		if _, err := ParseDuration(value, 0); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// ParseDuration parses a config duration, returning fallback for "".
func ParseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	return d, nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path and applies defaults.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
