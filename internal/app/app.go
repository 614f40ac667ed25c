package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"sheetvault/internal/config"
	"sheetvault/internal/database"
	"sheetvault/internal/encryption"
	"sheetvault/internal/httpapi"
	"sheetvault/internal/notify"
	"sheetvault/internal/objectstore"
	"sheetvault/internal/parser"
	"sheetvault/internal/staging"
	"sheetvault/internal/summarize"
	"sheetvault/internal/sv"
)

// App is the application layer between the CLI and the upload service.
// It constructs all dependencies from config, exposes the operations the
// commands need, and releases every resource on Close.
type App struct {
	cfg       *config.Config
	db        database.Store
	gate      *sv.Gate
	staging   staging.Area
	encryptor sv.Encryptor
	hub       *notify.Hub
	redis     *notify.RedisNotifier
	service   *sv.UploadService
	logger    *slog.Logger
	log       sv.Logger
	logFile   *os.File
	op        *Operation

	mu    sync.Mutex
	store objectstore.Store
}

// New creates a fully wired App from the given config. command names the CLI
// command being run and tags the log lines it writes. The object store is not
// opened until Open or Serve. The caller must call Close when done.
func New(ctx context.Context, cfg *config.Config, command string) (*App, error) {
	op := NewOperation(command, time.Now())
	logger, logFile, err := newLogger(cfg.LogDir, op.ID, parseLevel(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	a := &App{cfg: cfg, gate: sv.NewGate(), logger: logger, log: log, logFile: logFile, op: op}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	db, err := database.NewDatabaseFromConfig(ctx, cfg.Database, sv.RealClock{})
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	a.db = db
	if err := db.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema out of date: %w", err)
	}

	a.encryptor, err = encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}

	a.staging, err = staging.NewStagingAreaFromConfig(cfg.Staging)
	if err != nil {
		return fmt.Errorf("creating staging area: %w", err)
	}

	var summarizer sv.Summarizer
	client, err := summarize.NewFromConfig(cfg.Summarizer)
	if err != nil {
		return fmt.Errorf("creating summarizer: %w", err)
	}
	if client != nil {
		summarizer = client
	}

	notifier, err := a.buildNotifier(ctx)
	if err != nil {
		return err
	}

	a.service = sv.NewUploadService(sv.UploadServiceConfig{
		Gate:           a.gate,
		Records:        db,
		Staging:        a.staging,
		Parser:         parser.New(cfg.Preview.MaxRows),
		Summarizer:     summarizer,
		Notifier:       notifier,
		Logger:         a.log,
		Clock:          sv.RealClock{},
		MaxPreviewRows: cfg.Preview.MaxRows,
	})
	return nil
}

// buildNotifier returns the sink for lifecycle events. With redis, events are
// published to redis and Serve relays them back into the local hub.
func (a *App) buildNotifier(ctx context.Context) (sv.Notifier, error) {
	switch a.cfg.Notify.Type {
	case "none":
		return sv.NopNotifier{}, nil
	case "websocket":
		a.hub = notify.NewHub(a.log)
		return a.hub, nil
	case "redis":
		client, err := notify.DialRedis(ctx, a.cfg.Notify.RedisAddr, a.cfg.Notify.RedisPassword, a.cfg.Notify.RedisDB)
		if err != nil {
			return nil, err
		}
		a.hub = notify.NewHub(a.log)
		a.redis = notify.NewRedisNotifier(client, a.cfg.Notify.RedisPrefix, a.log)
		return a.redis, nil
	default:
		return nil, fmt.Errorf("unknown notify type: %s", a.cfg.Notify.Type)
	}
}

// Open moves the gate to Ready: it pings the database and opens the object
// store once. Commands that touch blobs call it before using the service.
func (a *App) Open(ctx context.Context) error {
	return a.gate.Initialize(ctx, a.db, a.openStore)
}

func (a *App) openStore(ctx context.Context) (sv.ObjectStore, error) {
	store, err := objectstore.NewObjectStoreFromConfig(ctx, a.cfg.ObjectStore, sv.RealClock{}, sv.UUIDGenerator{})
	if err != nil {
		return nil, err
	}
	wrapped, err := objectstore.WithEncryption(store, a.encryptor, a.passphrase())
	if err != nil {
		store.Close()
		return nil, err
	}

	a.mu.Lock()
	a.store = wrapped
	a.mu.Unlock()

	a.log.Info("object store ready", "type", a.cfg.ObjectStore.Type, "encrypted", a.encryptor != nil)
	return wrapped, nil
}

func (a *App) passphrase() string {
	if a.cfg.Encryption.PassphraseEnv == "" {
		return ""
	}
	return os.Getenv(a.cfg.Encryption.PassphraseEnv)
}

func (a *App) jwtSecret() ([]byte, error) {
	name := a.cfg.Auth.JWTSecretEnv
	secret := os.Getenv(name)
	if secret == "" {
		return nil, fmt.Errorf("token secret not set: export %s", name)
	}
	return []byte(secret), nil
}

// Requester resolves the role of accountID from the account directory.
func (a *App) Requester(ctx context.Context, accountID string) (sv.Requester, error) {
	role, err := a.db.RoleOf(ctx, accountID)
	if err != nil {
		return sv.Requester{}, fmt.Errorf("resolving account %q: %w", accountID, err)
	}
	return sv.Requester{ID: accountID, Role: role}, nil
}

func (a *App) scope(requester sv.Requester) *sv.Scope {
	return sv.ScopeFor(requester, a.service, a.db)
}

// AddAccount registers accountID with role, or changes the role of an
// existing account.
func (a *App) AddAccount(ctx context.Context, accountID string, role sv.Role) error {
	if accountID == "" {
		return &sv.ValidationError{Field: "id", Reason: "required"}
	}
	return a.db.PutAccount(ctx, &sv.Account{ID: accountID, Role: role, CreatedAt: time.Now().UTC()})
}

// ListAccounts returns every registered account.
func (a *App) ListAccounts(ctx context.Context) ([]*sv.Account, error) {
	return a.db.ListAccounts(ctx)
}

// Token issues an API token for a registered account.
func (a *App) Token(ctx context.Context, accountID string, ttl time.Duration) (string, error) {
	requester, err := a.Requester(ctx, accountID)
	if err != nil {
		return "", err
	}
	secret, err := a.jwtSecret()
	if err != nil {
		return "", err
	}
	return httpapi.IssueToken(secret, requester.ID, requester.Role, ttl, time.Now())
}

// Upload stores the file at path for requester. The content type comes
// from the file extension.
func (a *App) Upload(ctx context.Context, requester sv.Requester, path string) (*sv.UploadRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return a.service.Upload(ctx, sv.UploadRequest{
		OwnerID:     requester.ID,
		Name:        filepath.Base(path),
		ContentType: contentType,
		Body:        f,
	})
}

// List returns the records of ownerID visible to requester.
func (a *App) List(ctx context.Context, requester sv.Requester, ownerID string) ([]*sv.UploadRecord, error) {
	return a.scope(requester).List(ctx, requester, ownerID)
}

// Get returns one record.
func (a *App) Get(ctx context.Context, requester sv.Requester, recordID string) (*sv.UploadRecord, error) {
	return a.scope(requester).GetOne(ctx, requester, recordID)
}

// Download copies the stored bytes of recordID to dest. An empty dest means
// the original file name in the current directory. Returns the written path.
func (a *App) Download(ctx context.Context, requester sv.Requester, recordID, dest string) (string, error) {
	dl, err := a.scope(requester).Read(ctx, requester, recordID)
	if err != nil {
		return "", err
	}
	defer dl.Body.Close()

	if dest == "" {
		dest = filepath.Base(dl.Filename)
	}
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", dest, err)
	}
	if _, err := f.ReadFrom(dl.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return "", fmt.Errorf("writing %s: %w", dest, err)
	}
	return dest, f.Close()
}

// Delete soft-deletes (owner) or purges (privileged requester) a record.
func (a *App) Delete(ctx context.Context, requester sv.Requester, recordID string) (*sv.DeleteResult, error) {
	return a.scope(requester).Remove(ctx, requester, recordID)
}

// Stats returns the dashboard counts of ownerID.
func (a *App) Stats(ctx context.Context, requester sv.Requester, ownerID string) (*sv.OwnerStats, error) {
	return a.scope(requester).Stats(ctx, requester, ownerID)
}

// Reconcile compares the blobs and records of ownerID.
func (a *App) Reconcile(ctx context.Context, requester sv.Requester, ownerID string, purge bool) (*sv.ReconcileReport, error) {
	return a.scope(requester).Reconcile(ctx, requester, ownerID, purge)
}

// Finish records the outcome of the command in the log.
func (a *App) Finish(err error) {
	a.op.Finish(err)
	elapsed := time.Since(a.op.StartedAt).Round(time.Millisecond)
	if err != nil {
		a.log.Error("command failed", "command", a.op.Name, "elapsed", elapsed, "error", err)
		return
	}
	a.log.Info("command finished", "command", a.op.Name, "elapsed", elapsed)
}

// Close releases the object store, notifier, database and log file.
func (a *App) Close() error {
	var errs []error

	a.mu.Lock()
	store := a.store
	a.store = nil
	a.mu.Unlock()
	if store != nil {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing object store: %w", err))
		}
	}

	if a.hub != nil {
		a.hub.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing redis: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}
