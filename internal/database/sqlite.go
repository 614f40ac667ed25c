package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sheetvault/internal/database/migrations"
	"sheetvault/internal/sv"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements sv.MetadataStore and sv.AccountDirectory using SQLite.
type SQLiteDatabase struct {
	db    *sql.DB
	clock sv.Clock
	idgen sv.IDGenerator
}

// NewSQLiteDatabase opens the database at path, applies pending migrations
// and returns a ready store. path can be a file path or ":memory:".
// A nil clock or idgen selects the real implementation.
func NewSQLiteDatabase(path string, clock sv.Clock, idgen sv.IDGenerator) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db, migrations.Metadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating metadata schema: %w", err)
	}

	if clock == nil {
		clock = sv.RealClock{}
	}
	if idgen == nil {
		idgen = sv.UUIDGenerator{}
	}
	return &SQLiteDatabase{db: db, clock: clock, idgen: idgen}, nil
}

// OpenConnection opens and configures a SQLite database connection.
// In-memory databases are pinned to one connection so every query sees the
// same database; file databases wait on locks instead of failing.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

const uploadColumns = `id, owner_id, original_name, object_store_id, content_type, size_bytes,
	columns_json, preview_json, total_rows, insight_text, parsed_at, deleted, deleted_at,
	created_at, updated_at`

// Upload operations

func (s *SQLiteDatabase) Create(ctx context.Context, record *sv.UploadRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	columnsJSON, previewJSON, err := encodePreview(record)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	id := s.idgen.New()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO uploads (`+uploadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)`,
		id, record.OwnerID, record.OriginalName, record.ObjectStoreID, record.ContentType, record.SizeBytes,
		columnsJSON, previewJSON, record.TotalRows, record.InsightText, nullTime(record.ParsedAt),
		now, now)
	if err != nil {
		return sv.StorageError("inserting upload record", err)
	}

	record.ID = id
	record.Deleted = false
	record.DeletedAt = nil
	record.CreatedAt = now
	record.UpdatedAt = now
	return nil
}

func (s *SQLiteDatabase) FindByID(ctx context.Context, id string) (*sv.UploadRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = ?`, id)
	record, err := scanUpload(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sv.ErrRecordNotFound
		}
		return nil, sv.StorageError("finding upload record", err)
	}
	return record, nil
}

func (s *SQLiteDatabase) FindByOwner(ctx context.Context, ownerID string, includeDeleted bool) ([]*sv.UploadRecord, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploads WHERE owner_id = ?`
	if !includeDeleted {
		query += ` AND deleted = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return s.queryUploads(ctx, query, ownerID)
}

func (s *SQLiteDatabase) FindAll(ctx context.Context, includeDeleted bool) ([]*sv.UploadRecord, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploads`
	if !includeDeleted {
		query += ` WHERE deleted = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return s.queryUploads(ctx, query)
}

func (s *SQLiteDatabase) queryUploads(ctx context.Context, query string, args ...any) ([]*sv.UploadRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sv.StorageError("querying upload records", err)
	}
	defer rows.Close()

	var records []*sv.UploadRecord
	for rows.Next() {
		record, err := scanUpload(rows)
		if err != nil {
			return nil, sv.StorageError("scanning upload record", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, sv.StorageError("iterating upload records", err)
	}
	return records, nil
}

func (s *SQLiteDatabase) CountByOwner(ctx context.Context, ownerID string, includeDeleted bool) (int, error) {
	query := `SELECT COUNT(*) FROM uploads WHERE owner_id = ?`
	if !includeDeleted {
		query += ` AND deleted = 0`
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, ownerID).Scan(&n); err != nil {
		return 0, sv.StorageError("counting upload records", err)
	}
	return n, nil
}

// SoftDelete flips deleted with one conditional UPDATE, so of two racing
// callers exactly one changes a row.
func (s *SQLiteDatabase) SoftDelete(ctx context.Context, id string, at time.Time) (*sv.UploadRecord, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE uploads SET deleted = 1, deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted = 0`, at, at, id)
	if err != nil {
		return nil, sv.StorageError("soft-deleting upload record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, sv.StorageError("soft-deleting upload record", err)
	}

	record, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, sv.ErrAlreadyDeleted
	}
	return record, nil
}

func (s *SQLiteDatabase) HardDelete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, id)
	if err != nil {
		return sv.StorageError("deleting upload record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sv.StorageError("deleting upload record", err)
	}
	if n == 0 {
		return sv.ErrRecordNotFound
	}
	return nil
}

func (s *SQLiteDatabase) UpdateInsight(ctx context.Context, id string, text string, at time.Time) (*sv.UploadRecord, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE uploads SET insight_text = ?, updated_at = ? WHERE id = ?`, text, at, id)
	if err != nil {
		return nil, sv.StorageError("updating insight", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, sv.ErrRecordNotFound
	}
	return s.FindByID(ctx, id)
}

// Account operations

func (s *SQLiteDatabase) RoleOf(ctx context.Context, accountID string) (sv.Role, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM accounts WHERE id = ?`, accountID).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", sv.ErrAccountNotFound
		}
		return "", sv.StorageError("finding account", err)
	}
	return sv.Role(role), nil
}

func (s *SQLiteDatabase) PutAccount(ctx context.Context, account *sv.Account) error {
	if strings.TrimSpace(account.ID) == "" {
		return &sv.ValidationError{Field: "id", Reason: "required"}
	}
	if !account.Role.Valid() {
		return &sv.ValidationError{Field: "role", Reason: "unknown role " + string(account.Role)}
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, role, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET role = excluded.role`,
		account.ID, string(account.Role), account.CreatedAt)
	if err != nil {
		return sv.StorageError("storing account", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListAccounts(ctx context.Context) ([]*sv.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, role, created_at FROM accounts ORDER BY id`)
	if err != nil {
		return nil, sv.StorageError("listing accounts", err)
	}
	defer rows.Close()

	var accounts []*sv.Account
	for rows.Next() {
		var a sv.Account
		var role string
		if err := rows.Scan(&a.ID, &role, &a.CreatedAt); err != nil {
			return nil, sv.StorageError("scanning account", err)
		}
		a.Role = sv.Role(role)
		accounts = append(accounts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, sv.StorageError("iterating accounts", err)
	}
	return accounts, nil
}

// Ping reports whether the connection is usable.
func (s *SQLiteDatabase) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return sv.StorageError("pinging database", err)
	}
	return nil
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db, migrations.Metadata)
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (*sv.UploadRecord, error) {
	var (
		r           sv.UploadRecord
		columnsJSON string
		previewJSON string
		parsedAt    sql.NullTime
		deletedAt   sql.NullTime
	)
	err := row.Scan(&r.ID, &r.OwnerID, &r.OriginalName, &r.ObjectStoreID, &r.ContentType, &r.SizeBytes,
		&columnsJSON, &previewJSON, &r.TotalRows, &r.InsightText, &parsedAt, &r.Deleted, &deletedAt,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(columnsJSON), &r.Columns); err != nil {
		return nil, fmt.Errorf("decoding columns: %w", err)
	}
	if err := json.Unmarshal([]byte(previewJSON), &r.SamplePreview); err != nil {
		return nil, fmt.Errorf("decoding preview: %w", err)
	}
	if len(r.Columns) == 0 {
		r.Columns = nil
	}
	if len(r.SamplePreview) == 0 {
		r.SamplePreview = nil
	}
	if parsedAt.Valid {
		t := parsedAt.Time
		r.ParsedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		r.DeletedAt = &t
	}
	return &r, nil
}

func encodePreview(record *sv.UploadRecord) (string, string, error) {
	columns := record.Columns
	if columns == nil {
		columns = []string{}
	}
	preview := record.SamplePreview
	if preview == nil {
		preview = []sv.Row{}
	}
	columnsJSON, err := json.Marshal(columns)
	if err != nil {
		return "", "", fmt.Errorf("encoding columns: %w", err)
	}
	previewJSON, err := json.Marshal(preview)
	if err != nil {
		return "", "", fmt.Errorf("encoding preview: %w", err)
	}
	return string(columnsJSON), string(previewJSON), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time checks that SQLiteDatabase implements the core interfaces
var (
	_ sv.MetadataStore    = (*SQLiteDatabase)(nil)
	_ sv.AccountDirectory = (*SQLiteDatabase)(nil)
)
