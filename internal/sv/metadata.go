package sv

import (
	"context"
	"time"
)

// MetadataStore holds one UploadRecord per uploaded file.
type MetadataStore interface {
	// Create assigns an id, sets deleted=false and the timestamps, and persists
	// the record. ownerId, originalName and objectStoreId are required.
	Create(ctx context.Context, record *UploadRecord) error

	// FindByID returns ErrRecordNotFound when no record has the id.
	// Soft-deleted records are returned; visibility is decided by the caller.
	FindByID(ctx context.Context, id string) (*UploadRecord, error)

	// FindByOwner returns an owner's records newest first.
	FindByOwner(ctx context.Context, ownerID string, includeDeleted bool) ([]*UploadRecord, error)

	// FindAll returns every record newest first.
	FindAll(ctx context.Context, includeDeleted bool) ([]*UploadRecord, error)

	// CountByOwner counts an owner's records. Dashboard totals pass includeDeleted=true.
	CountByOwner(ctx context.Context, ownerID string, includeDeleted bool) (int, error)

	// SoftDelete marks a live record deleted in a single conditional write.
	// Returns ErrRecordNotFound or ErrAlreadyDeleted when no transition happened.
	SoftDelete(ctx context.Context, id string, at time.Time) (*UploadRecord, error)

	// HardDelete removes the record. Returns ErrRecordNotFound when it was already gone.
	HardDelete(ctx context.Context, id string) error

	// UpdateInsight stores generated insight text.
	UpdateInsight(ctx context.Context, id string, text string, at time.Time) (*UploadRecord, error)

	// Ping reports whether the store connection is live.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// AccountDirectory resolves account roles for the admin access scope.
type AccountDirectory interface {
	// RoleOf returns ErrAccountNotFound for unknown accounts.
	RoleOf(ctx context.Context, accountID string) (Role, error)

	// PutAccount creates or replaces an account.
	PutAccount(ctx context.Context, account *Account) error

	// ListAccounts returns every account ordered by id.
	ListAccounts(ctx context.Context) ([]*Account, error)
}
