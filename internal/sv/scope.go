package sv

import (
	"context"
	"errors"
	"fmt"
)

// OwnerPredicate decides whether requester may act on uploads owned by ownerID.
type OwnerPredicate func(ctx context.Context, requester Requester, ownerID string) (bool, error)

// Scope is one access boundary over the lifecycle manager. The self, admin and
// super-admin scopes differ only in their predicate and delete flavour.
type Scope struct {
	name       string
	service    *UploadService
	allows     OwnerPredicate
	privileged bool
	// ownAsSelf applies self-scope rules to the requester's own uploads.
	ownAsSelf bool
}

// SelfScope restricts the requester to their own uploads. Listings hide
// soft-deleted records and removal is a soft delete.
func SelfScope(service *UploadService) *Scope {
	return &Scope{
		name:    "self",
		service: service,
		allows: func(_ context.Context, requester Requester, ownerID string) (bool, error) {
			return ownerID == requester.ID, nil
		},
	}
}

// AdminScope lets an admin act on uploads of accounts whose role is user.
// The admin's own uploads follow the self scope rules. Unknown accounts are
// refused.
func AdminScope(service *UploadService, accounts AccountDirectory) *Scope {
	return &Scope{
		name:       "admin",
		service:    service,
		privileged: true,
		ownAsSelf:  true,
		allows: func(ctx context.Context, requester Requester, ownerID string) (bool, error) {
			if !requester.Role.Privileged() {
				return false, nil
			}
			if ownerID == requester.ID {
				return true, nil
			}
			role, err := accounts.RoleOf(ctx, ownerID)
			if errors.Is(err, ErrAccountNotFound) {
				return false, nil
			}
			if err != nil {
				return false, fmt.Errorf("resolving owner role: %w", err)
			}
			return role == RoleUser, nil
		},
	}
}

// SuperAdminScope is unrestricted for super-admins.
func SuperAdminScope(service *UploadService) *Scope {
	return &Scope{
		name:       "super-admin",
		service:    service,
		privileged: true,
		allows: func(_ context.Context, requester Requester, _ string) (bool, error) {
			return requester.Role == RoleSuperAdmin, nil
		},
	}
}

// ScopeFor picks the widest scope the requester's role grants.
func ScopeFor(requester Requester, service *UploadService, accounts AccountDirectory) *Scope {
	switch requester.Role {
	case RoleSuperAdmin:
		return SuperAdminScope(service)
	case RoleAdmin:
		return AdminScope(service, accounts)
	default:
		return SelfScope(service)
	}
}

// Name identifies the scope in logs and responses.
func (sc *Scope) Name() string { return sc.name }

// Privileged reports whether removals purge records.
func (sc *Scope) Privileged() bool { return sc.privileged }

func (sc *Scope) authorize(ctx context.Context, requester Requester, ownerID string) error {
	ok, err := sc.allows(ctx, requester, ownerID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s scope, owner %s: %w", sc.name, ownerID, ErrForbidden)
	}
	return nil
}

// List returns the uploads of ownerID. An empty ownerID means the requester
// for the self scope and every permitted owner for privileged scopes.
func (sc *Scope) List(ctx context.Context, requester Requester, ownerID string) ([]*UploadRecord, error) {
	if ownerID == "" && !sc.privileged {
		ownerID = requester.ID
	}
	if ownerID != "" {
		if err := sc.authorize(ctx, requester, ownerID); err != nil {
			return nil, err
		}
		return sc.service.List(ctx, ownerID, sc.seesDeleted(requester, ownerID))
	}

	all, err := sc.service.ListAll(ctx, true)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool)
	records := make([]*UploadRecord, 0, len(all))
	for _, record := range all {
		ok, seen := allowed[record.OwnerID]
		if !seen {
			ok, err = sc.allows(ctx, requester, record.OwnerID)
			if err != nil {
				return nil, err
			}
			allowed[record.OwnerID] = ok
		}
		if ok && (!record.Deleted || sc.seesDeleted(requester, record.OwnerID)) {
			records = append(records, record)
		}
	}
	return records, nil
}

// GetOne returns a single record inside the scope.
func (sc *Scope) GetOne(ctx context.Context, requester Requester, recordID string) (*UploadRecord, error) {
	record, err := sc.service.Get(ctx, recordID, sc.effective(requester, ""))
	if err != nil {
		return nil, err
	}
	if record.Deleted && !sc.seesDeleted(requester, record.OwnerID) {
		return nil, ErrRecordNotFound
	}
	if err := sc.authorize(ctx, requester, record.OwnerID); err != nil {
		return nil, err
	}
	return record, nil
}

// Read opens the content of a record inside the scope.
func (sc *Scope) Read(ctx context.Context, requester Requester, recordID string) (*Download, error) {
	record, err := sc.GetOne(ctx, requester, recordID)
	if err != nil {
		return nil, err
	}
	return sc.service.Read(ctx, recordID, sc.effective(requester, record.OwnerID))
}

// ParsedData returns the preview of a record inside the scope.
func (sc *Scope) ParsedData(ctx context.Context, requester Requester, recordID string) (*Preview, error) {
	record, err := sc.GetOne(ctx, requester, recordID)
	if err != nil {
		return nil, err
	}
	return sc.service.ParsedData(ctx, recordID, sc.effective(requester, record.OwnerID))
}

// GenerateInsight summarizes a record inside the scope.
func (sc *Scope) GenerateInsight(ctx context.Context, requester Requester, recordID string, refresh bool) (*UploadRecord, error) {
	record, err := sc.GetOne(ctx, requester, recordID)
	if err != nil {
		return nil, err
	}
	return sc.service.GenerateInsight(ctx, recordID, sc.effective(requester, record.OwnerID), refresh)
}

// Remove soft-deletes the requester's own uploads and purges other owners'
// uploads in privileged scopes.
func (sc *Scope) Remove(ctx context.Context, requester Requester, recordID string) (*DeleteResult, error) {
	if !sc.privileged {
		return sc.service.OwnerDelete(ctx, recordID, requester.ID)
	}
	record, err := sc.service.Get(ctx, recordID, requester)
	if err != nil {
		return nil, err
	}
	if sc.ownAsSelf && record.OwnerID == requester.ID {
		return sc.service.OwnerDelete(ctx, recordID, requester.ID)
	}
	if err := sc.authorize(ctx, requester, record.OwnerID); err != nil {
		return nil, err
	}
	return sc.service.PrivilegedDelete(ctx, recordID, requester)
}

// Stats returns dashboard counts for ownerID, defaulting to the requester.
func (sc *Scope) Stats(ctx context.Context, requester Requester, ownerID string) (*OwnerStats, error) {
	if ownerID == "" {
		ownerID = requester.ID
	}
	if err := sc.authorize(ctx, requester, ownerID); err != nil {
		return nil, err
	}
	return sc.service.Stats(ctx, ownerID)
}

// Reconcile compares an owner's blobs with their records. Privileged scopes only.
func (sc *Scope) Reconcile(ctx context.Context, requester Requester, ownerID string, purge bool) (*ReconcileReport, error) {
	if !sc.privileged {
		return nil, fmt.Errorf("reconcile: %w", ErrForbidden)
	}
	if ownerID == "" {
		return nil, &ValidationError{Field: "owner", Reason: "required"}
	}
	if err := sc.authorize(ctx, requester, ownerID); err != nil {
		return nil, err
	}
	return sc.service.Reconcile(ctx, ownerID, purge)
}

// seesDeleted reports whether soft-deleted uploads of ownerID stay visible.
func (sc *Scope) seesDeleted(requester Requester, ownerID string) bool {
	if sc.ownAsSelf && ownerID == requester.ID {
		return false
	}
	return sc.privileged
}

// effective narrows the requester to user visibility wherever self rules
// apply, so an admin's own uploads behave like any owner's.
func (sc *Scope) effective(requester Requester, ownerID string) Requester {
	if sc.seesDeleted(requester, ownerID) {
		return requester
	}
	return Requester{ID: requester.ID, Role: RoleUser}
}
