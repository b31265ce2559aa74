package auth

import (
	"fmt"
	"strings"
	"time"
)

// UserKind classifies who is calling. It drives which tenant parameters reach the database.
type UserKind string

const (
	UserKindEmployee UserKind = "EMPLOYEE"
	UserKindCustomer UserKind = "CUSTOMER"
	UserKindSystem   UserKind = "SYSTEM"
)

// ParseUserKind normalizes raw input into a known kind.
func ParseUserKind(raw string) (UserKind, error) {
	switch kind := UserKind(strings.ToUpper(strings.TrimSpace(raw))); kind {
	case UserKindEmployee, UserKindCustomer, UserKindSystem:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown user kind %q", ErrInvalidInput, raw)
	}
}

// Valid reports whether k is one of the known kinds.
func (k UserKind) Valid() bool {
	switch k {
	case UserKindEmployee, UserKindCustomer, UserKindSystem:
		return true
	}
	return false
}

// TenantBound reports whether principals of this kind are confined to a single tenant.
func (k UserKind) TenantBound() bool {
	return k == UserKindEmployee || k == UserKindCustomer
}

// Identity is a login-capable account as stored by the identity collaborator.
type Identity struct {
	ID             int64     `json:"id"`
	TenantID       int64     `json:"tenant_id"`
	Email          string    `json:"email"`
	PasswordHash   string    `json:"-"`
	Kind           UserKind  `json:"user_kind"`
	CustomerID     *int64    `json:"customer_id,omitempty"`
	RoleID         int64     `json:"role_id"`
	ResourceScopes []int64   `json:"resource_scopes,omitempty"`
	Enabled        bool      `json:"enabled"`
	Locked         bool      `json:"locked"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CanLogin reports whether the account may obtain fresh credentials.
func (i Identity) CanLogin() bool {
	return i.Enabled && !i.Locked
}

// Role groups permissions and carries a hierarchy level; lower levels are more privileged.
type Role struct {
	ID          int64     `json:"id"`
	TenantID    int64     `json:"tenant_id"`
	Name        string    `json:"name"`
	Level       int       `json:"hierarchy_level"`
	System      bool      `json:"system"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BelongsTo reports whether the role may be held by identities of the given tenant.
// System roles with no tenant are shared by every tenant.
func (r Role) BelongsTo(tenantID int64) bool {
	if r.System && r.TenantID == 0 {
		return true
	}
	return r.TenantID == tenantID
}

// Permission is a tenant-scoped resource:action code. Inactive permissions stay
// in the catalog but grant nothing.
type Permission struct {
	TenantID    int64  `json:"tenant_id"`
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
}

// ParsePermissionCode validates a resource:action code and returns it lower-cased.
func ParsePermissionCode(raw string) (string, error) {
	code := strings.ToLower(strings.TrimSpace(raw))
	resource, action, ok := strings.Cut(code, ":")
	if !ok || resource == "" || action == "" || strings.Contains(action, ":") {
		return "", fmt.Errorf("%w: permission code %q must look like resource:action", ErrInvalidInput, raw)
	}
	return code, nil
}
