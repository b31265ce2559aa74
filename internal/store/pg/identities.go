package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"cinetenant.org/internal/auth"
	"cinetenant.org/internal/tenancy"
)

const identityColumns = `
	id, tenant_id, email, password_hash, user_kind, customer_id, role_id,
	coalesce(array_to_string(resource_scopes, ','), ''), enabled, locked, created_at, updated_at`

// IdentityByEmail looks an identity up by its case-insensitive email.
func (s *Store) IdentityByEmail(ctx context.Context, email string) (auth.Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return auth.Identity{}, auth.ErrNotFound
	}
	return s.identity(ctx, `select`+identityColumns+` from identities where lower(email) = $1`, email)
}

// Identity looks an identity up by id.
func (s *Store) Identity(ctx context.Context, identityID int64) (auth.Identity, error) {
	return s.identity(ctx, `select`+identityColumns+` from identities where id = $1`, identityID)
}

// CreateIdentity stores a new identity. PasswordHash must already be a bcrypt hash.
func (s *Store) CreateIdentity(ctx context.Context, identity auth.Identity) (auth.Identity, error) {
	identity.Email = strings.ToLower(strings.TrimSpace(identity.Email))
	if identity.Email == "" || identity.PasswordHash == "" || identity.TenantID <= 0 || identity.RoleID <= 0 {
		return auth.Identity{}, fmt.Errorf("%w: email, password, tenant and role are required", auth.ErrInvalidInput)
	}
	if !identity.Kind.Valid() {
		return auth.Identity{}, fmt.Errorf("%w: unknown user kind %q", auth.ErrInvalidInput, identity.Kind)
	}
	var customer sql.NullInt64
	if identity.CustomerID != nil {
		customer = sql.NullInt64{Int64: *identity.CustomerID, Valid: true}
	}
	err := s.run(ctx, func(ctx context.Context, q tenancy.Querier) error {
		return q.QueryRowContext(ctx, `
			insert into identities(tenant_id, email, password_hash, user_kind, customer_id, role_id, resource_scopes, enabled)
			values ($1, $2, $3, $4, $5, $6, string_to_array(nullif($7, ''), ',')::bigint[], true)
			returning id, created_at, updated_at
		`, identity.TenantID, identity.Email, identity.PasswordHash, string(identity.Kind), customer,
			identity.RoleID, joinIDs(identity.ResourceScopes)).Scan(&identity.ID, &identity.CreatedAt, &identity.UpdatedAt)
	})
	if err != nil {
		return auth.Identity{}, mapWriteError(err)
	}
	identity.Enabled = true
	return identity, nil
}

// SetIdentityRole moves identityID onto roleID.
func (s *Store) SetIdentityRole(ctx context.Context, identityID, roleID int64) error {
	return s.run(ctx, func(ctx context.Context, q tenancy.Querier) error {
		res, err := q.ExecContext(ctx, `
			update identities
			set role_id = $2, updated_at = now()
			where id = $1
		`, identityID, roleID)
		if err != nil {
			return mapWriteError(err)
		}
		return expectOne(res)
	})
}

// SetIdentityEnabled toggles whether identityID may log in.
func (s *Store) SetIdentityEnabled(ctx context.Context, identityID int64, enabled bool) error {
	return s.run(ctx, func(ctx context.Context, q tenancy.Querier) error {
		res, err := q.ExecContext(ctx, `
			update identities
			set enabled = $2, updated_at = now()
			where id = $1
		`, identityID, enabled)
		if err != nil {
			return err
		}
		return expectOne(res)
	})
}

func (s *Store) identity(ctx context.Context, query string, arg any) (auth.Identity, error) {
	var (
		identity auth.Identity
		kind     string
		customer sql.NullInt64
		scopes   string
	)
	err := s.run(ctx, func(ctx context.Context, q tenancy.Querier) error {
		return q.QueryRowContext(ctx, query, arg).Scan(
			&identity.ID, &identity.TenantID, &identity.Email, &identity.PasswordHash, &kind, &customer,
			&identity.RoleID, &scopes, &identity.Enabled, &identity.Locked, &identity.CreatedAt, &identity.UpdatedAt,
		)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Identity{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Identity{}, err
	}
	if identity.Kind, err = auth.ParseUserKind(kind); err != nil {
		return auth.Identity{}, err
	}
	if customer.Valid {
		id := customer.Int64
		identity.CustomerID = &id
	}
	if identity.ResourceScopes, err = parseIDList(scopes); err != nil {
		return auth.Identity{}, err
	}
	return identity, nil
}
