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

// Role returns roleID with its active permission codes. Codes deactivated in
// the role's catalog are left out.
func (s *Store) Role(ctx context.Context, roleID int64) (auth.Role, error) {
	var role auth.Role
	err := s.run(ctx, func(ctx context.Context, q tenancy.Querier) error {
		err := q.QueryRowContext(ctx, `
			select id, coalesce(tenant_id, 0), name, hierarchy_level, is_system, created_at, updated_at
			from roles
			where id = $1
		`, roleID).Scan(&role.ID, &role.TenantID, &role.Name, &role.Level, &role.System, &role.CreatedAt, &role.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		if err != nil {
			return err
		}
		rows, err := q.QueryContext(ctx, `
			select rp.permission_code
			from role_permissions rp
			join roles r on r.id = rp.role_id
			join permissions p on p.code = rp.permission_code and p.tenant_id is not distinct from r.tenant_id
			where rp.role_id = $1 and p.active
			order by rp.permission_code
		`, roleID)
		if err != nil {
			return err
		}
		defer rows.Close()
		role.Permissions = []string{}
		for rows.Next() {
			var code string
			if err := rows.Scan(&code); err != nil {
				return err
			}
			role.Permissions = append(role.Permissions, code)
		}
		return rows.Err()
	})
	if err != nil {
		return auth.Role{}, err
	}
	return role, nil
}

// SetRolePermissions replaces the grants of roleID. Every code must exist in
// the role's permission catalog.
func (s *Store) SetRolePermissions(ctx context.Context, roleID int64, codes []string) error {
	grantedAt := s.now().UTC()
	var grantedBy sql.NullInt64
	if own, err := tenancy.NewOwnership(ctx, grantedAt); err == nil {
		grantedBy = sql.NullInt64{Int64: own.CreatedBy, Valid: true}
	}
	return s.run(ctx, func(ctx context.Context, q tenancy.Querier) error {
		if _, err := q.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
			return err
		}
		for _, code := range codes {
			res, err := q.ExecContext(ctx, `
				insert into role_permissions(role_id, permission_code, granted_by, granted_at)
				select r.id, p.code, $3, $4
				from roles r
				join permissions p on p.tenant_id is not distinct from r.tenant_id
				where r.id = $1 and p.code = $2
			`, roleID, code, grantedBy, grantedAt)
			if err != nil {
				return mapWriteError(err)
			}
			if err := expectOne(res); err != nil {
				if errors.Is(err, auth.ErrNotFound) {
					return fmt.Errorf("%w: unknown permission %s for role %d", auth.ErrInvalidInput, code, roleID)
				}
				return err
			}
		}
		return nil
	})
}

// SetPermissionActive flips a catalog entry of tenantID.
func (s *Store) SetPermissionActive(ctx context.Context, tenantID int64, code string, active bool) error {
	return s.run(ctx, func(ctx context.Context, q tenancy.Querier) error {
		res, err := q.ExecContext(ctx, `
			update permissions
			set active = $3, updated_at = now()
			where tenant_id = $1 and code = $2
		`, tenantID, strings.ToLower(code), active)
		if err != nil {
			return err
		}
		return expectOne(res)
	})
}

// IdentitiesWithRole lists the identities currently holding roleID.
func (s *Store) IdentitiesWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	var ids []int64
	err := s.run(ctx, func(ctx context.Context, q tenancy.Querier) error {
		rows, err := q.QueryContext(ctx, `select id from identities where role_id = $1 order by id`, roleID)
		if err != nil {
			return err
		}
		ids, err = scanIDs(rows)
		return err
	})
	return ids, err
}

// IdentitiesInTenant lists every identity of tenantID.
func (s *Store) IdentitiesInTenant(ctx context.Context, tenantID int64) ([]int64, error) {
	var ids []int64
	err := s.run(ctx, func(ctx context.Context, q tenancy.Querier) error {
		rows, err := q.QueryContext(ctx, `select id from identities where tenant_id = $1 order by id`, tenantID)
		if err != nil {
			return err
		}
		ids, err = scanIDs(rows)
		return err
	})
	return ids, err
}
