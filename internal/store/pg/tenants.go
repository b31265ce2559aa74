package pg

import (
	"context"
	"fmt"
	"strings"

	"cinetenant.org/internal/auth"
	"cinetenant.org/internal/tenancy"
)

// CreateTenant registers a tenant and seeds its permission catalog with
// auth.BuiltinPermissions.
func (s *Store) CreateTenant(ctx context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("%w: tenant name is required", auth.ErrInvalidInput)
	}
	var id int64
	err := s.run(ctx, func(ctx context.Context, q tenancy.Querier) error {
		if err := q.QueryRowContext(ctx, `insert into tenants(name) values ($1) returning id`, name).Scan(&id); err != nil {
			return mapWriteError(err)
		}
		for _, p := range auth.BuiltinPermissions {
			if _, err := q.ExecContext(ctx, `
				insert into permissions(tenant_id, code, description, active)
				values ($1, $2, $3, $4)
			`, id, p.Code, p.Description, p.Active); err != nil {
				return mapWriteError(err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}
