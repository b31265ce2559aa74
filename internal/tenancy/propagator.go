// Package tenancy carries the caller's tenant scope into the database. The
// scope is set with set_config(..., true) inside the transaction the request's
// queries run on, so it disappears when that transaction ends.
package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"cinetenant.org/internal/auth"
	"cinetenant.org/internal/obs"
)

const defaultPrefix = "app"

var prefixPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Execer runs the parameter-setting statement.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Propagator applies tenant scope to transactions.
type Propagator struct {
	prefix string
	log    *zap.Logger
}

// Option configures Propagator behavior.
type Option func(*Propagator) error

// WithPrefix sets the custom parameter namespace (default "app").
func WithPrefix(prefix string) Option {
	return func(p *Propagator) error {
		prefix = strings.TrimSpace(prefix)
		if !prefixPattern.MatchString(prefix) {
			return fmt.Errorf("tenancy: invalid parameter prefix %q", prefix)
		}
		p.prefix = prefix
		return nil
	}
}

// WithLogger sets the logger for transaction faults.
func WithLogger(log *zap.Logger) Option {
	return func(p *Propagator) error {
		if log != nil {
			p.log = log
		}
		return nil
	}
}

func New(opts ...Option) (*Propagator, error) {
	p := &Propagator{prefix: defaultPrefix, log: zap.NewNop()}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Name returns the fully qualified parameter name, e.g. app.current_tenant_id.
func (p *Propagator) Name(param string) string {
	return p.prefix + "." + param
}

// Statement renders the single statement and bind arguments that set params.
// Names and values travel as bind parameters; nothing is interpolated.
func (p *Propagator) Statement(params Params) (string, []any) {
	settings := params.Settings()
	var sb strings.Builder
	args := make([]any, 0, len(settings)*2)
	sb.WriteString("select ")
	for i, s := range settings {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := len(args)
		sb.WriteString("set_config($" + strconv.Itoa(n+1) + ", $" + strconv.Itoa(n+2) + ", true)")
		args = append(args, p.Name(s.Name), s.Value)
	}
	return sb.String(), args
}

// Apply sets the scope of principal on exec, which must be the transaction
// subsequent queries use. A nil principal applies the SYSTEM scope.
func (p *Propagator) Apply(ctx context.Context, exec Execer, principal *auth.Principal) error {
	if exec == nil {
		return errors.New("tenancy: transaction is required")
	}
	params := ParamsFor(principal)
	query, args := p.Statement(params)
	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("apply tenant scope: %w", err)
	}
	obs.RecordTenantScope(string(params.UserKind))
	return nil
}

// InScope runs fn inside a fresh transaction scoped to principal and commits
// when fn succeeds, then runs the hooks fn registered with AfterCommit. When ctx
// already carries a request transaction fn runs on it.
func (p *Propagator) InScope(ctx context.Context, db *sql.DB, principal *auth.Principal, fn func(ctx context.Context, q Querier) error) error {
	if tx, ok := TxFromContext(ctx); ok {
		return fn(ctx, tx)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin scoped tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := p.Apply(ctx, tx, principal); err != nil {
		return err
	}
	hooks := &commitHooks{}
	if err := fn(withCommitHooks(WithTx(ctx, tx), hooks), tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scoped tx: %w", err)
	}
	hooks.run(ctx)
	return nil
}
