package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const (
	defaultSchemaLedger = "schema_migrations"
	defaultSeedLedger   = "schema_seeds"

	// MigrationsDir and SeedsDir are the directories inside Files.
	MigrationsDir = "sql/migrations"
	SeedsDir      = "sql/seeds"
)

// Files holds the schema, row-level security policies and seeds shipped with the binary.
//
//go:embed sql/migrations/*.sql sql/seeds/*.sql
var Files embed.FS

// ScopedTables are filtered by the tenant row-level security policies. Every
// one of them must have RLS enabled and forced for isolation to hold.
var ScopedTables = []string{"roles", "permissions", "role_permissions", "identities"}

var errNothingApplied = errors.New("no schema steps applied")

// Runner applies schema steps and catalog seeds read from an fs.FS. Each
// script runs in one transaction together with its ledger row, so a failed
// step leaves neither partial DDL nor a record behind.
type Runner struct {
	db           *sql.DB
	fsys         fs.FS
	schemaDir    string
	seedDir      string
	schemaLedger string
	seedLedger   string
	now          func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithSchemaLedger overrides the table recording applied schema steps.
func WithSchemaLedger(name string) Option {
	return func(r *Runner) {
		if name != "" {
			r.schemaLedger = name
		}
	}
}

// WithSeedLedger overrides the table recording applied catalog seeds.
func WithSeedLedger(name string) Option {
	return func(r *Runner) {
		if name != "" {
			r.seedLedger = name
		}
	}
}

// WithClock overrides the applied_at time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner reads schemaDir and seedDir from fsys. Use Files with
// MigrationsDir and SeedsDir for the embedded set, or os.DirFS for files on disk.
func NewRunner(db *sql.DB, fsys fs.FS, schemaDir, seedDir string, opts ...Option) *Runner {
	r := &Runner{
		db:           db,
		fsys:         fsys,
		schemaDir:    schemaDir,
		seedDir:      seedDir,
		schemaLedger: defaultSchemaLedger,
		seedLedger:   defaultSeedLedger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Step is one applied script.
type Step struct {
	Name      string
	AppliedAt time.Time
}

func (s Step) String() string {
	return s.Name + "\t" + s.AppliedAt.UTC().Format(time.RFC3339)
}

// Up applies pending schema steps in name order.
func (r *Runner) Up(ctx context.Context) error {
	return r.applyPending(ctx, r.schemaLedger, r.schemaDir, ".up.sql", "schema step")
}

// Seed applies pending catalog seeds in name order. Seeds already recorded
// are skipped, so running it twice is harmless.
func (r *Runner) Seed(ctx context.Context) error {
	return r.applyPending(ctx, r.seedLedger, r.seedDir, ".sql", "catalog seed")
}

// Down reverts the most recent schema step with its .down.sql counterpart.
func (r *Runner) Down(ctx context.Context) error {
	if err := r.ensureLedgers(ctx); err != nil {
		return err
	}
	applied, err := r.history(ctx, r.schemaLedger)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return errNothingApplied
	}
	last := applied[len(applied)-1].Name
	revert := strings.TrimSuffix(path.Join(r.schemaDir, last), ".up.sql") + ".down.sql"
	if _, err := fs.Stat(r.fsys, revert); err != nil {
		return fmt.Errorf("schema step %s has no .down.sql counterpart", last)
	}
	forget := fmt.Sprintf(`delete from %s where name = $1`, r.schemaLedger)
	if err := r.runScript(ctx, revert, forget, last); err != nil {
		return fmt.Errorf("revert schema step %s: %w", last, err)
	}
	return nil
}

// Status lists applied schema steps, oldest first.
func (r *Runner) Status(ctx context.Context) ([]Step, error) {
	if err := r.ensureLedgers(ctx); err != nil {
		return nil, err
	}
	return r.history(ctx, r.schemaLedger)
}

// TablePolicy reports the row-level security state of one scoped table.
type TablePolicy struct {
	Table   string
	Exists  bool
	Enabled bool
	Forced  bool
}

// Protected reports whether tenant filtering applies to every role,
// table owner included.
func (p TablePolicy) Protected() bool {
	return p.Exists && p.Enabled && p.Forced
}

// Policies reads the row-level security state of ScopedTables in the
// current schema.
func (r *Runner) Policies(ctx context.Context) ([]TablePolicy, error) {
	rows, err := r.db.QueryContext(ctx, `
		select c.relname, c.relrowsecurity, c.relforcerowsecurity
		from pg_class c
		join pg_namespace n on n.oid = c.relnamespace
		where n.nspname = current_schema() and c.relkind = 'r'
	`)
	if err != nil {
		return nil, fmt.Errorf("read table policies: %w", err)
	}
	defer rows.Close()
	found := make(map[string]TablePolicy)
	for rows.Next() {
		var p TablePolicy
		if err := rows.Scan(&p.Table, &p.Enabled, &p.Forced); err != nil {
			return nil, err
		}
		p.Exists = true
		found[p.Table] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	policies := make([]TablePolicy, 0, len(ScopedTables))
	for _, table := range ScopedTables {
		p, ok := found[table]
		if !ok {
			p = TablePolicy{Table: table}
		}
		policies = append(policies, p)
	}
	return policies, nil
}

func (r *Runner) applyPending(ctx context.Context, ledger, dir, suffix, kind string) error {
	if err := r.ensureLedgers(ctx); err != nil {
		return err
	}
	applied, err := r.history(ctx, ledger)
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(applied))
	for _, step := range applied {
		done[step.Name] = true
	}
	scripts, err := listScripts(r.fsys, dir, suffix)
	if err != nil {
		return err
	}
	record := fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, ledger)
	for _, s := range scripts {
		if done[s.name] {
			continue
		}
		if err := r.runScript(ctx, s.path, record, s.name, r.now().UTC()); err != nil {
			return fmt.Errorf("%s %s: %w", kind, s.name, err)
		}
	}
	return nil
}

// runScript executes every statement of file and then the ledger statement
// inside one transaction.
func (r *Runner) runScript(ctx context.Context, file, ledgerStmt string, ledgerArgs ...any) error {
	body, err := fs.ReadFile(r.fsys, file)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, ledgerStmt, ledgerArgs...); err != nil {
		return fmt.Errorf("update ledger: %w", err)
	}
	return tx.Commit()
}

func (r *Runner) ensureLedgers(ctx context.Context) error {
	for _, ledger := range []string{r.schemaLedger, r.seedLedger} {
		ddl := fmt.Sprintf(`
			create table if not exists %s (
				name text primary key,
				applied_at timestamptz not null default now()
			);`, ledger)
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create ledger %s: %w", ledger, err)
		}
	}
	return nil
}

func (r *Runner) history(ctx context.Context, ledger string) ([]Step, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s order by applied_at asc, name asc`, ledger))
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", ledger, err)
	}
	defer rows.Close()
	var steps []Step
	for rows.Next() {
		var s Step
		if err := rows.Scan(&s.Name, &s.AppliedAt); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

type script struct {
	name string
	path string
}

func listScripts(fsys fs.FS, dir, suffix string) ([]script, error) {
	if fsys == nil || dir == "" {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var scripts []script
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		scripts = append(scripts, script{name: e.Name(), path: path.Join(dir, e.Name())})
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].name < scripts[j].name })
	return scripts, nil
}

// splitStatements splits a script on semicolons outside single-quoted strings
// and drops line comments. Dollar-quoted bodies are not supported.
func splitStatements(body string) []string {
	var (
		stmts    []string
		current  strings.Builder
		quoted   bool
		skipLine bool
	)
	runes := []rune(body)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if skipLine {
			if c == '\n' {
				skipLine = false
				current.WriteRune(c)
			}
			continue
		}
		switch {
		case c == '\'':
			quoted = !quoted
			current.WriteRune(c)
		case !quoted && c == '-' && i+1 < len(runes) && runes[i+1] == '-':
			skipLine = true
			i++
		case !quoted && c == ';':
			current.WriteRune(c)
			stmts = append(stmts, current.String())
			current.Reset()
		default:
			current.WriteRune(c)
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
