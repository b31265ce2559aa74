package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"cinetenant.org/internal/auth"
	"cinetenant.org/internal/migrate"
	"cinetenant.org/internal/store/pg"
	"cinetenant.org/internal/tenancy"
)

const usage = "usage: migrate [flags] up|down|seed|status|verify|tenant <name>|identity [identity flags]"

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("CINETENANT_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations (defaults to the embedded set)")
		seedsPath      = flag.String("seeds", "", "Directory of SQL seeds (defaults to the embedded set)")
		prefix         = flag.String("prefix", envOr("CINETENANT_TENANCY_PREFIX", "app"), "Tenant scope parameter prefix")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or CINETENANT_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal(usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "up", "down", "seed", "status", "verify":
		err = runMigrations(ctx, db, cmd, *migrationsPath, *seedsPath)
	case "tenant", "identity":
		err = runProvisioning(ctx, db, *prefix, cmd, args)
	default:
		log.Fatalf("unknown command %q\n%s", cmd, usage)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", cmd, err)
	}
}

func runMigrations(ctx context.Context, db *sql.DB, cmd, migrationsPath, seedsPath string) error {
	var fsys fs.FS = migrate.Files
	migrationsDir, seedsDir := migrate.MigrationsDir, migrate.SeedsDir
	if migrationsPath != "" || seedsPath != "" {
		if migrationsPath == "" || seedsPath == "" {
			return errors.New("-migrations and -seeds must be given together")
		}
		fsys = os.DirFS(".")
		migrationsDir = strings.TrimPrefix(migrationsPath, "./")
		seedsDir = strings.TrimPrefix(seedsPath, "./")
	}
	runner := migrate.NewRunner(db, fsys, migrationsDir, seedsDir)

	switch cmd {
	case "up":
		return runner.Up(ctx)
	case "down":
		return runner.Down(ctx)
	case "seed":
		return runner.Seed(ctx)
	case "verify":
		return verifyPolicies(ctx, runner)
	default:
		steps, err := runner.Status(ctx)
		if err != nil {
			return err
		}
		for _, step := range steps {
			fmt.Println(step)
		}
		return nil
	}
}

func verifyPolicies(ctx context.Context, runner *migrate.Runner) error {
	policies, err := runner.Policies(ctx)
	if err != nil {
		return err
	}
	var unprotected []string
	for _, p := range policies {
		fmt.Printf("%s\texists=%t enabled=%t forced=%t\n", p.Table, p.Exists, p.Enabled, p.Forced)
		if !p.Protected() {
			unprotected = append(unprotected, p.Table)
		}
	}
	if len(unprotected) > 0 {
		return fmt.Errorf("tenant isolation incomplete, row level security missing on %s", strings.Join(unprotected, ", "))
	}
	return nil
}

func runProvisioning(ctx context.Context, db *sql.DB, prefix, cmd string, args []string) error {
	scope, err := tenancy.New(tenancy.WithPrefix(prefix))
	if err != nil {
		return err
	}
	store := pg.New(db, pg.WithScope(scope))

	if cmd == "tenant" {
		if len(args) != 1 {
			return errors.New("usage: migrate tenant <name>")
		}
		id, err := store.CreateTenant(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	}

	fset := flag.NewFlagSet("identity", flag.ContinueOnError)
	var (
		tenantID = fset.Int64("tenant", 0, "Tenant id")
		email    = fset.String("email", "", "Login email")
		password = fset.String("password", os.Getenv("CINETENANT_BOOTSTRAP_PASSWORD"), "Initial password")
		kind     = fset.String("kind", string(auth.UserKindEmployee), "EMPLOYEE or CUSTOMER")
		roleID   = fset.Int64("role", 0, "Role id")
		customer = fset.Int64("customer", 0, "Customer id, required for CUSTOMER identities")
		scopes   = fset.String("scopes", "", "Comma separated resource scope ids")
	)
	if err := fset.Parse(args); err != nil {
		return err
	}
	userKind, err := auth.ParseUserKind(*kind)
	if err != nil {
		return err
	}
	if len(*password) < 12 {
		return errors.New("password must be at least 12 characters")
	}
	hash, err := auth.HashPassword(*password, 0)
	if err != nil {
		return err
	}
	identity := auth.Identity{
		TenantID:     *tenantID,
		Email:        *email,
		PasswordHash: hash,
		Kind:         userKind,
		RoleID:       *roleID,
	}
	if *customer > 0 {
		identity.CustomerID = customer
	}
	for _, raw := range strings.Split(*scopes, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid scope id %q", raw)
		}
		identity.ResourceScopes = append(identity.ResourceScopes, id)
	}

	created, err := store.CreateIdentity(ctx, identity)
	if err != nil {
		return err
	}
	fmt.Println(created.ID)
	return nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
