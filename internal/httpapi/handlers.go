package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cinetenant.org/internal/audit"
	"cinetenant.org/internal/auth"
	"cinetenant.org/internal/authn"
	"cinetenant.org/internal/obs"
	"cinetenant.org/internal/tenancy"
)

const defaultMaxBody = 1 << 20

var errEmptyBody = errors.New("request body is required")

// SessionService issues, rotates and revokes credentials.
type SessionService interface {
	Login(ctx context.Context, email, password string) (authn.TokenPair, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
	Refresh(ctx context.Context, refreshToken string) (authn.TokenPair, error)
}

// RBACService applies administrative role and permission changes.
type RBACService interface {
	AssignRole(ctx context.Context, actor auth.Principal, identityID, roleID int64) (auth.Identity, error)
	SetIdentityEnabled(ctx context.Context, actor auth.Principal, identityID int64, enabled bool) (auth.Identity, error)
	SetRolePermissions(ctx context.Context, actor auth.Principal, roleID int64, codes []string) error
	SetPermissionActive(ctx context.Context, actor auth.Principal, code string, active bool) error
}

// Binder resolves the caller and binds its principal to the request.
type Binder interface {
	Middleware(next http.Handler) http.Handler
}

// ReadyProbe checks the database and, when configured, Redis.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Deps are the collaborators the API routes to.
type Deps struct {
	Sessions      SessionService
	RBAC          RBACService
	Authenticator Binder
	Scope         *tenancy.Propagator
	DB            *sql.DB
	Ready         ReadyProbe
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	deps    Deps
	log     *zap.Logger
	audit   audit.Sink
	version string
	origins []string
	maxBody int64
	handler http.Handler
}

// Option configures API behavior.
type Option func(*API)

func WithLogger(log *zap.Logger) Option {
	return func(a *API) {
		if log != nil {
			a.log = log
		}
	}
}

// WithAudit records authorization denials and administrative changes.
func WithAudit(sink audit.Sink) Option {
	return func(a *API) {
		a.audit = sink
	}
}

func WithVersion(version string) Option {
	return func(a *API) {
		a.version = version
	}
}

// WithAllowedOrigins lists the browser origins CORS admits besides localhost.
func WithAllowedOrigins(origins []string) Option {
	return func(a *API) {
		a.origins = origins
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

func New(deps Deps, opts ...Option) (*API, error) {
	if deps.Sessions == nil || deps.RBAC == nil || deps.Authenticator == nil {
		return nil, errors.New("sessions, rbac and authenticator are required")
	}
	if deps.Scope == nil || deps.DB == nil {
		return nil, errors.New("tenant scope and database are required")
	}
	a := &API{
		mux:     http.NewServeMux(),
		deps:    deps,
		log:     zap.NewNop(),
		version: "dev",
		maxBody: defaultMaxBody,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())
	a.mux.Handle("/v1/", deps.Scope.Middleware(deps.DB)(a.scopedRoutes()))

	var h http.Handler = a.mux
	h = LoggingJSON(a.log)(h)
	h = deps.Authenticator.Middleware(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(a.origins)(h)
	h = SecurityHeaders(h)
	h = Recover(a.log)(h)
	h = RequestID(h)
	a.handler = obs.Instrument(h)
	return a, nil
}

// scopedRoutes run inside the request transaction opened by the tenancy middleware.
func (a *API) scopedRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	mux.Handle("POST /v1/auth/logout", a.RequireAuthenticated(http.HandlerFunc(a.handleLogout)))
	mux.Handle("GET /v1/auth/me", a.RequireAuthenticated(http.HandlerFunc(a.handleMe)))

	mux.Handle("PUT /v1/identities/{id}/role", a.RequirePermission(auth.PermIdentityUpdate)(http.HandlerFunc(a.handleAssignRole)))
	mux.Handle("POST /v1/identities/{id}/deactivate", a.RequirePermission(auth.PermIdentityUpdate)(a.identityStatus(false)))
	mux.Handle("POST /v1/identities/{id}/activate", a.RequirePermission(auth.PermIdentityUpdate)(a.identityStatus(true)))
	mux.Handle("PUT /v1/roles/{id}/permissions", a.RequirePermission(auth.PermRoleUpdate)(http.HandlerFunc(a.handleRolePermissions)))
	mux.Handle("PUT /v1/permissions/{code}", a.RequirePermission(auth.PermPermissionUpdate)(http.HandlerFunc(a.handlePermissionActive)))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	return mux
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	return a.handler
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "cinetenant-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.deps.Ready.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "cinetenant-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) record(ctx context.Context, event string, fields map[string]any) {
	if a.audit == nil {
		return
	}
	if err := a.audit.LogEvent(ctx, event, fields); err != nil {
		a.log.Warn("audit write failed", zap.String("event", event), zap.Error(err))
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, defaultMaxBody)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.PathValue(name))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return id, nil
}
