package tenancy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"cinetenant.org/internal/auth"
)

// Middleware opens the request transaction, applies the scope of the bound
// principal exactly once, and hands the transaction to the handler through the
// request context. The transaction commits right before the first response
// byte when the status is below 400 and rolls back otherwise. Handlers must
// finish their queries before writing the response. Work registered with
// AfterCommit runs between the commit and the status line.
func (p *Propagator) Middleware(db *sql.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var principal *auth.Principal
			if pr, ok := auth.PrincipalFromContext(r.Context()); ok {
				principal = &pr
			}

			tx, err := db.BeginTx(r.Context(), nil)
			if err != nil {
				p.log.Error("begin request tx failed", zap.Error(err))
				writeFailure(w, http.StatusServiceUnavailable, "database unavailable")
				return
			}
			if err := p.Apply(r.Context(), tx, principal); err != nil {
				_ = tx.Rollback()
				p.log.Error("tenant scope failed", zap.Error(err))
				writeFailure(w, http.StatusInternalServerError, "tenant scope failed")
				return
			}

			hooks := &commitHooks{}
			ctx := withCommitHooks(WithTx(r.Context(), tx), hooks)
			tw := &txWriter{ResponseWriter: w, ctx: ctx, tx: tx, hooks: hooks, log: p.log}
			defer func() {
				if rec := recover(); rec != nil {
					tw.abort()
					panic(rec)
				}
			}()
			next.ServeHTTP(tw, r.WithContext(ctx))
			tw.finish()
		})
	}
}

// txWriter ends the transaction when the status line is decided.
type txWriter struct {
	http.ResponseWriter
	ctx    context.Context
	tx     *sql.Tx
	hooks  *commitHooks
	log    *zap.Logger
	done   bool
	failed bool
}

func (w *txWriter) WriteHeader(code int) {
	if w.done {
		if !w.failed {
			w.ResponseWriter.WriteHeader(code)
		}
		return
	}
	w.done = true
	if code >= http.StatusBadRequest {
		w.hooks.discard()
		if err := w.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			w.log.Warn("rollback request tx failed", zap.Error(err))
		}
		w.ResponseWriter.WriteHeader(code)
		return
	}
	if err := w.tx.Commit(); err != nil {
		w.hooks.discard()
		w.failed = true
		w.log.Error("commit request tx failed", zap.Error(err))
		writeFailure(w.ResponseWriter, http.StatusInternalServerError, "commit failed")
		return
	}
	w.hooks.run(w.ctx)
	w.ResponseWriter.WriteHeader(code)
}

func (w *txWriter) Write(b []byte) (int, error) {
	if !w.done {
		w.WriteHeader(http.StatusOK)
	}
	if w.failed {
		return len(b), nil
	}
	return w.ResponseWriter.Write(b)
}

// finish commits when the handler returned without writing anything.
func (w *txWriter) finish() {
	if w.done {
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (w *txWriter) abort() {
	if w.done {
		return
	}
	w.done = true
	w.hooks.discard()
	_ = w.tx.Rollback()
}

func writeFailure(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
