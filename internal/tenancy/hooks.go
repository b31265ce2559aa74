package tenancy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"cinetenant.org/internal/auth"
)

type commitHooksKey struct{}

// commitHooks collects work that must only happen once the request
// transaction is durable. Hooks are dropped when the transaction rolls back.
type commitHooks struct {
	mu  sync.Mutex
	fns []func(context.Context)
}

func withCommitHooks(ctx context.Context, h *commitHooks) context.Context {
	return context.WithValue(ctx, commitHooksKey{}, h)
}

func commitHooksFrom(ctx context.Context) *commitHooks {
	if ctx == nil {
		return nil
	}
	h, _ := ctx.Value(commitHooksKey{}).(*commitHooks)
	return h
}

func (h *commitHooks) add(fn func(context.Context)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fns = append(h.fns, fn)
}

func (h *commitHooks) run(ctx context.Context) {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	ctx = context.WithoutCancel(ctx)
	for _, fn := range fns {
		fn(ctx)
	}
}

func (h *commitHooks) discard() {
	h.mu.Lock()
	h.fns = nil
	h.mu.Unlock()
}

// AfterCommit defers fn until the transaction carried by ctx commits and
// reports whether it did. Without a transaction fn runs immediately.
func AfterCommit(ctx context.Context, fn func(context.Context)) bool {
	if h := commitHooksFrom(ctx); h != nil {
		h.add(fn)
		return true
	}
	fn(ctx)
	return false
}

// DeferInvalidation returns an invalidator that evicts only after the request
// transaction commits. Evicting earlier lets a concurrent request re-cache the
// grants the transaction is about to replace.
func (p *Propagator) DeferInvalidation(next auth.Invalidator) auth.Invalidator {
	return deferredInvalidator{next: next}
}

type deferredInvalidator struct {
	next auth.Invalidator
}

func (d deferredInvalidator) Invalidate(ctx context.Context, identityID int64) {
	if d.next == nil {
		return
	}
	AfterCommit(ctx, func(ctx context.Context) {
		d.next.Invalidate(ctx, identityID)
	})
}

// RestampRevocation returns a revoker that records the cutoff right away and
// again after the request transaction commits. The second stamp covers
// credentials minted from reads that still saw the previous state.
func (p *Propagator) RestampRevocation(next auth.CredentialRevoker) auth.CredentialRevoker {
	return restampingRevoker{next: next, log: p.log}
}

type restampingRevoker struct {
	next auth.CredentialRevoker
	log  *zap.Logger
}

func (r restampingRevoker) RevokeIdentity(ctx context.Context, identityID int64, ttl time.Duration) error {
	if err := r.next.RevokeIdentity(ctx, identityID, ttl); err != nil {
		return err
	}
	if commitHooksFrom(ctx) == nil {
		return nil
	}
	AfterCommit(ctx, func(ctx context.Context) {
		if err := r.next.RevokeIdentity(ctx, identityID, ttl); err != nil {
			r.log.Warn("post-commit credential cutoff failed", zap.Int64("identity_id", identityID), zap.Error(err))
		}
	})
	return nil
}
