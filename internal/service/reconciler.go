package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/casbridge/relayer/internal/domain"
	"github.com/casbridge/relayer/internal/store"
)

// ReconcilerConfig tunes the background sweep.
type ReconcilerConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// RetryAfter is the minimum age of a payment_confirmed record before the
	// sweep re-attempts settlement.
	RetryAfter time.Duration
	// VerifyAfter is the minimum age of a payment_initiated record before
	// the sweep re-verifies it with the provider.
	VerifyAfter time.Duration
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = 30 * time.Second
	}
	if c.VerifyAfter <= 0 {
		c.VerifyAfter = time.Minute
	}
	return c
}

// Reconciler periodically sweeps the store and nudges stuck routes forward:
// confirmed payments whose settlement never landed are retried, and initiated
// payments whose webhook never arrived are re-verified with the provider.
// Every action goes through the settlement service's triggers, so a sweep
// racing a webhook or timer resolves to a no-op.
type Reconciler struct {
	logger *slog.Logger
	store  *store.Store
	svc    *SettlementService
	cfg    ReconcilerConfig
	nowFn  func() time.Time
}

// NewReconciler constructs the sweep with sane defaults.
func NewReconciler(logger *slog.Logger, st *store.Store, svc *SettlementService, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		logger: logger,
		store:  st,
		svc:    svc,
		cfg:    cfg.withDefaults(),
		nowFn:  time.Now,
	}
}

// Run sweeps on a ticker until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) {
	now := r.nowFn()
	for _, tx := range r.store.List() {
		switch tx.Status {
		case domain.StatusPaymentConfirmed:
			if now.Sub(tx.LastStepTime()) < r.cfg.RetryAfter {
				continue
			}
			if _, err := r.svc.AutoSettle(ctx, tx.RouteID); err != nil && !errors.Is(err, domain.ErrStaleTransition) {
				r.logger.Warn("reconciler settlement attempt failed", "routeId", tx.RouteID, "error", err)
			}
		case domain.StatusPaymentInitiated:
			if now.Sub(tx.LastStepTime()) < r.cfg.VerifyAfter {
				continue
			}
			if _, err := r.svc.ReverifyPayment(ctx, tx.RouteID); err != nil && !errors.Is(err, domain.ErrStaleTransition) {
				r.logger.Warn("reconciler verification failed", "routeId", tx.RouteID, "error", err)
			}
		}
	}
}
