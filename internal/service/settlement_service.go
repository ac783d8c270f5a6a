package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casbridge/relayer/internal/domain"
	"github.com/casbridge/relayer/internal/events"
	"github.com/casbridge/relayer/internal/ledger"
	"github.com/casbridge/relayer/internal/metrics"
	"github.com/casbridge/relayer/internal/payment"
	"github.com/casbridge/relayer/internal/store"
)

// Config tunes the settlement service's timing behaviour.
type Config struct {
	// CallTimeout bounds each external ledger or provider call.
	CallTimeout time.Duration
	// AutoSettleDelay is the single-shot delay between payment confirmation
	// and the deferred settlement attempt.
	AutoSettleDelay time.Duration
	// MaxSettleAttempts caps ledger settlement retries. Once exhausted the
	// record stays payment_confirmed with the last error recorded, pending
	// manual reconciliation.
	MaxSettleAttempts int
	// SettleBackoff is the base of the exponential retry backoff.
	SettleBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.AutoSettleDelay <= 0 {
		c.AutoSettleDelay = time.Second
	}
	if c.MaxSettleAttempts <= 0 {
		c.MaxSettleAttempts = 5
	}
	if c.SettleBackoff <= 0 {
		c.SettleBackoff = 2 * time.Second
	}
	return c
}

// SettlementService owns the transaction state machine. It sequences ledger
// and provider calls, enforces transition legality through the store's
// compare-and-mutate contract, and serializes triggers per routeId with a
// keyed lock so an external call and its status commit form one critical
// section. Distinct routes never contend.
type SettlementService struct {
	logger   *slog.Logger
	store    *store.Store
	ledger   ledger.Gateway
	adapters map[domain.Network]payment.Adapter
	events   events.Publisher
	metrics  *metrics.Metrics
	cfg      Config

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	nowFn   func() time.Time
	afterFn func(d time.Duration, fn func())
}

// NewSettlementService wires the orchestrator. A nil publisher disables
// event emission; a nil metrics handle disables instrumentation.
func NewSettlementService(logger *slog.Logger, st *store.Store, gw ledger.Gateway, adapters []payment.Adapter, pub events.Publisher, m *metrics.Metrics, cfg Config) *SettlementService {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	byNetwork := make(map[domain.Network]payment.Adapter, len(adapters))
	for _, a := range adapters {
		byNetwork[a.Network()] = a
	}
	svc := &SettlementService{
		logger:   logger,
		store:    st,
		ledger:   gw,
		adapters: byNetwork,
		events:   pub,
		metrics:  m,
		cfg:      cfg.withDefaults(),
		locks:    make(map[string]*sync.Mutex),
		nowFn:    time.Now,
	}
	svc.afterFn = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	return svc
}

// InitiateInput carries the fields required to open a new route.
type InitiateInput struct {
	Amount      uint64
	FromNetwork domain.Network
	ToNetwork   domain.Network
	Sender      string
	Recipient   string
}

func (in InitiateInput) validate() error {
	if in.Amount == 0 {
		return fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	if _, err := domain.ParseNetwork(string(in.FromNetwork)); err != nil {
		return err
	}
	if _, err := domain.ParseNetwork(string(in.ToNetwork)); err != nil {
		return err
	}
	if in.FromNetwork == in.ToNetwork {
		return fmt.Errorf("%w: source and destination networks must differ", domain.ErrValidation)
	}
	if strings.TrimSpace(in.Sender) == "" {
		return fmt.Errorf("%w: sender is required", domain.ErrValidation)
	}
	if strings.TrimSpace(in.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", domain.ErrValidation)
	}
	return nil
}

// Initiate creates the escrow on the ledger and registers the transaction
// record. The record only exists once the ledger accepted the deploy.
func (s *SettlementService) Initiate(ctx context.Context, in InitiateInput) (domain.Transaction, error) {
	if err := in.validate(); err != nil {
		return domain.Transaction{}, err
	}
	routeID := uuid.NewString()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	deployRef, err := s.ledger.CreateEscrow(callCtx, routeID, in.Recipient, in.Amount)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("create escrow: %w", err)
	}

	now := s.nowFn().UTC()
	tx := domain.Transaction{
		RouteID:     routeID,
		Amount:      in.Amount,
		FromNetwork: in.FromNetwork,
		ToNetwork:   in.ToNetwork,
		Sender:      in.Sender,
		Recipient:   in.Recipient,
		Status:      domain.StatusInitiated,
		LedgerRefs:  map[string]string{domain.StepCreate: deployRef},
		Steps: []domain.Step{{
			Name:      string(domain.StatusInitiated),
			Timestamp: now,
			LedgerRef: deployRef,
		}},
		CreatedAt: now,
	}
	if err := s.store.Create(tx); err != nil {
		return domain.Transaction{}, err
	}
	s.metrics.ObserveTransition(string(domain.StatusInitiated))
	s.logger.Info("escrow created", "routeId", routeID, "deployRef", deployRef, "amount", in.Amount)
	return tx, nil
}

// FundEscrow moves initiated -> funded after submitting the fund deploy.
func (s *SettlementService) FundEscrow(ctx context.Context, routeID string) (domain.Transaction, error) {
	unlock := s.lockRoute(routeID)
	defer unlock()

	tx, err := s.store.Get(routeID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if tx.Status != domain.StatusInitiated {
		return domain.Transaction{}, s.stale(routeID, tx.Status)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	deployRef, err := s.ledger.FundEscrow(callCtx, routeID, tx.Amount)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("fund escrow: %w", err)
	}

	updated, err := s.store.MutateIfStatus(routeID, domain.StatusInitiated, func(tx *domain.Transaction) error {
		tx.Status = domain.StatusFunded
		tx.LedgerRefs[domain.StepFund] = deployRef
		tx.AppendStep(domain.Step{
			Name:      string(domain.StatusFunded),
			Timestamp: s.nowFn().UTC(),
			LedgerRef: deployRef,
		})
		return nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	s.metrics.ObserveTransition(string(domain.StatusFunded))
	s.logger.Info("escrow funded", "routeId", routeID, "deployRef", deployRef)
	return updated, nil
}

// InitiatePayment moves funded -> payment_initiated by asking the sending
// network to collect the amount from the sender.
func (s *SettlementService) InitiatePayment(ctx context.Context, routeID string, network domain.Network) (domain.Transaction, error) {
	unlock := s.lockRoute(routeID)
	defer unlock()

	tx, err := s.store.Get(routeID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if tx.Status != domain.StatusFunded {
		return domain.Transaction{}, s.stale(routeID, tx.Status)
	}
	if network != tx.FromNetwork {
		return domain.Transaction{}, fmt.Errorf("%w: payment network %s does not match route source %s", domain.ErrValidation, network, tx.FromNetwork)
	}
	adapter, ok := s.adapters[network]
	if !ok {
		return domain.Transaction{}, fmt.Errorf("%w: no adapter for network %s", domain.ErrValidation, network)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	paymentRef, err := adapter.Send(callCtx, tx.Amount, tx.Sender)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("initiate payment: %w", err)
	}

	updated, err := s.store.MutateIfStatus(routeID, domain.StatusFunded, func(tx *domain.Transaction) error {
		tx.Status = domain.StatusPaymentInitiated
		tx.PaymentRef = paymentRef
		tx.AppendStep(domain.Step{
			Name:       string(domain.StatusPaymentInitiated),
			Timestamp:  s.nowFn().UTC(),
			PaymentRef: paymentRef,
		})
		return nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	s.metrics.ObserveTransition(string(domain.StatusPaymentInitiated))
	s.logger.Info("payment initiated", "routeId", routeID, "network", network, "paymentRef", paymentRef)
	return updated, nil
}

// ConfirmPayment moves payment_initiated -> payment_confirmed once the
// provider reported success for the stored payment reference, then schedules
// the deferred settlement. A verified amount that differs from the escrowed
// amount routes the record to payment_failed instead.
func (s *SettlementService) ConfirmPayment(ctx context.Context, routeID, paymentRef string, verifiedAmount uint64) (domain.Transaction, error) {
	unlock := s.lockRoute(routeID)
	defer unlock()

	tx, err := s.store.Get(routeID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if tx.Status != domain.StatusPaymentInitiated {
		return domain.Transaction{}, s.stale(routeID, tx.Status)
	}
	if tx.PaymentRef != paymentRef {
		return domain.Transaction{}, fmt.Errorf("%w: payment ref %s does not match route %s", domain.ErrStaleTransition, paymentRef, routeID)
	}

	if verifiedAmount != tx.Amount {
		reason := fmt.Sprintf("verified amount %d does not match escrowed amount %d", verifiedAmount, tx.Amount)
		failed, mErr := s.failPayment(ctx, routeID, reason)
		if mErr != nil {
			return domain.Transaction{}, mErr
		}
		return failed, fmt.Errorf("%w: %s", domain.ErrAmountMismatch, reason)
	}

	updated, err := s.store.MutateIfStatus(routeID, domain.StatusPaymentInitiated, func(tx *domain.Transaction) error {
		tx.Status = domain.StatusPaymentConfirmed
		tx.VerifiedAmount = verifiedAmount
		tx.AppendStep(domain.Step{
			Name:       string(domain.StatusPaymentConfirmed),
			Timestamp:  s.nowFn().UTC(),
			PaymentRef: paymentRef,
		})
		return nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	s.metrics.ObserveTransition(string(domain.StatusPaymentConfirmed))
	s.logger.Info("payment confirmed", "routeId", routeID, "paymentRef", paymentRef, "verifiedAmount", verifiedAmount)
	s.scheduleAutoSettle(routeID, s.cfg.AutoSettleDelay)
	return updated, nil
}

// RejectPayment moves payment_initiated -> payment_failed with the provider's
// failure description.
func (s *SettlementService) RejectPayment(ctx context.Context, routeID, reason string) (domain.Transaction, error) {
	unlock := s.lockRoute(routeID)
	defer unlock()
	return s.failPayment(ctx, routeID, reason)
}

// failPayment transitions to payment_failed; callers hold the route lock.
func (s *SettlementService) failPayment(ctx context.Context, routeID, reason string) (domain.Transaction, error) {
	updated, err := s.store.MutateIfStatus(routeID, domain.StatusPaymentInitiated, func(tx *domain.Transaction) error {
		tx.Status = domain.StatusPaymentFailed
		tx.Error = reason
		tx.AppendStep(domain.Step{
			Name:      string(domain.StatusPaymentFailed),
			Timestamp: s.nowFn().UTC(),
		})
		return nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	s.metrics.ObserveTransition(string(domain.StatusPaymentFailed))
	s.logger.Warn("payment failed", "routeId", routeID, "reason", reason)
	s.publish(ctx, events.Event{
		Type:       events.TypePaymentFailed,
		RouteID:    routeID,
		Status:     updated.Status,
		Amount:     updated.Amount,
		PaymentRef: updated.PaymentRef,
		Error:      reason,
		OccurredAt: s.nowFn().UTC(),
	})
	return updated, nil
}

// AutoSettle submits the settle deploy for a confirmed payment and drives the
// record to completed. It is safe to invoke from the deferred timer, the
// reconciliation sweep, and the client-driven settle path concurrently: only
// one invocation passes the status check, the rest observe ErrStaleTransition.
func (s *SettlementService) AutoSettle(ctx context.Context, routeID string) (domain.Transaction, error) {
	unlock := s.lockRoute(routeID)
	defer unlock()

	tx, err := s.store.Get(routeID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if tx.Status != domain.StatusPaymentConfirmed {
		return domain.Transaction{}, s.stale(routeID, tx.Status)
	}
	if tx.SettleAttempts >= s.cfg.MaxSettleAttempts {
		return domain.Transaction{}, fmt.Errorf("%w: settle retry budget exhausted for %s", domain.ErrLedgerSubmission, routeID)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	deployRef, err := s.ledger.SettleEscrow(callCtx, routeID)
	if err != nil {
		attempts := tx.SettleAttempts + 1
		_, mErr := s.store.MutateIfStatus(routeID, domain.StatusPaymentConfirmed, func(tx *domain.Transaction) error {
			tx.Error = err.Error()
			tx.SettleAttempts = attempts
			return nil
		})
		if mErr != nil {
			return domain.Transaction{}, mErr
		}
		if attempts < s.cfg.MaxSettleAttempts {
			delay := s.cfg.SettleBackoff << (attempts - 1)
			s.metrics.ObserveSettleRetry()
			s.scheduleAutoSettle(routeID, delay)
			s.logger.Warn("settlement failed, retry scheduled", "routeId", routeID, "attempt", attempts, "delay", delay, "error", err)
		} else {
			s.logger.Error("settlement retry budget exhausted", "routeId", routeID, "attempts", attempts, "error", err)
		}
		return domain.Transaction{}, fmt.Errorf("settle escrow: %w", err)
	}

	// One audit step documents the settle deploy; the completion flip that
	// follows is part of the same trigger.
	updated, err := s.store.MutateIfStatus(routeID, domain.StatusPaymentConfirmed, func(tx *domain.Transaction) error {
		tx.Status = domain.StatusSettled
		tx.Error = ""
		tx.LedgerRefs[domain.StepSettle] = deployRef
		tx.AppendStep(domain.Step{
			Name:      string(domain.StatusSettled),
			Timestamp: s.nowFn().UTC(),
			LedgerRef: deployRef,
		})
		return nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	s.metrics.ObserveTransition(string(domain.StatusSettled))

	updated, err = s.store.MutateIfStatus(routeID, domain.StatusSettled, func(tx *domain.Transaction) error {
		tx.Status = domain.StatusCompleted
		return nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	s.metrics.ObserveTransition(string(domain.StatusCompleted))
	s.logger.Info("escrow settled", "routeId", routeID, "deployRef", deployRef)
	s.publish(ctx, events.Event{
		Type:       events.TypeTransactionCompleted,
		RouteID:    routeID,
		Status:     updated.Status,
		Amount:     updated.Amount,
		PaymentRef: updated.PaymentRef,
		OccurredAt: s.nowFn().UTC(),
	})
	return updated, nil
}

// VerifyAndSettle is the explicit client-driven confirm path: ask the
// provider whether the payment completed, confirm it, then settle
// synchronously. The webhook path and this path converge on the same
// transitions, so whichever arrives second observes ErrStaleTransition.
func (s *SettlementService) VerifyAndSettle(ctx context.Context, routeID, paymentRef string, network domain.Network) (domain.Transaction, error) {
	adapter, ok := s.adapters[network]
	if !ok {
		return domain.Transaction{}, fmt.Errorf("%w: no adapter for network %s", domain.ErrValidation, network)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	verification, err := adapter.Verify(callCtx, paymentRef)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("verify payment: %w", err)
	}
	if !verification.Verified {
		return domain.Transaction{}, fmt.Errorf("%w: payment %s not verified (%s)", domain.ErrValidation, paymentRef, verification.Status)
	}

	if _, err := s.ConfirmPayment(ctx, routeID, paymentRef, verification.Amount); err != nil {
		return domain.Transaction{}, err
	}
	return s.AutoSettle(ctx, routeID)
}

// Cancel aborts a route that has not reached a terminal state. The keyed
// lock guarantees no external call is in flight for the route while the
// cancellation commits.
func (s *SettlementService) Cancel(ctx context.Context, routeID, reason string) (domain.Transaction, error) {
	unlock := s.lockRoute(routeID)
	defer unlock()

	updated, err := s.store.MutateIf(routeID, func(st domain.Status) bool { return !st.Terminal() }, func(tx *domain.Transaction) error {
		tx.Status = domain.StatusCancelled
		tx.Error = reason
		tx.AppendStep(domain.Step{
			Name:      string(domain.StatusCancelled),
			Timestamp: s.nowFn().UTC(),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			s.metrics.ObserveStaleRejection()
		}
		return domain.Transaction{}, err
	}
	s.metrics.ObserveTransition(string(domain.StatusCancelled))
	s.logger.Info("route cancelled", "routeId", routeID, "reason", reason)
	return updated, nil
}

// ReverifyPayment re-checks a stale payment_initiated route against the
// provider. Used by the reconciliation sweep when the webhook never arrived.
// An inconclusive verification leaves the record untouched.
func (s *SettlementService) ReverifyPayment(ctx context.Context, routeID string) (domain.Transaction, error) {
	tx, err := s.store.Get(routeID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if tx.Status != domain.StatusPaymentInitiated {
		return domain.Transaction{}, s.stale(routeID, tx.Status)
	}
	adapter, ok := s.adapters[tx.FromNetwork]
	if !ok {
		return domain.Transaction{}, fmt.Errorf("%w: no adapter for network %s", domain.ErrValidation, tx.FromNetwork)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	verification, err := adapter.Verify(callCtx, tx.PaymentRef)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("reverify payment: %w", err)
	}
	if !verification.Verified {
		return tx, nil
	}
	return s.ConfirmPayment(ctx, routeID, tx.PaymentRef, verification.Amount)
}

// Get returns a snapshot of one route.
func (s *SettlementService) Get(routeID string) (domain.Transaction, error) {
	return s.store.Get(routeID)
}

// List returns snapshots of all routes in creation order.
func (s *SettlementService) List() []domain.Transaction {
	return s.store.List()
}

func (s *SettlementService) scheduleAutoSettle(routeID string, delay time.Duration) {
	s.afterFn(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout+time.Second)
		defer cancel()
		if _, err := s.AutoSettle(ctx, routeID); err != nil && !errors.Is(err, domain.ErrStaleTransition) {
			s.logger.Warn("deferred settlement attempt failed", "routeId", routeID, "error", err)
		}
	})
}

func (s *SettlementService) publish(ctx context.Context, evt events.Event) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.events.Publish(pubCtx, evt); err != nil {
		s.logger.Warn("event publish failed", "type", evt.Type, "routeId", evt.RouteID, "error", err)
	}
}

func (s *SettlementService) stale(routeID string, current domain.Status) error {
	s.metrics.ObserveStaleRejection()
	return fmt.Errorf("%w: %s is %s", domain.ErrStaleTransition, routeID, current)
}

// lockRoute serializes triggers per routeId. Locks are created lazily and
// retained for the process lifetime, matching the store's retention policy.
func (s *SettlementService) lockRoute(routeID string) func() {
	s.lockMu.Lock()
	mu, ok := s.locks[routeID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[routeID] = mu
	}
	s.lockMu.Unlock()
	mu.Lock()
	return mu.Unlock
}
