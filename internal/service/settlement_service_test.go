package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/casbridge/relayer/internal/domain"
	"github.com/casbridge/relayer/internal/events"
	"github.com/casbridge/relayer/internal/ledger"
	"github.com/casbridge/relayer/internal/payment"
	"github.com/casbridge/relayer/internal/store"
)

// timerQueue captures deferred tasks so tests can fire them deterministically
// instead of sleeping.
type timerQueue struct {
	mu  sync.Mutex
	fns []func()
}

func (q *timerQueue) schedule(_ time.Duration, fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fns = append(q.fns, fn)
}

func (q *timerQueue) fire() int {
	q.mu.Lock()
	pending := q.fns
	q.fns = nil
	q.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
	return len(pending)
}

func (q *timerQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fns)
}

// fakeClock hands out strictly increasing timestamps.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) byType(eventType string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, evt := range p.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

type testEnv struct {
	svc     *SettlementService
	store   *store.Store
	gateway *ledger.SimGateway
	mpesa   *payment.SimAdapter
	momo    *payment.SimAdapter
	timers  *timerQueue
	pub     *capturePublisher
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   store.New(),
		gateway: ledger.NewSimGateway(),
		mpesa:   payment.NewSimAdapter(domain.NetworkMpesa),
		momo:    payment.NewSimAdapter(domain.NetworkMomo),
		timers:  &timerQueue{},
		pub:     &capturePublisher{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.svc = NewSettlementService(logger, env.store, env.gateway,
		[]payment.Adapter{env.mpesa, env.momo}, env.pub, nil, cfg)
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	env.svc.nowFn = clock.now
	env.svc.afterFn = env.timers.schedule
	return env
}

func (env *testEnv) initiate(t *testing.T) domain.Transaction {
	t.Helper()
	tx, err := env.svc.Initiate(context.Background(), InitiateInput{
		Amount:      5_000_000_000,
		FromNetwork: domain.NetworkMpesa,
		ToNetwork:   domain.NetworkMomo,
		Sender:      "+254700000001",
		Recipient:   "+256700000002",
	})
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	return tx
}

func (env *testEnv) advanceTo(t *testing.T, routeID string, target domain.Status) domain.Transaction {
	t.Helper()
	ctx := context.Background()
	tx, err := env.store.Get(routeID)
	if err != nil {
		t.Fatalf("get %s: %v", routeID, err)
	}
	if target == domain.StatusInitiated {
		return tx
	}
	if tx, err = env.svc.FundEscrow(ctx, routeID); err != nil {
		t.Fatalf("fund failed: %v", err)
	}
	if target == domain.StatusFunded {
		return tx
	}
	if tx, err = env.svc.InitiatePayment(ctx, routeID, domain.NetworkMpesa); err != nil {
		t.Fatalf("initiate payment failed: %v", err)
	}
	if target == domain.StatusPaymentInitiated {
		return tx
	}
	if tx, err = env.svc.ConfirmPayment(ctx, routeID, tx.PaymentRef, tx.Amount); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	return tx
}

func TestEndToEndSettlementFlow(t *testing.T) {
	env := newTestEnv(t, Config{})
	created := env.initiate(t)

	confirmed := env.advanceTo(t, created.RouteID, domain.StatusPaymentConfirmed)
	if confirmed.Status != domain.StatusPaymentConfirmed {
		t.Fatalf("expected payment_confirmed, got %s", confirmed.Status)
	}
	if env.timers.pending() != 1 {
		t.Fatalf("expected one scheduled auto-settle, got %d", env.timers.pending())
	}

	env.timers.fire()

	final, err := env.store.Get(created.RouteID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if final.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if len(final.Steps) != 5 {
		t.Fatalf("expected 5 steps, got %d: %+v", len(final.Steps), final.Steps)
	}
	for i := 1; i < len(final.Steps); i++ {
		if !final.Steps[i].Timestamp.After(final.Steps[i-1].Timestamp) {
			t.Fatalf("step %d timestamp not increasing: %v then %v", i, final.Steps[i-1].Timestamp, final.Steps[i].Timestamp)
		}
	}
	for _, step := range []string{domain.StepCreate, domain.StepFund, domain.StepSettle} {
		if final.LedgerRefs[step] == "" {
			t.Fatalf("missing ledger ref for %s", step)
		}
	}
	if final.VerifiedAmount != final.Amount {
		t.Fatalf("verified amount %d != amount %d", final.VerifiedAmount, final.Amount)
	}

	completedEvents := env.pub.byType(events.TypeTransactionCompleted)
	if len(completedEvents) != 1 {
		t.Fatalf("expected one completed event, got %d", len(completedEvents))
	}
	if completedEvents[0].RouteID != created.RouteID {
		t.Fatalf("event routeId mismatch: %s", completedEvents[0].RouteID)
	}
}

func TestTriggersRejectWrongPredecessorState(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name    string
		prepare domain.Status
		trigger func(env *testEnv, routeID string) error
	}{
		{
			name:    "fund from funded",
			prepare: domain.StatusFunded,
			trigger: func(env *testEnv, routeID string) error {
				_, err := env.svc.FundEscrow(ctx, routeID)
				return err
			},
		},
		{
			name:    "pay from initiated",
			prepare: domain.StatusInitiated,
			trigger: func(env *testEnv, routeID string) error {
				_, err := env.svc.InitiatePayment(ctx, routeID, domain.NetworkMpesa)
				return err
			},
		},
		{
			name:    "confirm from funded",
			prepare: domain.StatusFunded,
			trigger: func(env *testEnv, routeID string) error {
				_, err := env.svc.ConfirmPayment(ctx, routeID, "whatever", 5_000_000_000)
				return err
			},
		},
		{
			name:    "settle from payment_initiated",
			prepare: domain.StatusPaymentInitiated,
			trigger: func(env *testEnv, routeID string) error {
				_, err := env.svc.AutoSettle(ctx, routeID)
				return err
			},
		},
		{
			name:    "reject from funded",
			prepare: domain.StatusFunded,
			trigger: func(env *testEnv, routeID string) error {
				_, err := env.svc.RejectPayment(ctx, routeID, "declined")
				return err
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			created := env.initiate(t)
			before := env.advanceTo(t, created.RouteID, tc.prepare)

			err := tc.trigger(env, created.RouteID)
			if !errors.Is(err, domain.ErrStaleTransition) {
				t.Fatalf("expected ErrStaleTransition, got %v", err)
			}
			after, _ := env.store.Get(created.RouteID)
			if after.Status != before.Status || len(after.Steps) != len(before.Steps) {
				t.Fatalf("record mutated by rejected trigger: %s/%d -> %s/%d",
					before.Status, len(before.Steps), after.Status, len(after.Steps))
			}
		})
	}
}

func TestConfirmPaymentUnknownRoute(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, err := env.svc.ConfirmPayment(context.Background(), "missing", "ref", 1)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConfirmPaymentRefMismatchRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	created := env.initiate(t)
	before := env.advanceTo(t, created.RouteID, domain.StatusPaymentInitiated)

	_, err := env.svc.ConfirmPayment(context.Background(), created.RouteID, "someone-elses-ref", before.Amount)
	if !errors.Is(err, domain.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}
	after, _ := env.store.Get(created.RouteID)
	if after.Status != domain.StatusPaymentInitiated {
		t.Fatalf("record mutated: %s", after.Status)
	}
}

func TestConfirmPaymentAmountMismatchFailsRoute(t *testing.T) {
	env := newTestEnv(t, Config{})
	created := env.initiate(t)
	tx := env.advanceTo(t, created.RouteID, domain.StatusPaymentInitiated)

	_, err := env.svc.ConfirmPayment(context.Background(), created.RouteID, tx.PaymentRef, tx.Amount-1)
	if !errors.Is(err, domain.ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	after, _ := env.store.Get(created.RouteID)
	if after.Status != domain.StatusPaymentFailed {
		t.Fatalf("expected payment_failed, got %s", after.Status)
	}
	if after.Error == "" {
		t.Fatal("expected failure reason on record")
	}
	if env.timers.pending() != 0 {
		t.Fatal("no settlement should be scheduled after a mismatch")
	}
	if len(env.pub.byType(events.TypePaymentFailed)) != 1 {
		t.Fatal("expected a payment failed event")
	}
}

func TestDuplicateConfirmIsNoOp(t *testing.T) {
	env := newTestEnv(t, Config{})
	created := env.initiate(t)
	tx := env.advanceTo(t, created.RouteID, domain.StatusPaymentConfirmed)

	before, _ := env.store.Get(created.RouteID)
	_, err := env.svc.ConfirmPayment(context.Background(), created.RouteID, tx.PaymentRef, tx.Amount)
	if !errors.Is(err, domain.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition on duplicate, got %v", err)
	}
	after, _ := env.store.Get(created.RouteID)
	if len(after.Steps) != len(before.Steps) {
		t.Fatalf("duplicate confirm appended a step: %d -> %d", len(before.Steps), len(after.Steps))
	}
}

func TestConcurrentFundSubmitsExactlyOnce(t *testing.T) {
	env := newTestEnv(t, Config{})
	created := env.initiate(t)

	const callers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.FundEscrow(context.Background(), created.RouteID)
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)

	var ok, stale int
	for err := range errCh {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrStaleTransition):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || stale != callers-1 {
		t.Fatalf("expected one winner, got ok=%d stale=%d", ok, stale)
	}
	if n := env.gateway.SubmittedFor(created.RouteID, "fund_escrow"); n != 1 {
		t.Fatalf("expected exactly one fund submission, got %d", n)
	}
}

func TestInitiatePaymentRequiresSourceNetwork(t *testing.T) {
	env := newTestEnv(t, Config{})
	created := env.initiate(t)
	env.advanceTo(t, created.RouteID, domain.StatusFunded)

	_, err := env.svc.InitiatePayment(context.Background(), created.RouteID, domain.NetworkMomo)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	after, _ := env.store.Get(created.RouteID)
	if after.Status != domain.StatusFunded {
		t.Fatalf("record mutated: %s", after.Status)
	}
}

func TestSettleFailureRetriesWithBackoff(t *testing.T) {
	env := newTestEnv(t, Config{})
	created := env.initiate(t)
	env.advanceTo(t, created.RouteID, domain.StatusPaymentConfirmed)

	env.gateway.FailSettle(errors.New("node unreachable"))
	env.timers.fire()

	after, _ := env.store.Get(created.RouteID)
	if after.Status != domain.StatusPaymentConfirmed {
		t.Fatalf("settle failure must not move status, got %s", after.Status)
	}
	if after.SettleAttempts != 1 {
		t.Fatalf("expected one recorded attempt, got %d", after.SettleAttempts)
	}
	if after.Error == "" {
		t.Fatal("expected error recorded on record")
	}
	if env.timers.pending() != 1 {
		t.Fatalf("expected a scheduled retry, got %d", env.timers.pending())
	}

	env.gateway.FailSettle(nil)
	env.timers.fire()

	final, _ := env.store.Get(created.RouteID)
	if final.Status != domain.StatusCompleted {
		t.Fatalf("expected completed after retry, got %s", final.Status)
	}
	if final.Error != "" {
		t.Fatalf("expected error cleared after settlement, got %q", final.Error)
	}
}

func TestSettleRetryBudgetExhaustion(t *testing.T) {
	env := newTestEnv(t, Config{MaxSettleAttempts: 2})
	created := env.initiate(t)
	env.advanceTo(t, created.RouteID, domain.StatusPaymentConfirmed)

	env.gateway.FailSettle(errors.New("node unreachable"))
	env.timers.fire() // attempt 1, schedules retry
	env.timers.fire() // attempt 2, budget exhausted

	after, _ := env.store.Get(created.RouteID)
	if after.Status != domain.StatusPaymentConfirmed {
		t.Fatalf("expected record held at payment_confirmed, got %s", after.Status)
	}
	if after.SettleAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", after.SettleAttempts)
	}
	if env.timers.pending() != 0 {
		t.Fatal("no further retries should be scheduled")
	}

	_, err := env.svc.AutoSettle(context.Background(), created.RouteID)
	if !errors.Is(err, domain.ErrLedgerSubmission) {
		t.Fatalf("expected budget error, got %v", err)
	}
}

func TestDeferredSettleIsNoOpAfterExplicitSettle(t *testing.T) {
	env := newTestEnv(t, Config{})
	created := env.initiate(t)
	env.advanceTo(t, created.RouteID, domain.StatusPaymentConfirmed)

	// Explicit settle wins the race with the deferred timer.
	if _, err := env.svc.AutoSettle(context.Background(), created.RouteID); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	before, _ := env.store.Get(created.RouteID)

	env.timers.fire()

	after, _ := env.store.Get(created.RouteID)
	if len(after.Steps) != len(before.Steps) || after.Status != domain.StatusCompleted {
		t.Fatalf("deferred settle was not a no-op: %s/%d", after.Status, len(after.Steps))
	}
	if n := env.gateway.SubmittedFor(created.RouteID, "settle_escrow"); n != 1 {
		t.Fatalf("expected exactly one settle submission, got %d", n)
	}
}

func TestVerifyAndSettleExplicitPath(t *testing.T) {
	env := newTestEnv(t, Config{})
	created := env.initiate(t)
	tx := env.advanceTo(t, created.RouteID, domain.StatusPaymentInitiated)

	final, err := env.svc.VerifyAndSettle(context.Background(), created.RouteID, tx.PaymentRef, domain.NetworkMpesa)
	if err != nil {
		t.Fatalf("verify and settle failed: %v", err)
	}
	if final.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if final.VerifiedAmount != tx.Amount {
		t.Fatalf("expected verified amount %d, got %d", tx.Amount, final.VerifiedAmount)
	}
}

func TestVerifyAndSettleUnverifiedPaymentLeavesRecord(t *testing.T) {
	env := newTestEnv(t, Config{})
	created := env.initiate(t)
	tx := env.advanceTo(t, created.RouteID, domain.StatusPaymentInitiated)

	env.mpesa.SetVerification(tx.PaymentRef, payment.Verification{Verified: false, Status: "Request cancelled by user"})
	_, err := env.svc.VerifyAndSettle(context.Background(), created.RouteID, tx.PaymentRef, domain.NetworkMpesa)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	after, _ := env.store.Get(created.RouteID)
	if after.Status != domain.StatusPaymentInitiated {
		t.Fatalf("unverified settle mutated record: %s", after.Status)
	}
}

func TestCancelNonTerminalRoute(t *testing.T) {
	env := newTestEnv(t, Config{})
	created := env.initiate(t)
	env.advanceTo(t, created.RouteID, domain.StatusFunded)

	cancelled, err := env.svc.Cancel(context.Background(), created.RouteID, "operator abort")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	// Terminal records are frozen.
	if _, err := env.svc.FundEscrow(context.Background(), created.RouteID); !errors.Is(err, domain.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition after cancel, got %v", err)
	}
	if _, err := env.svc.Cancel(context.Background(), created.RouteID, "again"); !errors.Is(err, domain.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition on double cancel, got %v", err)
	}
}

func TestInitiateValidation(t *testing.T) {
	env := newTestEnv(t, Config{})
	cases := []InitiateInput{
		{Amount: 0, FromNetwork: domain.NetworkMpesa, ToNetwork: domain.NetworkMomo, Sender: "a", Recipient: "b"},
		{Amount: 1, FromNetwork: "airtel", ToNetwork: domain.NetworkMomo, Sender: "a", Recipient: "b"},
		{Amount: 1, FromNetwork: domain.NetworkMpesa, ToNetwork: domain.NetworkMomo, Sender: "", Recipient: "b"},
		{Amount: 1, FromNetwork: domain.NetworkMpesa, ToNetwork: domain.NetworkMomo, Sender: "a", Recipient: ""},
	}
	for i, in := range cases {
		if _, err := env.svc.Initiate(context.Background(), in); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
	if len(env.store.List()) != 0 {
		t.Fatal("validation failures must not create records")
	}
}

func TestInitiateLedgerFailureCreatesNoRecord(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.gateway.FailCreate(errors.New("node down"))
	_, err := env.svc.Initiate(context.Background(), InitiateInput{
		Amount:      1,
		FromNetwork: domain.NetworkMpesa,
		ToNetwork:   domain.NetworkMomo,
		Sender:      "+254700000001",
		Recipient:   "+256700000002",
	})
	if err == nil {
		t.Fatal("expected error from ledger failure")
	}
	if len(env.store.List()) != 0 {
		t.Fatal("failed initiate must not create a record")
	}
}
