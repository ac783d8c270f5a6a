package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/casbridge/relayer/internal/domain"
	"github.com/casbridge/relayer/internal/ledger"
	"github.com/casbridge/relayer/internal/payment"
	"github.com/casbridge/relayer/internal/service"
	"github.com/casbridge/relayer/internal/store"
)

type ingressEnv struct {
	ingress *Ingress
	store   *store.Store
	svc     *service.SettlementService
}

func newIngressEnv(t *testing.T) *ingressEnv {
	t.Helper()
	st := store.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewSettlementService(logger, st, ledger.NewSimGateway(),
		[]payment.Adapter{
			payment.NewSimAdapter(domain.NetworkMpesa),
			payment.NewSimAdapter(domain.NetworkMomo),
		}, nil, nil, service.Config{
			// Keep the deferred settle out of these tests' way.
			AutoSettleDelay: time.Hour,
		})
	return &ingressEnv{
		ingress: NewIngress(logger, st, svc, nil),
		store:   st,
		svc:     svc,
	}
}

// paymentInitiated drives a fresh route to payment_initiated on the given
// network and returns its snapshot.
func (env *ingressEnv) paymentInitiated(t *testing.T, network domain.Network) domain.Transaction {
	t.Helper()
	ctx := context.Background()
	to := domain.NetworkMomo
	if network == domain.NetworkMomo {
		to = domain.NetworkMpesa
	}
	tx, err := env.svc.Initiate(ctx, service.InitiateInput{
		Amount:      5_000_000_000,
		FromNetwork: network,
		ToNetwork:   to,
		Sender:      "+254700000001",
		Recipient:   "+256700000002",
	})
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if _, err := env.svc.FundEscrow(ctx, tx.RouteID); err != nil {
		t.Fatalf("fund failed: %v", err)
	}
	tx, err = env.svc.InitiatePayment(ctx, tx.RouteID, network)
	if err != nil {
		t.Fatalf("initiate payment failed: %v", err)
	}
	return tx
}

func mpesaSuccessPayload(checkoutID string, amount uint64) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": %q,
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": %d},
						{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
						{"Name": "PhoneNumber", "Value": 254700000001}
					]
				}
			}
		}
	}`, checkoutID, amount))
}

func mpesaFailurePayload(checkoutID string) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"CheckoutRequestID": %q,
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user"
			}
		}
	}`, checkoutID))
}

func TestMpesaSuccessNotificationConfirmsPayment(t *testing.T) {
	env := newIngressEnv(t)
	tx := env.paymentInitiated(t, domain.NetworkMpesa)

	env.ingress.Process(context.Background(), domain.NetworkMpesa, mpesaSuccessPayload(tx.PaymentRef, tx.Amount))

	after, _ := env.store.Get(tx.RouteID)
	if after.Status != domain.StatusPaymentConfirmed {
		t.Fatalf("expected payment_confirmed, got %s", after.Status)
	}
	if after.VerifiedAmount != tx.Amount {
		t.Fatalf("expected verified amount %d, got %d", tx.Amount, after.VerifiedAmount)
	}
}

func TestMpesaFailureNotificationRejectsPayment(t *testing.T) {
	env := newIngressEnv(t)
	tx := env.paymentInitiated(t, domain.NetworkMpesa)

	env.ingress.Process(context.Background(), domain.NetworkMpesa, mpesaFailurePayload(tx.PaymentRef))

	after, _ := env.store.Get(tx.RouteID)
	if after.Status != domain.StatusPaymentFailed {
		t.Fatalf("expected payment_failed, got %s", after.Status)
	}
	if after.Error != "Request cancelled by user" {
		t.Fatalf("unexpected failure reason %q", after.Error)
	}
}

func TestUnknownPaymentRefIsDropped(t *testing.T) {
	env := newIngressEnv(t)
	tx := env.paymentInitiated(t, domain.NetworkMpesa)

	env.ingress.Process(context.Background(), domain.NetworkMpesa, mpesaSuccessPayload("ws_CO_unknown", tx.Amount))

	after, _ := env.store.Get(tx.RouteID)
	if after.Status != domain.StatusPaymentInitiated {
		t.Fatalf("unknown notification mutated record: %s", after.Status)
	}
}

func TestDuplicateNotificationIsNoOp(t *testing.T) {
	env := newIngressEnv(t)
	tx := env.paymentInitiated(t, domain.NetworkMpesa)
	payload := mpesaSuccessPayload(tx.PaymentRef, tx.Amount)

	env.ingress.Process(context.Background(), domain.NetworkMpesa, payload)
	confirmed, _ := env.store.Get(tx.RouteID)

	env.ingress.Process(context.Background(), domain.NetworkMpesa, payload)
	after, _ := env.store.Get(tx.RouteID)

	if len(after.Steps) != len(confirmed.Steps) {
		t.Fatalf("duplicate notification appended a step: %d -> %d", len(confirmed.Steps), len(after.Steps))
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	env := newIngressEnv(t)
	tx := env.paymentInitiated(t, domain.NetworkMpesa)

	env.ingress.Process(context.Background(), domain.NetworkMpesa, []byte(`{"Body": 12`))
	env.ingress.Process(context.Background(), domain.NetworkMpesa, []byte(`{"Body":{"stkCallback":{"ResultCode":0}}}`))

	after, _ := env.store.Get(tx.RouteID)
	if after.Status != domain.StatusPaymentInitiated {
		t.Fatalf("malformed notification mutated record: %s", after.Status)
	}
}

func TestMomoSuccessNotificationConfirmsPayment(t *testing.T) {
	env := newIngressEnv(t)
	tx := env.paymentInitiated(t, domain.NetworkMomo)

	payload := []byte(fmt.Sprintf(`{"referenceId": %q, "status": "SUCCESSFUL", "amount": "%d"}`, tx.PaymentRef, tx.Amount))
	env.ingress.Process(context.Background(), domain.NetworkMomo, payload)

	after, _ := env.store.Get(tx.RouteID)
	if after.Status != domain.StatusPaymentConfirmed {
		t.Fatalf("expected payment_confirmed, got %s", after.Status)
	}
}

func TestMomoFailureNotificationRejectsPayment(t *testing.T) {
	env := newIngressEnv(t)
	tx := env.paymentInitiated(t, domain.NetworkMomo)

	payload := []byte(fmt.Sprintf(`{"referenceId": %q, "status": "FAILED", "reason": "PAYER_NOT_FOUND"}`, tx.PaymentRef))
	env.ingress.Process(context.Background(), domain.NetworkMomo, payload)

	after, _ := env.store.Get(tx.RouteID)
	if after.Status != domain.StatusPaymentFailed {
		t.Fatalf("expected payment_failed, got %s", after.Status)
	}
	if after.Error != "PAYER_NOT_FOUND" {
		t.Fatalf("unexpected failure reason %q", after.Error)
	}
}

func TestAckBodies(t *testing.T) {
	if string(Ack(domain.NetworkMpesa)) != `{"ResultCode":0,"ResultDesc":"Success"}` {
		t.Fatalf("unexpected mpesa ack: %s", Ack(domain.NetworkMpesa))
	}
	if string(Ack(domain.NetworkMomo)) != `{"status":"ok"}` {
		t.Fatalf("unexpected momo ack: %s", Ack(domain.NetworkMomo))
	}
}
