package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/casbridge/relayer/internal/domain"
	"github.com/casbridge/relayer/internal/metrics"
	"github.com/casbridge/relayer/internal/service"
	"github.com/casbridge/relayer/internal/store"
)

// Ingress normalizes inbound provider notifications into confirm/reject
// triggers. Processing failures are logged and dropped, never surfaced to the
// provider: erroring the responder would only cause an upstream retry storm.
type Ingress struct {
	logger  *slog.Logger
	store   *store.Store
	svc     *service.SettlementService
	metrics *metrics.Metrics
}

// NewIngress wires the ingress.
func NewIngress(logger *slog.Logger, st *store.Store, svc *service.SettlementService, m *metrics.Metrics) *Ingress {
	return &Ingress{logger: logger, store: st, svc: svc, metrics: m}
}

// paymentResult is the normalized form of a provider notification.
type paymentResult struct {
	paymentRef  string
	succeeded   bool
	amount      uint64
	hasAmount   bool
	description string
}

// Process ingests one notification payload for the given network. It never
// returns an error; the HTTP responder acknowledges regardless.
func (i *Ingress) Process(ctx context.Context, network domain.Network, payload []byte) {
	res, err := parse(network, payload)
	if err != nil {
		i.metrics.ObserveWebhook(string(network), "malformed")
		i.logger.Warn("dropping malformed notification", "network", network, "error", err)
		return
	}

	tx, err := i.store.FindByPaymentRef(res.paymentRef)
	if err != nil {
		i.metrics.ObserveWebhook(string(network), "unknown")
		i.logger.Info("dropping notification for unknown payment", "network", network, "paymentRef", res.paymentRef)
		return
	}

	if !res.succeeded {
		if _, err := i.svc.RejectPayment(ctx, tx.RouteID, res.description); err != nil {
			i.dropTriggerFailure(network, tx.RouteID, err)
			return
		}
		i.metrics.ObserveWebhook(string(network), "rejected")
		return
	}

	amount := res.amount
	if !res.hasAmount {
		i.metrics.ObserveWebhook(string(network), "malformed")
		i.logger.Warn("dropping success notification without amount", "network", network, "paymentRef", res.paymentRef)
		return
	}
	if _, err := i.svc.ConfirmPayment(ctx, tx.RouteID, res.paymentRef, amount); err != nil {
		i.dropTriggerFailure(network, tx.RouteID, err)
		return
	}
	i.metrics.ObserveWebhook(string(network), "confirmed")
}

func (i *Ingress) dropTriggerFailure(network domain.Network, routeID string, err error) {
	outcome := "error"
	if errors.Is(err, domain.ErrStaleTransition) {
		outcome = "stale"
	}
	i.metrics.ObserveWebhook(string(network), outcome)
	i.logger.Info("dropping notification", "network", network, "routeId", routeID, "outcome", outcome, "error", err)
}

// Ack returns the acknowledgment body the provider expects. The webhook
// responder sends this with a 200 regardless of processing outcome.
func Ack(network domain.Network) []byte {
	switch network {
	case domain.NetworkMpesa:
		return []byte(`{"ResultCode":0,"ResultDesc":"Success"}`)
	default:
		return []byte(`{"status":"ok"}`)
	}
}

func parse(network domain.Network, payload []byte) (paymentResult, error) {
	switch network {
	case domain.NetworkMpesa:
		return parseMpesa(payload)
	case domain.NetworkMomo:
		return parseMomo(payload)
	default:
		return paymentResult{}, fmt.Errorf("unsupported network %q", network)
	}
}

// parseMpesa handles the Daraja STK callback envelope. The payment reference
// is the CheckoutRequestID; the settled amount arrives as a metadata item.
func parseMpesa(payload []byte) (paymentResult, error) {
	var body struct {
		Body struct {
			StkCallback struct {
				CheckoutRequestID string `json:"CheckoutRequestID"`
				ResultCode        int    `json:"ResultCode"`
				ResultDesc        string `json:"ResultDesc"`
				CallbackMetadata  struct {
					Item []struct {
						Name  string      `json:"Name"`
						Value json.Number `json:"Value"`
					} `json:"Item"`
				} `json:"CallbackMetadata"`
			} `json:"stkCallback"`
		} `json:"Body"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return paymentResult{}, err
	}
	cb := body.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return paymentResult{}, errors.New("missing CheckoutRequestID")
	}
	res := paymentResult{
		paymentRef:  cb.CheckoutRequestID,
		succeeded:   cb.ResultCode == 0,
		description: cb.ResultDesc,
	}
	for _, item := range cb.CallbackMetadata.Item {
		if item.Name == "Amount" {
			if amount, ok := parseAmount(item.Value); ok {
				res.amount = amount
				res.hasAmount = true
			}
		}
	}
	return res, nil
}

// parseMomo handles the flat MoMo callback: the reference the relayer
// generated on request-to-pay plus a terminal status.
func parseMomo(payload []byte) (paymentResult, error) {
	var body struct {
		ReferenceID string      `json:"referenceId"`
		Status      string      `json:"status"`
		Amount      json.Number `json:"amount"`
		Reason      string      `json:"reason"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return paymentResult{}, err
	}
	if body.ReferenceID == "" {
		return paymentResult{}, errors.New("missing referenceId")
	}
	res := paymentResult{
		paymentRef:  body.ReferenceID,
		succeeded:   body.Status == "SUCCESSFUL",
		description: body.Status,
	}
	if body.Reason != "" {
		res.description = body.Reason
	}
	if amount, ok := parseAmount(body.Amount); ok {
		res.amount = amount
		res.hasAmount = true
	}
	return res, nil
}

// parseAmount tolerates integer and decimal encodings; providers are not
// consistent about which they send.
func parseAmount(n json.Number) (uint64, bool) {
	if n.String() == "" {
		return 0, false
	}
	if v, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		return v, true
	}
	if f, err := n.Float64(); err == nil && f >= 0 {
		return uint64(f), true
	}
	return 0, false
}
