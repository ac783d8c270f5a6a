package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/casbridge/relayer/internal/domain"
	"github.com/casbridge/relayer/internal/service"
	"github.com/casbridge/relayer/internal/webhook"
)

// Provider callbacks are small JSON documents; anything larger is noise.
const maxWebhookBody = 1 << 20

// BridgeHandlers exposes HTTP handlers for the bridge API.
type BridgeHandlers struct {
	logger       *slog.Logger
	service      *service.SettlementService
	ingress      *webhook.Ingress
	webhookLimit *rate.Limiter
}

// NewBridgeHandlers constructs a BridgeHandlers instance.
func NewBridgeHandlers(logger *slog.Logger, svc *service.SettlementService, ingress *webhook.Ingress) *BridgeHandlers {
	return &BridgeHandlers{
		logger:       logger,
		service:      svc,
		ingress:      ingress,
		webhookLimit: rate.NewLimiter(rate.Limit(50), 100),
	}
}

func (h *BridgeHandlers) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var payload initiateRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	from, err := domain.ParseNetwork(payload.FromNetwork)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from_network")
		return
	}
	to, err := domain.ParseNetwork(payload.ToNetwork)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to_network")
		return
	}

	tx, err := h.service.Initiate(r.Context(), service.InitiateInput{
		Amount:      payload.Amount,
		FromNetwork: from,
		ToNetwork:   to,
		Sender:      payload.Sender,
		Recipient:   payload.Recipient,
	})
	if err != nil {
		h.respondError(w, "initiate failed", err, "sender", payload.Sender)
		return
	}

	respondJSON(w, http.StatusCreated, initiateResponse{
		Success:   true,
		RouteID:   tx.RouteID,
		Status:    string(tx.Status),
		LedgerRef: tx.LedgerRefs[domain.StepCreate],
	})
}

func (h *BridgeHandlers) handleFund(w http.ResponseWriter, r *http.Request) {
	var payload routeRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.RouteID == "" {
		writeError(w, http.StatusBadRequest, "routeId is required")
		return
	}

	tx, err := h.service.FundEscrow(r.Context(), payload.RouteID)
	if err != nil {
		h.respondError(w, "fund failed", err, "routeId", payload.RouteID)
		return
	}

	respondJSON(w, http.StatusOK, fundResponse{
		Success:   true,
		Status:    string(tx.Status),
		LedgerRef: tx.LedgerRefs[domain.StepFund],
	})
}

func (h *BridgeHandlers) handlePay(w http.ResponseWriter, r *http.Request) {
	var payload payRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.RouteID == "" {
		writeError(w, http.StatusBadRequest, "routeId is required")
		return
	}
	network, err := domain.ParseNetwork(payload.Network)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid network")
		return
	}

	tx, err := h.service.InitiatePayment(r.Context(), payload.RouteID, network)
	if err != nil {
		h.respondError(w, "payment initiation failed", err, "routeId", payload.RouteID)
		return
	}

	respondJSON(w, http.StatusOK, payResponse{
		Success:    true,
		Status:     string(tx.Status),
		PaymentRef: tx.PaymentRef,
	})
}

func (h *BridgeHandlers) handleSettle(w http.ResponseWriter, r *http.Request) {
	var payload settleRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.RouteID == "" {
		writeError(w, http.StatusBadRequest, "routeId is required")
		return
	}
	if payload.PaymentRef == "" {
		writeError(w, http.StatusBadRequest, "paymentRef is required")
		return
	}
	network, err := domain.ParseNetwork(payload.Network)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid network")
		return
	}

	tx, err := h.service.VerifyAndSettle(r.Context(), payload.RouteID, payload.PaymentRef, network)
	if err != nil {
		h.respondError(w, "settle failed", err, "routeId", payload.RouteID)
		return
	}

	respondJSON(w, http.StatusOK, settleResponse{
		Success:        true,
		Status:         string(tx.Status),
		VerifiedAmount: tx.VerifiedAmount,
	})
}

func (h *BridgeHandlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	var payload cancelRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.RouteID == "" {
		writeError(w, http.StatusBadRequest, "routeId is required")
		return
	}

	tx, err := h.service.Cancel(r.Context(), payload.RouteID, payload.Reason)
	if err != nil {
		h.respondError(w, "cancel failed", err, "routeId", payload.RouteID)
		return
	}

	respondJSON(w, http.StatusOK, cancelResponse{
		Success: true,
		Status:  string(tx.Status),
	})
}

func (h *BridgeHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "routeId")
	if routeID == "" {
		writeError(w, http.StatusBadRequest, "routeId is required")
		return
	}

	tx, err := h.service.Get(routeID)
	if err != nil {
		h.respondError(w, "status lookup failed", err, "routeId", routeID)
		return
	}

	respondJSON(w, http.StatusOK, tx)
}

func (h *BridgeHandlers) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txs := h.service.List()
	respondJSON(w, http.StatusOK, listResponse{
		Count:        len(txs),
		Transactions: txs,
	})
}

// handleWebhook acknowledges every notification with the provider's expected
// body. Erroring here would only make the provider redeliver; failures are
// logged inside the ingress instead.
func (h *BridgeHandlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	network, err := domain.ParseNetwork(chi.URLParam(r, "network"))
	if err != nil {
		h.logger.Warn("notification for unknown network", "network", chi.URLParam(r, "network"))
		respondRaw(w, http.StatusOK, webhook.Ack(""))
		return
	}

	if !h.webhookLimit.Allow() {
		h.logger.Warn("webhook rate limit exceeded, dropping notification", "network", network)
		respondRaw(w, http.StatusOK, webhook.Ack(network))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("failed to read notification body", "network", network, "error", err)
		respondRaw(w, http.StatusOK, webhook.Ack(network))
		return
	}
	defer r.Body.Close()

	h.ingress.Process(r.Context(), network, body)
	respondRaw(w, http.StatusOK, webhook.Ack(network))
}

func (h *BridgeHandlers) respondError(w http.ResponseWriter, msg string, err error, args ...any) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, append(args, "error", err)...)
	} else {
		h.logger.Info(msg, append(args, "error", err)...)
	}
	writeError(w, status, err.Error())
}

// errorStatus maps domain sentinels to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidRecipient):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrStaleTransition),
		errors.Is(err, domain.ErrRouteExists),
		errors.Is(err, domain.ErrAmountMismatch):
		return http.StatusConflict
	case errors.Is(err, domain.ErrProviderUnavailable),
		errors.Is(err, domain.ErrProviderResponse),
		errors.Is(err, domain.ErrLedgerSubmission):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// --- Request & Response DTOs ---

type initiateRequest struct {
	Amount      uint64 `json:"amount"`
	FromNetwork string `json:"from_network"`
	ToNetwork   string `json:"to_network"`
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
}

type routeRequest struct {
	RouteID string `json:"routeId"`
}

type payRequest struct {
	RouteID string `json:"routeId"`
	Network string `json:"network"`
}

type settleRequest struct {
	RouteID    string `json:"routeId"`
	PaymentRef string `json:"paymentRef"`
	Network    string `json:"network"`
}

type cancelRequest struct {
	RouteID string `json:"routeId"`
	Reason  string `json:"reason"`
}

type initiateResponse struct {
	Success   bool   `json:"success"`
	RouteID   string `json:"routeId"`
	Status    string `json:"status"`
	LedgerRef string `json:"ledgerRef"`
}

type fundResponse struct {
	Success   bool   `json:"success"`
	Status    string `json:"status"`
	LedgerRef string `json:"ledgerRef"`
}

type payResponse struct {
	Success    bool   `json:"success"`
	Status     string `json:"status"`
	PaymentRef string `json:"paymentRef"`
}

type settleResponse struct {
	Success        bool   `json:"success"`
	Status         string `json:"status"`
	VerifiedAmount uint64 `json:"verifiedAmount"`
}

type cancelResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

type listResponse struct {
	Count        int                  `json:"count"`
	Transactions []domain.Transaction `json:"transactions"`
}

// --- Helpers ---

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]any{
		"success": false,
		"error":   msg,
	})
}
