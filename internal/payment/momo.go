package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/casbridge/relayer/internal/domain"
)

// MomoConfig carries MTN MoMo collection API credentials.
type MomoConfig struct {
	BaseURL         string
	SubscriptionKey string
	AccessToken     string
	TargetEnv       string
	Currency        string
	Timeout         time.Duration
}

// MomoAdapter drives collections through the MoMo request-to-pay API. The
// caller-generated X-Reference-Id is the payment reference; status is read
// back with a GET on the same reference.
type MomoAdapter struct {
	cfg   MomoConfig
	http  *http.Client
	newID func() string
}

// NewMomoAdapter constructs the adapter.
func NewMomoAdapter(cfg MomoConfig) *MomoAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if cfg.TargetEnv == "" {
		cfg.TargetEnv = "sandbox"
	}
	if cfg.Currency == "" {
		cfg.Currency = "UGX"
	}
	return &MomoAdapter{
		cfg:   cfg,
		http:  &http.Client{Timeout: timeout},
		newID: uuid.NewString,
	}
}

func (a *MomoAdapter) Network() domain.Network { return domain.NetworkMomo }

// Send posts a request-to-pay for amount against msisdn.
func (a *MomoAdapter) Send(ctx context.Context, amount uint64, msisdn string) (string, error) {
	referenceID := a.newID()
	body := map[string]any{
		"amount":     strconv.FormatUint(amount, 10),
		"currency":   a.cfg.Currency,
		"externalId": fmt.Sprintf("BRIDGE_%d", time.Now().UnixMilli()),
		"payer": map[string]string{
			"partyIdType": "MSISDN",
			"partyId":     msisdn,
		},
		"payerMessage": "Bridge transfer",
		"payeeNote":    "Cross-border transfer",
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.BaseURL+"/collection/v1_0/requesttopay", bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	a.setHeaders(req)
	req.Header.Set("X-Reference-Id", referenceID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusAccepted:
		return referenceID, nil
	case resp.StatusCode == http.StatusBadRequest:
		return "", fmt.Errorf("%w: request-to-pay rejected for %s", domain.ErrInvalidRecipient, msisdn)
	case resp.StatusCode >= http.StatusInternalServerError:
		return "", fmt.Errorf("%w: status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: unexpected status %d", domain.ErrProviderResponse, resp.StatusCode)
	}
}

// Verify reads the request-to-pay status for paymentRef.
func (a *MomoAdapter) Verify(ctx context.Context, paymentRef string) (Verification, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.cfg.BaseURL+"/collection/v1_0/requesttopay/"+paymentRef, nil)
	if err != nil {
		return Verification{}, err
	}
	a.setHeaders(req)

	resp, err := a.http.Do(req)
	if err != nil {
		return Verification{}, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Verification{}, fmt.Errorf("%w: payment %s", domain.ErrNotFound, paymentRef)
	case resp.StatusCode >= http.StatusInternalServerError:
		return Verification{}, fmt.Errorf("%w: status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Verification{}, fmt.Errorf("%w: unexpected status %d", domain.ErrProviderResponse, resp.StatusCode)
	}

	var payload struct {
		Status string      `json:"status"`
		Amount json.Number `json:"amount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Verification{}, fmt.Errorf("%w: %v", domain.ErrProviderResponse, err)
	}
	verified := payload.Status == "SUCCESSFUL"
	var amount uint64
	if verified {
		// A successful payment without a usable amount cannot be confirmed
		// against the escrowed amount, so surface it instead of reporting 0.
		amount, err = parseAmount(payload.Amount)
		if err != nil {
			return Verification{}, fmt.Errorf("%w: %v", domain.ErrProviderResponse, err)
		}
	}
	return Verification{
		Verified: verified,
		Amount:   amount,
		Status:   payload.Status,
	}, nil
}

func (a *MomoAdapter) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	req.Header.Set("X-Target-Environment", a.cfg.TargetEnv)
	req.Header.Set("Ocp-Apim-Subscription-Key", a.cfg.SubscriptionKey)
}
