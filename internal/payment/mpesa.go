package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/casbridge/relayer/internal/domain"
)

// MpesaConfig carries Daraja API credentials and endpoints.
type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

// MpesaAdapter drives STK-push collections through the Daraja API: a
// client-credentials token grant, then processrequest to initiate and
// stkpushquery to verify. The CheckoutRequestID is the payment reference.
type MpesaAdapter struct {
	cfg   MpesaConfig
	http  *http.Client
	nowFn func() time.Time
}

// NewMpesaAdapter constructs the adapter.
func NewMpesaAdapter(cfg MpesaConfig) *MpesaAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &MpesaAdapter{
		cfg:   cfg,
		http:  &http.Client{Timeout: timeout},
		nowFn: time.Now,
	}
}

func (a *MpesaAdapter) Network() domain.Network { return domain.NetworkMpesa }

// Send initiates an STK push towards msisdn.
func (a *MpesaAdapter) Send(ctx context.Context, amount uint64, msisdn string) (string, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return "", err
	}
	timestamp := a.nowFn().UTC().Format("20060102150405")
	body := map[string]any{
		"BusinessShortCode": a.cfg.ShortCode,
		"Password":          a.password(timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            strconv.FormatUint(amount, 10),
		"PartyA":            msisdn,
		"PartyB":            a.cfg.ShortCode,
		"PhoneNumber":       msisdn,
		"CallBackURL":       a.cfg.CallbackURL,
		"AccountReference":  fmt.Sprintf("BRIDGE_%d", a.nowFn().UnixMilli()),
		"TransactionDesc":   "Bridge transfer",
	}
	var resp struct {
		ResponseCode      string `json:"ResponseCode"`
		CheckoutRequestID string `json:"CheckoutRequestID"`
		ErrorCode         string `json:"errorCode"`
		ErrorMessage      string `json:"errorMessage"`
	}
	if err := a.post(ctx, "/mpesa/stkpush/v1/processrequest", token, body, &resp); err != nil {
		return "", err
	}
	if resp.ResponseCode != "0" {
		if resp.ErrorCode == "400.002.02" {
			return "", fmt.Errorf("%w: %s", domain.ErrInvalidRecipient, resp.ErrorMessage)
		}
		return "", fmt.Errorf("%w: stk push rejected: %s", domain.ErrProviderResponse, resp.ErrorMessage)
	}
	if resp.CheckoutRequestID == "" {
		return "", fmt.Errorf("%w: missing CheckoutRequestID", domain.ErrProviderResponse)
	}
	return resp.CheckoutRequestID, nil
}

// Verify queries the status of a previously initiated STK push.
func (a *MpesaAdapter) Verify(ctx context.Context, paymentRef string) (Verification, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return Verification{}, err
	}
	timestamp := a.nowFn().UTC().Format("20060102150405")
	body := map[string]any{
		"BusinessShortCode": a.cfg.ShortCode,
		"Password":          a.password(timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": paymentRef,
	}
	var resp struct {
		ResultCode string      `json:"ResultCode"`
		ResultDesc string      `json:"ResultDesc"`
		Amount     json.Number `json:"Amount"`
	}
	if err := a.post(ctx, "/mpesa/stkpushquery/v1/query", token, body, &resp); err != nil {
		return Verification{}, err
	}
	verified := resp.ResultCode == "0"
	var amount uint64
	if verified {
		amount, err = parseAmount(resp.Amount)
		if err != nil {
			return Verification{}, fmt.Errorf("%w: %v", domain.ErrProviderResponse, err)
		}
	}
	return Verification{
		Verified: verified,
		Amount:   amount,
		Status:   resp.ResultDesc,
	}, nil
}

func (a *MpesaAdapter) password(timestamp string) string {
	raw := a.cfg.ShortCode + a.cfg.Passkey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

func (a *MpesaAdapter) accessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(a.cfg.ConsumerKey + ":" + a.cfg.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token grant: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token grant status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: token grant: %v", domain.ErrProviderResponse, err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", domain.ErrProviderResponse)
	}
	return payload.AccessToken, nil
}

func (a *MpesaAdapter) post(ctx context.Context, path, token string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderResponse, err)
	}
	return nil
}
