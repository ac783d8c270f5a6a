package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/casbridge/relayer/internal/domain"
)

// Verification is the outcome of asking a provider about a payment.
type Verification struct {
	Verified bool
	Amount   uint64
	Status   string
}

// Adapter is the four-message contract between the settlement service and a
// mobile-money network. Provider authentication and payload encoding stay
// inside the implementation.
type Adapter interface {
	Network() domain.Network
	// Send requests a payment collection of amount from msisdn and returns
	// the provider's payment reference.
	Send(ctx context.Context, amount uint64, msisdn string) (string, error)
	// Verify reports whether the referenced payment completed and for what
	// amount.
	Verify(ctx context.Context, paymentRef string) (Verification, error)
}

// parseAmount tolerates integer and decimal encodings; providers are not
// consistent about which they send. Fractional parts are truncated toward
// zero.
func parseAmount(n json.Number) (uint64, error) {
	s := n.String()
	if s == "" {
		return 0, fmt.Errorf("missing amount")
	}
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v, nil
	}
	if f, err := n.Float64(); err == nil && f >= 0 {
		return uint64(f), nil
	}
	return 0, fmt.Errorf("unparseable amount %q", s)
}
