package domain

import (
	"fmt"
	"time"
)

// Network identifies a mobile-money network on either side of a route.
type Network string

const (
	NetworkMpesa Network = "mpesa"
	NetworkMomo  Network = "momo"
)

// ParseNetwork validates a network identifier received from a client or
// provider callback.
func ParseNetwork(s string) (Network, error) {
	switch Network(s) {
	case NetworkMpesa, NetworkMomo:
		return Network(s), nil
	default:
		return "", fmt.Errorf("%w: unsupported network %q", ErrValidation, s)
	}
}

// Status is the lifecycle state of a bridge transaction.
type Status string

const (
	StatusInitiated        Status = "initiated"
	StatusFunded           Status = "funded"
	StatusPaymentInitiated Status = "payment_initiated"
	StatusPaymentConfirmed Status = "payment_confirmed"
	StatusSettled          Status = "settled"
	StatusCompleted        Status = "completed"
	StatusPaymentFailed    Status = "payment_failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPaymentFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Ledger step names used as keys into Transaction.LedgerRefs.
const (
	StepCreate = "create"
	StepFund   = "fund"
	StepSettle = "settle"
)

// Step is one entry of a transaction's append-only audit trail.
type Step struct {
	Name       string    `json:"step"`
	Timestamp  time.Time `json:"time"`
	LedgerRef  string    `json:"ledgerRef,omitempty"`
	PaymentRef string    `json:"paymentRef,omitempty"`
}

// Transaction is the authoritative record of one end-to-end transfer route.
// All monetary values are unsigned integers in the smallest ledger unit
// (9-decimal fixed point).
type Transaction struct {
	RouteID        string            `json:"routeId"`
	Amount         uint64            `json:"amount"`
	FromNetwork    Network           `json:"fromNetwork"`
	ToNetwork      Network           `json:"toNetwork"`
	Sender         string            `json:"sender"`
	Recipient      string            `json:"recipient"`
	Status         Status            `json:"status"`
	LedgerRefs     map[string]string `json:"ledgerRefs"`
	PaymentRef     string            `json:"paymentRef,omitempty"`
	VerifiedAmount uint64            `json:"verifiedAmount,omitempty"`
	Steps          []Step            `json:"steps"`
	Error          string            `json:"error,omitempty"`
	SettleAttempts int               `json:"settleAttempts,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Clone returns a deep copy so callers can hand out snapshots without
// exposing the mutable maps and slices.
func (t Transaction) Clone() Transaction {
	out := t
	if t.LedgerRefs != nil {
		out.LedgerRefs = make(map[string]string, len(t.LedgerRefs))
		for k, v := range t.LedgerRefs {
			out.LedgerRefs[k] = v
		}
	}
	if t.Steps != nil {
		out.Steps = make([]Step, len(t.Steps))
		copy(out.Steps, t.Steps)
	}
	return out
}

// AppendStep records an audit-trail entry. Callers append exactly one step
// per status change, inside the same store mutation.
func (t *Transaction) AppendStep(step Step) {
	t.Steps = append(t.Steps, step)
}

// LastStepTime returns the timestamp of the most recent step, or CreatedAt
// when the trail is empty.
func (t Transaction) LastStepTime() time.Time {
	if len(t.Steps) == 0 {
		return t.CreatedAt
	}
	return t.Steps[len(t.Steps)-1].Timestamp
}
