package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/casbridge/relayer/internal/domain"
)

// SimAdapter is an in-process Adapter for local development and tests. Every
// sent payment is immediately verifiable for the requested amount unless a
// fault or an override is installed.
type SimAdapter struct {
	network domain.Network

	mu         sync.Mutex
	seq        uint64
	pending    map[string]Verification
	failSend   error
	failVerify error
}

// NewSimAdapter builds a simulated adapter for the given network.
func NewSimAdapter(network domain.Network) *SimAdapter {
	return &SimAdapter{
		network: network,
		pending: make(map[string]Verification),
	}
}

func (a *SimAdapter) Network() domain.Network { return a.network }

// FailSend forces subsequent Send calls to return err; nil clears the fault.
func (a *SimAdapter) FailSend(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failSend = err
}

// FailVerify forces subsequent Verify calls to return err; nil clears it.
func (a *SimAdapter) FailVerify(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failVerify = err
}

// SetVerification overrides the verification returned for paymentRef, e.g.
// to simulate an amount mismatch or an unverified payment.
func (a *SimAdapter) SetVerification(paymentRef string, v Verification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[paymentRef] = v
}

func (a *SimAdapter) Send(_ context.Context, amount uint64, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failSend != nil {
		return "", a.failSend
	}
	a.seq++
	ref := fmt.Sprintf("%s_sim_%06d", a.network, a.seq)
	a.pending[ref] = Verification{Verified: true, Amount: amount, Status: "SUCCESSFUL"}
	return ref, nil
}

func (a *SimAdapter) Verify(_ context.Context, paymentRef string) (Verification, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failVerify != nil {
		return Verification{}, a.failVerify
	}
	v, ok := a.pending[paymentRef]
	if !ok {
		return Verification{}, fmt.Errorf("%w: payment %s", domain.ErrNotFound, paymentRef)
	}
	return v, nil
}
