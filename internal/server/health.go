package server

import (
	"context"

	"github.com/casbridge/relayer/internal/ledger"
)

// HealthService defines behaviour for readiness probes.
type HealthService interface {
	Probe(ctx context.Context) error
}

// LedgerHealthService verifies ledger node connectivity as part of health
// checks.
type LedgerHealthService struct {
	Gateway ledger.Gateway
}

// Probe implements the HealthService interface.
func (s LedgerHealthService) Probe(ctx context.Context) error {
	if s.Gateway == nil {
		return nil
	}
	return s.Gateway.VerifyConnectivity(ctx)
}
