package ledger

import (
	"context"
	"errors"
)

// Gateway defines the minimal contract the settlement service needs from the
// escrow ledger: submit a named contract call and get back a deploy reference.
// Signing and wire-level submission detail live behind this interface.
type Gateway interface {
	CreateEscrow(ctx context.Context, routeID, recipient string, amount uint64) (string, error)
	FundEscrow(ctx context.Context, routeID string, amount uint64) (string, error)
	SettleEscrow(ctx context.Context, routeID string) (string, error)
	VerifyConnectivity(ctx context.Context) error
}

// Options configures a gateway implementation.
type Options struct {
	NodeURL      string
	ContractHash string
	ChainName    string
	AuthToken    string
	GasPayment   uint64
}

// ErrMissingNodeURL indicates the ledger node URL is not provided.
var ErrMissingNodeURL = errors.New("ledger node URL is required")

// Contract entry points invoked through the gateway.
const (
	entryPointCreate = "create_escrow"
	entryPointFund   = "fund_escrow"
	entryPointSettle = "settle_escrow"
)

// defaultGasPayment covers gas for one escrow contract call, in smallest
// ledger units.
const defaultGasPayment = 2_000_000_000
