package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/casbridge/relayer/internal/domain"
)

// RPCGateway submits escrow contract calls to a ledger node over JSON-RPC.
// The node owns key management and signing; the gateway only names the
// contract entry point and its arguments and records the returned deploy hash.
type RPCGateway struct {
	nodeURL      string
	contractHash string
	chainName    string
	authToken    string
	gasPayment   uint64
	http         *http.Client
	nextID       atomic.Int64
}

// NewRPCGateway builds a gateway against the configured node.
func NewRPCGateway(opts Options) (*RPCGateway, error) {
	if strings.TrimSpace(opts.NodeURL) == "" {
		return nil, ErrMissingNodeURL
	}
	gas := opts.GasPayment
	if gas == 0 {
		gas = defaultGasPayment
	}
	return &RPCGateway{
		nodeURL:      opts.NodeURL,
		contractHash: opts.ContractHash,
		chainName:    opts.ChainName,
		authToken:    opts.AuthToken,
		gasPayment:   gas,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// CreateEscrow submits the create_escrow entry point.
func (g *RPCGateway) CreateEscrow(ctx context.Context, routeID, recipient string, amount uint64) (string, error) {
	return g.submit(ctx, entryPointCreate, map[string]any{
		"escrow_id": routeID,
		"recipient": recipient,
		"amount":    strconv.FormatUint(amount, 10),
	})
}

// FundEscrow submits the fund_escrow entry point.
func (g *RPCGateway) FundEscrow(ctx context.Context, routeID string, amount uint64) (string, error) {
	return g.submit(ctx, entryPointFund, map[string]any{
		"escrow_id": routeID,
		"amount":    strconv.FormatUint(amount, 10),
	})
}

// SettleEscrow submits the settle_escrow entry point.
func (g *RPCGateway) SettleEscrow(ctx context.Context, routeID string) (string, error) {
	return g.submit(ctx, entryPointSettle, map[string]any{
		"escrow_id": routeID,
	})
}

// VerifyConnectivity probes the node status endpoint, used by health checks.
func (g *RPCGateway) VerifyConnectivity(ctx context.Context) error {
	var status struct {
		ChainName string `json:"chainspec_name"`
	}
	return g.call(ctx, "info_get_status", map[string]any{}, &status)
}

func (g *RPCGateway) submit(ctx context.Context, entryPoint string, args map[string]any) (string, error) {
	params := map[string]any{
		"chain_name":    g.chainName,
		"contract_hash": g.contractHash,
		"entry_point":   entryPoint,
		"args":          args,
		"payment":       strconv.FormatUint(g.gasPayment, 10),
	}
	var result struct {
		DeployHash string `json:"deploy_hash"`
	}
	if err := g.call(ctx, "account_put_deploy", params, &result); err != nil {
		return "", fmt.Errorf("%w: %s: %v", domain.ErrLedgerSubmission, entryPoint, err)
	}
	if result.DeployHash == "" {
		return "", fmt.Errorf("%w: %s: node returned no deploy hash", domain.ErrLedgerSubmission, entryPoint)
	}
	return result.DeployHash, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (g *RPCGateway) call(ctx context.Context, method string, params any, out any) error {
	body := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      g.nextID.Add(1),
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.nodeURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.authToken)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("node rpc %s: status=%d body=%s", method, resp.StatusCode, string(payload))
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("node rpc %s: %s", method, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
