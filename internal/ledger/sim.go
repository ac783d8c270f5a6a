package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// SimGateway is an in-process Gateway used for local development and unit
// tests. Deploy hashes are deterministic so test assertions stay stable.
type SimGateway struct {
	mu         sync.Mutex
	seq        uint64
	submitted  []SimDeploy
	failCreate error
	failFund   error
	failSettle error
}

// SimDeploy captures one submitted contract call.
type SimDeploy struct {
	EntryPoint string
	RouteID    string
	Amount     uint64
	DeployHash string
}

// NewSimGateway instantiates the simulated gateway.
func NewSimGateway() *SimGateway {
	return &SimGateway{}
}

// FailCreate forces subsequent CreateEscrow calls to return err. Passing nil
// clears the fault. FailFund and FailSettle behave the same for their steps.
func (g *SimGateway) FailCreate(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failCreate = err
}

func (g *SimGateway) FailFund(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failFund = err
}

func (g *SimGateway) FailSettle(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failSettle = err
}

// Submitted returns a copy of every recorded contract call.
func (g *SimGateway) Submitted() []SimDeploy {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]SimDeploy, len(g.submitted))
	copy(out, g.submitted)
	return out
}

// SubmittedFor counts calls to the given entry point for one route.
func (g *SimGateway) SubmittedFor(routeID, entryPoint string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, d := range g.submitted {
		if d.RouteID == routeID && d.EntryPoint == entryPoint {
			n++
		}
	}
	return n
}

func (g *SimGateway) CreateEscrow(_ context.Context, routeID, _ string, amount uint64) (string, error) {
	return g.record(entryPointCreate, routeID, amount, func() error { return g.failCreate })
}

func (g *SimGateway) FundEscrow(_ context.Context, routeID string, amount uint64) (string, error) {
	return g.record(entryPointFund, routeID, amount, func() error { return g.failFund })
}

func (g *SimGateway) SettleEscrow(_ context.Context, routeID string) (string, error) {
	return g.record(entryPointSettle, routeID, 0, func() error { return g.failSettle })
}

func (g *SimGateway) VerifyConnectivity(context.Context) error { return nil }

func (g *SimGateway) record(entryPoint, routeID string, amount uint64, fault func() error) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := fault(); err != nil {
		return "", err
	}
	g.seq++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", routeID, entryPoint, g.seq)))
	hash := hex.EncodeToString(sum[:])
	g.submitted = append(g.submitted, SimDeploy{
		EntryPoint: entryPoint,
		RouteID:    routeID,
		Amount:     amount,
		DeployHash: hash,
	})
	return hash, nil
}
