// Command demo drives one transfer route end to end against the simulated
// ledger and payment adapters, printing the audit trail at each stage.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/casbridge/relayer/internal/domain"
	"github.com/casbridge/relayer/internal/ledger"
	"github.com/casbridge/relayer/internal/payment"
	"github.com/casbridge/relayer/internal/service"
	"github.com/casbridge/relayer/internal/store"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	st := store.New()
	svc := service.NewSettlementService(logger, st, ledger.NewSimGateway(),
		[]payment.Adapter{
			payment.NewSimAdapter(domain.NetworkMpesa),
			payment.NewSimAdapter(domain.NetworkMomo),
		}, nil, nil, service.Config{})

	tx, err := svc.Initiate(ctx, service.InitiateInput{
		Amount:      5_000_000_000,
		FromNetwork: domain.NetworkMpesa,
		ToNetwork:   domain.NetworkMomo,
		Sender:      "+254700000001",
		Recipient:   "+256700000002",
	})
	exitOn(err, "initiate")
	dump("initiated", tx)

	tx, err = svc.FundEscrow(ctx, tx.RouteID)
	exitOn(err, "fund")
	dump("funded", tx)

	tx, err = svc.InitiatePayment(ctx, tx.RouteID, domain.NetworkMpesa)
	exitOn(err, "pay")
	dump("payment initiated", tx)

	tx, err = svc.VerifyAndSettle(ctx, tx.RouteID, tx.PaymentRef, domain.NetworkMpesa)
	exitOn(err, "settle")
	dump("settled", tx)
}

func dump(stage string, tx domain.Transaction) {
	fmt.Printf("--- %s ---\n", stage)
	out, err := json.MarshalIndent(tx, "", "  ")
	exitOn(err, "marshal")
	fmt.Println(string(out))
}

func exitOn(err error, stage string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", stage, err)
		os.Exit(1)
	}
}
