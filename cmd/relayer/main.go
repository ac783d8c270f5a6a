package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/casbridge/relayer/internal/config"
	"github.com/casbridge/relayer/internal/domain"
	"github.com/casbridge/relayer/internal/events"
	"github.com/casbridge/relayer/internal/ledger"
	"github.com/casbridge/relayer/internal/logging"
	"github.com/casbridge/relayer/internal/metrics"
	"github.com/casbridge/relayer/internal/payment"
	"github.com/casbridge/relayer/internal/server"
	"github.com/casbridge/relayer/internal/service"
	"github.com/casbridge/relayer/internal/store"
	"github.com/casbridge/relayer/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)

	gateway, err := buildGateway(logger, cfg)
	if err != nil {
		logger.Error("failed to create ledger gateway", "error", err)
		os.Exit(1)
	}

	publisher := buildPublisher(logger, cfg.Events)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("closing event publisher failed", "error", err)
		}
	}()

	var registry *prometheus.Registry
	var m *metrics.Metrics
	if cfg.HTTP.MetricsEnabled {
		registry = prometheus.NewRegistry()
		m = metrics.New(registry)
	}

	st := store.New()
	svc := service.NewSettlementService(logger, st, gateway, buildAdapters(logger, cfg), publisher, m, service.Config{
		CallTimeout:       cfg.Settlement.CallTimeout,
		AutoSettleDelay:   cfg.Settlement.AutoSettleDelay,
		MaxSettleAttempts: cfg.Settlement.MaxSettleAttempts,
		SettleBackoff:     cfg.Settlement.SettleBackoff,
	})

	reconcileCtx, stopReconcile := context.WithCancel(context.Background())
	defer stopReconcile()
	reconciler := service.NewReconciler(logger, st, svc, service.ReconcilerConfig{
		Interval:    cfg.Settlement.ReconcileInterval,
		RetryAfter:  cfg.Settlement.ReconcileRetryIn,
		VerifyAfter: cfg.Settlement.ReconcileVerifyIn,
	})
	go reconciler.Run(reconcileCtx)

	ingress := webhook.NewIngress(logger, st, svc, m)

	deps := server.RouterDependencies{
		Health:           server.LedgerHealthService{Gateway: gateway},
		Bridge:           server.NewBridgeHandlers(logger, svc, ingress),
		AllowedOrigins:   parseAllowedOrigins(cfg.HTTP.AllowedOriginsCSV),
		AllowCredentials: true,
	}
	if registry != nil {
		deps.Metrics = registry
	}
	router := server.NewRouter(logger, deps)

	srv := server.New(logger, cfg.HTTP, router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("server stopped unexpectedly", "error", err)
		}
	}

	stopReconcile()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func buildGateway(logger *slog.Logger, cfg config.Config) (ledger.Gateway, error) {
	if cfg.Ledger.Simulated() {
		logger.Warn("no ledger node configured, using simulated gateway")
		return ledger.NewSimGateway(), nil
	}
	return ledger.NewRPCGateway(ledger.Options{
		NodeURL:      cfg.Ledger.NodeURL,
		ContractHash: cfg.Ledger.ContractHash,
		ChainName:    cfg.Ledger.ChainName,
		AuthToken:    cfg.Ledger.AuthToken,
		GasPayment:   cfg.Ledger.GasPayment,
	})
}

func buildAdapters(logger *slog.Logger, cfg config.Config) []payment.Adapter {
	adapters := make([]payment.Adapter, 0, 2)

	if cfg.Mpesa.Simulated() {
		logger.Warn("no mpesa credentials configured, using simulated adapter")
		adapters = append(adapters, payment.NewSimAdapter(domain.NetworkMpesa))
	} else {
		adapters = append(adapters, payment.NewMpesaAdapter(payment.MpesaConfig{
			BaseURL:        cfg.Mpesa.BaseURL,
			ConsumerKey:    cfg.Mpesa.ConsumerKey,
			ConsumerSecret: cfg.Mpesa.ConsumerSecret,
			ShortCode:      cfg.Mpesa.ShortCode,
			Passkey:        cfg.Mpesa.Passkey,
			CallbackURL:    cfg.Mpesa.CallbackURL,
		}))
	}

	if cfg.Momo.Simulated() {
		logger.Warn("no momo credentials configured, using simulated adapter")
		adapters = append(adapters, payment.NewSimAdapter(domain.NetworkMomo))
	} else {
		adapters = append(adapters, payment.NewMomoAdapter(payment.MomoConfig{
			BaseURL:         cfg.Momo.BaseURL,
			SubscriptionKey: cfg.Momo.SubscriptionKey,
			AccessToken:     cfg.Momo.AccessToken,
			TargetEnv:       cfg.Momo.TargetEnv,
			Currency:        cfg.Momo.Currency,
		}))
	}

	return adapters
}

func buildPublisher(logger *slog.Logger, cfg config.EventsConfig) events.Publisher {
	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		return events.NopPublisher{}
	}
	logger.Info("publishing bridge events", "brokers", brokers, "topic", cfg.Topic)
	return events.NewKafkaPublisher(brokers, cfg.Topic)
}

func parseAllowedOrigins(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	var origins []string
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		origins = append(origins, origin)
	}
	return origins
}
