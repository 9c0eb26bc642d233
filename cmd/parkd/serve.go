package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openpark/parkd/internal/config"
	"github.com/openpark/parkd/internal/ledger"
	"github.com/openpark/parkd/internal/ledger/pg"
	"github.com/openpark/parkd/internal/metrics"
	"github.com/openpark/parkd/internal/monitor"
	"github.com/openpark/parkd/internal/protocol"
	"github.com/openpark/parkd/internal/transport"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the settlement terminal",
		Long:  "Connects to the reader device and settles parking sessions until interrupted.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	store, err := openStore(cfg.Ledger)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	mx := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Monitor.Enabled {
		mon := monitor.New(cfg.Monitor.Addr, store, reg)
		go func() {
			if err := mon.Run(ctx); err != nil {
				log.Error().Err(err).Msg("monitor server failed")
			}
		}()
	}

	dialer := transport.NewDialer(cfg.Device.Addr, cfg.Device.SettleDelay())
	termCfg := protocol.Config{
		HourlyRate:          cfg.Billing.HourlyRate,
		LowBalanceThreshold: cfg.Billing.LowBalanceThreshold,
		ConfirmationTimeout: cfg.Billing.ConfirmationTimeout(),
		IdleTimeout:         cfg.Device.IdleTimeout(),
	}

	log.Info().
		Str("device", cfg.Device.Addr).
		Str("ledger", cfg.Ledger.Driver).
		Int("hourly_rate", cfg.Billing.HourlyRate).
		Msg("settlement terminal starting")

	for {
		conn, err := dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("device dial failed; retrying")
			continue
		}

		term := protocol.NewTerminal(termCfg, store, conn, mx)
		err = term.Run(ctx)
		conn.Close()

		if ctx.Err() != nil {
			log.Info().Msg("settlement terminal stopping")
			return nil
		}
		log.Error().Err(err).Msg("device connection lost; reconnecting")
	}
}

// openStore picks the ledger driver from config.
func openStore(cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case "csv":
		return ledger.OpenFile(cfg.Path)
	case "postgres":
		return pg.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}
