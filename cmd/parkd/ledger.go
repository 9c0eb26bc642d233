package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openpark/parkd/internal/config"
	"github.com/openpark/parkd/internal/fee"
	"github.com/openpark/parkd/internal/ledger"
)

func newLedgerCmd() *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the parking ledger",
	}

	openCmd := &cobra.Command{
		Use:   "open <plate>",
		Short: "Show the open session for a plate and what it would cost now",
		Args:  cobra.ExactArgs(1),
		RunE:  runLedgerOpen,
	}

	ledgerCmd.AddCommand(openCmd)
	return ledgerCmd
}

// runLedgerOpen prices a plate's open session without charging anything:
// the same lookup and fee computation the terminal performs, read-only.
func runLedgerOpen(cmd *cobra.Command, args []string) error {
	plate := args[0]

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	store, err := openStore(cfg.Ledger)
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.FindLatestUnsettled(cmd.Context(), plate)
	if errors.Is(err, ledger.ErrNoOpenSession) {
		return fmt.Errorf("no open session for plate %s", plate)
	}
	if err != nil {
		return err
	}

	calc := fee.Calculator{HourlyRate: cfg.Billing.HourlyRate}
	due := calc.Assess(sess.EntryTime, time.Now())

	fmt.Printf("Plate:        %s\n", sess.Plate)
	fmt.Printf("Entry time:   %s\n", sess.EntryTime.Format(ledger.TimeLayout))
	fmt.Printf("Billable:     %d hour(s)\n", due.Hours)
	fmt.Printf("Amount due:   %d\n", due.Amount)
	return nil
}
