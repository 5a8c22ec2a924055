package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/dental-clinic-os/receiptcheck/internal/bus"
	"github.com/dental-clinic-os/receiptcheck/internal/worker"
)

var recheckOpts struct {
	clinicID string
	claimID  string
	month    string
}

var recheckCmd = &cobra.Command{
	Use:   "recheck",
	Short: "Ask a running server to recheck a claim or a month",
	Long: "Publishes a recheck request on the event bus. Needs a shared bus " +
		"(eventbus.type: nats); the in-process channel bus reaches nobody.",
	RunE: runRecheck,
}

func init() {
	f := recheckCmd.Flags()
	f.StringVar(&recheckOpts.clinicID, "clinic", "", "Clinic ID (required)")
	f.StringVar(&recheckOpts.claimID, "claim", "", "Claim to recheck (default: the whole month)")
	f.StringVar(&recheckOpts.month, "month", "", "Load and check this month first, YYYY-MM")
	_ = recheckCmd.MarkFlagRequired("clinic")
	rootCmd.AddCommand(recheckCmd)
}

func runRecheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.EventBus.Type != "nats" {
		return fmt.Errorf("recheck needs eventbus.type nats, got %q", cfg.EventBus.Type)
	}

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req := worker.RecheckRequest{ClaimID: recheckOpts.claimID, Month: recheckOpts.month}
	if err := worker.RequestRecheck(ctx, busImpl, recheckOpts.clinicID, req); err != nil {
		return err
	}
	// Ping flushes the connection before it closes.
	if err := busImpl.Ping(ctx); err != nil {
		return fmt.Errorf("flush recheck request: %w", err)
	}

	slog.Info("recheck requested",
		"clinic_id", recheckOpts.clinicID,
		"claim_id", req.ClaimID,
		"month", req.Month,
	)
	return nil
}
