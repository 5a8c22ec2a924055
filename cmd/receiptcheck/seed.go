package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dental-clinic-os/receiptcheck/internal/repository"
	"github.com/dental-clinic-os/receiptcheck/internal/seed"
)

var seedFiles []string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Import patients, claims and rules from YAML fixtures",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringArrayVar(&seedFiles, "file", nil, "Fixture file (repeatable)")
	_ = seedCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()

	for _, path := range seedFiles {
		f, err := seed.LoadFile(path)
		if err != nil {
			return err
		}
		n, err := seed.Apply(ctx, repo, f)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		slog.Info("fixture applied",
			"file", path,
			"clinic_id", f.ClinicID,
			"patients", n.Patients,
			"diagnoses", n.Diagnoses,
			"claims", n.Claims,
			"rules", n.Rules,
			"requirements", n.Requirements,
		)
	}
	return nil
}
