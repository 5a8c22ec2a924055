package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dental-clinic-os/receiptcheck/internal/cache"
	"github.com/dental-clinic-os/receiptcheck/internal/check"
	"github.com/dental-clinic-os/receiptcheck/internal/config"
	"github.com/dental-clinic-os/receiptcheck/internal/domain"
	"github.com/dental-clinic-os/receiptcheck/internal/report"
	"github.com/dental-clinic-os/receiptcheck/internal/repository"
	"github.com/dental-clinic-os/receiptcheck/internal/rules"
)

var checkOpts struct {
	clinicID string
	month    string
	xlsxPath string
	asJSON   bool
	strict   bool
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check one clinic's claims for a month and print the results",
	RunE:  runCheck,
}

func init() {
	f := checkCmd.Flags()
	f.StringVar(&checkOpts.clinicID, "clinic", "", "Clinic ID (required)")
	f.StringVar(&checkOpts.month, "month", "", "Month to check, YYYY-MM (required)")
	f.StringVar(&checkOpts.xlsxPath, "xlsx", "", "Also write the results to this spreadsheet")
	f.BoolVar(&checkOpts.asJSON, "json", false, "Print results as JSON")
	f.BoolVar(&checkOpts.strict, "strict", false, "Exit non-zero when any claim has errors")
	_ = checkCmd.MarkFlagRequired("clinic")
	_ = checkCmd.MarkFlagRequired("month")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	month, err := check.ParseMonth(checkOpts.month)
	if err != nil {
		return err
	}
	loc, err := config.Location(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()

	// Nobody is watching claims flip one by one here, so skip the dwell.
	s := check.NewSession(checkOpts.clinicID, check.Options{
		Source:   repo,
		Rules:    rules.NewLoader(repo, cacheImpl, cfg.Check.RuleSnapshotTTL, cfg.Check.ConsultationPrefixes),
		Pacer:    check.NoDwell{},
		Location: loc,
	})

	if err := s.Load(ctx, month); err != nil {
		return err
	}
	if err := s.RunAll(ctx); err != nil {
		return err
	}

	results := s.Results()
	summary := s.Summary()
	if snap := s.Snapshot(); snap != nil {
		for _, sk := range snap.Skipped {
			slog.Warn("rule skipped", "rule_id", sk.ID, "reason", sk.Reason)
		}
	}

	out := cmd.OutOrStdout()
	if checkOpts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		err = enc.Encode(map[string]any{
			"clinicId": checkOpts.clinicID,
			"month":    month.String(),
			"summary":  summary,
			"results":  results,
		})
	} else {
		err = printResults(out, results, summary)
	}
	if err != nil {
		return err
	}

	if checkOpts.xlsxPath != "" {
		data, err := report.Generate(report.Input{
			ClinicID: checkOpts.clinicID,
			Month:    month.String(),
			Results:  results,
			Summary:  summary,
		})
		if err != nil {
			return err
		}
		if err := os.WriteFile(checkOpts.xlsxPath, data, 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		slog.Info("report written", "path", checkOpts.xlsxPath)
	}

	if checkOpts.strict && summary.Error > 0 {
		return fmt.Errorf("%d of %d claims have errors", summary.Error, summary.Total)
	}
	return nil
}

func printResults(w io.Writer, results []domain.CheckResult, summary domain.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLAIM\tPATIENT\tDATE\tSTATUS\tFINDINGS")
	for _, r := range results {
		findings := append(append([]string{}, r.Errors...), r.Warnings...)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ClaimID,
			r.PatientName,
			r.ClaimedAt.Format("2006-01-02"),
			r.Status,
			strings.Join(findings, "; "),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d claims: %d ok, %d warn, %d error", summary.Total, summary.OK, summary.Warn, summary.Error)
	if summary.SkippedRules > 0 {
		fmt.Fprintf(w, ", %d rules skipped", summary.SkippedRules)
	}
	fmt.Fprintln(w)
	return nil
}
