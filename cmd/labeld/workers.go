package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/labelforge/labeld/internal/config"
	"github.com/labelforge/labeld/internal/workers"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue reservations once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		sweeper := workers.NewTimeoutSweeper(store, nil)
		sweeper.RequeueDelay = config.GetDuration(config.KeySweepRequeueDelay)
		report, err := sweeper.SweepOnce(rootCtx)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(report)
			return nil
		}
		fmt.Printf("timed out %d, requeued %d, failed %d\n",
			report.TimedOut, report.Requeued, report.Failed)
		return nil
	},
}

var retentionFlags struct {
	tenant     string
	queue      string
	mode       string
	cutoffDays int
	dryRun     bool
}

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Enforce field retention and prune old audit history once",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		worker := workers.NewRetentionWorker(store, nil)
		if retentionFlags.mode != "" {
			worker.Mode = workers.RetentionMode(retentionFlags.mode)
		} else if mode := config.GetString(config.KeyRetentionMode); mode != "" {
			worker.Mode = workers.RetentionMode(mode)
		}
		if retentionFlags.cutoffDays > 0 {
			worker.AuditCutoffDays = retentionFlags.cutoffDays
		} else if days := config.GetInt(config.KeyAuditCutoffDays); days > 0 {
			worker.AuditCutoffDays = days
		}

		report, err := worker.RunOnce(rootCtx, retentionFlags.tenant, retentionFlags.queue, retentionFlags.dryRun)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(report)
			return nil
		}
		fmt.Printf("scanned %d labels, %d expired, %d fields cleared, %d audit entries pruned, %d errors\n",
			report.LabelsScanned, report.LabelsExpired, report.FieldsCleared,
			report.AuditDeleted, report.Errors)
		if report.DryRun {
			fmt.Println("dry run: no changes were made")
		}
		return nil
	},
}

var agreementFlags struct {
	tenant string
	queue  string
}

var agreementCmd = &cobra.Command{
	Use:   "agreement",
	Short: "Recompute inter-rater agreement for a queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		worker := workers.NewAgreementWorker(store, nil)
		report, err := worker.RunOnce(rootCtx, agreementFlags.tenant, agreementFlags.queue)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(report)
			return nil
		}
		fmt.Printf("computed %d samples, skipped %d\n", report.Computed, report.Skipped)
		for _, s := range report.Samples {
			fmt.Printf("  %s: %s = %.4f (%d raters)\n", s.SampleID, s.Metric, s.Score, s.Raters)
		}
		return nil
	},
}

func init() {
	retentionCmd.Flags().StringVar(&retentionFlags.tenant, "tenant", "", "Tenant id (required)")
	retentionCmd.Flags().StringVar(&retentionFlags.queue, "queue", "", "Restrict to one queue id")
	retentionCmd.Flags().StringVar(&retentionFlags.mode, "mode", "", "field_redaction, soft_delete, or hard_delete")
	retentionCmd.Flags().IntVar(&retentionFlags.cutoffDays, "audit-cutoff-days", 0, "Audit retention in days")
	retentionCmd.Flags().BoolVar(&retentionFlags.dryRun, "dry-run", false, "Count without changing anything")
	_ = retentionCmd.MarkFlagRequired("tenant")

	agreementCmd.Flags().StringVar(&agreementFlags.tenant, "tenant", "", "Tenant id (required)")
	agreementCmd.Flags().StringVar(&agreementFlags.queue, "queue", "", "Restrict to one queue id")
	_ = agreementCmd.MarkFlagRequired("tenant")
}
