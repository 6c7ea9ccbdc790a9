package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/apex-audit/apex-audit/internal/jobs"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete audit records and history entries past their retention window",
	Long: `Deletes history entries older than the history window and audit records older
than the audit window. Windows come from retention.history_days and
retention.audit_days unless overridden by flags; a zero window is skipped.

Deleting audit records requires the confirmation phrase "` + jobs.ConfirmationPhrase + `",
given with --confirm or typed at the prompt. --dry-run reports what would be
deleted without deleting anything and needs no confirmation.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().Bool("dry-run", false, "count matching rows without deleting them")
	cleanupCmd.Flags().Int("days-history", 0, "history retention in days (overrides retention.history_days)")
	cleanupCmd.Flags().Int("days-audit", 0, "audit retention in days (overrides retention.audit_days)")
	cleanupCmd.Flags().Bool("history-only", false, "only clean up history entries")
	cleanupCmd.Flags().String("confirm", "", "confirmation phrase required to delete audit records")
	cleanupCmd.Flags().Bool("json", false, "print the report as JSON")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	opts := jobs.CleanupOptions{}
	opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
	opts.HistoryDays, _ = cmd.Flags().GetInt("days-history")
	opts.AuditDays, _ = cmd.Flags().GetInt("days-audit")
	opts.HistoryOnly, _ = cmd.Flags().GetBool("history-only")
	opts.Confirm, _ = cmd.Flags().GetString("confirm")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	auditDays := cfg.Retention.AuditDays
	if opts.AuditDays > 0 {
		auditDays = opts.AuditDays
	}
	purgesAudit := !opts.HistoryOnly && !opts.DryRun && auditDays > 0
	if purgesAudit && !cmd.Flags().Changed("confirm") && isTerminal(os.Stdin) {
		phrase, err := promptConfirmation(auditDays)
		if err != nil {
			return withExitCode(1, err)
		}
		opts.Confirm = phrase
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	var cleanerOpts []jobs.CleanerOption
	archiver, release, err := a.newArchiver()
	if err != nil {
		return err
	}
	defer release()
	if archiver != nil {
		cleanerOpts = append(cleanerOpts, jobs.WithArchiver(archiver))
	}
	if !opts.DryRun {
		if err := a.startPipeline(ctx); err != nil {
			return err
		}
		cleanerOpts = append(cleanerOpts, jobs.WithAuditTrail(a.recorder))
	}

	cleaner := jobs.NewRetentionCleaner(a.audits, a.histories, cfg.Retention, cleanerOpts...)
	report, err := cleaner.Run(ctx, opts)
	if err != nil {
		var cfgErr *jobs.RetentionConfigurationError
		if errors.As(err, &cfgErr) {
			return withExitCode(2, err)
		}
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printCleanupReport(out, report)
	return nil
}

// promptConfirmation asks for the confirmation phrase. Anything other than the exact
// phrase cancels the cleanup.
func promptConfirmation(auditDays int) (string, error) {
	prompt := promptui.Prompt{
		Label: fmt.Sprintf("Audit records older than %d days will be permanently deleted. Type %q to continue",
			auditDays, jobs.ConfirmationPhrase),
	}
	phrase, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("cleanup cancelled: %w", err)
	}
	if phrase != jobs.ConfirmationPhrase {
		return "", fmt.Errorf("cleanup cancelled: confirmation phrase did not match")
	}
	return phrase, nil
}

func printCleanupReport(w io.Writer, r *jobs.CleanupReport) {
	verb := "Deleted"
	if r.DryRun {
		verb = "Would delete"
	}
	for _, t := range []*jobs.TableReport{r.History, r.Audit} {
		if t == nil {
			continue
		}
		n := t.Deleted
		if r.DryRun {
			n = t.Matched
		}
		fmt.Fprintf(w, "%s %d rows from %s older than %d days (before %s)\n",
			verb, n, t.Table, t.Days, t.Cutoff.Format("2006-01-02 15:04:05Z07:00"))
		if t.Archive != nil {
			fmt.Fprintf(w, "  archived %d rows to %s (sha256 %s)\n", t.Archive.Rows, t.Archive.Path, t.Archive.Checksum)
		}
	}
}
