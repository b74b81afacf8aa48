package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmcleod/backoffice/audit"
)

// auditExport is the document written by "audit export" and read by
// "audit verify <file>".
type auditExport struct {
	Entries []audit.Entry `json:"entries"`
}

var (
	auditUser         string
	auditEvent        string
	auditLimit        int
	auditJSONOutput   bool
	verifyJSONOutput  bool
	auditExportOutput string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Session audit trail tools",
	Long:  `Commands for inspecting, exporting and verifying the hash-chained session audit trail.`,
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded session events, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runAuditList,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the whole trail as JSON",
	Args:  cobra.NoArgs,
	RunE:  runAuditExport,
}

var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify the integrity of the audit chain",
	Long: `Verifies hash chain integrity, genesis anchor, ID and timestamp ordering.

With a file argument the chain is read from an export produced by
"audit export". Without one the stored trail is verified, including its
head record.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd, auditExportCmd, verifyCmd)

	auditListCmd.Flags().StringVar(&auditUser, "user", "", "Only events for this user ID")
	auditListCmd.Flags().StringVar(&auditEvent, "event", "", "Only events of this type")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "Show the most recent N events (0 for all)")
	auditListCmd.Flags().BoolVar(&auditJSONOutput, "json", false, "Output events as JSON")

	auditExportCmd.Flags().StringVarP(&auditExportOutput, "output", "o", "", "Write to file instead of stdout")

	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
}

func withTrail(cmd *cobra.Command, fn func(ctx context.Context, trail *audit.Trail) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	repo, closeRepo, err := openPersistentRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()
	return fn(ctx, audit.NewTrail(repo))
}

func runAuditList(cmd *cobra.Command, args []string) error {
	return withTrail(cmd, func(ctx context.Context, trail *audit.Trail) error {
		entries, err := trail.List(ctx, audit.Filter{UserID: auditUser, Event: auditEvent, Limit: auditLimit})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if auditJSONOutput {
			return writeJSON(out, entries)
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tEVENT\tUSER\tEMAIL\tREMOTE")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.CreatedAt, e.Event, e.UserID, e.Email, e.RemoteAddr)
		}
		return tw.Flush()
	})
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	return withTrail(cmd, func(ctx context.Context, trail *audit.Trail) error {
		entries, err := trail.List(ctx, audit.Filter{})
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []audit.Entry{}
		}
		if auditExportOutput == "" {
			return writeJSON(cmd.OutOrStdout(), auditExport{Entries: entries})
		}
		f, err := os.OpenFile(auditExportOutput, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		if err := writeJSON(f, auditExport{Entries: entries}); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d entries to %s\n", len(entries), auditExportOutput)
		return nil
	})
}

// verifyResult is a Report labelled with where the chain came from.
type verifyResult struct {
	Source string `json:"source"`
	audit.Report
}

func runVerify(cmd *cobra.Command, args []string) error {
	var result verifyResult
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("cannot read file: %w", err)
		}
		var export auditExport
		if err := json.Unmarshal(data, &export); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
		result = verifyResult{Source: args[0], Report: audit.VerifyEntries(export.Entries)}
	} else {
		err := withTrail(cmd, func(ctx context.Context, trail *audit.Trail) error {
			report, err := trail.Verify(ctx)
			if err != nil {
				return err
			}
			result = verifyResult{Source: storageBackend, Report: report}
			return nil
		})
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if verifyJSONOutput {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	} else {
		printHumanResult(out, result)
	}
	if !result.Valid {
		failures, _ := result.Counts()
		return fmt.Errorf("audit chain is invalid (%d failed check(s))", failures)
	}
	return nil
}

func printHumanResult(w io.Writer, result verifyResult) {
	fmt.Fprintf(w, "Audit chain verification: %s\n", result.Source)
	fmt.Fprintf(w, "Entries:  %d\n\n", result.EntryCount)

	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case audit.StatusFail:
			tag = "[FAIL]"
		case audit.StatusWarn:
			tag = "[WARN]"
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintln(w, "Result: VALID")
	} else {
		failures, warnings := result.Counts()
		fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
