package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/pmvault/pkg/audit"
	"github.com/forest6511/pmvault/pkg/profile"
)

var (
	auditLimit int
	auditSince string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)

	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to show")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Show events since duration (e.g., 24h, 30d)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
}

// withAuditLog unlocks p, runs fn with its keyed audit logger and locks again.
func withAuditLog(p profile.Profile, fn func(*audit.Logger) error) error {
	ctx := context.Background()
	if err := unlock(ctx, p); err != nil {
		return err
	}
	l, err := sessions.AuditLog(p.ID)
	if err == nil {
		err = fn(l)
	}
	if lerr := sessions.Lock(ctx); lerr != nil {
		err = errors.Join(err, lerr)
	}
	return err
}

var auditListCmd = &cobra.Command{
	Use:   "list NAME",
	Short: "List audit log entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := findProfile(args[0])
		if err != nil {
			return err
		}

		var since time.Time
		if auditSince != "" {
			duration, err := parseDuration(auditSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-duration)
		}

		return withAuditLog(p, func(l *audit.Logger) error {
			events, err := l.ListEvents(auditLimit, since)
			if err != nil {
				return fmt.Errorf("failed to list audit events: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(out, "No audit events found")
				return nil
			}
			for _, event := range events {
				// TIMESTAMP SOURCE OPERATION RESULT
				line := fmt.Sprintf("%s %s %s %s", event.Timestamp, event.Source, event.Operation, event.Result)
				if event.Error != nil {
					line += fmt.Sprintf(" error:%s", event.Error.Code)
				}
				if event.Deferred {
					line += " (deferred)"
				}
				fmt.Fprintln(out, line)
			}
			fmt.Fprintf(out, "\nTotal: %d events\n", len(events))
			return nil
		})
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify NAME",
	Short: "Verify audit log HMAC chain integrity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := findProfile(args[0])
		if err != nil {
			return err
		}

		return withAuditLog(p, func(l *audit.Logger) error {
			out := cmd.OutOrStdout()
			result, err := l.Verify()
			if err != nil {
				return fmt.Errorf("failed to verify audit log: %w", err)
			}

			if !result.Valid {
				fmt.Fprintf(out, "✗ Audit log verification FAILED\n")
				fmt.Fprintf(out, "  Records total: %d\n", result.RecordsTotal)
				fmt.Fprintf(out, "  Records verified: %d\n", result.RecordsVerified)
				fmt.Fprintln(out, "  Errors:")
				for _, e := range result.Errors {
					fmt.Fprintf(out, "    - %s\n", e)
				}
				return errors.New("audit log integrity check failed")
			}
			fmt.Fprintf(out, "✓ Audit log verified: %d records, chain intact\n", result.RecordsTotal)

			jsonResult, _ := json.Marshal(result)
			fmt.Fprintf(out, "\nJSON: %s\n", string(jsonResult))
			return nil
		})
	},
}
