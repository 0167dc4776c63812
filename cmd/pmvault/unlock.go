package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/pmvault/pkg/session"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

// checkCmd unlocks a vault and locks it again. Pending key migrations and
// audit records are applied on the way.
var checkCmd = &cobra.Command{
	Use:   "check NAME",
	Short: "Verify that a vault unlocks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		p, err := findProfile(args[0])
		if err != nil {
			return err
		}
		if err := unlock(ctx, p); err != nil {
			return err
		}

		var version int
		err = sessions.WithConnection(ctx, p.ID, func(conn *sql.Conn) error {
			var err error
			version, err = session.SchemaVersion(ctx, conn)
			return err
		})
		if lerr := sessions.Lock(ctx); lerr != nil && err == nil {
			err = lerr
		}
		if err != nil {
			return codedError("vault check failed", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s unlocked (schema v%d)\n", p.Name, version)
		return nil
	},
}
