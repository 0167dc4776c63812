package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var backupForce bool

func init() {
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)

	backupCmd.Flags().BoolVarP(&backupForce, "force", "f", false, "Write into a non-empty directory")
}

var backupCmd = &cobra.Command{
	Use:   "backup NAME DIR",
	Short: "Copy the vault files of a profile into DIR",
	Long: `Copy the vault files of a locked profile into DIR.

The copy is taken as stored: the database image stays sealed by the master
key, so a backup is only as safe as its master-key file. Passwordless
profiles carry their key in the clear.

Examples:
  pmvault backup work ~/backups/work-2026-10
  pmvault backup work ~/backups/work --force`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := findProfile(args[0])
		if err != nil {
			return err
		}
		dst := args[1]
		if !backupForce {
			if entries, err := os.ReadDir(dst); err == nil && len(entries) > 0 {
				return fmt.Errorf("backup directory is not empty: %s (use --force to overwrite)", dst)
			}
		}
		if err := sessions.Backup(context.Background(), p.ID, dst); err != nil {
			return codedError("backup failed", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Backed up %s to %s\n", p.Name, dst)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore NAME DIR",
	Short: "Replace the vault files of a profile from a backup",
	Long: `Replace the vault files of a locked profile with the backup in DIR.

Every file is validated before anything is written. A backup taken before a
password change restores the old password.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := findProfile(args[0])
		if err != nil {
			return err
		}
		if err := sessions.Restore(context.Background(), p.ID, args[1]); err != nil {
			return codedError("restore failed", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Restored %s from %s\n", p.Name, args[1])
		return nil
	},
}
