package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/pmvault/pkg/crypto"
)

func init() {
	rootCmd.AddCommand(passwdCmd)
}

var passwdCmd = &cobra.Command{
	Use:   "passwd NAME",
	Short: "Change the master password of a profile",
	Long: `Change the master password of a profile.

The master key and the vault contents are not re-encrypted; only the
password-wrapped key, the key check and the salt are replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := findProfile(args[0])
		if err != nil {
			return err
		}
		if !p.HasPassword {
			return fmt.Errorf("profile %s has no master password", p.Name)
		}

		current, err := readPassword("Enter current password: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(current)

		next, err := readNewPassword("New password: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(next)

		if err := sessions.ChangePassword(context.Background(), p.ID, current, next); err != nil {
			return codedError("failed to change password", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Master password changed")
		return nil
	},
}
