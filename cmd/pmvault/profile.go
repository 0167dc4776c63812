package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/pmvault/internal/cli"
	"github.com/forest6511/pmvault/pkg/crypto"
	"github.com/forest6511/pmvault/pkg/masterkey"
)

var (
	profileNoPassword bool
	profileDeleteYes  bool
)

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileCreateCmd)
	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileDeleteCmd)

	profileCreateCmd.Flags().BoolVar(&profileNoPassword, "no-password", false, "Create a passwordless profile (key stored next to the vault)")
	profileDeleteCmd.Flags().BoolVarP(&profileDeleteYes, "yes", "y", false, "Delete without asking")
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage vault profiles",
}

var profileCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a profile and its vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var pw []byte
		if !profileNoPassword {
			var err error
			pw, err = readNewPassword("Enter master password: ")
			if err != nil {
				return err
			}
			defer crypto.SecureWipe(pw)
		}

		p, err := profiles.Create(args[0], !profileNoPassword)
		if err != nil {
			return err
		}
		if err := sessions.Provision(context.Background(), p.ID, pw); err != nil {
			if derr := profiles.Delete(p.ID); derr != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to remove profile entry: %v\n", derr)
			}
			return codedError("failed to create vault", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Created profile %s (%s)\n", p.Name, p.ID)
		return nil
	},
}

var profileListCmd = &cobra.Command{
	Use:   "list [PATTERN...]",
	Short: "List profiles, optionally filtered by name patterns",
	Example: `  pmvault profile list
  pmvault profile list 'work*'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, err := profiles.List()
		if err != nil {
			return err
		}
		list, err := cli.MatchProfiles(args, all)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No profiles found")
			return nil
		}
		for _, p := range list {
			strategy := "missing"
			if s, err := masterkey.Probe(sessions.ProfileDir(p.ID)); err == nil {
				strategy = s.String()
			} else if !errors.Is(err, masterkey.ErrNotFound) {
				strategy = "error: " + err.Error()
			}
			fmt.Fprintf(out, "%s  %s  %s\n", p.ID, p.Name, strategy)
		}
		return nil
	},
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a profile and all of its vault files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := findProfile(args[0])
		if err != nil {
			return err
		}
		if !profileDeleteYes {
			return fmt.Errorf("refusing to delete %s without --yes", p.Name)
		}
		if err := os.RemoveAll(sessions.ProfileDir(p.ID)); err != nil {
			return fmt.Errorf("failed to remove vault files: %w", err)
		}
		if err := profiles.Delete(p.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted profile %s\n", p.Name)
		return nil
	},
}
