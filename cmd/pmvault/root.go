package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forest6511/pmvault/internal/config"
	"github.com/forest6511/pmvault/pkg/atomicfile"
	"github.com/forest6511/pmvault/pkg/audit"
	"github.com/forest6511/pmvault/pkg/crypto"
	"github.com/forest6511/pmvault/pkg/pool"
	"github.com/forest6511/pmvault/pkg/profile"
	"github.com/forest6511/pmvault/pkg/security"
	"github.com/forest6511/pmvault/pkg/session"
)

var (
	configPath  string
	dataDirFlag string

	cfg      *config.Config
	registry *pool.Registry
	profiles *profile.FileStore
	sessions *session.Manager

	// Replaced in tests.
	stdin           = bufio.NewReader(os.Stdin)
	stdinIsTerminal = func() bool { return term.IsTerminal(int(syscall.Stdin)) }
)

var rootCmd = &cobra.Command{
	Use:           "pmvault",
	Short:         "pmvault keeps credentials in local encrypted vaults",
	Long:          `A local, single-user credential vault. Each profile has its own vault, unlocked with a master password or, for passwordless profiles, a key stored next to it.`,
	SilenceUsage:  true,
	SilenceErrors: false,
	// PersistentPreRunE loads the configuration and wires the engine for
	// every subcommand.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := shutdown(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		if _, err := atomicfile.Recover(path); err != nil {
			fmt.Fprintf(os.Stderr, "warning: config recovery: %v\n", err)
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
		if dataDirFlag != "" {
			cfg.DataDir = dataDirFlag
		}

		profiles = profile.NewFileStore(cfg.DataDir)
		if _, err := atomicfile.Recover(profiles.Path()); err != nil {
			fmt.Fprintf(os.Stderr, "warning: profile registry recovery: %v\n", err)
		}
		registry = pool.NewRegistry(cfg.PoolOptions())
		sessions = session.NewManager(cfg.SessionConfig(auditSource(cmd)), profiles, registry)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return shutdown()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $PMVAULT_CONFIG or ~/.pmvault/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Data directory (overrides the config file)")
}

func auditSource(cmd *cobra.Command) string {
	if cmd.Name() == mcpServerCmd.Name() {
		return audit.SourceMCP
	}
	return audit.SourceCLI
}

func shutdown() error {
	if sessions == nil {
		return nil
	}
	ctx := context.Background()
	err := sessions.Close(ctx)
	if errors.Is(err, session.ErrStateUnavailable) {
		err = nil
	}
	if cerr := registry.Close(ctx, cfg.Pool.DrainTimeout); cerr != nil && err == nil {
		err = cerr
	}
	sessions, registry = nil, nil
	return err
}

// readPassword prompts for a password without echo. PMVAULT_PASSWORD is used
// instead when set, and stdin is read line by line when it is not a terminal.
func readPassword(prompt string) ([]byte, error) {
	if pw := os.Getenv(config.EnvPassword); pw != "" {
		return []byte(pw), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)

	if stdinIsTerminal() {
		pw, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		return pw, nil
	}
	line, err := stdin.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

// readNewPassword prompts twice and requires both entries to match.
func readNewPassword(prompt string) ([]byte, error) {
	pw1, err := readPassword(prompt)
	if err != nil {
		return nil, err
	}
	pw2, err := readPassword("Confirm " + strings.ToLower(prompt[:1]) + prompt[1:])
	if err != nil {
		crypto.SecureWipe(pw1)
		return nil, err
	}
	defer crypto.SecureWipe(pw2)
	if string(pw1) != string(pw2) {
		crypto.SecureWipe(pw1)
		return nil, errors.New("passwords do not match")
	}
	if len(pw1) == 0 {
		return nil, errors.New("password must not be empty")
	}
	if security.Rate(pw1) == security.Weak {
		fmt.Fprintf(os.Stderr, "warning: weak master password (use at least %d characters)\n", security.MinLength)
	}
	return pw1, nil
}

// findProfile resolves a profile by id or name.
func findProfile(ref string) (profile.Profile, error) {
	p, err := profiles.Find(ref)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("profile %q: %w", ref, err)
	}
	return p, nil
}

// unlock logs into p, prompting for its password when it has one.
func unlock(ctx context.Context, p profile.Profile) error {
	var pw []byte
	if p.HasPassword {
		var err error
		pw, err = readPassword("Enter master password: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(pw)
	}
	if err := sessions.Login(ctx, p.ID, pw); err != nil {
		return codedError("failed to unlock vault", err)
	}
	return nil
}

// codedError prefixes err with its public code.
func codedError(msg string, err error) error {
	return fmt.Errorf("%s [%s]: %w", msg, session.Code(err), err)
}

// parseDuration parses a duration string like "30d", "1y", "24h"
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return time.ParseDuration(s)
	}

	switch unit {
	case 'h':
		return time.Duration(value) * time.Hour, nil
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(value) * 30 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return time.ParseDuration(s)
	}
}
