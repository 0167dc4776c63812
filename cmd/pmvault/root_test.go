package main

import (
	"bufio"
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forest6511/pmvault/internal/config"
)

// execute runs the CLI with input as piped stdin.
func execute(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()

	configPath, dataDirFlag = "", ""
	profileNoPassword, profileDeleteYes, backupForce = false, false, false
	auditLimit, auditSince, mcpProfile = 100, "", ""

	stdin = bufio.NewReader(strings.NewReader(input))
	stdinIsTerminal = func() bool { return false }

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.EnvDataDir, dir)
	t.Setenv(config.EnvConfig, filepath.Join(dir, config.FileName))
	t.Setenv(config.EnvPassword, "")
	t.Cleanup(func() { _ = shutdown() })
	return dir
}

func TestProfileLifecycle(t *testing.T) {
	setupCLI(t)

	out, err := execute(t, "first-secret\nfirst-secret\n", "profile", "create", "Work")
	if err != nil {
		t.Fatalf("create: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Created profile Work") {
		t.Errorf("create output = %q", out)
	}

	if _, err := execute(t, "", "profile", "create", "Home", "--no-password"); err != nil {
		t.Fatalf("create passwordless: %v", err)
	}

	out, err = execute(t, "", "profile", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("list output = %q", out)
	}
	if !strings.Contains(lines[0], "Home") || !strings.Contains(lines[0], "portable") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "Work") || !strings.Contains(lines[1], "password") {
		t.Errorf("second line = %q", lines[1])
	}

	if _, err := execute(t, "wrong\n", "check", "work"); err == nil || !strings.Contains(err.Error(), "INVALID_PASSWORD") {
		t.Errorf("check with wrong password: err = %v", err)
	}
	out, err = execute(t, "first-secret\n", "check", "work")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out, "unlocked (schema v") {
		t.Errorf("check output = %q", out)
	}

	if _, err := execute(t, "first-secret\nsecond-secret\nsecond-secret\n", "passwd", "Work"); err != nil {
		t.Fatalf("passwd: %v", err)
	}
	if _, err := execute(t, "first-secret\n", "check", "Work"); err == nil {
		t.Error("old password still unlocks")
	}
	if _, err := execute(t, "second-secret\n", "check", "Work"); err != nil {
		t.Errorf("check with new password: %v", err)
	}

	out, err = execute(t, "second-secret\n", "audit", "verify", "Work")
	if err != nil {
		t.Fatalf("audit verify: %v\n%s", err, out)
	}
	if !strings.Contains(out, "chain intact") {
		t.Errorf("verify output = %q", out)
	}

	out, err = execute(t, "second-secret\n", "audit", "list", "Work", "--since", "1d")
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	for _, op := range []string{"vault.provision", "vault.unlock_failed", "vault.password_change"} {
		if !strings.Contains(out, op) {
			t.Errorf("audit list missing %s:\n%s", op, out)
		}
	}

	if _, err := execute(t, "", "profile", "delete", "Home"); err == nil {
		t.Error("delete without --yes succeeded")
	}
	if _, err := execute(t, "", "profile", "delete", "Home", "--yes"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := execute(t, "", "check", "Home"); err == nil {
		t.Error("deleted profile still resolves")
	}
}

func TestBackupRestoreCommands(t *testing.T) {
	dir := setupCLI(t)
	backupDir := filepath.Join(dir, "backup")

	if _, err := execute(t, "pw-one\npw-one\n", "profile", "create", "Work"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := execute(t, "", "backup", "Work", backupDir); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if _, err := execute(t, "", "backup", "Work", backupDir); err == nil {
		t.Error("backup into a non-empty directory without --force succeeded")
	}
	if _, err := execute(t, "", "backup", "Work", backupDir, "--force"); err != nil {
		t.Fatalf("backup --force: %v", err)
	}

	if _, err := execute(t, "pw-one\npw-two\npw-two\n", "passwd", "Work"); err != nil {
		t.Fatalf("passwd: %v", err)
	}
	if _, err := execute(t, "", "restore", "Work", backupDir); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := execute(t, "pw-one\n", "check", "Work"); err != nil {
		t.Errorf("restored backup does not unlock with its password: %v", err)
	}
	if _, err := execute(t, "", "restore", "Work", filepath.Join(dir, "missing")); err == nil {
		t.Error("restore from a missing directory succeeded")
	}
}

func TestReadNewPasswordMismatch(t *testing.T) {
	setupCLI(t)
	stdin = bufio.NewReader(strings.NewReader("one\ntwo\n"))
	stdinIsTerminal = func() bool { return false }

	if _, err := readNewPassword("Password: "); err == nil {
		t.Error("mismatched entries accepted")
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"24h", 24 * time.Hour, false},
		{"30d", 30 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"12m", 360 * 24 * time.Hour, false},
		{"1y", 365 * 24 * time.Hour, false},
		{"90s", 90 * time.Second, false},
		{"x", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDuration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestProfileListPattern(t *testing.T) {
	setupCLI(t)
	for _, name := range []string{"Home", "Work", "Work-EU"} {
		if _, err := execute(t, "", "profile", "create", name, "--no-password"); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	out, err := execute(t, "", "profile", "list", "work*")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Contains(out, "Home") || strings.Count(out, "\n") != 2 {
		t.Errorf("list work* = %q", out)
	}
	if _, err := execute(t, "", "profile", "list", "office"); err == nil {
		t.Error("unknown profile pattern listed")
	}
}
