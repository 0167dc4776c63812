package mcp

import (
	"context"
	"io"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/forest6511/pmvault/internal/config"
	"github.com/forest6511/pmvault/pkg/crypto"
	"github.com/forest6511/pmvault/pkg/pool"
	"github.com/forest6511/pmvault/pkg/profile"
	"github.com/forest6511/pmvault/pkg/session"
)

const testPassword = "testpassword123"

type testEnv struct {
	dataDir  string
	profiles *profile.FileStore
	sessions *session.Manager
}

// newTestEnv provisions one password profile named "Work".
func newTestEnv(t *testing.T) (*testEnv, profile.Profile) {
	t.Helper()
	dataDir := t.TempDir()
	registry := pool.NewRegistry(pool.Options{})
	env := &testEnv{
		dataDir:  dataDir,
		profiles: profile.NewFileStore(dataDir),
	}
	env.sessions = session.NewManager(session.Config{
		DataDir: dataDir,
		KDF:     crypto.KDFParams{Memory: 64, Iterations: 1, Parallelism: 1},
	}, env.profiles, registry, session.WithLogger(log.New(io.Discard, "", 0)))
	t.Cleanup(func() {
		_ = env.sessions.Close(context.Background())
		_ = registry.Close(context.Background(), time.Second)
	})

	p, err := env.profiles.Create("Work", true)
	if err != nil {
		t.Fatalf("failed to create profile: %v", err)
	}
	if err := env.sessions.Provision(context.Background(), p.ID, []byte(testPassword)); err != nil {
		t.Fatalf("failed to provision vault: %v", err)
	}
	return env, p
}

func (e *testEnv) server(t *testing.T, opts ServerOptions) *Server {
	t.Helper()
	opts.Sessions = e.sessions
	opts.Profiles = e.profiles
	opts.DataDir = e.dataDir
	s, err := NewServer(context.Background(), &opts)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return s
}

func TestNewServer_MissingDependencies(t *testing.T) {
	if _, err := NewServer(context.Background(), nil); err == nil {
		t.Error("expected error without options")
	}
	if _, err := NewServer(context.Background(), &ServerOptions{}); err == nil {
		t.Error("expected error without sessions")
	}
}

func TestNewServer_NoPassword(t *testing.T) {
	env, p := newTestEnv(t)
	t.Setenv(config.EnvPassword, "")

	_, err := NewServer(context.Background(), &ServerOptions{
		Sessions: env.sessions,
		Profiles: env.profiles,
		DataDir:  env.dataDir,
		Profile:  p.Name,
	})
	if err == nil || !strings.Contains(err.Error(), config.EnvPassword) {
		t.Errorf("expected missing password error, got %v", err)
	}
}

func TestNewServer_InvalidPassword(t *testing.T) {
	env, p := newTestEnv(t)

	_, err := NewServer(context.Background(), &ServerOptions{
		Sessions: env.sessions,
		Profiles: env.profiles,
		DataDir:  env.dataDir,
		Profile:  p.ID,
		Password: "wrongpassword",
	})
	if err == nil || !strings.Contains(err.Error(), session.CodeInvalidPassword) {
		t.Errorf("expected %s, got %v", session.CodeInvalidPassword, err)
	}
	if env.sessions.IsUnlocked(p.ID) {
		t.Error("vault must stay locked")
	}
}

func TestNewServer_UnlocksFromEnvironment(t *testing.T) {
	env, p := newTestEnv(t)
	t.Setenv(config.EnvPassword, testPassword)

	s := env.server(t, ServerOptions{Profile: "work"})
	if !env.sessions.IsUnlocked(p.ID) {
		t.Fatal("expected profile to be unlocked")
	}
	if v, ok := os.LookupEnv(config.EnvPassword); ok && v != "" {
		t.Error("password environment variable must be cleared")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if env.sessions.IsUnlocked(p.ID) {
		t.Error("Close must lock the vault")
	}
}

func TestNewServer_BrokenPolicyDeniesAll(t *testing.T) {
	env, p := newTestEnv(t)
	writePolicy(t, env.dataDir, "version: 7\n", 0600)

	s := env.server(t, ServerOptions{})
	if ok, _ := s.policy.IsProfileAllowed(p.ID, p.Name); ok {
		t.Error("a broken policy file must deny access")
	}
}
