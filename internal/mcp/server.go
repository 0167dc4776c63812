// Package mcp exposes vault status to local clients over MCP (Model Context
// Protocol). Clients see lock state only; no tool returns vault contents or
// key material.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/pmvault/internal/config"
	"github.com/forest6511/pmvault/pkg/profile"
	"github.com/forest6511/pmvault/pkg/session"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// Profiles is what the server needs from the profile registry.
type Profiles interface {
	Find(ref string) (profile.Profile, error)
	List() ([]profile.Profile, error)
}

// Server is the vault status bridge.
type Server struct {
	server   *mcp.Server
	sessions *session.Manager
	profiles Profiles
	dataDir  string
	policy   *Policy
}

// ServerOptions contains configuration options for the MCP server.
type ServerOptions struct {
	Sessions *session.Manager
	Profiles Profiles
	DataDir  string

	// Profile, when set, is unlocked before serving. Password falls back to
	// PMVAULT_PASSWORD, which is cleared after reading.
	Profile  string
	Password string
}

// NewServer creates a new MCP server instance.
func NewServer(ctx context.Context, opts *ServerOptions) (*Server, error) {
	if opts == nil || opts.Sessions == nil || opts.Profiles == nil {
		return nil, errors.New("mcp: sessions and profiles are required")
	}

	policy, err := LoadPolicy(opts.DataDir)
	switch {
	case errors.Is(err, ErrPolicyNotFound):
		policy = DefaultPolicy()
	case err != nil:
		// A broken policy file must not widen access: fall back to deny-all.
		log.Printf("warning: failed to load bridge policy: %v", err)
		policy = &Policy{Version: 1, DefaultAction: ActionDeny}
	}

	if opts.Profile != "" {
		p, err := opts.Profiles.Find(opts.Profile)
		if err != nil {
			return nil, fmt.Errorf("failed to find profile %q: %w", opts.Profile, err)
		}
		password := opts.Password
		if password == "" {
			password = os.Getenv(config.EnvPassword)
			os.Unsetenv(config.EnvPassword)
		}
		if p.HasPassword && password == "" {
			return nil, fmt.Errorf("no password provided: set %s environment variable", config.EnvPassword)
		}
		var pw []byte
		if p.HasPassword {
			pw = []byte(password)
		}
		if err := opts.Sessions.Login(ctx, p.ID, pw); err != nil {
			return nil, fmt.Errorf("failed to unlock vault: %s: %w", session.Code(err), err)
		}
	}

	s := &Server{
		server: mcp.NewServer(
			&mcp.Implementation{
				Name:    "pmvault",
				Version: Version,
			},
			nil,
		),
		sessions: opts.Sessions,
		profiles: opts.Profiles,
		dataDir:  opts.DataDir,
		policy:   policy,
	}
	s.registerTools()
	return s, nil
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vault_status",
		Description: "Report whether a vault profile is locked, unlocking or unlocked. Defaults to the active profile. Never returns vault contents.",
	}, s.handleStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vault_profiles",
		Description: "List vault profiles visible to this client with their lock state.",
	}, s.handleProfiles)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vault_lock",
		Description: "Lock the unlocked vault, persisting it first. Requires policy approval.",
	}, s.handleLock)
}

// Run serves over stdio until ctx is done or the client disconnects, then
// logs out.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Close logs out of any unlocked profile.
func (s *Server) Close() error {
	err := s.sessions.Logout(context.Background())
	if errors.Is(err, session.ErrStateUnavailable) {
		return nil
	}
	return err
}
