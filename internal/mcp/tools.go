package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/pmvault/pkg/audit"
	"github.com/forest6511/pmvault/pkg/profile"
	"github.com/forest6511/pmvault/pkg/session"
)

// StatusInput represents input for vault_status tool.
type StatusInput struct {
	Profile string `json:"profile,omitempty"` // id or name; empty selects the active profile
}

// StatusOutput represents output for vault_status tool.
type StatusOutput struct {
	ProfileID string `json:"profile_id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Active    bool   `json:"active"`
}

// ProfilesInput represents input for vault_profiles tool.
type ProfilesInput struct{}

// ProfilesOutput represents output for vault_profiles tool.
type ProfilesOutput struct {
	Profiles []StatusOutput `json:"profiles"`
}

// LockInput represents input for vault_lock tool.
type LockInput struct {
	Profile string `json:"profile,omitempty"`
}

// LockOutput represents output for vault_lock tool.
type LockOutput struct {
	ProfileID string `json:"profile_id"`
	Locked    bool   `json:"locked"`
	WasLocked bool   `json:"was_locked"`
}

var errNoActiveProfile = errors.New("no active profile")

// resolve finds the profile a request refers to.
func (s *Server) resolve(ref string) (profile.Profile, error) {
	if ref == "" {
		snap := s.sessions.Snapshot()
		if !snap.HasActive {
			return profile.Profile{}, errNoActiveProfile
		}
		ref = snap.Active
	}
	p, err := s.profiles.Find(ref)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("%s: %w", session.CodeProfileNotFound, err)
	}
	return p, nil
}

func (s *Server) status(p profile.Profile) StatusOutput {
	st := s.sessions.Status(p.ID)
	return StatusOutput{ProfileID: p.ID, Name: p.Name, State: st.State, Active: st.Active}
}

// handleStatus handles the vault_status tool call.
func (s *Server) handleStatus(_ context.Context, _ *mcp.CallToolRequest, input StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
	p, err := s.resolve(input.Profile)
	if err != nil {
		return nil, StatusOutput{}, err
	}
	if ok, reason := s.policy.IsProfileAllowed(p.ID, p.Name); !ok {
		return nil, StatusOutput{}, fmt.Errorf("denied: %s", reason)
	}
	return nil, s.status(p), nil
}

// handleProfiles handles the vault_profiles tool call. Profiles the policy
// hides are left out.
func (s *Server) handleProfiles(_ context.Context, _ *mcp.CallToolRequest, _ ProfilesInput) (*mcp.CallToolResult, ProfilesOutput, error) {
	list, err := s.profiles.List()
	if err != nil {
		return nil, ProfilesOutput{}, fmt.Errorf("failed to list profiles: %w", err)
	}
	out := ProfilesOutput{Profiles: make([]StatusOutput, 0, len(list))}
	for _, p := range list {
		if ok, _ := s.policy.IsProfileAllowed(p.ID, p.Name); !ok {
			continue
		}
		out.Profiles = append(out.Profiles, s.status(p))
	}
	return nil, out, nil
}

// handleLock handles the vault_lock tool call.
func (s *Server) handleLock(ctx context.Context, _ *mcp.CallToolRequest, input LockInput) (*mcp.CallToolResult, LockOutput, error) {
	p, err := s.resolve(input.Profile)
	if err != nil {
		return nil, LockOutput{}, err
	}
	if ok, reason := s.policy.CanLock(p.ID, p.Name); !ok {
		s.auditDenied(p.ID, reason)
		return nil, LockOutput{}, fmt.Errorf("denied: %s", reason)
	}

	if !s.sessions.IsUnlocked(p.ID) {
		return nil, LockOutput{ProfileID: p.ID, Locked: true, WasLocked: true}, nil
	}
	if err := s.sessions.Lock(ctx); err != nil {
		return nil, LockOutput{}, fmt.Errorf("%s: failed to lock vault: %w", session.Code(err), err)
	}
	return nil, LockOutput{ProfileID: p.ID, Locked: true}, nil
}

func (s *Server) auditDenied(profileID, reason string) {
	l := audit.NewLogger(filepath.Join(s.sessions.ProfileDir(profileID), session.AuditDir), profileID, audit.SourceBridge)
	if err := l.LogDenied(audit.OpBridgeLockRequest, reason); err != nil {
		fmt.Fprintf(os.Stderr, "warning: audit: %v\n", err)
	}
}
