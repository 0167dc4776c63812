package mcp

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy controls what bridge clients may see and do.
type Policy struct {
	Version         int      `yaml:"version"`
	DefaultAction   string   `yaml:"default_action"` // applies to profiles in neither list
	AllowedProfiles []string `yaml:"allowed_profiles"`
	DeniedProfiles  []string `yaml:"denied_profiles"`
	AllowLock       bool     `yaml:"allow_lock"`
}

// PolicyFileName is the name of the policy file in the data directory.
const PolicyFileName = "bridge-policy.yaml"

// Policy action constants
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// ErrPolicyNotFound is returned when no policy file exists
var ErrPolicyNotFound = errors.New("bridge policy file not found")

// ErrPolicyInsecure is returned when policy file has insecure permissions
var ErrPolicyInsecure = errors.New("bridge policy file has insecure permissions")

// ErrPolicySymlink is returned when policy file is a symlink
var ErrPolicySymlink = errors.New("bridge policy file is a symlink")

// ErrPolicyNotOwnedByUser is returned when policy file is not owned by current user
var ErrPolicyNotOwnedByUser = errors.New("bridge policy file not owned by current user")

// DefaultPolicy is used when no policy file exists: status queries are
// answered, lock requests are refused.
func DefaultPolicy() *Policy {
	return &Policy{Version: 1, DefaultAction: ActionAllow}
}

// LoadPolicy loads the bridge policy from dataDir.
// The file is opened without following symlinks and checked through the
// open descriptor, so it cannot be swapped between check and read.
func LoadPolicy(dataDir string) (*Policy, error) {
	f, err := openPolicyFile(filepath.Join(dataDir, PolicyFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy file: %w", err)
	}
	if err := checkFileSecurity(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if policy.DefaultAction == "" {
		policy.DefaultAction = ActionDeny
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// Validate validates the policy configuration
func (p *Policy) Validate() error {
	if p.Version != 1 {
		return fmt.Errorf("unsupported policy version: %d", p.Version)
	}
	if p.DefaultAction != ActionDeny && p.DefaultAction != ActionAllow {
		return fmt.Errorf("invalid default_action: %s (must be '%s' or '%s')", p.DefaultAction, ActionDeny, ActionAllow)
	}
	return nil
}

// IsProfileAllowed reports whether bridge clients may query a profile,
// matched by id or case-insensitive name. Denied entries win over allowed
// ones; anything else gets the default action.
func (p *Policy) IsProfileAllowed(id, name string) (allowed bool, reason string) {
	for _, denied := range p.DeniedProfiles {
		if matchProfile(id, name, denied) {
			return false, fmt.Sprintf("profile '%s' matches denied entry '%s'", name, denied)
		}
	}
	for _, entry := range p.AllowedProfiles {
		if matchProfile(id, name, entry) {
			return true, ""
		}
	}
	if p.DefaultAction == ActionAllow {
		return true, ""
	}
	return false, fmt.Sprintf("profile '%s' not in allowed_profiles list", name)
}

// CanLock reports whether bridge clients may lock a profile.
func (p *Policy) CanLock(id, name string) (allowed bool, reason string) {
	if !p.AllowLock {
		return false, "lock requests are disabled by policy"
	}
	return p.IsProfileAllowed(id, name)
}

func matchProfile(id, name, entry string) bool {
	return entry == "*" || entry == id || strings.EqualFold(entry, name)
}
