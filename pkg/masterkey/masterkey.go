// Package masterkey manages the per-profile master key and the three forms it
// can be stored in on disk.
//
// A profile directory holds exactly one of:
//
//	master_key.enc    password-wrapped (PMENC1 under a password-derived key)
//	master_key.dpapi  legacy OS-protected (read-only, migrated on first read)
//	master_key.bin    unwrapped portable plaintext (passwordless profiles)
//
// Every form carries the same plaintext encoding, "PMMK1:" + profile id +
// NUL + 32 key bytes, so a key read for the wrong profile is detected on
// unwrap.
package masterkey

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forest6511/pmvault/pkg/crypto"
)

// File names inside a profile directory.
const (
	PasswordFileName = "master_key.enc"
	LegacyFileName   = "master_key.dpapi"
	PortableFileName = "master_key.bin"
)

// plaintextPrefix starts every encoded master key.
const plaintextPrefix = "PMMK1:"

// Errors
var (
	ErrNotFound          = errors.New("masterkey: master key file not found")
	ErrMalformed         = errors.New("masterkey: malformed master key plaintext")
	ErrProfileMismatch   = errors.New("masterkey: master key belongs to a different profile")
	ErrWrongStrategy     = errors.New("masterkey: file does not match the requested wrapping strategy")
	ErrAmbiguousStrategy = errors.New("masterkey: more than one master key form present")
	ErrUnwrapFailed      = errors.New("masterkey: failed to unwrap master key")
	ErrLegacyUnsupported = errors.New("masterkey: legacy OS-protected keys are not supported on this platform")
)

// Strategy identifies how a profile's master key is stored.
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategyPasswordWrapped
	StrategyLegacyProtected
	StrategyUnwrappedPortable
)

// String returns the strategy name used in logs and audit records.
func (s Strategy) String() string {
	switch s {
	case StrategyNone:
		return "none"
	case StrategyPasswordWrapped:
		return "password_wrapped"
	case StrategyLegacyProtected:
		return "legacy_protected"
	case StrategyUnwrappedPortable:
		return "unwrapped_portable"
	default:
		return "unknown"
	}
}

// Generate creates a new random master key.
func Generate() (*crypto.SecureKey, error) {
	raw := make([]byte, crypto.KeyLength)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("masterkey: failed to generate key: %w", err)
	}
	return crypto.NewSecureKey(raw)
}

// Encode returns the profile-bound plaintext for key. The caller must wipe it.
func Encode(profileID string, key []byte) ([]byte, error) {
	if len(key) != crypto.KeyLength {
		return nil, crypto.ErrInvalidKeyLength
	}
	out := make([]byte, 0, len(plaintextPrefix)+len(profileID)+1+len(key))
	out = append(out, plaintextPrefix...)
	out = append(out, profileID...)
	out = append(out, 0)
	return append(out, key...), nil
}

// Decode validates a profile-bound plaintext and returns the key as a SecureKey.
// The plaintext is wiped before returning.
func Decode(profileID string, plaintext []byte) (*crypto.SecureKey, error) {
	defer crypto.SecureWipe(plaintext)

	if !bytes.HasPrefix(plaintext, []byte(plaintextPrefix)) {
		return nil, ErrMalformed
	}
	rest := plaintext[len(plaintextPrefix):]
	if len(rest) < crypto.KeyLength+1 {
		return nil, ErrMalformed
	}
	sep := len(rest) - crypto.KeyLength - 1
	if rest[sep] != 0 {
		return nil, ErrMalformed
	}
	embedded := string(rest[:sep])
	if embedded != profileID {
		return nil, fmt.Errorf("%w: file is bound to %q, expected %q", ErrProfileMismatch, embedded, profileID)
	}

	key := make([]byte, crypto.KeyLength)
	copy(key, rest[sep+1:])
	return crypto.NewSecureKey(key)
}

// Probe resolves which form the master key in dir is stored in.
//
// The password-wrapped file may not coexist with another form. A portable
// file next to a legacy one is the state left by a migration whose delete
// failed; portable takes precedence.
func Probe(dir string) (Strategy, error) {
	hasPassword, err := exists(filepath.Join(dir, PasswordFileName))
	if err != nil {
		return StrategyNone, err
	}
	hasLegacy, err := exists(filepath.Join(dir, LegacyFileName))
	if err != nil {
		return StrategyNone, err
	}
	hasPortable, err := exists(filepath.Join(dir, PortableFileName))
	if err != nil {
		return StrategyNone, err
	}

	switch {
	case hasPassword && (hasLegacy || hasPortable):
		return StrategyNone, ErrAmbiguousStrategy
	case hasPassword:
		return StrategyPasswordWrapped, nil
	case hasPortable:
		return StrategyUnwrappedPortable, nil
	case hasLegacy:
		return StrategyLegacyProtected, nil
	default:
		return StrategyNone, nil
	}
}

// ReadOptions carries what each strategy needs to unwrap.
type ReadOptions struct {
	WrappingKey []byte    // StrategyPasswordWrapped
	Protector   Protector // StrategyLegacyProtected
}

// Read unwraps the master key in dir using strategy.
func Read(dir, profileID string, strategy Strategy, opts ReadOptions) (*crypto.SecureKey, error) {
	switch strategy {
	case StrategyPasswordWrapped:
		return ReadWrappedPassword(dir, profileID, opts.WrappingKey)
	case StrategyLegacyProtected:
		return ReadWrappedLegacy(dir, profileID, opts.Protector)
	case StrategyUnwrappedPortable:
		return ReadUnwrapped(dir, profileID)
	case StrategyNone:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("masterkey: unknown strategy %d", strategy)
	}
}

// Remove deletes every master key form in dir.
func Remove(dir string) error {
	var errs []error
	for _, name := range []string{PasswordFileName, LegacyFileName, PortableFileName} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("masterkey: failed to stat %s: %w", filepath.Base(path), err)
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("masterkey: failed to read %s: %w", filepath.Base(path), err)
	}
	return data, nil
}
