package masterkey

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/forest6511/pmvault/pkg/atomicfile"
	"github.com/forest6511/pmvault/pkg/crypto"
)

// WriteUnwrapped stores mk as plaintext in master_key.bin.
// Only passwordless profiles use this form.
func WriteUnwrapped(dir, profileID string, mk *crypto.SecureKey) error {
	return mk.With(func(key []byte) error {
		plaintext, err := Encode(profileID, key)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(plaintext)

		if err := atomicfile.WriteFile(filepath.Join(dir, PortableFileName), plaintext, crypto.FileMode); err != nil {
			return fmt.Errorf("masterkey: failed to write portable key: %w", err)
		}
		return nil
	})
}

// ReadUnwrapped reads master_key.bin.
// A file that carries the PMENC1 magic is rejected with ErrWrongStrategy
// instead of being parsed as plaintext.
func ReadUnwrapped(dir, profileID string) (*crypto.SecureKey, error) {
	data, err := readFile(filepath.Join(dir, PortableFileName))
	if err != nil {
		return nil, err
	}
	if crypto.HasMagic(data) {
		crypto.SecureWipe(data)
		return nil, fmt.Errorf("%w: %s holds an encrypted blob", ErrWrongStrategy, PortableFileName)
	}
	return Decode(profileID, data)
}

// writeMigrated is replaced in tests to simulate a failed migration write.
var writeMigrated = WriteUnwrapped

// MigrationResult describes what ReadPortableWithMigration did besides reading.
type MigrationResult struct {
	Source   Strategy // where the key was read from
	Migrated bool     // portable file written and legacy file removed
	Err      error    // non-fatal migration failure, nil when nothing failed
}

// ReadPortableWithMigration reads the portable key, falling back to the legacy
// OS-protected file only when the portable file is absent.
//
// After a successful legacy read it writes master_key.bin and deletes
// master_key.dpapi. Migration failures never fail the read; they are reported
// in the result and logged, and the legacy file stays for the next attempt.
func ReadPortableWithMigration(dir, profileID string, protector Protector, logger *log.Logger) (*crypto.SecureKey, MigrationResult, error) {
	mk, err := ReadUnwrapped(dir, profileID)
	if err == nil {
		return mk, MigrationResult{Source: StrategyUnwrappedPortable}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, MigrationResult{}, err
	}

	mk, err = ReadWrappedLegacy(dir, profileID, protector)
	if err != nil {
		return nil, MigrationResult{}, err
	}

	result := MigrationResult{Source: StrategyLegacyProtected}
	if werr := writeMigrated(dir, profileID, mk); werr != nil {
		result.Err = werr
		warn(logger, "legacy master key migration for %s: %v", profileID, werr)
		return mk, result, nil
	}
	if rerr := os.Remove(filepath.Join(dir, LegacyFileName)); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		result.Err = fmt.Errorf("masterkey: failed to remove legacy key: %w", rerr)
		warn(logger, "legacy master key cleanup for %s: %v", profileID, rerr)
		return mk, result, nil
	}
	result.Migrated = true
	return mk, result, nil
}

func warn(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf("warning: "+format, args...)
	}
}
