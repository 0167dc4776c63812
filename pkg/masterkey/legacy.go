package masterkey

import (
	"fmt"
	"path/filepath"

	"github.com/forest6511/pmvault/pkg/crypto"
)

// Protector unprotects blobs written by the platform data-protection API.
// There is deliberately no Protect: legacy keys are read-only.
type Protector interface {
	Unprotect(blob []byte) ([]byte, error)
}

// ProtectorFunc adapts a function to Protector.
type ProtectorFunc func([]byte) ([]byte, error)

// Unprotect calls f(blob).
func (f ProtectorFunc) Unprotect(blob []byte) ([]byte, error) { return f(blob) }

// ReadWrappedLegacy unprotects master_key.dpapi with protector.
// A nil protector means DefaultProtector.
func ReadWrappedLegacy(dir, profileID string, protector Protector) (*crypto.SecureKey, error) {
	if protector == nil {
		protector = DefaultProtector()
	}
	blob, err := readFile(filepath.Join(dir, LegacyFileName))
	if err != nil {
		return nil, err
	}
	if crypto.HasMagic(blob) {
		return nil, fmt.Errorf("%w: %s holds a PMENC1 blob", ErrWrongStrategy, LegacyFileName)
	}

	plaintext, err := protector.Unprotect(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnwrapFailed, err)
	}
	return Decode(profileID, plaintext)
}
