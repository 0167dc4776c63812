package session

import (
	"errors"
	"io/fs"

	"github.com/forest6511/pmvault/pkg/crypto"
	"github.com/forest6511/pmvault/pkg/masterkey"
	"github.com/forest6511/pmvault/pkg/pool"
	"github.com/forest6511/pmvault/pkg/profile"
)

// Errors
var (
	ErrProfileNotFound     = errors.New("session: profile not found")
	ErrInvalidPassword     = errors.New("session: invalid password")
	ErrPasswordRequired    = errors.New("session: profile requires a password")
	ErrPasswordless        = errors.New("session: profile has no password")
	ErrVaultCorrupted      = errors.New("session: vault is corrupted")
	ErrVaultExists         = errors.New("session: vault files already exist for profile")
	ErrAlreadyUnlocked     = errors.New("session: vault is already unlocked")
	ErrLocked              = errors.New("session: vault is locked")
	ErrUnlocked            = errors.New("session: vault must be locked")
	ErrInvalidAttachmentID = errors.New("session: invalid attachment id")
	ErrBackupInvalid       = errors.New("session: backup is incomplete or invalid")
	ErrStateUnavailable    = errors.New("session: session state unavailable")
)

// Public error codes.
const (
	CodeInvalidPassword    = "INVALID_PASSWORD"
	CodeSaltMissing        = "KDF_SALT_MISSING"
	CodeProfileMismatch    = "MASTER_KEY_PROFILE_MISMATCH"
	CodeDBOpenFailed       = "DB_OPEN_FAILED"
	CodeUnderMaintenance   = "UNDER_MAINTENANCE"
	CodeProfileNotFound    = "PROFILE_NOT_FOUND"
	CodeVaultCorrupted     = "VAULT_CORRUPTED"
	CodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	CodeStateUnavailable   = "STATE_UNAVAILABLE"
	CodeAlreadyUnlocked    = "ALREADY_UNLOCKED"
	CodeLocked             = "VAULT_LOCKED"
	CodeVaultExists        = "VAULT_EXISTS"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeIOError            = "IO_ERROR"
	CodeInternal           = "INTERNAL"
)

// Code maps an error returned by this package to its public code.
// nil maps to "".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStateUnavailable):
		return CodeStateUnavailable
	case errors.Is(err, ErrProfileNotFound), errors.Is(err, profile.ErrNotFound):
		return CodeProfileNotFound
	case errors.Is(err, ErrInvalidPassword):
		return CodeInvalidPassword
	case errors.Is(err, crypto.ErrSaltMissing):
		return CodeSaltMissing
	case errors.Is(err, masterkey.ErrProfileMismatch):
		return CodeProfileMismatch
	case errors.Is(err, crypto.ErrUnsupportedVersion):
		return CodeUnsupportedVersion
	case errors.Is(err, pool.ErrUnderMaintenance), errors.Is(err, pool.ErrMaintenanceActive):
		return CodeUnderMaintenance
	case errors.Is(err, pool.ErrDBOpenFailed), errors.Is(err, pool.ErrPoolNotFound):
		return CodeDBOpenFailed
	case errors.Is(err, ErrAlreadyUnlocked):
		return CodeAlreadyUnlocked
	case errors.Is(err, ErrLocked), errors.Is(err, ErrUnlocked):
		return CodeLocked
	case errors.Is(err, ErrVaultExists):
		return CodeVaultExists
	case errors.Is(err, ErrVaultCorrupted),
		errors.Is(err, ErrBackupInvalid),
		crypto.IsFormatError(err),
		errors.Is(err, crypto.ErrDecryptionFailed),
		errors.Is(err, crypto.ErrSaltCorrupted),
		errors.Is(err, masterkey.ErrMalformed),
		errors.Is(err, masterkey.ErrWrongStrategy),
		errors.Is(err, masterkey.ErrAmbiguousStrategy),
		errors.Is(err, masterkey.ErrUnwrapFailed):
		return CodeVaultCorrupted
	case errors.Is(err, ErrPasswordRequired),
		errors.Is(err, ErrPasswordless),
		errors.Is(err, ErrInvalidAttachmentID):
		return CodeInvalidInput
	case errors.Is(err, masterkey.ErrLegacyUnsupported):
		return CodeInternal
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return CodeIOError
	}
	return CodeInternal
}

// corrupted tags err as vault corruption while keeping its cause.
func corrupted(err error) error {
	return errors.Join(ErrVaultCorrupted, err)
}
