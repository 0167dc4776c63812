package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forest6511/pmvault/pkg/atomicfile"
	"github.com/forest6511/pmvault/pkg/audit"
	"github.com/forest6511/pmvault/pkg/crypto"
	"github.com/forest6511/pmvault/pkg/masterkey"
)

// ChangePassword rewraps the master key of a password profile under a key
// derived from newPassword and a fresh salt. The vault image is keyed by the
// master key and is not rewritten. The profile may be locked or unlocked.
//
// The three files are replaced in the order master key, key check, salt. If
// a write fails the files already replaced are put back.
func (m *Manager) ChangePassword(ctx context.Context, profileID string, oldPassword, newPassword []byte) (retErr error) {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	p, err := m.lookup(profileID)
	if err != nil {
		return err
	}
	if !p.HasPassword {
		return ErrPasswordless
	}
	if len(oldPassword) == 0 || len(newPassword) == 0 {
		return ErrPasswordRequired
	}
	if err := m.recoverVault(profileID); err != nil {
		return err
	}

	l := m.audit.Load()
	if !m.loggedIn(profileID) {
		l = m.auditLogger(profileID)
	}
	defer func() {
		m.record(l, audit.OpPasswordChange, retErr, nil)
	}()

	dir := m.ProfileDir(profileID)
	saltPath := filepath.Join(dir, SaltFileName)
	checkPath := filepath.Join(dir, KeyCheckFileName)
	keyPath := filepath.Join(dir, masterkey.PasswordFileName)

	salt, err := crypto.ReadSalt(saltPath)
	if err != nil {
		if errors.Is(err, crypto.ErrSaltCorrupted) {
			return corrupted(err)
		}
		return err
	}
	oldKey := crypto.DeriveKeyWithParams(oldPassword, salt, m.cfg.KDF)
	defer crypto.SecureWipe(oldKey)

	check, err := os.ReadFile(checkPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return corrupted(fmt.Errorf("session: key check file missing"))
		}
		return err
	}
	if err := crypto.VerifyKeyCheck(oldKey, profileID, check); err != nil {
		if errors.Is(err, crypto.ErrKeyCheckFailed) {
			return ErrInvalidPassword
		}
		return corrupted(err)
	}

	mk, err := masterkey.ReadWrappedPassword(dir, profileID, oldKey)
	if err != nil {
		if errors.Is(err, masterkey.ErrProfileMismatch) {
			return err
		}
		return corrupted(err)
	}
	defer mk.Destroy()

	oldWrapped, err := os.ReadFile(keyPath)
	if err != nil {
		return err
	}

	newSalt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	newKey := crypto.DeriveKeyWithParams(newPassword, newSalt, m.cfg.KDF)
	defer crypto.SecureWipe(newKey)

	newCheck, err := crypto.SealKeyCheck(newKey, profileID)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	rollback := func(cause error, restore map[string][]byte) error {
		for path, data := range restore {
			if err := atomicfile.WriteFile(path, data, crypto.FileMode); err != nil {
				m.warnf("change password %s: roll back %s: %v", profileID, filepath.Base(path), err)
			}
		}
		return cause
	}

	if err := masterkey.WriteWrappedPassword(dir, profileID, newKey, mk); err != nil {
		return err
	}
	if err := atomicfile.WriteFile(checkPath, newCheck, crypto.FileMode); err != nil {
		return rollback(fmt.Errorf("session: failed to write key check: %w", err),
			map[string][]byte{keyPath: oldWrapped})
	}
	if err := crypto.WriteSalt(saltPath, newSalt); err != nil {
		return rollback(err, map[string][]byte{keyPath: oldWrapped, checkPath: check})
	}
	return nil
}
