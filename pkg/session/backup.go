package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forest6511/pmvault/pkg/atomicfile"
	"github.com/forest6511/pmvault/pkg/audit"
	"github.com/forest6511/pmvault/pkg/crypto"
	"github.com/forest6511/pmvault/pkg/masterkey"
	"github.com/forest6511/pmvault/pkg/profile"
)

// sqliteHeader starts every SQLite database file.
var sqliteHeader = []byte("SQLite format 3\x00")

// backupFiles returns the vault files a backup of p carries, in restore
// order. Attachments are copied separately.
func backupFiles(p profile.Profile) []string {
	if p.HasPassword {
		return []string{ImageFileName, masterkey.PasswordFileName, KeyCheckFileName, SaltFileName}
	}
	return []string{PlainDBFileName, masterkey.PortableFileName}
}

// Backup copies the persisted vault files of a locked profile into the
// directory dst. A legacy-protected key is migrated by the first unlock, so
// only the current key forms are copied.
func (m *Manager) Backup(ctx context.Context, profileID, dst string) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	p, err := m.lookup(profileID)
	if err != nil {
		return err
	}
	if m.loggedIn(profileID) {
		return ErrUnlocked
	}
	if err := m.recoverVault(profileID); err != nil {
		return err
	}

	src := m.ProfileDir(profileID)
	err = m.registry.WithMaintenance(profileID, func() error {
		if err := os.MkdirAll(dst, DirMode); err != nil {
			return fmt.Errorf("session: failed to create backup directory: %w", err)
		}
		for _, name := range backupFiles(p) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := copyFile(filepath.Join(src, name), filepath.Join(dst, name)); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return corrupted(fmt.Errorf("session: %s missing", name))
				}
				return err
			}
		}
		return copyAttachments(ctx, filepath.Join(src, AttachmentsDir), filepath.Join(dst, AttachmentsDir))
	})

	m.record(m.auditLogger(profileID), audit.OpVaultBackup, err, map[string]string{"destination": dst})
	return err
}

// Restore replaces the vault files of a locked profile with the backup in
// src. Every file is validated before anything is overwritten.
func (m *Manager) Restore(ctx context.Context, profileID, src string) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	p, err := m.lookup(profileID)
	if err != nil {
		return err
	}
	if m.loggedIn(profileID) {
		return ErrUnlocked
	}
	if err := m.recoverVault(profileID); err != nil {
		return err
	}

	files := backupFiles(p)
	contents := make(map[string][]byte, len(files))
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(src, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s missing", ErrBackupInvalid, name)
			}
			return fmt.Errorf("session: failed to read backup: %w", err)
		}
		if err := validateBackupFile(name, data); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrBackupInvalid, name, err)
		}
		contents[name] = data
	}

	dir := m.ProfileDir(profileID)
	err = m.registry.WithMaintenance(profileID, func() error {
		if err := os.MkdirAll(dir, DirMode); err != nil {
			return fmt.Errorf("session: failed to create profile directory: %w", err)
		}
		for _, name := range files {
			if err := atomicfile.WriteFile(filepath.Join(dir, name), contents[name], crypto.FileMode); err != nil {
				return fmt.Errorf("session: failed to restore %s: %w", name, err)
			}
		}
		// Drop master key forms the backup does not carry.
		for _, name := range []string{masterkey.PasswordFileName, masterkey.LegacyFileName, masterkey.PortableFileName} {
			if _, ok := contents[name]; ok {
				continue
			}
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				m.warnf("restore %s: remove stale %s: %v", profileID, name, err)
			}
		}
		return copyAttachments(ctx, filepath.Join(src, AttachmentsDir), filepath.Join(dir, AttachmentsDir))
	})

	m.record(m.auditLogger(profileID), audit.OpVaultRestore, err, map[string]string{"source": src})
	return err
}

func validateBackupFile(name string, data []byte) error {
	switch name {
	case SaltFileName:
		if len(data) != crypto.SaltLength {
			return crypto.ErrSaltCorrupted
		}
	case PlainDBFileName:
		if !bytes.HasPrefix(data, sqliteHeader) {
			return errors.New("not a SQLite database")
		}
	case masterkey.PortableFileName:
		if crypto.HasMagic(data) {
			return masterkey.ErrWrongStrategy
		}
	default:
		if _, err := crypto.ParseHeader(data); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := atomicfile.WriteFile(dst, data, crypto.FileMode); err != nil {
		return fmt.Errorf("session: failed to copy %s: %w", filepath.Base(src), err)
	}
	return nil
}

// copyAttachments copies sealed attachments as-is. A missing source
// directory is not an error.
func copyAttachments(ctx context.Context, src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("session: failed to list attachments: %w", err)
	}
	if err := os.MkdirAll(dst, DirMode); err != nil {
		return fmt.Errorf("session: failed to create attachments directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != attachmentExt {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
