package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forest6511/pmvault/pkg/audit"
	"github.com/forest6511/pmvault/pkg/crypto"
)

const (
	attachmentExt         = ".enc"
	maxAttachmentIDLength = 128
)

func validAttachmentID(id string) error {
	switch {
	case id == "", len(id) > maxAttachmentIDLength:
		return fmt.Errorf("%w: length", ErrInvalidAttachmentID)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidAttachmentID, id)
	case strings.ContainsAny(id, `/\:`) || strings.ContainsRune(id, 0):
		return fmt.Errorf("%w: %q", ErrInvalidAttachmentID, id)
	}
	return nil
}

// AttachmentPath returns where attachmentID's sealed payload is stored.
func (m *Manager) AttachmentPath(profileID, attachmentID string) (string, error) {
	if err := validAttachmentID(attachmentID); err != nil {
		return "", err
	}
	return filepath.Join(m.ProfileDir(profileID), AttachmentsDir, attachmentID+attachmentExt), nil
}

// SealAttachment encrypts data under the master key of the unlocked profile
// and writes it next to the vault. The blob is bound to both ids.
func (m *Manager) SealAttachment(profileID, attachmentID string, data []byte) error {
	path, err := m.AttachmentPath(profileID, attachmentID)
	if err != nil {
		return err
	}
	err = m.WithKey(profileID, func(key []byte) error {
		if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
			return fmt.Errorf("session: failed to create attachments directory: %w", err)
		}
		return crypto.EncryptFile(path, key, crypto.AttachmentAAD(profileID, attachmentID), data)
	})
	m.recordAttachment(audit.OpAttachmentSeal, attachmentID, err)
	return err
}

// OpenAttachment decrypts a sealed attachment of the unlocked profile.
func (m *Manager) OpenAttachment(profileID, attachmentID string) ([]byte, error) {
	path, err := m.AttachmentPath(profileID, attachmentID)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = m.WithKey(profileID, func(key []byte) error {
		var err error
		data, err = crypto.DecryptFile(path, key, crypto.AttachmentAAD(profileID, attachmentID))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return corrupted(err)
		}
		return err
	})
	m.recordAttachment(audit.OpAttachmentOpen, attachmentID, err)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// RemoveAttachment deletes a sealed attachment. Removing a missing
// attachment is not an error.
func (m *Manager) RemoveAttachment(profileID, attachmentID string) error {
	path, err := m.AttachmentPath(profileID, attachmentID)
	if err != nil {
		return err
	}
	if !m.IsUnlocked(profileID) {
		return ErrLocked
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("session: failed to remove attachment: %w", err)
	}
	return nil
}

func (m *Manager) recordAttachment(op, attachmentID string, err error) {
	if errors.Is(err, ErrLocked) {
		return
	}
	m.record(m.audit.Load(), op, err, map[string]string{"attachment_id": attachmentID})
}
