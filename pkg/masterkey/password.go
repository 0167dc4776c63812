package masterkey

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/forest6511/pmvault/pkg/crypto"
)

// WriteWrappedPassword encrypts mk under wrappingKey and durably writes
// master_key.enc. wrappingKey is the Argon2id key derived from the profile
// password and its salt; it is never persisted.
func WriteWrappedPassword(dir, profileID string, wrappingKey []byte, mk *crypto.SecureKey) error {
	return mk.With(func(key []byte) error {
		plaintext, err := Encode(profileID, key)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(plaintext)

		path := filepath.Join(dir, PasswordFileName)
		if err := crypto.EncryptFile(path, wrappingKey, crypto.MasterKeyAAD(profileID), plaintext); err != nil {
			return fmt.Errorf("masterkey: failed to write wrapped key: %w", err)
		}
		return nil
	})
}

// ReadWrappedPassword unwraps master_key.enc with wrappingKey.
//
// Format errors (magic, version, length) are returned as is. A tag failure is
// reported as ErrUnwrapFailed wrapping crypto.ErrDecryptionFailed; callers
// verify the key-check first, so by then a tag failure means corruption.
func ReadWrappedPassword(dir, profileID string, wrappingKey []byte) (*crypto.SecureKey, error) {
	blob, err := readFile(filepath.Join(dir, PasswordFileName))
	if err != nil {
		return nil, err
	}
	if !crypto.HasMagic(blob) {
		return nil, fmt.Errorf("%w: %s is not an encrypted blob", ErrWrongStrategy, PasswordFileName)
	}

	plaintext, err := crypto.Decrypt(wrappingKey, crypto.MasterKeyAAD(profileID), blob)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return nil, fmt.Errorf("%w: %w", ErrUnwrapFailed, err)
		}
		return nil, err
	}
	return Decode(profileID, plaintext)
}
