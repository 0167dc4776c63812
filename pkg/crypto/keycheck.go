package crypto

import (
	"crypto/subtle"
	"errors"
)

// keyCheckPlaintext is the known value sealed in every key-check blob.
var keyCheckPlaintext = []byte("PMKC1")

// SealKeyCheck builds the key-check blob for a derived wrapping key.
func SealKeyCheck(key []byte, profileID string) ([]byte, error) {
	return Encrypt(key, KeyCheckAAD(profileID), keyCheckPlaintext)
}

// VerifyKeyCheck reports whether key opens the profile's key-check blob.
//
// A tag mismatch or unexpected plaintext yields ErrKeyCheckFailed. Format
// errors are returned unchanged so a damaged file is not mistaken for a
// wrong password.
func VerifyKeyCheck(key []byte, profileID string, blob []byte) error {
	plaintext, err := Decrypt(key, KeyCheckAAD(profileID), blob)
	if err != nil {
		if errors.Is(err, ErrDecryptionFailed) {
			return ErrKeyCheckFailed
		}
		return err
	}
	defer SecureWipe(plaintext)

	if subtle.ConstantTimeCompare(plaintext, keyCheckPlaintext) != 1 {
		return ErrKeyCheckFailed
	}
	return nil
}
