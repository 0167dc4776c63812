package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/forest6511/pmvault/pkg/atomicfile"
)

// Envelope layout: [magic 6][version 1][nonce 24][ciphertext || tag 16]
const (
	// MagicLength is the length of the PMENC1 magic.
	MagicLength = 6

	// FormatVersion is the only envelope version this package reads or writes.
	FormatVersion byte = 1

	// NonceLength is the XChaCha20-Poly1305 nonce length.
	NonceLength = chacha20poly1305.NonceSizeX

	// TagLength is the Poly1305 authentication tag length.
	TagLength = chacha20poly1305.Overhead

	// HeaderLength is the number of bytes before the ciphertext.
	HeaderLength = MagicLength + 1 + NonceLength

	// MinBlobLength is the size of an envelope holding an empty plaintext.
	MinBlobLength = HeaderLength + TagLength
)

// Magic identifies PMENC1 blobs.
var Magic = [MagicLength]byte{'P', 'M', 'E', 'N', 'C', '1'}

// FileMode is the permission used for every encrypted file.
const FileMode = 0600

// Encrypt seals plaintext under key, binding aad into the tag.
//
// The magic and version are authenticated together with aad, so editing
// the header is reported as a tag failure once the header itself parses.
func Encrypt(key, aad, plaintext []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	out := make([]byte, HeaderLength, HeaderLength+len(plaintext)+TagLength)
	copy(out, Magic[:])
	out[MagicLength] = FormatVersion

	nonce := out[MagicLength+1 : HeaderLength]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	return aead.Seal(out, nonce, plaintext, additionalData(FormatVersion, aad)), nil
}

// Decrypt opens a blob produced by Encrypt.
//
// Length, magic and version are checked before any cryptographic work.
// Returns ErrMalformedBlob, ErrInvalidMagic, ErrUnsupportedVersion,
// ErrInvalidKeyLength or ErrDecryptionFailed.
func Decrypt(key, aad, blob []byte) ([]byte, error) {
	version, err := ParseHeader(blob)
	if err != nil {
		return nil, err
	}
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	nonce := blob[MagicLength+1 : HeaderLength]
	plaintext, err := aead.Open(nil, nonce, blob[HeaderLength:], additionalData(version, aad))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// ParseHeader validates the envelope header and returns its version.
func ParseHeader(blob []byte) (byte, error) {
	if len(blob) < MagicLength+1 {
		return 0, ErrMalformedBlob
	}
	if !bytes.Equal(blob[:MagicLength], Magic[:]) {
		return 0, ErrInvalidMagic
	}
	version := blob[MagicLength]
	if version != FormatVersion {
		return 0, fmt.Errorf("%w: got %d, supported %d", ErrUnsupportedVersion, version, FormatVersion)
	}
	if len(blob) < MinBlobLength {
		return 0, ErrMalformedBlob
	}
	return version, nil
}

// HasMagic reports whether data starts with the envelope magic.
func HasMagic(data []byte) bool {
	return len(data) >= MagicLength && bytes.Equal(data[:MagicLength], Magic[:])
}

// IsFormatError reports whether err describes a structurally bad blob
// rather than a key or tag problem.
func IsFormatError(err error) bool {
	return errors.Is(err, ErrMalformedBlob) ||
		errors.Is(err, ErrInvalidMagic) ||
		errors.Is(err, ErrUnsupportedVersion)
}

func additionalData(version byte, aad []byte) []byte {
	ad := make([]byte, 0, MagicLength+1+len(aad))
	ad = append(ad, Magic[:]...)
	ad = append(ad, version)
	return append(ad, aad...)
}

// EncryptFile encrypts plaintext and durably replaces path with the blob.
func EncryptFile(path string, key, aad, plaintext []byte) error {
	blob, err := Encrypt(key, aad, plaintext)
	if err != nil {
		return err
	}
	if err := atomicfile.WriteFile(path, blob, FileMode); err != nil {
		return fmt.Errorf("crypto: failed to write %s: %w", path, err)
	}
	return nil
}

// DecryptFile reads path whole and decrypts it.
// A missing file is returned as an error satisfying errors.Is(err, os.ErrNotExist).
func DecryptFile(path string, key, aad []byte) ([]byte, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decrypt(key, aad, blob)
}
