// Package crypto provides cryptographic primitives for pmvault.
//
// This package implements the PMENC1 authenticated-encryption envelope
// (XChaCha20-Poly1305), Argon2id key derivation and password hashing, the
// key-check blob used to reject wrong passwords cheaply, and a memguard-backed
// container for key material.
//
// # Security Features
//
//   - XChaCha20-Poly1305 with a fresh random 24-byte nonce per blob
//   - Purpose-scoped associated data (see VaultDBAAD and friends)
//   - Argon2id key derivation (64MB memory, 3 iterations, 4 threads)
//   - Secure memory wiping for sensitive data
//
// # Example Usage
//
//	salt, _ := crypto.GenerateSalt()
//	key := crypto.DeriveKey([]byte("password"), salt)
//	defer crypto.SecureWipe(key)
//
//	blob, err := crypto.Encrypt(key, crypto.VaultDBAAD(profileID), image)
//	image, err = crypto.Decrypt(key, crypto.VaultDBAAD(profileID), blob)
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// SaltLength is the length of KDF salts in bytes (128 bits).
	SaltLength = 16
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrDecryptionFailed indicates decryption or authentication tag verification failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrMalformedBlob indicates the blob is too short to hold a header, nonce and tag.
	ErrMalformedBlob = errors.New("crypto: malformed encrypted blob")

	// ErrInvalidMagic indicates the blob does not start with the PMENC1 magic.
	ErrInvalidMagic = errors.New("crypto: invalid blob format, magic mismatch")

	// ErrUnsupportedVersion indicates the blob was written by a newer format version.
	ErrUnsupportedVersion = errors.New("crypto: unsupported blob version")

	// ErrSaltMissing indicates the KDF salt file does not exist.
	ErrSaltMissing = errors.New("crypto: kdf salt not found")

	// ErrSaltCorrupted indicates the KDF salt has the wrong length.
	ErrSaltCorrupted = errors.New("crypto: kdf salt is corrupted")

	// ErrKeyCheckFailed indicates a candidate key did not open the key-check blob.
	ErrKeyCheckFailed = errors.New("crypto: key check failed")
)

// KDFParams holds the Argon2id cost parameters.
type KDFParams struct {
	Memory      uint32 `yaml:"memory"`      // Memory in KiB
	Iterations  uint32 `yaml:"iterations"`  // Time cost
	Parallelism uint8  `yaml:"parallelism"` // Threads
}

// DefaultKDFParams returns the OWASP-recommended parameters.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Memory:      Argon2Memory,
		Iterations:  Argon2Time,
		Parallelism: Argon2Threads,
	}
}

// Validate reports whether the parameters can be handed to argon2.
func (p KDFParams) Validate() error {
	if p.Memory < 8*uint32(p.Parallelism) || p.Iterations == 0 || p.Parallelism == 0 {
		return fmt.Errorf("crypto: invalid kdf params m=%d t=%d p=%d", p.Memory, p.Iterations, p.Parallelism)
	}
	return nil
}

// DeriveKey derives a 256-bit wrapping key from a password using Argon2id.
//
// The function uses OWASP-recommended parameters:
//   - Memory: 64 MB
//   - Iterations: 3
//   - Parallelism: 4 threads
//
// The result is never persisted; it is recomputed from the password at login.
func DeriveKey(password, salt []byte) []byte {
	return DeriveKeyWithParams(password, salt, DefaultKDFParams())
}

// DeriveKeyWithParams derives a 256-bit key with explicit Argon2id parameters.
func DeriveKeyWithParams(password, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Parallelism, KeyLength)
}

// GenerateSalt returns SaltLength bytes from crypto/rand.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	// by the compiler since b is still "in use" after the loop.
	runtime.KeepAlive(b)
}
