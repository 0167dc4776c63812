package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/forest6511/pmvault/pkg/atomicfile"
)

// hashLength is the length of the stored Argon2id verifier.
const hashLength = 32

// Upper bounds on cost parameters and lengths read back from a stored hash.
const (
	maxHashMemory      = 1 << 20 // KiB
	maxHashIterations  = 16
	maxHashParallelism = 16
	maxHashFieldLength = 64
)

// HashPassword hashes password with Argon2id and a fresh random salt.
//
// The result uses the PHC string format:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<b64 salt>$<b64 hash>
func HashPassword(password []byte) (string, error) {
	return HashPasswordWithParams(password, DefaultKDFParams())
}

// HashPasswordWithParams is HashPassword with explicit cost parameters.
func HashPasswordWithParams(password []byte, p KDFParams) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	hash := argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Parallelism, hashLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Iterations, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword reports whether password matches an encoded hash.
// A malformed hash yields false, never an error or panic.
func VerifyPassword(password []byte, encoded string) bool {
	p, salt, want, ok := parsePHC(encoded)
	if !ok {
		return false
	}
	got := argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Parallelism, uint32(len(want)))
	defer SecureWipe(got)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func parsePHC(encoded string) (KDFParams, []byte, []byte, bool) {
	var p KDFParams
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, nil, nil, false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, false
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return p, nil, nil, false
	}
	if p.Validate() != nil || p.Memory > maxHashMemory ||
		p.Iterations > maxHashIterations || p.Parallelism > maxHashParallelism {
		return p, nil, nil, false
	}

	enc := base64.RawStdEncoding
	if enc.DecodedLen(len(parts[4])) > maxHashFieldLength || enc.DecodedLen(len(parts[5])) > maxHashFieldLength {
		return p, nil, nil, false
	}
	salt, err := enc.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return p, nil, nil, false
	}
	hash, err := enc.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return p, nil, nil, false
	}
	return p, salt, hash, true
}

// ReadSalt reads a KDF salt file.
// Returns ErrSaltMissing if the file does not exist and ErrSaltCorrupted
// if it does not hold exactly SaltLength bytes.
func ReadSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrSaltMissing
		}
		return nil, fmt.Errorf("crypto: failed to read salt file: %w", err)
	}
	if len(salt) != SaltLength {
		return nil, ErrSaltCorrupted
	}
	return salt, nil
}

// WriteSalt durably writes a KDF salt file.
func WriteSalt(path string, salt []byte) error {
	if len(salt) != SaltLength {
		return ErrSaltCorrupted
	}
	if err := atomicfile.WriteFile(path, salt, FileMode); err != nil {
		return fmt.Errorf("crypto: failed to write salt file: %w", err)
	}
	return nil
}
