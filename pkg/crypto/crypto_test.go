package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastParams keeps Argon2id cheap in tests.
var fastParams = KDFParams{Memory: 64, Iterations: 1, Parallelism: 1}

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

// TestDeriveKey tests the Argon2id key derivation function
func TestDeriveKey(t *testing.T) {
	password := []byte("test-password-123")
	salt, err := GenerateSalt()
	require.NoError(t, err)

	key := DeriveKeyWithParams(password, salt, fastParams)
	if len(key) != KeyLength {
		t.Errorf("DeriveKey() returned key of length %d, want %d", len(key), KeyLength)
	}

	// Test same password + salt produces same key (deterministic)
	if !bytes.Equal(key, DeriveKeyWithParams(password, salt, fastParams)) {
		t.Error("DeriveKey() with same inputs should produce identical keys")
	}

	// Test different password produces different key
	if bytes.Equal(key, DeriveKeyWithParams([]byte("different-password"), salt, fastParams)) {
		t.Error("DeriveKey() with different password should produce different key")
	}

	// Test different salt produces different key
	otherSalt, err := GenerateSalt()
	require.NoError(t, err)
	if bytes.Equal(key, DeriveKeyWithParams(password, otherSalt, fastParams)) {
		t.Error("DeriveKey() with different salt should produce different key")
	}
}

// TestDeriveKeyParameters verifies Argon2id parameters match OWASP recommendations
func TestDeriveKeyParameters(t *testing.T) {
	p := DefaultKDFParams()
	if p.Memory != 64*1024 {
		t.Errorf("Memory = %d, want %d (64MB)", p.Memory, 64*1024)
	}
	if p.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", p.Iterations)
	}
	if p.Parallelism != 4 {
		t.Errorf("Parallelism = %d, want 4", p.Parallelism)
	}
	require.NoError(t, p.Validate())
	require.Error(t, KDFParams{Memory: 64, Iterations: 0, Parallelism: 1}.Validate())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := randomKey(t)

	tests := []struct {
		name      string
		aad       []byte
		plaintext []byte
	}{
		{"empty plaintext", VaultDBAAD("p1"), []byte{}},
		{"short item", KeyCheckAAD("p1"), []byte("hello")},
		{"attachment", AttachmentAAD("p1", "a1"), bytes.Repeat([]byte{0xAB}, 4096)},
		{"master key", MasterKeyAAD("p1"), make([]byte, 70)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := Encrypt(key, tt.aad, tt.plaintext)
			require.NoError(t, err)
			assert.Len(t, blob, MinBlobLength+len(tt.plaintext))
			assert.True(t, HasMagic(blob))
			assert.Equal(t, FormatVersion, blob[MagicLength])

			got, err := Decrypt(key, tt.aad, blob)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.plaintext, got))
		})
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	key := randomKey(t)
	a, err := Encrypt(key, VaultDBAAD("p"), []byte("same"))
	require.NoError(t, err)
	b, err := Encrypt(key, VaultDBAAD("p"), []byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a[MagicLength+1:HeaderLength], b[MagicLength+1:HeaderLength])
	assert.NotEqual(t, a, b)
}

func TestDecryptWrongAAD(t *testing.T) {
	key := randomKey(t)
	blob, err := Encrypt(key, VaultDBAAD("alice"), []byte("image"))
	require.NoError(t, err)

	for _, aad := range [][]byte{
		VaultDBAAD("bob"),
		KeyCheckAAD("alice"),
		AttachmentAAD("alice", ""),
		nil,
	} {
		_, err := Decrypt(key, aad, blob)
		assert.ErrorIs(t, err, ErrDecryptionFailed, "aad %q", aad)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	blob, err := Encrypt(randomKey(t), VaultDBAAD("p"), []byte("image"))
	require.NoError(t, err)

	_, err = Decrypt(randomKey(t), VaultDBAAD("p"), blob)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptFormatErrors(t *testing.T) {
	key := randomKey(t)
	aad := VaultDBAAD("p")
	blob, err := Encrypt(key, aad, []byte("payload"))
	require.NoError(t, err)

	badMagic := append([]byte(nil), blob...)
	badMagic[0] = 'X'

	futureVersion := append([]byte(nil), blob...)
	futureVersion[MagicLength] = FormatVersion + 1

	zeroVersion := append([]byte(nil), blob...)
	zeroVersion[MagicLength] = 0

	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0x01

	tests := []struct {
		name    string
		blob    []byte
		wantErr error
	}{
		{"empty", nil, ErrMalformedBlob},
		{"magic only", Magic[:], ErrMalformedBlob},
		{"header without tag", blob[:HeaderLength], ErrMalformedBlob},
		{"bad magic", badMagic, ErrInvalidMagic},
		{"future version", futureVersion, ErrUnsupportedVersion},
		{"zero version", zeroVersion, ErrUnsupportedVersion},
		{"tampered tag", tampered, ErrDecryptionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pt, err := Decrypt(key, aad, tt.blob)
			assert.Nil(t, pt)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decrypt() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVersionFlipAlwaysUnsupported(t *testing.T) {
	key := randomKey(t)
	blob, err := Encrypt(key, VaultDBAAD("p"), []byte("x"))
	require.NoError(t, err)

	for v := 0; v < 256; v++ {
		if byte(v) == FormatVersion {
			continue
		}
		flipped := append([]byte(nil), blob...)
		flipped[MagicLength] = byte(v)
		_, err := Decrypt(key, VaultDBAAD("p"), flipped)
		if !errors.Is(err, ErrUnsupportedVersion) {
			t.Fatalf("version %d: got %v, want ErrUnsupportedVersion", v, err)
		}
	}
}

// TestEncryptInvalidKeyLength tests that Encrypt rejects invalid key lengths
func TestEncryptInvalidKeyLength(t *testing.T) {
	tests := []struct {
		name   string
		keyLen int
	}{
		{"too short (16 bytes)", 16},
		{"too short (24 bytes)", 24},
		{"too long (48 bytes)", 48},
		{"empty key", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := make([]byte, tt.keyLen)
			if _, err := Encrypt(key, nil, []byte("x")); err != ErrInvalidKeyLength {
				t.Errorf("Encrypt() error = %v, want %v", err, ErrInvalidKeyLength)
			}
		})
	}
}

func TestIsFormatError(t *testing.T) {
	assert.True(t, IsFormatError(ErrInvalidMagic))
	assert.True(t, IsFormatError(ErrMalformedBlob))
	assert.True(t, IsFormatError(ErrUnsupportedVersion))
	assert.False(t, IsFormatError(ErrDecryptionFailed))
	assert.False(t, IsFormatError(nil))
}

func TestEncryptFileDecryptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.db.enc")
	key := randomKey(t)

	require.NoError(t, EncryptFile(path, key, VaultDBAAD("p"), []byte("image-v1")))
	require.NoError(t, EncryptFile(path, key, VaultDBAAD("p"), []byte("image-v2")))

	got, err := DecryptFile(path, key, VaultDBAAD("p"))
	require.NoError(t, err)
	assert.Equal(t, []byte("image-v2"), got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FileMode), info.Mode().Perm())

	_, err = DecryptFile(filepath.Join(dir, "missing"), key, VaultDBAAD("p"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestHashAndVerifyPassword(t *testing.T) {
	encoded, err := HashPasswordWithParams([]byte("correct-horse"), fastParams)
	require.NoError(t, err)
	assert.Contains(t, encoded, "$argon2id$v=19$m=64,t=1,p=1$")

	assert.True(t, VerifyPassword([]byte("correct-horse"), encoded))
	assert.False(t, VerifyPassword([]byte("wrong-pass"), encoded))

	other, err := HashPasswordWithParams([]byte("correct-horse"), fastParams)
	require.NoError(t, err)
	assert.NotEqual(t, encoded, other, "salt must be random")
}

func TestVerifyPasswordMalformed(t *testing.T) {
	malformed := []string{
		"",
		"plain",
		"$argon2i$v=19$m=64,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=64,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=x,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=64,t=0,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=64,t=1,p=1$!!!$aGFzaA",
		"$argon2id$v=19$m=64,t=1,p=1$c2FsdA$",
		"$argon2id$v=19$m=64,t=1,p=1$c2FsdA",
		// Costs and lengths beyond what any hash written here uses.
		"$argon2id$v=19$m=2097152,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8,t=4000000000,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1024,t=1,p=32$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=64,t=1,p=1$" + strings.Repeat("A", 100) + "$aGFzaA",
		"$argon2id$v=19$m=64,t=1,p=1$c2FsdA$" + strings.Repeat("A", 100),
	}
	for _, encoded := range malformed {
		assert.NotPanics(t, func() {
			assert.False(t, VerifyPassword([]byte("pw"), encoded), "hash %q", encoded)
		})
	}
}

func TestReadWriteSalt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kdf.salt")

	_, err := ReadSalt(path)
	assert.ErrorIs(t, err, ErrSaltMissing)

	salt, err := GenerateSalt()
	require.NoError(t, err)
	require.NoError(t, WriteSalt(path, salt))

	got, err := ReadSalt(path)
	require.NoError(t, err)
	assert.Equal(t, salt, got)

	require.NoError(t, os.WriteFile(path, []byte("short"), 0600))
	_, err = ReadSalt(path)
	assert.ErrorIs(t, err, ErrSaltCorrupted)

	assert.ErrorIs(t, WriteSalt(path, []byte("short")), ErrSaltCorrupted)
}

func TestKeyCheck(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	right := DeriveKeyWithParams([]byte("correct-horse"), salt, fastParams)
	wrong := DeriveKeyWithParams([]byte("wrong-pass"), salt, fastParams)

	blob, err := SealKeyCheck(right, "alice")
	require.NoError(t, err)

	require.NoError(t, VerifyKeyCheck(right, "alice", blob))
	assert.ErrorIs(t, VerifyKeyCheck(wrong, "alice", blob), ErrKeyCheckFailed)
	assert.ErrorIs(t, VerifyKeyCheck(right, "bob", blob), ErrKeyCheckFailed)

	corrupted := append([]byte(nil), blob...)
	corrupted[0] = 'Z'
	err = VerifyKeyCheck(right, "alice", corrupted)
	assert.ErrorIs(t, err, ErrInvalidMagic)
	assert.NotErrorIs(t, err, ErrKeyCheckFailed)
}

func TestKeyCheckRejectsOtherPlaintext(t *testing.T) {
	key := randomKey(t)
	blob, err := Encrypt(key, KeyCheckAAD("alice"), []byte("not-the-marker"))
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyKeyCheck(key, "alice", blob), ErrKeyCheckFailed)
}

func TestSecureKey(t *testing.T) {
	raw := randomKey(t)
	want := append([]byte(nil), raw...)

	k, err := NewSecureKey(raw)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, KeyLength), raw, "source must be wiped")

	err = k.With(func(key []byte) error {
		assert.Equal(t, want, key)
		return nil
	})
	require.NoError(t, err)

	copied, err := k.Bytes()
	require.NoError(t, err)
	assert.Equal(t, want, copied)

	sentinel := errors.New("boom")
	assert.ErrorIs(t, k.With(func([]byte) error { return sentinel }), sentinel)

	k.Destroy()
	k.Destroy()
	assert.True(t, k.Destroyed())
	assert.ErrorIs(t, k.With(func([]byte) error { return nil }), ErrKeyDestroyed)

	var nilKey *SecureKey
	assert.True(t, nilKey.Destroyed())
	assert.ErrorIs(t, nilKey.With(func([]byte) error { return nil }), ErrKeyDestroyed)
}

func TestNewSecureKeyInvalidLength(t *testing.T) {
	short := []byte("short")
	_, err := NewSecureKey(short)
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
	assert.Equal(t, make([]byte, 5), short)
}

// TestSecureWipe tests the secure memory wiping function
func TestSecureWipe(t *testing.T) {
	data := []byte("sensitive-data")
	SecureWipe(data)
	for i, b := range data {
		if b != 0 {
			t.Errorf("SecureWipe() byte %d = %d, want 0", i, b)
		}
	}
	SecureWipe(nil)
}
