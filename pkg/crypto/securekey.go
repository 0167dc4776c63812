package crypto

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrKeyDestroyed is returned when a destroyed SecureKey is used.
var ErrKeyDestroyed = errors.New("crypto: key material has been destroyed")

// SecureKey holds key material in a memguard Enclave.
//
// The plaintext only exists inside With, in a locked buffer that is wiped
// and released when the callback returns, on every path.
type SecureKey struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
}

// NewSecureKey seals key into an Enclave and wipes the source slice.
func NewSecureKey(key []byte) (*SecureKey, error) {
	if len(key) != KeyLength {
		SecureWipe(key)
		return nil, ErrInvalidKeyLength
	}
	buf := memguard.NewBufferFromBytes(key)
	return &SecureKey{enclave: buf.Seal()}, nil
}

// With opens the key for the duration of fn.
// fn must not retain the slice.
func (k *SecureKey) With(fn func(key []byte) error) error {
	if k == nil {
		return ErrKeyDestroyed
	}
	k.mu.Lock()
	enclave := k.enclave
	k.mu.Unlock()
	if enclave == nil {
		return ErrKeyDestroyed
	}

	buf, err := enclave.Open()
	if err != nil {
		return ErrKeyDestroyed
	}
	defer buf.Destroy()

	return fn(buf.Bytes())
}

// Bytes returns a copy of the key. The caller owns the copy and must wipe it.
func (k *SecureKey) Bytes() ([]byte, error) {
	var out []byte
	err := k.With(func(key []byte) error {
		out = make([]byte, len(key))
		copy(out, key)
		return nil
	})
	return out, err
}

// Destroy drops the Enclave. Safe to call more than once.
func (k *SecureKey) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	k.enclave = nil
	k.mu.Unlock()
}

// Destroyed reports whether the key can no longer be opened.
func (k *SecureKey) Destroyed() bool {
	if k == nil {
		return true
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.enclave == nil
}

// Purge wipes every memguard allocation in the process. Call on shutdown.
func Purge() {
	memguard.Purge()
}
