package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/pmvault/pkg/crypto"
)

func TestAttachments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.provision("Alice", "correct-horse")

	assert.ErrorIs(t, h.m.SealAttachment(p.ID, "passport", []byte("scan")), ErrLocked)

	require.NoError(t, h.m.Login(ctx, p.ID, []byte("correct-horse")))
	require.NoError(t, h.m.SealAttachment(p.ID, "passport", []byte("scan")))

	path, err := h.m.AttachmentPath(p.ID, "passport")
	require.NoError(t, err)
	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, crypto.HasMagic(blob))

	data, err := h.m.OpenAttachment(p.ID, "passport")
	require.NoError(t, err)
	assert.Equal(t, []byte("scan"), data)

	// A sealed blob is bound to its attachment id.
	other := filepath.Join(filepath.Dir(path), "visa"+attachmentExt)
	require.NoError(t, os.WriteFile(other, blob, 0600))
	_, err = h.m.OpenAttachment(p.ID, "visa")
	assert.Equal(t, CodeVaultCorrupted, Code(err))

	_, err = h.m.OpenAttachment(p.ID, "missing")
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, h.m.RemoveAttachment(p.ID, "passport"))
	require.NoError(t, h.m.RemoveAttachment(p.ID, "passport"))
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, h.m.Lock(ctx))
	_, err = h.m.OpenAttachment(p.ID, "visa")
	assert.ErrorIs(t, err, ErrLocked)
}

func TestAttachmentIDValidation(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"", ".", "..", "a/b", `a\b`, "c:d", "nul\x00"} {
		_, err := h.m.AttachmentPath("profile", id)
		assert.ErrorIs(t, err, ErrInvalidAttachmentID, "%q", id)
	}
	_, err := h.m.AttachmentPath("profile", "receipt-2024")
	assert.NoError(t, err)
}
