//go:build windows

package mcp

import (
	"errors"
	"fmt"
	"os"
)

// openPolicyFile rejects reparse points by checking Lstat first; Windows
// has no O_NOFOLLOW.
func openPolicyFile(path string) (*os.File, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("failed to stat policy file: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, ErrPolicySymlink
	}
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy file: %w", err)
	}
	return f, nil
}

// checkFileSecurity on Windows is a no-op; ACLs govern access there and
// the mode bits do not reflect them.
func checkFileSecurity(_ os.FileInfo) error {
	return nil
}
