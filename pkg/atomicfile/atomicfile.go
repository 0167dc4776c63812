// Package atomicfile provides crash-safe write-replace for the files pmvault persists.
//
// WriteFile never exposes a partially written target: the final path is only
// ever changed by rename. A crash at any step leaves either the original
// contents (possibly under a backup name, see Recover) or the new contents.
package atomicfile

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	tempMarker   = ".tmp-"
	backupMarker = ".bak-"
)

// fsOps is the set of filesystem calls WriteFile performs between steps.
// Tests replace entries to simulate failures at each point.
type fsOps struct {
	rename func(oldpath, newpath string) error
	remove func(name string) error
	sync   func(f *os.File) error
}

var ops = fsOps{
	rename: os.Rename,
	remove: os.Remove,
	sync:   func(f *os.File) error { return f.Sync() },
}

// WriteFile durably replaces path with data.
//
// Steps: write a uniquely named temp file in the same directory, fsync it,
// rename the current file (if any) to a uniquely named backup, rename the
// temp file into place, then best-effort delete the backup.
// On failure the temp file is removed, and if the target is missing while a
// backup exists the backup is renamed back.
func WriteFile(path string, data []byte, perm os.FileMode) (retErr error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("atomicfile: failed to create directory: %w", err)
	}

	tempPath, err := uniqueName(dir, base, tempMarker)
	if err != nil {
		return err
	}
	backupPath := ""

	defer func() {
		if retErr == nil {
			return
		}
		_ = ops.remove(tempPath)
		if backupPath == "" {
			return
		}
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			if err := ops.rename(backupPath, path); err != nil {
				retErr = errors.Join(retErr, fmt.Errorf("atomicfile: failed to restore backup %s: %w", backupPath, err))
			}
		}
	}()

	if err := writeTemp(tempPath, data, perm); err != nil {
		return err
	}

	if _, err := os.Lstat(path); err == nil {
		backupPath, err = uniqueName(dir, base, backupMarker)
		if err != nil {
			return err
		}
		if err := ops.rename(path, backupPath); err != nil {
			backupPath = ""
			return fmt.Errorf("atomicfile: failed to move current file aside: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("atomicfile: failed to stat target: %w", err)
	}

	if err := ops.rename(tempPath, path); err != nil {
		return fmt.Errorf("atomicfile: failed to rename temp file: %w", err)
	}

	if backupPath != "" {
		_ = ops.remove(backupPath)
	}
	syncDir(dir)

	return nil
}

func writeTemp(tempPath string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("atomicfile: failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("atomicfile: failed to write temp file: %w", err)
	}
	if err := ops.sync(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("atomicfile: failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("atomicfile: failed to close temp file: %w", err)
	}
	// OpenFile honours the umask; force the requested mode.
	if err := os.Chmod(tempPath, perm); err != nil {
		return fmt.Errorf("atomicfile: failed to set permissions: %w", err)
	}
	return nil
}

// uniqueName returns "<dir>/.<base><marker><random>".
func uniqueName(dir, base, marker string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("atomicfile: failed to generate name: %w", err)
	}
	return filepath.Join(dir, "."+base+marker+hex.EncodeToString(b)), nil
}

// syncDir flushes the directory entry so the rename survives power loss.
// Not all platforms allow opening a directory for sync; errors are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Recover cleans up after a crash in WriteFile.
//
// Stale temp files for path are removed. If path is missing and one or more
// backups exist, the most recently modified backup is renamed into place and
// Recover reports true. Leftover backups next to an intact target are removed.
func Recover(path string) (bool, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("atomicfile: failed to read directory: %w", err)
	}

	var backups []string
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasPrefix(name, "."+base+tempMarker):
			_ = ops.remove(filepath.Join(dir, name))
		case strings.HasPrefix(name, "."+base+backupMarker):
			backups = append(backups, filepath.Join(dir, name))
		}
	}
	if len(backups) == 0 {
		return false, nil
	}

	if _, err := os.Lstat(path); err == nil {
		for _, b := range backups {
			_ = ops.remove(b)
		}
		return false, nil
	}

	sort.Slice(backups, func(i, j int) bool {
		return modTime(backups[i]) > modTime(backups[j])
	})
	if err := ops.rename(backups[0], path); err != nil {
		return false, fmt.Errorf("atomicfile: failed to restore backup: %w", err)
	}
	for _, b := range backups[1:] {
		_ = ops.remove(b)
	}
	return true, nil
}

func modTime(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixNano()
}
