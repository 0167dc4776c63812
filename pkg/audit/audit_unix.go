//go:build !windows

package audit

import (
	"fmt"
	"os"
	"syscall"
)

// checkDiskSpace refuses to write when the audit volume is nearly full.
// A failed statfs is reported as a warning and does not block the write.
func (l *Logger) checkDiskSpace() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(l.path, &stat); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to check disk space for audit: %v\n", err)
		return nil
	}

	available := stat.Bavail * uint64(stat.Bsize)
	if available < MinAuditDiskSpace {
		return fmt.Errorf("audit: insufficient disk space: %d bytes available, need %d",
			available, MinAuditDiskSpace)
	}
	return nil
}
