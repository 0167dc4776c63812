package pool

import (
	"fmt"
	"net/url"
	"time"
)

// FileDSN returns a modernc.org/sqlite DSN for an on-disk database. Every
// connection opened from it enforces foreign keys, waits up to busyTimeout on
// a locked database and uses full synchronous mode.
func FileDSN(path string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "synchronous(FULL)")
	return path + "?" + q.Encode()
}

// MemoryDSN returns the URI of the in-memory database called name. Each
// connection opened from it gets its own private database.
func MemoryDSN(name string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Set("mode", "memory")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	return "file:" + url.PathEscape(name) + "?" + q.Encode()
}
