package pool

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	r := NewRegistry(opts)
	t.Cleanup(func() { _ = r.Close(context.Background(), time.Second) })
	return r
}

func memoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", MemoryDSN("pool-test", time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOptionsDefaults(t *testing.T) {
	r := NewRegistry(Options{})
	opts := r.Options()
	assert.Equal(t, DefaultMaxConns, opts.MaxConns)
	assert.Equal(t, DefaultAcquireTimeout, opts.AcquireTimeout)
	assert.Equal(t, DefaultBusyTimeout, opts.BusyTimeout)
}

func TestFileDSN(t *testing.T) {
	dsn := FileDSN("/tmp/vault.db", 2500*time.Millisecond)
	assert.True(t, strings.HasPrefix(dsn, "/tmp/vault.db?"))
	assert.Contains(t, dsn, "foreign_keys%281%29")
	assert.Contains(t, dsn, "busy_timeout%282500%29")
	assert.Contains(t, dsn, "synchronous%28FULL%29")
}

func TestMemoryDSN(t *testing.T) {
	dsn := MemoryDSN("pmvault-a/b", time.Second)
	assert.True(t, strings.HasPrefix(dsn, "file:pmvault-a%2Fb?"))
	assert.Contains(t, dsn, "mode=memory")
	assert.Contains(t, dsn, "foreign_keys%281%29")
	assert.Contains(t, dsn, "busy_timeout%281000%29")
}

func TestOpenAndAcquire(t *testing.T) {
	r := newRegistry(t, Options{BusyTimeout: 1500 * time.Millisecond})
	path := filepath.Join(t.TempDir(), "vault.db")

	db, err := r.Open("alice", path)
	require.NoError(t, err)
	again, err := r.Open("alice", path)
	require.NoError(t, err)
	assert.Same(t, db, again, "pool is created once")

	ctx := context.Background()
	conn, err := r.Acquire(ctx, "alice")
	require.NoError(t, err)
	defer conn.Close()

	var fk, busy, synchronous int
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy))
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, fk)
	assert.Equal(t, 1500, busy)
	assert.Equal(t, 2, synchronous, "FULL")

	stats, ok := r.Stats("alice")
	require.True(t, ok)
	assert.Equal(t, 1, stats.InUse)
	assert.Equal(t, DefaultMaxConns, stats.MaxOpenConnections)
}

func TestAcquireUnknownProfile(t *testing.T) {
	r := newRegistry(t, Options{})
	_, err := r.Acquire(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrPoolNotFound)
}

func TestAcquireTimeout(t *testing.T) {
	r := newRegistry(t, Options{AcquireTimeout: 50 * time.Millisecond})
	require.NoError(t, r.Attach("alice", memoryDB(t)))

	ctx := context.Background()
	held, err := r.Acquire(ctx, "alice")
	require.NoError(t, err)

	start := time.Now()
	_, err = r.Acquire(ctx, "alice")
	assert.ErrorIs(t, err, ErrDBOpenFailed)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.NoError(t, held.Close())
	conn, err := r.Acquire(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestAttach(t *testing.T) {
	r := newRegistry(t, Options{})
	db := memoryDB(t)
	require.NoError(t, r.Attach("alice", db))
	assert.ErrorIs(t, r.Attach("alice", db), ErrPoolExists)
	assert.True(t, r.Has("alice"))

	require.NoError(t, r.Evict("alice"))
	assert.False(t, r.Has("alice"))
	assert.NoError(t, db.Ping(), "attached handles are owned by the caller")
}

func TestMaintenanceExclusivity(t *testing.T) {
	r := newRegistry(t, Options{})
	path := filepath.Join(t.TempDir(), "vault.db")
	_, err := r.Open("alice", path)
	require.NoError(t, err)
	_, err = r.Open("bob", filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)

	g, err := r.BeginMaintenance("alice")
	require.NoError(t, err)
	assert.True(t, r.UnderMaintenance("alice"))

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := r.Acquire(ctx, "alice")
			if conn != nil {
				conn.Close()
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrUnderMaintenance)
	}

	_, err = r.Open("alice", path)
	assert.ErrorIs(t, err, ErrUnderMaintenance)
	assert.ErrorIs(t, r.Attach("alice", memoryDB(t)), ErrUnderMaintenance)

	_, err = r.BeginMaintenance("alice")
	assert.ErrorIs(t, err, ErrMaintenanceActive)

	other, err := r.Acquire(ctx, "bob")
	require.NoError(t, err, "other profiles are unaffected")
	other.Close()

	g.Release()
	g.Release()
	assert.False(t, r.UnderMaintenance("alice"))

	conn, err := r.Acquire(ctx, "alice")
	require.NoError(t, err)
	conn.Close()
}

func TestAcquireWaitingAcrossMaintenance(t *testing.T) {
	r := newRegistry(t, Options{AcquireTimeout: 5 * time.Second})
	db := memoryDB(t)
	require.NoError(t, r.Attach("alice", db))

	ctx := context.Background()
	held, err := r.Acquire(ctx, "alice")
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		conn, err := r.Acquire(ctx, "alice")
		if conn != nil {
			conn.Close()
		}
		result <- err
	}()
	require.Eventually(t, func() bool { return db.Stats().WaitCount > 0 },
		2*time.Second, 5*time.Millisecond, "second acquire never blocked")

	g, err := r.BeginMaintenance("alice")
	require.NoError(t, err)
	require.NoError(t, held.Close())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrUnderMaintenance)
	case <-time.After(3 * time.Second):
		t.Fatal("blocked acquire did not return")
	}
	assert.Equal(t, 0, db.Stats().InUse, "the connection went back to the pool")

	g.Release()
	conn, err := r.Acquire(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestStaleGuardReleaseKeepsNewWindow(t *testing.T) {
	r := newRegistry(t, Options{})
	first, err := r.BeginMaintenance("alice")
	require.NoError(t, err)
	first.Release()

	second, err := r.BeginMaintenance("alice")
	require.NoError(t, err)
	first.Release()
	assert.True(t, r.UnderMaintenance("alice"))
	second.Release()
	assert.False(t, r.UnderMaintenance("alice"))
}

func TestWithMaintenanceReleasesOnPanic(t *testing.T) {
	r := newRegistry(t, Options{})

	func() {
		defer func() { _ = recover() }()
		_ = r.WithMaintenance("alice", func() error {
			assert.True(t, r.UnderMaintenance("alice"))
			panic("boom")
		})
	}()
	assert.False(t, r.UnderMaintenance("alice"))

	err := r.WithMaintenance("alice", func() error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, r.UnderMaintenance("alice"))
}

func TestEvictAndDrain(t *testing.T) {
	ctx := context.Background()

	t.Run("waits for checked out connection", func(t *testing.T) {
		r := newRegistry(t, Options{})
		_, err := r.Open("alice", filepath.Join(t.TempDir(), "vault.db"))
		require.NoError(t, err)
		conn, err := r.Acquire(ctx, "alice")
		require.NoError(t, err)

		go func() {
			time.Sleep(50 * time.Millisecond)
			conn.Close()
		}()
		drained, err := r.EvictAndDrain(ctx, "alice", 2*time.Second)
		require.NoError(t, err)
		assert.True(t, drained)
		assert.False(t, r.Has("alice"))
	})

	t.Run("deadline", func(t *testing.T) {
		r := newRegistry(t, Options{})
		require.NoError(t, r.Attach("alice", memoryDB(t)))
		conn, err := r.Acquire(ctx, "alice")
		require.NoError(t, err)
		defer conn.Close()

		drained, err := r.EvictAndDrain(ctx, "alice", 30*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, drained)
		assert.False(t, r.Has("alice"))
	})

	t.Run("unknown profile", func(t *testing.T) {
		r := newRegistry(t, Options{})
		drained, err := r.EvictAndDrain(ctx, "nobody", time.Second)
		require.NoError(t, err)
		assert.True(t, drained)
	})
}

func TestDrainAllAndClose(t *testing.T) {
	r := NewRegistry(Options{})
	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Open(id, filepath.Join(t.TempDir(), "vault.db"))
		require.NoError(t, err)
	}
	require.NoError(t, r.DrainAll(context.Background(), time.Second))
	for _, id := range []string{"a", "b", "c"} {
		assert.False(t, r.Has(id))
	}

	require.NoError(t, r.Close(context.Background(), time.Second))
	_, err := r.Open("a", filepath.Join(t.TempDir(), "vault.db"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = r.Acquire(context.Background(), "a")
	assert.ErrorIs(t, err, ErrClosed)
}
