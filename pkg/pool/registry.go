// Package pool hands out bounded, per-profile database connections and
// enforces maintenance windows during which no new connection is issued.
//
// A Registry is owned by the application: it is created at start-up, passed
// to whatever needs pooled access, and closed at shutdown.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	// SQLite driver (pure Go, registered as "sqlite")
	_ "modernc.org/sqlite"
)

// Defaults
const (
	DefaultMaxConns       = 8
	DefaultAcquireTimeout = 5 * time.Second
	DefaultBusyTimeout    = 5 * time.Second
	drainPollInterval     = 10 * time.Millisecond
)

// Errors
var (
	ErrPoolNotFound      = errors.New("pool: no pool for profile")
	ErrDBOpenFailed      = errors.New("pool: failed to open database connection")
	ErrUnderMaintenance  = errors.New("pool: profile is under maintenance")
	ErrMaintenanceActive = errors.New("pool: maintenance already active for profile")
	ErrPoolExists        = errors.New("pool: pool already registered for profile")
	ErrClosed            = errors.New("pool: registry is closed")
)

// Options configures a Registry. Zero values select the defaults.
type Options struct {
	MaxConns        int
	AcquireTimeout  time.Duration
	BusyTimeout     time.Duration
	ConnMaxIdleTime time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConns <= 0 {
		o.MaxConns = DefaultMaxConns
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = DefaultAcquireTimeout
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = DefaultBusyTimeout
	}
	return o
}

// Pool is one profile's connection pool.
type Pool struct {
	db       *sql.DB
	attached bool // db is owned by the caller, not closed on eviction
}

// Registry maps profile ids to pools and tracks maintenance windows.
// The pool map and the maintenance set have separate locks.
type Registry struct {
	opts Options

	mu     sync.Mutex
	pools  map[string]*Pool
	closed bool

	maintMu     sync.Mutex
	maintenance map[string]*Guard
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:        opts.withDefaults(),
		pools:       make(map[string]*Pool),
		maintenance: make(map[string]*Guard),
	}
}

// Options returns the effective options.
func (r *Registry) Options() Options {
	return r.opts
}

// Open returns the on-disk pool for profileID, creating it from path on
// first use. Creation is refused while the profile is under maintenance.
func (r *Registry) Open(profileID, path string) (*sql.DB, error) {
	if r.underMaintenance(profileID) {
		return nil, ErrUnderMaintenance
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if p, ok := r.pools[profileID]; ok {
		return p.db, nil
	}

	db, err := sql.Open("sqlite", FileDSN(path, r.opts.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDBOpenFailed, err)
	}
	db.SetMaxOpenConns(r.opts.MaxConns)
	db.SetMaxIdleConns(0)
	if r.opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(r.opts.ConnMaxIdleTime)
	}

	r.pools[profileID] = &Pool{db: db}
	return db, nil
}

// Attach registers an externally owned handle as the pool for profileID.
// The handle is capped at a single connection and is not closed by Evict.
func (r *Registry) Attach(profileID string, db *sql.DB) error {
	if r.underMaintenance(profileID) {
		return ErrUnderMaintenance
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.pools[profileID]; ok {
		return fmt.Errorf("%w: %s", ErrPoolExists, profileID)
	}
	db.SetMaxOpenConns(1)
	r.pools[profileID] = &Pool{db: db, attached: true}
	return nil
}

// Acquire checks out a connection from profileID's pool.
// The caller must Close the connection to return it.
func (r *Registry) Acquire(ctx context.Context, profileID string) (*sql.Conn, error) {
	if r.underMaintenance(profileID) {
		return nil, ErrUnderMaintenance
	}

	r.mu.Lock()
	p, ok := r.pools[profileID]
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, profileID)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.AcquireTimeout)
	defer cancel()
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDBOpenFailed, err)
	}
	// A window may have opened while Conn was waiting for a free connection.
	if r.underMaintenance(profileID) {
		conn.Close()
		return nil, ErrUnderMaintenance
	}
	return conn, nil
}

// Has reports whether a pool is registered for profileID.
func (r *Registry) Has(profileID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pools[profileID]
	return ok
}

// Stats returns pool statistics for profileID.
func (r *Registry) Stats(profileID string) (sql.DBStats, bool) {
	r.mu.Lock()
	p, ok := r.pools[profileID]
	r.mu.Unlock()
	if !ok {
		return sql.DBStats{}, false
	}
	return p.db.Stats(), true
}

// Evict removes profileID's pool immediately. An on-disk pool is closed;
// connections already checked out finish on their own.
func (r *Registry) Evict(profileID string) error {
	p := r.remove(profileID)
	if p == nil || p.attached {
		return nil
	}
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("pool: failed to close pool for %s: %w", profileID, err)
	}
	return nil
}

// EvictAndDrain removes profileID's pool, waiting up to timeout for every
// checked-out connection to be returned before closing it.
// It reports whether the pool drained before the deadline.
func (r *Registry) EvictAndDrain(ctx context.Context, profileID string, timeout time.Duration) (bool, error) {
	p := r.remove(profileID)
	if p == nil {
		return true, nil
	}
	drained := waitIdle(ctx, p.db, timeout)
	if p.attached {
		return drained, nil
	}
	if err := p.db.Close(); err != nil {
		return drained, fmt.Errorf("pool: failed to close pool for %s: %w", profileID, err)
	}
	return drained, nil
}

// DrainAll evicts and drains every pool.
func (r *Registry) DrainAll(ctx context.Context, timeout time.Duration) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pools))
	for id := range r.pools {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if _, err := r.EvictAndDrain(ctx, id, timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close drains every pool and rejects further use.
func (r *Registry) Close(ctx context.Context, timeout time.Duration) error {
	err := r.DrainAll(ctx, timeout)
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return err
}

func (r *Registry) remove(profileID string) *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[profileID]
	if !ok {
		return nil
	}
	delete(r.pools, profileID)
	return p
}

func waitIdle(ctx context.Context, db *sql.DB, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		if db.Stats().InUse == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
