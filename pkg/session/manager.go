// Package session runs the vault lock/unlock state machine.
//
// A password-protected profile's working database is an in-memory SQLite
// database hydrated from its sealed image (vault.db.enc) at login and
// serialized back at lock. The live handle is attached to the pool registry
// so every CRUD caller is serialized onto it. A passwordless profile works
// directly on its on-disk vault.db through the pool.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forest6511/pmvault/pkg/atomicfile"
	"github.com/forest6511/pmvault/pkg/audit"
	"github.com/forest6511/pmvault/pkg/crypto"
	"github.com/forest6511/pmvault/pkg/masterkey"
	"github.com/forest6511/pmvault/pkg/pool"
	"github.com/forest6511/pmvault/pkg/profile"
)

// Files inside a profile directory.
const (
	SaltFileName     = "kdf.salt"
	KeyCheckFileName = "key_check.enc"
	ImageFileName    = "vault.db.enc"
	PlainDBFileName  = "vault.db"
	AttachmentsDir   = "attachments"
	AuditDir         = "audit"
	DirMode          = 0700
)

// vaultFiles are the persisted files of a profile directory.
var vaultFiles = []string{SaltFileName, KeyCheckFileName, ImageFileName, PlainDBFileName,
	masterkey.PasswordFileName, masterkey.LegacyFileName, masterkey.PortableFileName}

// DefaultDrainTimeout bounds how long lock and logout wait for checked-out
// connections.
const DefaultDrainTimeout = 2 * time.Second

// Phase is the lock state of a profile.
type Phase int

const (
	Locked Phase = iota
	Unlocking
	Unlocked
)

func (p Phase) String() string {
	switch p {
	case Locked:
		return "locked"
	case Unlocking:
		return "unlocking"
	case Unlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// Status describes one profile as seen by the session manager.
type Status struct {
	ProfileID string `json:"profile_id"`
	Phase     Phase  `json:"-"`
	State     string `json:"state"`
	Active    bool   `json:"active"`
}

// Config configures a Manager.
type Config struct {
	DataDir      string           // profiles live in <DataDir>/profiles/<id>
	KDF          crypto.KDFParams // zero value selects crypto.DefaultKDFParams
	DrainTimeout time.Duration
	AuditSource  string // audit.SourceCLI when empty
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger for non-fatal warnings.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithProtector sets the legacy key protector (DPAPI by default on Windows).
func WithProtector(p masterkey.Protector) Option {
	return func(m *Manager) { m.protector = p }
}

// Manager owns the session state of one process.
type Manager struct {
	cfg       Config
	profiles  profile.Store
	registry  *pool.Registry
	logger    *log.Logger
	protector masterkey.Protector

	// transitionMu serializes login, lock, logout and maintenance operations.
	transitionMu sync.Mutex
	state        State
	closed       atomic.Bool

	unlockingMu sync.Mutex
	unlocking   string

	// audit is the logger of the logged-in profile.
	audit atomic.Pointer[audit.Logger]
}

// NewManager creates a Manager. The registry stays owned by the caller.
func NewManager(cfg Config, profiles profile.Store, registry *pool.Registry, opts ...Option) *Manager {
	if cfg.KDF == (crypto.KDFParams{}) {
		cfg.KDF = crypto.DefaultKDFParams()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.AuditSource == "" {
		cfg.AuditSource = audit.SourceCLI
	}
	m := &Manager{
		cfg:       cfg,
		profiles:  profiles,
		registry:  registry,
		logger:    log.New(os.Stderr, "pmvault: ", 0),
		protector: masterkey.DefaultProtector(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ProfileDir returns the directory holding a profile's vault files.
func (m *Manager) ProfileDir(profileID string) string {
	return filepath.Join(m.cfg.DataDir, "profiles", profileID)
}

func (m *Manager) begin() error {
	if m.closed.Load() {
		return ErrStateUnavailable
	}
	m.transitionMu.Lock()
	if m.closed.Load() {
		m.transitionMu.Unlock()
		return ErrStateUnavailable
	}
	return nil
}

func (m *Manager) end() {
	m.transitionMu.Unlock()
}

// recoverVault puts back any vault file a crash inside atomicfile.WriteFile
// left under its backup name, and removes stale temp files.
func (m *Manager) recoverVault(profileID string) error {
	dir := m.ProfileDir(profileID)
	for _, name := range vaultFiles {
		restored, err := atomicfile.Recover(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("session: failed to recover %s: %w", name, err)
		}
		if restored {
			m.warnf("recovered %s of %s from an interrupted write", name, profileID)
		}
	}
	return nil
}

func (m *Manager) lookup(profileID string) (profile.Profile, error) {
	p, err := m.profiles.Get(profileID)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			return profile.Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, profileID)
		}
		return profile.Profile{}, err
	}
	return p, nil
}

func (m *Manager) warnf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf("warning: "+format, args...)
	}
}

func (m *Manager) auditLogger(profileID string) *audit.Logger {
	return audit.NewLogger(filepath.Join(m.ProfileDir(profileID), AuditDir), profileID, m.cfg.AuditSource)
}

func (m *Manager) record(l *audit.Logger, op string, err error, ctx map[string]string) {
	if l == nil {
		return
	}
	var lerr error
	if err != nil {
		lerr = l.LogError(op, Code(err), err.Error())
	} else {
		lerr = l.LogSuccess(op, ctx)
	}
	if lerr != nil {
		m.warnf("audit %s: %v", op, lerr)
	}
}

// Provision creates the vault files of a new profile: a random master key
// and an empty, schema-initialized database. Password profiles get a salt,
// a key-check blob, the password-wrapped key and the sealed image;
// passwordless profiles get the portable key and a plain vault.db.
func (m *Manager) Provision(ctx context.Context, profileID string, password []byte) (retErr error) {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	p, err := m.lookup(profileID)
	if err != nil {
		return err
	}
	switch {
	case p.HasPassword && len(password) == 0:
		return ErrPasswordRequired
	case !p.HasPassword && len(password) > 0:
		return ErrPasswordless
	}

	if err := m.recoverVault(profileID); err != nil {
		return err
	}
	dir := m.ProfileDir(profileID)
	for _, name := range vaultFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return fmt.Errorf("%w: %s", ErrVaultExists, name)
		}
	}
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("session: failed to create profile directory: %w", err)
	}

	var written []string
	defer func() {
		if retErr == nil {
			return
		}
		for _, path := range written {
			_ = os.Remove(path)
		}
	}()

	mk, err := masterkey.Generate()
	if err != nil {
		return err
	}
	defer mk.Destroy()

	if p.HasPassword {
		written, err = m.provisionPassword(ctx, dir, profileID, password, mk)
	} else {
		written, err = m.provisionPortable(ctx, dir, profileID, mk)
	}
	if err != nil {
		return err
	}

	l := m.auditLogger(profileID)
	if err := mk.With(l.SetHMACKey); err != nil {
		m.warnf("audit init for %s: %v", profileID, err)
	}
	m.record(l, audit.OpVaultProvision, nil, map[string]string{"has_password": fmt.Sprint(p.HasPassword)})
	l.ClearKey()
	return nil
}

func (m *Manager) provisionPassword(ctx context.Context, dir, profileID string, password []byte, mk *crypto.SecureKey) ([]string, error) {
	var written []string

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return written, err
	}
	saltPath := filepath.Join(dir, SaltFileName)
	if err := crypto.WriteSalt(saltPath, salt); err != nil {
		return written, err
	}
	written = append(written, saltPath)

	wrapping := crypto.DeriveKeyWithParams(password, salt, m.cfg.KDF)
	defer crypto.SecureWipe(wrapping)

	if err := masterkey.WriteWrappedPassword(dir, profileID, wrapping, mk); err != nil {
		return written, err
	}
	written = append(written, filepath.Join(dir, masterkey.PasswordFileName))

	check, err := crypto.SealKeyCheck(wrapping, profileID)
	if err != nil {
		return written, err
	}
	checkPath := filepath.Join(dir, KeyCheckFileName)
	if err := atomicfile.WriteFile(checkPath, check, crypto.FileMode); err != nil {
		return written, fmt.Errorf("session: failed to write key check: %w", err)
	}
	written = append(written, checkPath)

	image, err := emptyImage(ctx, profileID, m.registry.Options().BusyTimeout)
	if err != nil {
		return written, err
	}
	defer crypto.SecureWipe(image)
	imagePath := filepath.Join(dir, ImageFileName)
	if err := sealImage(imagePath, profileID, mk, image); err != nil {
		return written, err
	}
	written = append(written, imagePath)
	return written, nil
}

func (m *Manager) provisionPortable(ctx context.Context, dir, profileID string, mk *crypto.SecureKey) ([]string, error) {
	var written []string

	if err := masterkey.WriteUnwrapped(dir, profileID, mk); err != nil {
		return written, err
	}
	written = append(written, filepath.Join(dir, masterkey.PortableFileName))

	dbPath := filepath.Join(dir, PlainDBFileName)
	db, err := sql.Open("sqlite", pool.FileDSN(dbPath, m.registry.Options().BusyTimeout))
	if err != nil {
		return written, fmt.Errorf("%w: %w", pool.ErrDBOpenFailed, err)
	}
	defer db.Close()
	written = append(written, dbPath)

	conn, err := db.Conn(ctx)
	if err != nil {
		return written, fmt.Errorf("%w: %w", pool.ErrDBOpenFailed, err)
	}
	defer conn.Close()
	if err := Migrate(ctx, conn); err != nil {
		return written, err
	}
	if err := os.Chmod(dbPath, crypto.FileMode); err != nil {
		return written, fmt.Errorf("session: failed to set database permissions: %w", err)
	}
	return written, nil
}

func sealImage(path, profileID string, mk *crypto.SecureKey, image []byte) error {
	return mk.With(func(key []byte) error {
		if err := crypto.EncryptFile(path, key, crypto.VaultDBAAD(profileID), image); err != nil {
			return fmt.Errorf("session: failed to write vault image: %w", err)
		}
		return nil
	})
}

// Login unlocks profileID. If another profile is unlocked it is locked
// first. A failed attempt never installs a partial session: the slots stay
// clear and everything opened for the attempt is closed again.
func (m *Manager) Login(ctx context.Context, profileID string, password []byte) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	p, err := m.lookup(profileID)
	if err != nil {
		return err
	}

	snap := m.state.Snapshot()
	if snap.Unlocked(profileID) {
		return ErrAlreadyUnlocked
	}
	if snap.HasLogin {
		if err := m.lockLocked(ctx); err != nil {
			return fmt.Errorf("session: failed to lock %s before switching: %w", snap.LoggedIn, err)
		}
	}

	m.setUnlocking(profileID)
	defer m.setUnlocking("")

	l := m.auditLogger(profileID)
	var (
		live     *liveDB
		key      *crypto.SecureKey
		auditCtx map[string]string
	)
	if p.HasPassword {
		live, key, err = m.unlockPassword(ctx, profileID, password)
		auditCtx = map[string]string{"strategy": masterkey.StrategyPasswordWrapped.String()}
	} else {
		live, key, auditCtx, err = m.unlockPortable(ctx, profileID)
	}
	if err != nil {
		m.record(l, audit.OpVaultUnlockFailed, err, nil)
		return err
	}

	m.state.set(profileID, live, key)

	if err := key.With(l.SetHMACKey); err != nil {
		m.warnf("audit init for %s: %v", profileID, err)
	}
	if auditCtx["migrated"] == "true" {
		m.record(l, audit.OpMasterKeyMigrate, nil, nil)
	}
	m.record(l, audit.OpVaultUnlock, nil, auditCtx)
	m.audit.Store(l)
	return nil
}

// unlockPassword derives the wrapping key, checks it against the key-check
// blob, unwraps the master key and hydrates the in-memory database. Nothing
// is published to the session state here.
func (m *Manager) unlockPassword(ctx context.Context, profileID string, password []byte) (_ *liveDB, _ *crypto.SecureKey, retErr error) {
	if len(password) == 0 {
		return nil, nil, ErrPasswordRequired
	}
	if err := m.recoverVault(profileID); err != nil {
		return nil, nil, err
	}
	dir := m.ProfileDir(profileID)

	salt, err := crypto.ReadSalt(filepath.Join(dir, SaltFileName))
	if err != nil {
		if errors.Is(err, crypto.ErrSaltCorrupted) {
			return nil, nil, corrupted(err)
		}
		return nil, nil, err
	}

	wrapping := crypto.DeriveKeyWithParams(password, salt, m.cfg.KDF)
	defer crypto.SecureWipe(wrapping)

	check, err := os.ReadFile(filepath.Join(dir, KeyCheckFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, corrupted(fmt.Errorf("session: key check file missing"))
		}
		return nil, nil, err
	}
	if err := crypto.VerifyKeyCheck(wrapping, profileID, check); err != nil {
		if errors.Is(err, crypto.ErrKeyCheckFailed) {
			return nil, nil, ErrInvalidPassword
		}
		return nil, nil, corrupted(err)
	}

	strategy, err := masterkey.Probe(dir)
	if err != nil {
		return nil, nil, corrupted(err)
	}
	if strategy != masterkey.StrategyPasswordWrapped {
		return nil, nil, corrupted(fmt.Errorf("%w: found %s master key for password profile",
			masterkey.ErrWrongStrategy, strategy))
	}
	key, err := masterkey.Read(dir, profileID, strategy, masterkey.ReadOptions{WrappingKey: wrapping})
	if err != nil {
		if errors.Is(err, masterkey.ErrProfileMismatch) {
			return nil, nil, err
		}
		return nil, nil, corrupted(err)
	}
	defer func() {
		if retErr != nil {
			key.Destroy()
		}
	}()

	var image []byte
	err = key.With(func(k []byte) error {
		var err error
		image, err = crypto.DecryptFile(filepath.Join(dir, ImageFileName), k, crypto.VaultDBAAD(profileID))
		return err
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, corrupted(fmt.Errorf("session: vault image missing"))
		}
		return nil, nil, corrupted(err)
	}
	defer crypto.SecureWipe(image)

	db, uri, err := openMemory(ctx, profileID, m.registry.Options().BusyTimeout, image)
	if err != nil {
		return nil, nil, err
	}
	if err := m.registry.Attach(profileID, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return &liveDB{db: db, uri: uri, encrypted: true}, key, nil
}

// unlockPortable reads the unwrapped (or legacy) key and opens vault.db
// through the pool.
func (m *Manager) unlockPortable(ctx context.Context, profileID string) (_ *liveDB, _ *crypto.SecureKey, _ map[string]string, retErr error) {
	if err := m.recoverVault(profileID); err != nil {
		return nil, nil, nil, err
	}
	dir := m.ProfileDir(profileID)

	strategy, err := masterkey.Probe(dir)
	if err != nil {
		return nil, nil, nil, corrupted(err)
	}
	switch strategy {
	case masterkey.StrategyUnwrappedPortable, masterkey.StrategyLegacyProtected:
	case masterkey.StrategyNone:
		return nil, nil, nil, corrupted(masterkey.ErrNotFound)
	default:
		return nil, nil, nil, corrupted(fmt.Errorf("%w: found %s master key for passwordless profile",
			masterkey.ErrWrongStrategy, strategy))
	}

	key, res, err := masterkey.ReadPortableWithMigration(dir, profileID, m.protector, m.logger)
	if err != nil {
		if errors.Is(err, masterkey.ErrProfileMismatch) || errors.Is(err, masterkey.ErrLegacyUnsupported) {
			return nil, nil, nil, err
		}
		return nil, nil, nil, corrupted(err)
	}
	defer func() {
		if retErr != nil {
			key.Destroy()
		}
	}()

	dbPath := filepath.Join(dir, PlainDBFileName)
	if _, err := os.Stat(dbPath); err != nil {
		return nil, nil, nil, corrupted(fmt.Errorf("session: vault database missing: %w", err))
	}
	db, err := m.registry.Open(profileID, dbPath)
	if err != nil {
		return nil, nil, nil, err
	}
	conn, err := m.registry.Acquire(ctx, profileID)
	if err != nil {
		_ = m.registry.Evict(profileID)
		return nil, nil, nil, err
	}
	err = Migrate(ctx, conn)
	conn.Close()
	if err != nil {
		_ = m.registry.Evict(profileID)
		return nil, nil, nil, err
	}

	auditCtx := map[string]string{"strategy": res.Source.String()}
	if res.Migrated {
		auditCtx["migrated"] = "true"
	}
	return &liveDB{db: db, uri: dbPath}, key, auditCtx, nil
}

// Lock persists and closes the current session. The logged-in slot is
// cleared even when persisting fails; the persistence error is returned.
// Locking with no session is a no-op.
func (m *Manager) Lock(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()
	return m.lockLocked(ctx)
}

// lockLocked is Lock with transitionMu held.
func (m *Manager) lockLocked(ctx context.Context) error {
	profileID, live, key, ok := m.state.take()
	if !ok {
		return nil
	}
	defer key.Destroy()

	// New acquisitions fail from here on; callers already holding the
	// connection finish before serialize gets it.
	guard, gerr := m.registry.BeginMaintenance(profileID)
	if gerr != nil {
		m.warnf("lock %s: %v", profileID, gerr)
	} else {
		defer guard.Release()
	}

	var persistErr error
	if live != nil && live.encrypted {
		persistErr = m.persist(ctx, profileID, live, key)
	}

	if _, err := m.registry.EvictAndDrain(ctx, profileID, m.cfg.DrainTimeout); err != nil {
		m.warnf("lock %s: evict pool: %v", profileID, err)
	}
	if live != nil && live.encrypted {
		if err := live.db.Close(); err != nil {
			m.warnf("lock %s: close in-memory database: %v", profileID, err)
		}
	}

	if l := m.audit.Swap(nil); l != nil {
		m.record(l, audit.OpVaultLock, persistErr, nil)
		l.ClearKey()
	}
	return persistErr
}

func (m *Manager) persist(ctx context.Context, profileID string, live *liveDB, key *crypto.SecureKey) error {
	ctx, cancel := context.WithTimeout(ctx, m.registry.Options().AcquireTimeout)
	defer cancel()

	image, err := serialize(ctx, live.db)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(image)
	return sealImage(filepath.Join(m.ProfileDir(profileID), ImageFileName), profileID, key, image)
}

// Logout locks, forgets the active profile and drains every pool.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()
	return m.logoutLocked(ctx)
}

func (m *Manager) logoutLocked(ctx context.Context) error {
	if l := m.audit.Load(); l != nil {
		m.record(l, audit.OpVaultLogout, nil, nil)
	}
	lockErr := m.lockLocked(ctx)
	m.state.clearAll()
	drainErr := m.registry.DrainAll(ctx, m.cfg.DrainTimeout)
	if drainErr != nil {
		m.warnf("logout: drain pools: %v", drainErr)
	}
	return lockErr
}

// Close logs out and makes every later call fail with ErrStateUnavailable.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()
	err := m.logoutLocked(ctx)
	m.closed.Store(true)
	return err
}

// Select makes profileID the active profile without unlocking it.
func (m *Manager) Select(profileID string) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()
	if _, err := m.lookup(profileID); err != nil {
		return err
	}
	if !m.state.selectActive(profileID) {
		return fmt.Errorf("%w: another profile is unlocked", ErrAlreadyUnlocked)
	}
	return nil
}

func (m *Manager) setUnlocking(profileID string) {
	m.unlockingMu.Lock()
	m.unlocking = profileID
	m.unlockingMu.Unlock()
}

// Status reports the phase of profileID.
func (m *Manager) Status(profileID string) Status {
	m.unlockingMu.Lock()
	unlocking := m.unlocking
	m.unlockingMu.Unlock()

	snap := m.state.Snapshot()
	st := Status{ProfileID: profileID, Phase: Locked, Active: snap.HasActive && snap.Active == profileID}
	switch {
	case m.closed.Load():
	case snap.Unlocked(profileID):
		st.Phase = Unlocked
	case unlocking == profileID:
		st.Phase = Unlocking
	}
	st.State = st.Phase.String()
	return st
}

// Snapshot returns the current session slots.
func (m *Manager) Snapshot() Snapshot {
	return m.state.Snapshot()
}

func (m *Manager) loggedIn(profileID string) bool {
	snap := m.state.Snapshot()
	return snap.HasLogin && snap.LoggedIn == profileID
}

// AuditLog returns the audit logger of the unlocked profile, keyed for
// Verify and ListEvents. It fails with ErrLocked otherwise.
func (m *Manager) AuditLog(profileID string) (*audit.Logger, error) {
	if m.closed.Load() {
		return nil, ErrStateUnavailable
	}
	l := m.audit.Load()
	if l == nil || !m.IsUnlocked(profileID) || !l.HasKey() {
		return nil, ErrLocked
	}
	return l, nil
}

// IsUnlocked reports whether profileID is unlocked.
func (m *Manager) IsUnlocked(profileID string) bool {
	if m.closed.Load() {
		return false
	}
	return m.state.Snapshot().Unlocked(profileID)
}

// WithConnection runs fn with a pooled connection to profileID's working
// database. It fails with ErrLocked unless the profile is unlocked.
func (m *Manager) WithConnection(ctx context.Context, profileID string, fn func(*sql.Conn) error) error {
	if m.closed.Load() {
		return ErrStateUnavailable
	}
	if !m.IsUnlocked(profileID) {
		return ErrLocked
	}
	conn, err := m.registry.Acquire(ctx, profileID)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

// WithKey runs fn with profileID's master key. fn must not retain the slice.
func (m *Manager) WithKey(profileID string, fn func(key []byte) error) error {
	if m.closed.Load() {
		return ErrStateUnavailable
	}
	_, key, ok := m.state.session(profileID)
	if !ok {
		return ErrLocked
	}
	err := key.With(fn)
	if errors.Is(err, crypto.ErrKeyDestroyed) {
		return ErrLocked
	}
	return err
}
