package session

import (
	"database/sql"
	"sync"

	"github.com/forest6511/pmvault/pkg/crypto"
)

// liveDB is the working database of an unlocked profile.
type liveDB struct {
	db        *sql.DB
	uri       string
	encrypted bool // image is serialized and sealed on lock; false for on-disk profiles
}

type slot[T any] struct {
	mu  sync.Mutex
	v   T
	set bool
}

// State holds the four session slots. Each slot has its own mutex; the
// mutators below take all four in a fixed order so the slots always move
// together and a reader never sees a half-updated session.
//
// Unlocked(P) holds iff active == loggedIn == P and the key slot is set.
type State struct {
	active   slot[string]
	loggedIn slot[string]
	conn     slot[*liveDB]
	key      slot[*crypto.SecureKey]
}

// Snapshot is a consistent copy of State.
type Snapshot struct {
	Active    string
	HasActive bool
	LoggedIn  string
	HasLogin  bool
	HasConn   bool
	HasKey    bool
}

// Unlocked reports whether the snapshot is unlocked for profileID.
func (s Snapshot) Unlocked(profileID string) bool {
	return s.HasActive && s.HasLogin && s.HasKey && s.HasConn &&
		s.Active == profileID && s.LoggedIn == profileID
}

// Consistent reports whether the slots satisfy the session invariant:
// logged-in, connection and key are all set or all clear, and a logged-in
// profile is always the active one.
func (s Snapshot) Consistent() bool {
	if s.HasLogin != s.HasConn || s.HasLogin != s.HasKey {
		return false
	}
	if s.HasLogin && (!s.HasActive || s.Active != s.LoggedIn) {
		return false
	}
	return true
}

func (st *State) lockAll() {
	st.active.mu.Lock()
	st.loggedIn.mu.Lock()
	st.conn.mu.Lock()
	st.key.mu.Lock()
}

func (st *State) unlockAll() {
	st.key.mu.Unlock()
	st.conn.mu.Unlock()
	st.loggedIn.mu.Unlock()
	st.active.mu.Unlock()
}

// set installs a complete session for profileID.
func (st *State) set(profileID string, live *liveDB, key *crypto.SecureKey) {
	st.lockAll()
	defer st.unlockAll()
	st.active.v, st.active.set = profileID, true
	st.loggedIn.v, st.loggedIn.set = profileID, true
	st.conn.v, st.conn.set = live, true
	st.key.v, st.key.set = key, true
}

// take removes the session and hands its connection and key to the caller.
// The active profile is kept. ok is false when nothing was logged in.
func (st *State) take() (profileID string, live *liveDB, key *crypto.SecureKey, ok bool) {
	st.lockAll()
	defer st.unlockAll()
	profileID, live, key, ok = st.loggedIn.v, st.conn.v, st.key.v, st.loggedIn.set
	st.loggedIn.v, st.loggedIn.set = "", false
	st.conn.v, st.conn.set = nil, false
	st.key.v, st.key.set = nil, false
	return profileID, live, key, ok
}

// clear drops the session without handing anything back.
func (st *State) clear() {
	_, _, key, _ := st.take()
	key.Destroy()
}

// clearAll is clear plus forgetting the active profile.
func (st *State) clearAll() {
	st.clear()
	st.active.mu.Lock()
	st.active.v, st.active.set = "", false
	st.active.mu.Unlock()
}

// selectActive makes profileID active without logging it in. Refused while
// another profile is logged in.
func (st *State) selectActive(profileID string) bool {
	st.lockAll()
	defer st.unlockAll()
	if st.loggedIn.set && st.loggedIn.v != profileID {
		return false
	}
	st.active.v, st.active.set = profileID, true
	return true
}

// Snapshot returns a consistent read of every slot.
func (st *State) Snapshot() Snapshot {
	st.lockAll()
	defer st.unlockAll()
	return Snapshot{
		Active:    st.active.v,
		HasActive: st.active.set,
		LoggedIn:  st.loggedIn.v,
		HasLogin:  st.loggedIn.set,
		HasConn:   st.conn.set,
		HasKey:    st.key.set,
	}
}

// session returns the connection and key when unlocked for profileID.
func (st *State) session(profileID string) (*liveDB, *crypto.SecureKey, bool) {
	st.lockAll()
	defer st.unlockAll()
	if !st.key.set || !st.loggedIn.set || st.loggedIn.v != profileID || st.active.v != profileID {
		return nil, nil, false
	}
	return st.conn.v, st.key.v, true
}
