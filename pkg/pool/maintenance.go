package pool

import (
	"fmt"
	"sync"
)

// Guard marks a profile as under maintenance until Release is called.
type Guard struct {
	registry  *Registry
	profileID string
	once      sync.Once
}

// ProfileID returns the profile the guard covers.
func (g *Guard) ProfileID() string {
	return g.profileID
}

// Release ends the maintenance window. Calling it more than once is a no-op.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.registry.maintMu.Lock()
		if g.registry.maintenance[g.profileID] == g {
			delete(g.registry.maintenance, g.profileID)
		}
		g.registry.maintMu.Unlock()
	})
}

// BeginMaintenance opens a maintenance window for profileID. While the
// returned guard is held, Acquire, Open and Attach for the profile fail
// with ErrUnderMaintenance.
func (r *Registry) BeginMaintenance(profileID string) (*Guard, error) {
	r.maintMu.Lock()
	defer r.maintMu.Unlock()
	if _, ok := r.maintenance[profileID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrMaintenanceActive, profileID)
	}
	g := &Guard{registry: r, profileID: profileID}
	r.maintenance[profileID] = g
	return g, nil
}

// WithMaintenance runs fn inside a maintenance window for profileID.
// The window is closed when fn returns or panics.
func (r *Registry) WithMaintenance(profileID string, fn func() error) error {
	g, err := r.BeginMaintenance(profileID)
	if err != nil {
		return err
	}
	defer g.Release()
	return fn()
}

// UnderMaintenance reports whether profileID is inside a maintenance window.
func (r *Registry) UnderMaintenance(profileID string) bool {
	return r.underMaintenance(profileID)
}

func (r *Registry) underMaintenance(profileID string) bool {
	r.maintMu.Lock()
	defer r.maintMu.Unlock()
	_, ok := r.maintenance[profileID]
	return ok
}
