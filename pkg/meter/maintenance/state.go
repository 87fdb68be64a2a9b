// Package maintenance implements the Store-backed TTL flag (spec.md
// §4.5) and the daily maintenance state machine (spec.md §4.3),
// replacing the "global process-wide mutable flag" pattern §9 flags for
// re-architecture: every component reads and writes maintenance state
// through this single abstraction, never a package-level variable.
package maintenance

import (
	"context"
	"time"

	"github.com/meterstack/meterd/pkg/meter/store"
)

// FlagKey is the Store key backing MaintenanceFlag (spec.md §6).
const FlagKey = "maintenance_mode"

// State is the single process-wide maintenance flag, backed by a
// Store key with a TTL so a crashed driver cannot wedge the system in
// maintenance forever.
type State struct {
	store store.Store
}

// NewState returns a State backed by s.
func NewState(s store.Store) *State {
	return &State{store: s}
}

// Enter sets the maintenance flag with the given TTL. It fails (returns
// false) if maintenance is already active, per spec.md §4.3 step 1.
func (s *State) Enter(ctx context.Context, ttl time.Duration) (bool, error) {
	active, err := s.IsActive(ctx)
	if err != nil {
		return false, err
	}
	if active {
		return false, nil
	}
	if err := s.store.SetActive(ctx, FlagKey, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Exit clears the maintenance flag.
func (s *State) Exit(ctx context.Context) error {
	return s.store.ClearActive(ctx, FlagKey)
}

// IsActive reports whether the maintenance flag is currently set.
func (s *State) IsActive(ctx context.Context) (bool, error) {
	return s.store.IsActive(ctx, FlagKey)
}

// Allowlist is the set of HTTP paths that remain reachable while
// maintenance is active (spec.md §4.5): maintenance control, backup
// read, log read, and both ingress endpoints, so meters keep reporting
// and reads quarantine gracefully to "service unavailable" instead of
// touching stale data mid-rollup; plus the operational /healthz and
// /metrics endpoints.
var Allowlist = map[string]bool{
	"/stopserver":           true,
	"/get_backup":           true,
	"/get_logs":             true,
	"/meter/reading":        true,
	"/meter/bulk_readings":  true,
	"/healthz":              true,
	"/metrics":              true,
}

// IsAllowlisted reports whether path remains reachable during
// maintenance.
func IsAllowlisted(path string) bool {
	return Allowlist[path]
}
