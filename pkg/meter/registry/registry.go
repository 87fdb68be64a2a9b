// Package registry is the narrow seam meterd uses to ask "is this meter
// registered?" without owning registration itself. spec.md §1 treats
// user registration and dwelling/area configuration as an external
// collaborator; this package exposes only the opaque predicate the core
// needs (isRegistered) plus a static loader for bootstrapping a registry
// from a config file, consistent with the registration-as-collaborator
// boundary (not a CRUD registration API).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/meterstack/meterd/pkg/meter/store"
)

// Key is the Store hash backing MeterRegistry (spec.md §6: "all_users").
const Key = "all_users"

// Registry answers isRegistered(meterId) against the Store's
// MeterRegistry hash.
type Registry struct {
	store store.Store
}

// New returns a Registry backed by s.
func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// IsRegistered implements spec.md §4.1's isRegistered(meterId) predicate.
func (r *Registry) IsRegistered(ctx context.Context, meterID string) (bool, error) {
	return r.store.HExists(ctx, Key, meterID)
}

// Register marks meterID as registered. The core never calls this
// itself (registration is an external collaborator's job per spec.md
// §1); it exists so tests and the static loader below can seed the
// registry the same way the real registration service would.
func (r *Registry) Register(ctx context.Context, meterID string) error {
	return r.store.HSet(ctx, Key, meterID, "1")
}

// StaticConfig is the on-disk shape a static config loader reads: a flat
// list of meter IDs known to be registered, e.g. seeded once at
// deployment time from the registration service's own database dump.
type StaticConfig struct {
	MeterIDs []string `json:"meter_ids"`
}

// LoadStatic reads a StaticConfig from path and registers every listed
// meter ID, implementing spec.md §1's "static config loader" collaborator
// contract.
func LoadStatic(ctx context.Context, r *Registry, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("cannot read static registry config %q: %w", path, err)
	}

	var cfg StaticConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return 0, fmt.Errorf("cannot parse static registry config %q: %w", path, err)
	}

	for _, id := range cfg.MeterIDs {
		if err := r.Register(ctx, id); err != nil {
			return 0, fmt.Errorf("cannot register meter %q: %w", id, err)
		}
	}
	return len(cfg.MeterIDs), nil
}
