// Package globalkv defines the Global Location Store (GLS): a raided pair
// of shared key-value back-ends presenting a single API, per spec §4.2.
package globalkv

import (
	"context"

	"github.com/i5heu/locationd/pkg/counters"
	"github.com/i5heu/locationd/pkg/model"
)

// Backend is the low-level capability a single shared KV instance must
// provide. Two independent Backends compose into a Raided GlobalKV.
type Backend interface {
	// Get returns the raw value stored under key, or ok=false if absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// SetIfNotExists atomically sets key to value only if key is currently
	// absent. Returns ok=false without error if the key already exists.
	SetIfNotExists(ctx context.Context, key string, value []byte) (ok bool, err error)
	// CompareAndSet atomically replaces key's value with newValue only if
	// its current value equals expected. A nil expected means "key must be
	// absent". Returns ok=false without error on mismatch.
	CompareAndSet(ctx context.Context, key string, expected, newValue []byte) (ok bool, err error)
	// Set unconditionally writes key.
	Set(ctx context.Context, key string, value []byte) error
	// Scan returns every key with the given prefix and its value.
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteMatching removes every key for which pred returns true, having
	// scanned prefix.
	DeleteMatching(ctx context.Context, prefix string, pred func(key string) bool) (deleted int, err error)
	// Name identifies this backend instance for logging and counters
	// (e.g. "primary", "secondary").
	Name() string
}

// GlobalKV is the higher-level API location-plane components use, built on
// top of one or two raided Backends.
type GlobalKV interface {
	// RegisterMachine is idempotent: it returns the existing MachineID if
	// location is already bound, otherwise atomically allocates
	// maxMachineId+1 and records the binding.
	RegisterMachine(ctx context.Context, location model.MachineLocation) (model.MachineID, error)

	// RegisterLocation sets machineID's bit for every item and merges
	// sizes for previously-unknown entries.
	RegisterLocation(ctx context.Context, machineID model.MachineID, items []model.LocationItem) error

	// GetBulk performs a batched fetch of entries for the given hashes.
	// Absent hashes are simply omitted from the result map.
	GetBulk(ctx context.Context, hashes []model.ShortHash) (map[model.ShortHash]model.ContentLocationEntry, error)

	// TrimBulk clears machineID's bit for every hash, wherever a
	// registration was requested against this instance.
	TrimBulk(ctx context.Context, machineID model.MachineID, hashes []model.ShortHash) error

	// UpdateClusterState performs a read-modify-write of the shared
	// cluster state record.
	UpdateClusterState(ctx context.Context, mutate func(model.ClusterState) model.ClusterState) (model.ClusterState, error)

	// Counters exposes the operational counters spec §4.2/§4.3 require for
	// testability (CancelRedisInstance, RegisterLocalLocation, ...).
	Counters() *counters.Set
}
