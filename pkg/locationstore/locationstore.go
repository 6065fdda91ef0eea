// Package locationstore defines the interface to the Local Location Store
// (LLS): a persistent key-value store keyed by ShortHash, fronted by a
// bounded in-memory write cache, as specified in spec §4.1.
package locationstore

import (
	"context"

	"github.com/i5heu/locationd/pkg/model"
)

// GCStats reports the outcome of a GC pass.
type GCStats struct {
	// Scanned is the number of entries examined.
	Scanned int
	// Cleaned is the number of examined entries that were kept.
	Cleaned int
	// Collected is the number of entries removed because every set machine
	// was inactive.
	Collected int
}

// LocationDB is the Local Location Store. Implementations must be safe for
// concurrent use; single-writer discipline for the write cache is an
// implementation detail, not part of this contract.
type LocationDB interface {
	// TryGet returns the entry for hash, or ok=false if absent.
	TryGet(ctx context.Context, hash model.ShortHash) (entry model.ContentLocationEntry, ok bool, err error)

	// LocationAdded records that machineID holds hash, sized size (or
	// model.UnknownSize). It sets the machine bit, updates
	// LastAccessTimeUTC, and resolves any size conflict via
	// model.MergeSize.
	LocationAdded(ctx context.Context, hash model.ShortHash, machineID model.MachineID, size int64) error

	// LocationRemoved clears machineID's bit for hash. If the bitset
	// becomes empty the entry becomes eligible for removal by a later GC
	// once it has stayed empty for the entry TTL; it is not removed
	// synchronously.
	LocationRemoved(ctx context.Context, hash model.ShortHash, machineID model.MachineID) error

	// Touch updates LastAccessTimeUTC only.
	Touch(ctx context.Context, hash model.ShortHash) error

	// GarbageCollect enumerates persisted entries and removes those whose
	// bitset is empty, or whose every set machine is inactive per the
	// supplied cluster state.
	GarbageCollect(ctx context.Context, cluster model.ClusterState) (GCStats, error)

	// ForceCacheFlush drains the in-memory write cache into the persistent
	// layer.
	ForceCacheFlush(ctx context.Context) error

	// UpdateClusterState reads the cluster-state record stored under the
	// reserved key. If write is non-nil it is written first (read-after-
	// write), matching spec §4.1's updateClusterState(clusterState, write).
	UpdateClusterState(ctx context.Context, write *model.ClusterState) (model.ClusterState, error)
}

// Peer is the minimal capability a machine exposes to other machines for
// peer-assisted checkpoint file transfer (spec §4.4's "Distributed central
// storage"). It is deliberately narrower than a full blob-store interface:
// the location plane only ever needs existence + fetch of a content-
// addressed file.
type Peer interface {
	// HasFile reports whether this peer holds file h locally.
	HasFile(ctx context.Context, h model.ContentHash) (bool, error)
	// FetchFile streams file h's bytes to the caller.
	FetchFile(ctx context.Context, h model.ContentHash) ([]byte, error)
}
