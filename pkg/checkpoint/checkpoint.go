// Package checkpoint defines the Checkpoint Store contracts: the Central
// Store collaborator and the producer/consumer roles of spec §4.4.
package checkpoint

import (
	"context"
	"errors"

	"github.com/i5heu/locationd/pkg/model"
)

// ErrNotFound is returned by CentralStore.TryGetFile when the blob does not
// exist. Forbidden/transient failures are reported via lserr-classified
// errors instead.
var ErrNotFound = errors.New("checkpoint: blob not found")

// CentralStore is the collaborator that durably stores checkpoint manifests
// and file blobs, addressed by content hash under
// `checkpoints/{checkpointsKey}/...` per spec §6.
type CentralStore interface {
	// PutManifest writes a manifest under
	// checkpoints/{checkpointsKey}/{sequenceNumber}.manifest.
	PutManifest(ctx context.Context, checkpointsKey string, manifest model.CheckpointManifest) error

	// LatestManifest returns the highest-sequence-number manifest stored
	// under checkpointsKey.
	LatestManifest(ctx context.Context, checkpointsKey string) (model.CheckpointManifest, error)

	// HasFile reports whether a file with the given content hash is
	// already present, enabling incremental checkpoint reuse.
	HasFile(ctx context.Context, checkpointsKey string, h model.ContentHash) (bool, error)

	// PutFile uploads a file's bytes under its content hash.
	PutFile(ctx context.Context, checkpointsKey string, h model.ContentHash, data []byte) error

	// GetFile downloads a file's bytes by content hash. Returns
	// ErrNotFound if absent.
	GetFile(ctx context.Context, checkpointsKey string, h model.ContentHash) ([]byte, error)
}

// SnapshotSource is what the Producer pulls from to build a checkpoint: a
// consistent, flushed view of the LocationDB's persisted files.
type SnapshotSource interface {
	// Snapshot forces a cache flush and returns the current set of
	// persisted database files as (name, content) pairs.
	Snapshot(ctx context.Context) (map[string][]byte, error)
}

// SnapshotSink is what the Consumer restores into: a LocationDB instance
// capable of atomically swapping in a new set of database files.
type SnapshotSink interface {
	// Restore atomically replaces the local database's files with the
	// given (name, content) pairs.
	Restore(ctx context.Context, files map[string][]byte) error
}
