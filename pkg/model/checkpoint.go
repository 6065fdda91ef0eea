package model

import "time"

// ManifestFile describes one file shipped as part of a checkpoint.
type ManifestFile struct {
	// Name is the logical file name within the LocationDB snapshot (e.g. an
	// SST file name).
	Name string
	// Shard identifies which storage shard the file belongs to; 0 if the
	// LocationDB is unsharded.
	Shard int
	// ContentHash addresses the file content, enabling incremental reuse:
	// a file whose hash already exists in the Central Store is referenced,
	// not re-uploaded.
	ContentHash ContentHash
	// Size is the file size in bytes.
	Size int64
}

// CheckpointManifest is the record published by the master and consumed by
// workers to restore a LocationDB snapshot.
type CheckpointManifest struct {
	// CheckpointID uniquely identifies this checkpoint. Producers derive it
	// from Epoch and SequenceNumber rather than generating a fresh UUID,
	// since (Epoch, SequenceNumber) is already the manifest's natural key.
	CheckpointID string
	// Epoch is the cluster epoch this checkpoint was produced under.
	Epoch string
	// SequenceNumber increases monotonically within an epoch.
	SequenceNumber uint64
	// Files lists every file that makes up the snapshot.
	Files []ManifestFile
	// CreatedAtUTC is when the manifest was written.
	CreatedAtUTC time.Time
	// Incremental is true if any Files entries were referenced from a prior
	// manifest rather than freshly uploaded.
	Incremental bool
}

// TotalSize sums the size of every file in the manifest.
func (m CheckpointManifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}
