// Package eventhub defines the IEventHub collaborator contract: an ordered
// append-only pub/sub log over which EventStore batches are exchanged, per
// spec §4.3 and §6.
package eventhub

import (
	"context"

	"github.com/i5heu/locationd/pkg/model"
)

// Cursor identifies a position within one publisher's stream.
type Cursor struct {
	MachineID model.MachineID
	Offset    string
}

// IEventHub is the collaborator abstraction over the underlying pub/sub
// implementation (Redis Streams in this repo's shipped backend).
type IEventHub interface {
	// Publish appends batch to the publisher's stream for the given epoch.
	// Batches exceeding the hub's max message size must be pre-split by
	// the caller; Publish itself does not split.
	Publish(ctx context.Context, epoch string, batch model.EventBatch) error

	// Subscribe returns a channel of batches for the given epoch, starting
	// from cursor (the zero Cursor means "from the beginning"). The
	// channel is closed when ctx is cancelled. Events from a single
	// publisher arrive in publisher order; cross-publisher order is
	// undefined.
	Subscribe(ctx context.Context, epoch string, from Cursor) (<-chan model.EventBatch, <-chan error)

	// LastKnownCursor returns the most recently observed cursor for
	// machineID's stream in the given epoch, used by consumers resuming
	// after a restart.
	LastKnownCursor(ctx context.Context, epoch string, machineID model.MachineID) (Cursor, error)
}
