package model

// EventKind enumerates the kinds of events published on the event bus by
// spec §4.3.
type EventKind uint8

const (
	EventAddContentLocation EventKind = iota + 1
	EventRemoveContentLocation
	EventTouchContentLocation
	EventUpdateMetadataEntry
	EventReconcile
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventAddContentLocation:
		return "AddContentLocation"
	case EventRemoveContentLocation:
		return "RemoveContentLocation"
	case EventTouchContentLocation:
		return "TouchContentLocation"
	case EventUpdateMetadataEntry:
		return "UpdateMetadataEntry"
	case EventReconcile:
		return "Reconcile"
	default:
		return "Unknown"
	}
}

// LocationItem is one (hash[, size]) pair carried in an event batch payload.
type LocationItem struct {
	Hash ShortHash
	// Size is only meaningful for EventAddContentLocation; UnknownSize
	// otherwise.
	Size int64
}

// EventBatch is the unit of publication on the event bus: one machine's
// events of one kind, produced in a single publish call. Batches larger
// than the hub's max message size are split by the publisher before
// transmission; each split retains the same MachineID, Kind and Epoch.
type EventBatch struct {
	// ID uniquely identifies this batch (a UUID), used for idempotent
	// redelivery handling by consumers.
	ID string
	// MachineID identifies the publisher.
	MachineID MachineID
	// Epoch scopes the batch to a cluster configuration generation.
	Epoch string
	// Kind is the event kind carried by this batch.
	Kind EventKind
	// Items is the batch payload.
	Items []LocationItem
	// ReconcileRemovals additionally carries the remove-set for
	// EventReconcile batches (Items carries the add-set).
	ReconcileRemovals []ShortHash
	// SequenceNumber is this publisher's monotonically increasing sequence
	// number, used to detect gaps and preserve per-publisher order.
	SequenceNumber uint64
}
