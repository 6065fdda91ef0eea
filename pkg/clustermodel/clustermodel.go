// Package clustermodel defines the Cluster State manager contract of
// spec §4.6: heartbeat publication, inactivity computation, and the
// GlobalKV<->LocationDB mirror.
package clustermodel

import (
	"context"

	"github.com/i5heu/locationd/pkg/model"
)

// Manager owns one machine's view of, and participation in, cluster state.
type Manager interface {
	// Heartbeat publishes this machine's liveness, refreshes the local
	// cached ClusterState from whichever origin (GlobalKV or LocationDB)
	// answers, and recomputes the inactive set if
	// RecomputeInactiveMachinesExpiry has elapsed.
	Heartbeat(ctx context.Context) (model.ClusterState, error)

	// RegisterMachine registers (or re-registers, idempotently) location
	// and returns its MachineID.
	RegisterMachine(ctx context.Context, location model.MachineLocation) (model.MachineID, error)

	// Current returns the most recently refreshed ClusterState without
	// performing I/O.
	Current() model.ClusterState

	// MirrorToLocationDB writes the current cluster state into the local
	// LocationDB's reserved key, and MirrorFromLocationDB reads it back
	// (used on recovery when the GlobalKV is unreachable).
	MirrorToLocationDB(ctx context.Context) error
	MirrorFromLocationDB(ctx context.Context) (model.ClusterState, error)
}
