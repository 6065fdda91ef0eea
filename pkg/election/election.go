// Package election defines the master-election contract of spec §4.5: a
// single CAS-guarded lease in the GlobalKV, at most one Master per
// (epoch, lease interval) cluster-wide.
package election

import (
	"context"

	"github.com/i5heu/locationd/pkg/model"
)

// Elector drives one machine's participation in master election.
type Elector interface {
	// Heartbeat runs one election tick: read the lease, attempt to claim
	// or renew it if eligible and appropriate, and return the resulting
	// role. Ineligible machines always return model.RoleWorker.
	Heartbeat(ctx context.Context) (model.Role, error)

	// CurrentRole returns the role determined by the most recent
	// Heartbeat, without performing I/O.
	CurrentRole() model.Role

	// ReleaseRoleIfNecessary makes a best-effort attempt to delete the
	// lease if this machine currently owns it. Called on shutdown.
	ReleaseRoleIfNecessary(ctx context.Context) error
}
