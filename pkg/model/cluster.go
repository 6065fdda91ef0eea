package model

import "time"

// ClusterState is the machine-id <-> location registry shared cluster-wide.
// It is mirrored between the GlobalKV and each machine's LocationDB; either
// copy is authoritative on recovery per spec §4.6.
type ClusterState struct {
	// Epoch is the configuration-versioning string. State from a different
	// epoch is incompatible and must be discarded.
	Epoch string
	// MaxMachineID is the highest allocated MachineID in this epoch.
	MaxMachineID MachineID
	// Machines maps every registered MachineID to its location.
	Machines map[MachineID]MachineLocation
	// Inactive is the set of machine ids whose most recent heartbeat is
	// older than MachineExpiry.
	Inactive map[MachineID]bool
	// Heartbeats records the last heartbeat time observed for each machine.
	Heartbeats map[MachineID]time.Time
}

// NewClusterState returns an empty ClusterState for the given epoch.
func NewClusterState(epoch string) ClusterState {
	return ClusterState{
		Epoch:      epoch,
		Machines:   make(map[MachineID]MachineLocation),
		Inactive:   make(map[MachineID]bool),
		Heartbeats: make(map[MachineID]time.Time),
	}
}

// Clone returns a deep copy of the cluster state.
func (c ClusterState) Clone() ClusterState {
	out := NewClusterState(c.Epoch)
	out.MaxMachineID = c.MaxMachineID
	for k, v := range c.Machines {
		out.Machines[k] = v
	}
	for k, v := range c.Inactive {
		out.Inactive[k] = v
	}
	for k, v := range c.Heartbeats {
		out.Heartbeats[k] = v
	}
	return out
}

// IsInactive reports whether id is in the cluster's inactive set.
func (c ClusterState) IsInactive(id MachineID) bool {
	return c.Inactive[id]
}

// RecomputeInactive rebuilds the Inactive set from Heartbeats given the
// configured machine expiry and the current time. This is the pure
// computation behind spec §4.6's "inactive machine" definition; callers
// invoke it on a timer (RecomputeInactiveMachinesExpiry).
func (c *ClusterState) RecomputeInactive(now time.Time, machineExpiry time.Duration) {
	for id := range c.Machines {
		last, ok := c.Heartbeats[id]
		if !ok || now.Sub(last) > machineExpiry {
			c.Inactive[id] = true
		} else {
			delete(c.Inactive, id)
		}
	}
}

// LeaseState is the value held under the master-election lease key.
type LeaseState struct {
	MachineID      MachineID
	LeaseExpiryUTC time.Time
}

// Expired reports whether the lease is unclaimed or past its expiry.
func (l LeaseState) Expired(now time.Time) bool {
	return l.MachineID == 0 || !l.LeaseExpiryUTC.After(now)
}
