// Package clusterstate implements the heartbeat-driven Cluster State
// manager of spec §4.6: liveness publication, inactivity recomputation,
// and the GlobalKV<->LocationDB mirror used on recovery.
package clusterstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/locationd/pkg/clustermodel"
	"github.com/i5heu/locationd/pkg/globalkv"
	"github.com/i5heu/locationd/pkg/locationstore"
	"github.com/i5heu/locationd/pkg/model"
)

// Config tunes recomputation cadence.
type Config struct {
	Epoch                           string
	MachineExpiry                   time.Duration
	RecomputeInactiveMachinesExpiry time.Duration
}

// DefaultManager implements pkg/clustermodel.Manager over a GlobalKV and a
// local LocationDB mirror.
type DefaultManager struct {
	cfg        Config
	machineID  model.MachineID
	kv         globalkv.GlobalKV
	locationDB locationstore.LocationDB
	log        *logrus.Logger

	mu            sync.RWMutex
	current       model.ClusterState
	lastRecompute time.Time
}

var _ clustermodel.Manager = (*DefaultManager)(nil)

// New builds a DefaultManager. machineID may be model.MachineID(0) before
// RegisterMachine has been called.
func New(cfg Config, kv globalkv.GlobalKV, locationDB locationstore.LocationDB, log *logrus.Logger) *DefaultManager {
	if log == nil {
		log = logrus.New()
	}
	return &DefaultManager{
		cfg:        cfg,
		kv:         kv,
		locationDB: locationDB,
		log:        log,
		current:    model.NewClusterState(cfg.Epoch),
	}
}

// RegisterMachine registers location with the GlobalKV and remembers the
// returned MachineID for subsequent heartbeats.
func (m *DefaultManager) RegisterMachine(ctx context.Context, location model.MachineLocation) (model.MachineID, error) {
	id, err := m.kv.RegisterMachine(ctx, location)
	if err != nil {
		return 0, fmt.Errorf("clusterstate: registerMachine: %w", err)
	}
	m.mu.Lock()
	m.machineID = id
	m.mu.Unlock()
	return id, nil
}

// Current returns the most recently refreshed ClusterState.
func (m *DefaultManager) Current() model.ClusterState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// Heartbeat records this machine's liveness in the GlobalKV's shared
// cluster state and refreshes the local cache, recomputing the inactive
// set if RecomputeInactiveMachinesExpiry has elapsed.
func (m *DefaultManager) Heartbeat(ctx context.Context) (model.ClusterState, error) {
	m.mu.RLock()
	id := m.machineID
	m.mu.RUnlock()
	if !id.IsValid() {
		return model.ClusterState{}, fmt.Errorf("clusterstate: heartbeat before registerMachine")
	}

	now := time.Now().UTC()
	shouldRecompute := m.dueForRecompute(now)

	state, err := m.kv.UpdateClusterState(ctx, func(s model.ClusterState) model.ClusterState {
		if s.Heartbeats == nil {
			s = model.NewClusterState(m.cfg.Epoch)
		}
		s.Heartbeats[id] = now
		delete(s.Inactive, id)
		if shouldRecompute {
			s.RecomputeInactive(now, m.cfg.MachineExpiry)
		}
		return s
	})
	if err != nil {
		return model.ClusterState{}, fmt.Errorf("clusterstate: updateClusterState: %w", err)
	}

	m.mu.Lock()
	m.current = state
	if shouldRecompute {
		m.lastRecompute = now
	}
	m.mu.Unlock()

	return state, nil
}

func (m *DefaultManager) dueForRecompute(now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastRecompute.IsZero() {
		return true
	}
	return now.Sub(m.lastRecompute) >= m.cfg.RecomputeInactiveMachinesExpiry
}

// MirrorToLocationDB persists the current cluster state into the local
// LocationDB's reserved key, for recovery when the GlobalKV is unreachable.
func (m *DefaultManager) MirrorToLocationDB(ctx context.Context) error {
	state := m.Current()
	if _, err := m.locationDB.UpdateClusterState(ctx, &state); err != nil {
		return fmt.Errorf("clusterstate: mirrorToLocationDB: %w", err)
	}
	return nil
}

// MirrorFromLocationDB reads the cluster state back from the local
// LocationDB, used on startup when the GlobalKV cannot be reached.
func (m *DefaultManager) MirrorFromLocationDB(ctx context.Context) (model.ClusterState, error) {
	state, err := m.locationDB.UpdateClusterState(ctx, nil)
	if err != nil {
		return model.ClusterState{}, fmt.Errorf("clusterstate: mirrorFromLocationDB: %w", err)
	}
	m.mu.Lock()
	m.current = state
	m.mu.Unlock()
	return state, nil
}
