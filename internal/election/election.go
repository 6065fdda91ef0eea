// Package election implements the lease-CAS master election of spec §4.5
// over a single Global KV backend.
package election

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/locationd/pkg/counters"
	"github.com/i5heu/locationd/pkg/election"
	"github.com/i5heu/locationd/pkg/globalkv"
	"github.com/i5heu/locationd/pkg/model"
)

// Config tunes lease timing.
type Config struct {
	LeaseKey         string
	LeaseExpiry      time.Duration
	RenewalThreshold time.Duration
	IsMasterEligible bool
}

// DefaultElector implements pkg/election.Elector over a single Backend.
type DefaultElector struct {
	cfg       Config
	backend   globalkv.Backend
	machineID model.MachineID
	counters  *counters.Set
	log       *logrus.Logger

	mu   sync.Mutex
	role model.Role
}

var _ election.Elector = (*DefaultElector)(nil)

// New builds a DefaultElector for machineID over backend.
func New(cfg Config, backend globalkv.Backend, machineID model.MachineID, log *logrus.Logger) *DefaultElector {
	if log == nil {
		log = logrus.New()
	}
	if cfg.RenewalThreshold == 0 {
		cfg.RenewalThreshold = cfg.LeaseExpiry / 3
	}
	return &DefaultElector{cfg: cfg, backend: backend, machineID: machineID, counters: counters.NewSet(), log: log, role: model.RoleUnassigned}
}

func (e *DefaultElector) Counters() *counters.Set { return e.counters }

func (e *DefaultElector) CurrentRole() model.Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

func (e *DefaultElector) setRole(r model.Role) {
	e.mu.Lock()
	e.role = r
	e.mu.Unlock()
}

// Heartbeat runs one election tick.
func (e *DefaultElector) Heartbeat(ctx context.Context) (model.Role, error) {
	if !e.cfg.IsMasterEligible {
		e.setRole(model.RoleWorker)
		return model.RoleWorker, nil
	}

	now := time.Now().UTC()
	raw, ok, err := e.backend.Get(ctx, e.cfg.LeaseKey)
	if err != nil {
		return model.RoleUnassigned, fmt.Errorf("election: get lease: %w", err)
	}

	var current model.LeaseState
	if ok {
		if err := json.Unmarshal(raw, &current); err != nil {
			return model.RoleUnassigned, fmt.Errorf("election: decode lease: %w", err)
		}
	}

	if !ok || current.Expired(now) {
		claimed, err := e.tryClaim(ctx, raw, now)
		if err != nil {
			return model.RoleUnassigned, err
		}
		if claimed {
			e.setRole(model.RoleMaster)
			return model.RoleMaster, nil
		}
		e.setRole(model.RoleWorker)
		return model.RoleWorker, nil
	}

	if current.MachineID == e.machineID {
		if current.LeaseExpiryUTC.Sub(now) < e.cfg.RenewalThreshold {
			claimed, err := e.tryClaim(ctx, raw, now)
			if err != nil {
				return model.RoleUnassigned, err
			}
			if !claimed {
				// Another machine's renewal or claim won the CAS race between
				// our Get and CompareAndSet; do not assume we still hold the
				// lease just because we did a moment ago.
				e.setRole(model.RoleWorker)
				return model.RoleWorker, nil
			}
		}
		e.setRole(model.RoleMaster)
		return model.RoleMaster, nil
	}

	e.setRole(model.RoleWorker)
	return model.RoleWorker, nil
}

func (e *DefaultElector) tryClaim(ctx context.Context, expected []byte, now time.Time) (bool, error) {
	newLease := model.LeaseState{MachineID: e.machineID, LeaseExpiryUTC: now.Add(e.cfg.LeaseExpiry)}
	raw, err := json.Marshal(newLease)
	if err != nil {
		return false, fmt.Errorf("election: marshal lease: %w", err)
	}
	ok, err := e.backend.CompareAndSet(ctx, e.cfg.LeaseKey, expected, raw)
	if err != nil {
		return false, fmt.Errorf("election: cas lease: %w", err)
	}
	return ok, nil
}

// ReleaseRoleIfNecessary deletes the lease if this machine currently owns
// it, best-effort.
func (e *DefaultElector) ReleaseRoleIfNecessary(ctx context.Context) error {
	if e.CurrentRole() != model.RoleMaster {
		return nil
	}
	raw, ok, err := e.backend.Get(ctx, e.cfg.LeaseKey)
	if err != nil || !ok {
		return err
	}
	var current model.LeaseState
	if err := json.Unmarshal(raw, &current); err != nil {
		return nil
	}
	if current.MachineID != e.machineID {
		return nil
	}
	if err := e.backend.Delete(ctx, e.cfg.LeaseKey); err != nil {
		e.log.WithError(err).Warn("election: failed to release lease on shutdown")
	}
	e.setRole(model.RoleUnassigned)
	return nil
}
