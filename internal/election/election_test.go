package election_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/locationd/internal/election"
	"github.com/i5heu/locationd/pkg/globalkv"
	"github.com/i5heu/locationd/pkg/model"
)

var _ globalkv.Backend = (*fakeBackend)(nil)

// fakeBackend is a single-node in-memory globalkv.Backend, sufficient to
// exercise the lease CAS protocol without a live Redis instance.
type fakeBackend struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{values: make(map[string][]byte)}
}

func (b *fakeBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[key]
	return v, ok, nil
}

func (b *fakeBackend) SetIfNotExists(ctx context.Context, key string, value []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.values[key]; ok {
		return false, nil
	}
	b.values[key] = value
	return true, nil
}

func (b *fakeBackend) CompareAndSet(ctx context.Context, key string, expected, newValue []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.values[key]
	if expected == nil {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(current, expected) {
		return false, nil
	}
	b.values[key] = newValue
	return true, nil
}

func (b *fakeBackend) Set(ctx context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
	return nil
}

func (b *fakeBackend) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range b.values {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}
	return out, nil
}

func (b *fakeBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, key)
	return nil
}

func (b *fakeBackend) DeleteMatching(ctx context.Context, prefix string, pred func(key string) bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	deleted := 0
	for k := range b.values {
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		if pred != nil && !pred(k) {
			continue
		}
		delete(b.values, k)
		deleted++
	}
	return deleted, nil
}

func (b *fakeBackend) Name() string { return "fake" }

// racingBackend fails the next CompareAndSet call once, as if a concurrent
// machine's renewal had already won the race, then behaves normally.
type racingBackend struct {
	*fakeBackend
	failNextCAS bool
}

func (b *racingBackend) CompareAndSet(ctx context.Context, key string, expected, newValue []byte) (bool, error) {
	if b.failNextCAS {
		b.failNextCAS = false
		return false, nil
	}
	return b.fakeBackend.CompareAndSet(ctx, key, expected, newValue)
}

func TestHeartbeatClaimsUnheldLease(t *testing.T) {
	backend := newFakeBackend()
	elector := election.New(election.Config{LeaseKey: "lock", LeaseExpiry: time.Minute, IsMasterEligible: true}, backend, 1, nil)

	role, err := elector.Heartbeat(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.RoleMaster, role)
	require.Equal(t, model.RoleMaster, elector.CurrentRole())
}

func TestHeartbeatSecondMachineBecomesWorker(t *testing.T) {
	backend := newFakeBackend()
	master := election.New(election.Config{LeaseKey: "lock", LeaseExpiry: time.Minute, IsMasterEligible: true}, backend, 1, nil)
	worker := election.New(election.Config{LeaseKey: "lock", LeaseExpiry: time.Minute, IsMasterEligible: true}, backend, 2, nil)

	_, err := master.Heartbeat(context.Background())
	require.NoError(t, err)

	role, err := worker.Heartbeat(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.RoleWorker, role)
}

func TestHeartbeatIneligibleMachineIsAlwaysWorker(t *testing.T) {
	backend := newFakeBackend()
	elector := election.New(election.Config{LeaseKey: "lock", LeaseExpiry: time.Minute, IsMasterEligible: false}, backend, 1, nil)

	role, err := elector.Heartbeat(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.RoleWorker, role)
}

func TestHeartbeatTakesOverExpiredLease(t *testing.T) {
	backend := newFakeBackend()
	stale := election.New(election.Config{LeaseKey: "lock", LeaseExpiry: -time.Second, IsMasterEligible: true}, backend, 1, nil)
	_, err := stale.Heartbeat(context.Background())
	require.NoError(t, err)

	fresh := election.New(election.Config{LeaseKey: "lock", LeaseExpiry: time.Minute, IsMasterEligible: true}, backend, 2, nil)
	role, err := fresh.Heartbeat(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.RoleMaster, role)
}

func TestHeartbeatRenewalLosingCASRaceBecomesWorker(t *testing.T) {
	backend := &racingBackend{fakeBackend: newFakeBackend()}
	elector := election.New(election.Config{
		LeaseKey:         "lock",
		LeaseExpiry:      time.Minute,
		RenewalThreshold: time.Minute, // always inside the renewal window
		IsMasterEligible: true,
	}, backend, 1, nil)

	role, err := elector.Heartbeat(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.RoleMaster, role)

	// Simulate a concurrent machine's renewal winning the CAS race between
	// this machine's Get and its own CompareAndSet attempt.
	backend.failNextCAS = true

	role, err = elector.Heartbeat(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.RoleWorker, role, "a lost renewal CAS must not be papered over as a successful renewal")
	require.Equal(t, model.RoleWorker, elector.CurrentRole())
}

func TestReleaseRoleIfNecessaryDeletesOwnedLease(t *testing.T) {
	backend := newFakeBackend()
	elector := election.New(election.Config{LeaseKey: "lock", LeaseExpiry: time.Minute, IsMasterEligible: true}, backend, 1, nil)
	_, err := elector.Heartbeat(context.Background())
	require.NoError(t, err)

	require.NoError(t, elector.ReleaseRoleIfNecessary(context.Background()))

	_, ok, err := backend.Get(context.Background(), "lock")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, model.RoleUnassigned, elector.CurrentRole())
}

func TestReleaseRoleIfNecessaryNoopWhenNotMaster(t *testing.T) {
	backend := newFakeBackend()
	master := election.New(election.Config{LeaseKey: "lock", LeaseExpiry: time.Minute, IsMasterEligible: true}, backend, 1, nil)
	worker := election.New(election.Config{LeaseKey: "lock", LeaseExpiry: time.Minute, IsMasterEligible: true}, backend, 2, nil)
	_, err := master.Heartbeat(context.Background())
	require.NoError(t, err)
	_, err = worker.Heartbeat(context.Background())
	require.NoError(t, err)

	require.NoError(t, worker.ReleaseRoleIfNecessary(context.Background()))

	_, ok, err := backend.Get(context.Background(), "lock")
	require.NoError(t, err)
	require.True(t, ok, "worker's release must not touch the master's lease")
}
