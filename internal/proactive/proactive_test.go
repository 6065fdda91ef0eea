package proactive_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/locationd/internal/proactive"
	"github.com/i5heu/locationd/pkg/blobstore"
	"github.com/i5heu/locationd/pkg/clustermodel"
	"github.com/i5heu/locationd/pkg/counters"
	"github.com/i5heu/locationd/pkg/eviction"
	"github.com/i5heu/locationd/pkg/globalkv"
	"github.com/i5heu/locationd/pkg/model"
	pkgproactive "github.com/i5heu/locationd/pkg/proactive"
)

var (
	_ pkgproactive.Transport = (*fakeTransport)(nil)
	_ eviction.Ranker        = (*fakeRanker)(nil)
	_ globalkv.GlobalKV      = (*fakeKV)(nil)
	_ blobstore.Store        = (*fakeBlobs)(nil)
	_ clustermodel.Manager   = (*fakeCluster)(nil)
)

type fakeTransport struct {
	mu           sync.Mutex
	pushes       []model.MachineID
	failAll      bool
	rejectAll    bool
	pressures    map[model.MachineID]float64
	pressureErrs map[model.MachineID]error
}

func (t *fakeTransport) PushTo(ctx context.Context, target model.MachineID, h model.ContentHash) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rejectAll {
		return pkgproactive.ErrRejectedOlderThanEvicted
	}
	if t.failAll {
		return errTransportDown
	}
	t.pushes = append(t.pushes, target)
	return nil
}
func (t *fakeTransport) PullFrom(ctx context.Context, source model.MachineID, h model.ContentHash) error {
	return t.PushTo(ctx, source, h)
}

func (t *fakeTransport) EvictionPressure(ctx context.Context, target model.MachineID) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err, ok := t.pressureErrs[target]; ok {
		return 0, err
	}
	return t.pressures[target], nil
}

var errTransportDown = errors.New("fake transport unreachable")

type fakeRanker struct{}

func (fakeRanker) Rank(ctx context.Context) (<-chan eviction.Candidate, <-chan error) {
	out := make(chan eviction.Candidate)
	errCh := make(chan error, 1)
	close(out)
	close(errCh)
	return out, errCh
}
func (fakeRanker) MostReplicated(ctx context.Context, n int) ([]eviction.Candidate, error) {
	return nil, nil
}

type fakeKV struct {
	entries map[model.ShortHash]model.ContentLocationEntry
}

func (k *fakeKV) RegisterMachine(ctx context.Context, location model.MachineLocation) (model.MachineID, error) {
	return 0, nil
}
func (k *fakeKV) RegisterLocation(ctx context.Context, machineID model.MachineID, items []model.LocationItem) error {
	return nil
}
func (k *fakeKV) GetBulk(ctx context.Context, hashes []model.ShortHash) (map[model.ShortHash]model.ContentLocationEntry, error) {
	out := make(map[model.ShortHash]model.ContentLocationEntry)
	for _, h := range hashes {
		if e, ok := k.entries[h]; ok {
			out[h] = e
		}
	}
	return out, nil
}
func (k *fakeKV) TrimBulk(ctx context.Context, machineID model.MachineID, hashes []model.ShortHash) error {
	return nil
}
func (k *fakeKV) UpdateClusterState(ctx context.Context, mutate func(model.ClusterState) model.ClusterState) (model.ClusterState, error) {
	return model.ClusterState{}, nil
}
func (k *fakeKV) Counters() *counters.Set { return counters.NewSet() }

type fakeBlobs struct {
	hashes []model.ContentHash
}

func (f *fakeBlobs) PutStream(ctx context.Context, h model.ContentHash, r io.Reader) error { return nil }
func (f *fakeBlobs) PutFile(ctx context.Context, h model.ContentHash, path string) error   { return nil }
func (f *fakeBlobs) OpenStream(ctx context.Context, h model.ContentHash) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeBlobs) PlaceFile(ctx context.Context, h model.ContentHash, destPath string) error {
	return nil
}
func (f *fakeBlobs) Pin(ctx context.Context, h model.ContentHash) error    { return nil }
func (f *fakeBlobs) Delete(ctx context.Context, h model.ContentHash) error { return nil }
func (f *fakeBlobs) EnumerateLocalHashes(ctx context.Context) ([]model.ContentHash, error) {
	return f.hashes, nil
}
func (f *fakeBlobs) LastAccessTime(ctx context.Context, h model.ContentHash) (time.Time, error) {
	return time.Now().UTC(), nil
}
func (f *fakeBlobs) Size(ctx context.Context, h model.ContentHash) (int64, error) { return 1024, nil }

type fakeCluster struct {
	state model.ClusterState
}

func (c *fakeCluster) Heartbeat(ctx context.Context) (model.ClusterState, error) { return c.state, nil }
func (c *fakeCluster) RegisterMachine(ctx context.Context, location model.MachineLocation) (model.MachineID, error) {
	return 0, nil
}
func (c *fakeCluster) Current() model.ClusterState { return c.state }
func (c *fakeCluster) MirrorToLocationDB(ctx context.Context) error { return nil }
func (c *fakeCluster) MirrorFromLocationDB(ctx context.Context) (model.ClusterState, error) {
	return c.state, nil
}

func hashFor(b byte) model.ContentHash {
	var digest [32]byte
	digest[0] = b
	return model.NewContentHash(0x12, digest)
}

func clusterWith(ids ...model.MachineID) model.ClusterState {
	cs := model.NewClusterState("e1")
	for _, id := range ids {
		cs.Machines[id] = model.MachineLocation("host")
	}
	return cs
}

func TestTriggerDisabledEngineIsNoop(t *testing.T) {
	transport := &fakeTransport{}
	eng := proactive.New(proactive.Config{Enabled: false}, transport, fakeRanker{}, &fakeKV{}, &fakeBlobs{}, &fakeCluster{}, nil)

	require.NoError(t, eng.Trigger(context.Background(), hashFor(1), pkgproactive.TriggerOnPut))
	require.NoError(t, eng.Close(context.Background()))
	require.Empty(t, transport.pushes)
}

func TestTriggerOnPutRespectsOnPutFlag(t *testing.T) {
	transport := &fakeTransport{}
	kv := &fakeKV{entries: map[model.ShortHash]model.ContentLocationEntry{}}
	cluster := &fakeCluster{state: clusterWith(1, 2)}
	eng := proactive.New(proactive.Config{Enabled: true, OnPut: false, MachineID: 1, PushCopies: true, MaxConcurrentCopies: 4}, transport, fakeRanker{}, kv, &fakeBlobs{}, cluster, nil)

	require.NoError(t, eng.Trigger(context.Background(), hashFor(1), pkgproactive.TriggerOnPut))
	require.NoError(t, eng.Close(context.Background()))
	require.Empty(t, transport.pushes, "OnPut disabled must not enqueue a copy")
}

func TestTriggerOnPutEnqueuesPushToAnotherMachine(t *testing.T) {
	transport := &fakeTransport{}
	kv := &fakeKV{entries: map[model.ShortHash]model.ContentLocationEntry{}}
	cluster := &fakeCluster{state: clusterWith(1, 2, 3)}
	eng := proactive.New(proactive.Config{Enabled: true, OnPut: true, MachineID: 1, PushCopies: true, MaxConcurrentCopies: 4}, transport, fakeRanker{}, kv, &fakeBlobs{}, cluster, nil)

	require.NoError(t, eng.Trigger(context.Background(), hashFor(1), pkgproactive.TriggerOnPut))
	require.NoError(t, eng.Close(context.Background()))

	require.Len(t, transport.pushes, 1)
	require.NotEqual(t, model.MachineID(1), transport.pushes[0])
}

func TestTriggerExcludesMachinesAlreadyHoldingContent(t *testing.T) {
	transport := &fakeTransport{}
	h := hashFor(1)
	var already model.MachineBitset
	already.Set(1)
	already.Set(2)
	kv := &fakeKV{entries: map[model.ShortHash]model.ContentLocationEntry{
		h.Short(): {Machines: already},
	}}
	cluster := &fakeCluster{state: clusterWith(1, 2, 3)}
	eng := proactive.New(proactive.Config{Enabled: true, OnPut: true, MachineID: 1, PushCopies: true, MaxConcurrentCopies: 4}, transport, fakeRanker{}, kv, &fakeBlobs{}, cluster, nil)

	require.NoError(t, eng.Trigger(context.Background(), h, pkgproactive.TriggerOnPut))
	require.NoError(t, eng.Close(context.Background()))

	require.Len(t, transport.pushes, 1)
	require.Equal(t, model.MachineID(3), transport.pushes[0])
}

func TestRunBackgroundPassSkipsFullyReplicatedContent(t *testing.T) {
	transport := &fakeTransport{}
	h := hashFor(1)
	var holders model.MachineBitset
	holders.Set(1)
	holders.Set(2)
	kv := &fakeKV{entries: map[model.ShortHash]model.ContentLocationEntry{
		h.Short(): {Machines: holders},
	}}
	blobs := &fakeBlobs{hashes: []model.ContentHash{h}}
	cluster := &fakeCluster{state: clusterWith(1, 2)}
	eng := proactive.New(proactive.Config{Enabled: true, MachineID: 1, PushCopies: true, TargetReplicaCount: 2, MaxConcurrentCopies: 4}, transport, fakeRanker{}, kv, blobs, cluster, nil)

	require.NoError(t, eng.RunBackgroundPass(context.Background()))
	require.NoError(t, eng.Close(context.Background()))
	require.Empty(t, transport.pushes)
}

func TestTriggerUsesPreferredLocationsPicksLowestAdvertisedPressure(t *testing.T) {
	transport := &fakeTransport{pressures: map[model.MachineID]float64{
		2: 0.9, // high pressure: likely to evict soon
		3: 0.1, // low pressure: safest to prefer
	}}
	kv := &fakeKV{entries: map[model.ShortHash]model.ContentLocationEntry{}}
	cluster := &fakeCluster{state: clusterWith(1, 2, 3)}
	eng := proactive.New(proactive.Config{
		Enabled: true, OnPut: true, MachineID: 1, PushCopies: true,
		UsePreferredLocations: true, MaxConcurrentCopies: 4,
	}, transport, fakeRanker{}, kv, &fakeBlobs{}, cluster, nil)

	require.NoError(t, eng.Trigger(context.Background(), hashFor(1), pkgproactive.TriggerOnPut))
	require.NoError(t, eng.Close(context.Background()))

	require.Len(t, transport.pushes, 1)
	require.Equal(t, model.MachineID(3), transport.pushes[0], "the candidate advertising the lowest eviction pressure must be preferred")
}

func TestTriggerFallsBackToRandomWhenAllPressureQueriesFail(t *testing.T) {
	transport := &fakeTransport{pressureErrs: map[model.MachineID]error{
		2: errTransportDown,
		3: errTransportDown,
	}}
	kv := &fakeKV{entries: map[model.ShortHash]model.ContentLocationEntry{}}
	cluster := &fakeCluster{state: clusterWith(1, 2, 3)}
	eng := proactive.New(proactive.Config{
		Enabled: true, OnPut: true, MachineID: 1, PushCopies: true,
		UsePreferredLocations: true, MaxConcurrentCopies: 4,
	}, transport, fakeRanker{}, kv, &fakeBlobs{}, cluster, nil)

	require.NoError(t, eng.Trigger(context.Background(), hashFor(1), pkgproactive.TriggerOnPut))
	require.NoError(t, eng.Close(context.Background()))

	require.Len(t, transport.pushes, 1, "an unreachable advertised-pressure signal must still fall back to picking some candidate")
}

func TestEnqueueCountsReceiverRejectionSeparatelyFromTransportFailure(t *testing.T) {
	transport := &fakeTransport{rejectAll: true}
	kv := &fakeKV{entries: map[model.ShortHash]model.ContentLocationEntry{}}
	cluster := &fakeCluster{state: clusterWith(1, 2)}
	eng := proactive.New(proactive.Config{Enabled: true, OnPut: true, MachineID: 1, PushCopies: true, MaxConcurrentCopies: 4}, transport, fakeRanker{}, kv, &fakeBlobs{}, cluster, nil)

	require.NoError(t, eng.Trigger(context.Background(), hashFor(1), pkgproactive.TriggerOnPut))
	require.NoError(t, eng.Close(context.Background()))

	require.EqualValues(t, 1, eng.Counters().Get(counters.RejectedPushCopyOlderThanEvicted))
	require.Zero(t, eng.Counters().Get(counters.ProactiveCopyTransportFailed))
}

func TestEnqueueCountsGenericTransportFailureSeparatelyFromRejection(t *testing.T) {
	transport := &fakeTransport{failAll: true}
	kv := &fakeKV{entries: map[model.ShortHash]model.ContentLocationEntry{}}
	cluster := &fakeCluster{state: clusterWith(1, 2)}
	eng := proactive.New(proactive.Config{Enabled: true, OnPut: true, MachineID: 1, PushCopies: true, MaxConcurrentCopies: 4}, transport, fakeRanker{}, kv, &fakeBlobs{}, cluster, nil)

	require.NoError(t, eng.Trigger(context.Background(), hashFor(1), pkgproactive.TriggerOnPut))
	require.NoError(t, eng.Close(context.Background()))

	require.EqualValues(t, 1, eng.Counters().Get(counters.ProactiveCopyTransportFailed))
	require.Zero(t, eng.Counters().Get(counters.RejectedPushCopyOlderThanEvicted))
}

func TestRejectsAsOlderThanEvictedHonorsFlag(t *testing.T) {
	eng := proactive.New(proactive.Config{RejectOldContent: true, MaxConcurrentCopies: 1}, &fakeTransport{}, fakeRanker{}, &fakeKV{}, &fakeBlobs{}, &fakeCluster{}, nil)

	now := time.Now().UTC()
	eng.NoteEviction(now)

	require.True(t, eng.RejectsAsOlderThanEvicted(now.Add(-time.Minute)))
	require.False(t, eng.RejectsAsOlderThanEvicted(now.Add(time.Minute)))
}

func TestRejectsAsOlderThanEvictedDisabledAlwaysFalse(t *testing.T) {
	eng := proactive.New(proactive.Config{RejectOldContent: false, MaxConcurrentCopies: 1}, &fakeTransport{}, fakeRanker{}, &fakeKV{}, &fakeBlobs{}, &fakeCluster{}, nil)
	eng.NoteEviction(time.Now().UTC())

	require.False(t, eng.RejectsAsOlderThanEvicted(time.Now().UTC().Add(-time.Hour)))
}
