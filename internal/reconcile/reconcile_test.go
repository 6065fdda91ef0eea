package reconcile_test

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/locationd/internal/reconcile"
	"github.com/i5heu/locationd/pkg/blobstore"
	"github.com/i5heu/locationd/pkg/locationstore"
	"github.com/i5heu/locationd/pkg/model"
)

var (
	_ blobstore.Store          = (*fakeBlobs)(nil)
	_ locationstore.LocationDB = (*fakeLocationDB)(nil)
)

// fakeBlobs is a minimal in-memory blobstore.Store stand-in exercising only
// the surface reconcile.DefaultEngine calls.
type fakeBlobs struct {
	mu     sync.Mutex
	hashes []model.ContentHash
	sizes  map[model.ShortHash]int64
}

func newFakeBlobs(hashes ...model.ContentHash) *fakeBlobs {
	sizes := make(map[model.ShortHash]int64)
	for _, h := range hashes {
		sizes[h.Short()] = 1024
	}
	return &fakeBlobs{hashes: hashes, sizes: sizes}
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
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.ContentHash, len(f.hashes))
	copy(out, f.hashes)
	return out, nil
}
func (f *fakeBlobs) LastAccessTime(ctx context.Context, h model.ContentHash) (time.Time, error) {
	return time.Now().UTC(), nil
}
func (f *fakeBlobs) Size(ctx context.Context, h model.ContentHash) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sizes[h.Short()], nil
}

// fakeLocationDB tracks LocationAdded/LocationRemoved calls without any
// persistence, enough to assert reconcile's diff-and-apply behavior.
type fakeLocationDB struct {
	mu      sync.Mutex
	added   []model.ShortHash
	removed []model.ShortHash
}

func (f *fakeLocationDB) TryGet(ctx context.Context, hash model.ShortHash) (model.ContentLocationEntry, bool, error) {
	return model.ContentLocationEntry{}, false, nil
}
func (f *fakeLocationDB) LocationAdded(ctx context.Context, hash model.ShortHash, machineID model.MachineID, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, hash)
	return nil
}
func (f *fakeLocationDB) LocationRemoved(ctx context.Context, hash model.ShortHash, machineID model.MachineID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, hash)
	return nil
}
func (f *fakeLocationDB) Touch(ctx context.Context, hash model.ShortHash) error { return nil }
func (f *fakeLocationDB) GarbageCollect(ctx context.Context, cluster model.ClusterState) (locationstore.GCStats, error) {
	return locationstore.GCStats{}, nil
}
func (f *fakeLocationDB) ForceCacheFlush(ctx context.Context) error { return nil }
func (f *fakeLocationDB) UpdateClusterState(ctx context.Context, write *model.ClusterState) (model.ClusterState, error) {
	return model.ClusterState{}, nil
}

type fakePublisher struct {
	mu      sync.Mutex
	adds    []model.LocationItem
	removes []model.ShortHash
	calls   int
}

func (p *fakePublisher) PublishReconcile(ctx context.Context, adds []model.LocationItem, removals []model.ShortHash) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adds = append(p.adds, adds...)
	p.removes = append(p.removes, removals...)
	p.calls++
	return nil
}

func hashFor(b byte) model.ContentHash {
	var digest [32]byte
	digest[0] = b
	return model.NewContentHash(0x12, digest)
}

func TestRunCycleAddsUnindexedHashes(t *testing.T) {
	h1, h2 := hashFor(1), hashFor(2)
	blobs := newFakeBlobs(h1, h2)
	db := &fakeLocationDB{}
	pub := &fakePublisher{}

	eng := reconcile.New(reconcile.Config{MachineID: 1, MaxCycleSize: 100}, blobs, db, pub, nil)

	stats, err := eng.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Added)
	require.Equal(t, 0, stats.Removed)
	require.Len(t, db.added, 2)
	require.Equal(t, 1, pub.calls)
}

func TestRunCycleRemovesEntriesNoLongerOnDisk(t *testing.T) {
	h1, h2 := hashFor(1), hashFor(2)
	blobs := newFakeBlobs(h1)
	db := &fakeLocationDB{}
	pub := &fakePublisher{}

	eng := reconcile.New(reconcile.Config{MachineID: 1, MaxCycleSize: 100}, blobs, db, pub, nil)
	eng.SeedIndexed([]model.ShortHash{h1.Short(), h2.Short()})

	stats, err := eng.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Added)
	require.Equal(t, 1, stats.Removed)
	require.Equal(t, []model.ShortHash{h2.Short()}, db.removed)
}

func TestRunCycleRespectsMaxCycleSize(t *testing.T) {
	hashes := []model.ContentHash{hashFor(1), hashFor(2), hashFor(3), hashFor(4)}
	blobs := newFakeBlobs(hashes...)
	db := &fakeLocationDB{}
	pub := &fakePublisher{}

	eng := reconcile.New(reconcile.Config{MachineID: 1, MaxCycleSize: 2}, blobs, db, pub, nil)

	stats, err := eng.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Scanned)
	require.Equal(t, 2, stats.Added)

	upToDate, err := eng.IsReconcileUpToDate(context.Background())
	require.NoError(t, err)
	require.False(t, upToDate, "a partial cycle must not be marked reconciled")
}

func TestRunCycleUnsafeDisableIsNoop(t *testing.T) {
	blobs := newFakeBlobs(hashFor(1))
	db := &fakeLocationDB{}

	eng := reconcile.New(reconcile.Config{MachineID: 1, MaxCycleSize: 10, UnsafeDisable: true}, blobs, db, nil, nil)

	stats, err := eng.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Zero(t, stats)
	require.Empty(t, db.added)
}

func TestRunCycleSkipsWhenUpToDateAndAllowed(t *testing.T) {
	blobs := newFakeBlobs()
	db := &fakeLocationDB{}
	pub := &fakePublisher{}

	eng := reconcile.New(reconcile.Config{
		MachineID:     1,
		MaxCycleSize:  10,
		AllowSkip:     true,
		UpToDateAfter: time.Hour,
	}, blobs, db, pub, nil)

	_, err := eng.RunCycle(context.Background(), false)
	require.NoError(t, err)

	stats, err := eng.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.True(t, stats.UpToDateSkip)
}

func TestRunCycleForceBypassesUpToDateSkip(t *testing.T) {
	h1 := hashFor(1)
	blobs := newFakeBlobs()
	db := &fakeLocationDB{}
	pub := &fakePublisher{}

	eng := reconcile.New(reconcile.Config{
		MachineID:     1,
		MaxCycleSize:  10,
		AllowSkip:     true,
		UpToDateAfter: time.Hour,
	}, blobs, db, pub, nil)

	_, err := eng.RunCycle(context.Background(), false)
	require.NoError(t, err)

	stats, err := eng.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.True(t, stats.UpToDateSkip, "sanity check: without force the second cycle is skipped")

	blobs.mu.Lock()
	blobs.hashes = append(blobs.hashes, h1)
	blobs.sizes[h1.Short()] = 1024
	blobs.mu.Unlock()

	stats, err = eng.RunCycle(context.Background(), true)
	require.NoError(t, err)
	require.False(t, stats.UpToDateSkip, "force=true must run a full cycle even when believed up to date")
	require.Equal(t, 1, stats.Added)
}

func TestRunCycleDeterministicOrdering(t *testing.T) {
	hashes := []model.ContentHash{hashFor(9), hashFor(1), hashFor(5)}
	blobs := newFakeBlobs(hashes...)
	db := &fakeLocationDB{}

	eng := reconcile.New(reconcile.Config{MachineID: 1, MaxCycleSize: 100}, blobs, db, nil, nil)
	_, err := eng.RunCycle(context.Background(), false)
	require.NoError(t, err)

	sorted := append([]model.ShortHash{}, db.added...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })
	require.Equal(t, sorted, db.added, "additions must already be applied in sorted order")
}
