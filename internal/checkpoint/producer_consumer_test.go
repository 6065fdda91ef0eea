package checkpoint_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/locationd/internal/checkpoint"
	pkgcheckpoint "github.com/i5heu/locationd/pkg/checkpoint"
	"github.com/i5heu/locationd/pkg/counters"
	"github.com/i5heu/locationd/pkg/locationstore"
	"github.com/i5heu/locationd/pkg/model"
)

var (
	_ pkgcheckpoint.CentralStore   = (*fakeCentralStore)(nil)
	_ pkgcheckpoint.SnapshotSource = (*fakeSource)(nil)
	_ pkgcheckpoint.SnapshotSink   = (*fakeSink)(nil)
	_ locationstore.Peer           = (*fakePeer)(nil)
)

// fakeCentralStore is a single in-memory checkpoint store keyed by
// checkpointsKey, sufficient to exercise Producer/Consumer without a real
// object-storage backend.
type fakeCentralStore struct {
	mu        sync.Mutex
	manifests map[string]model.CheckpointManifest
	blobs     map[model.ShortHash][]byte
	putCalls  int
}

func newFakeCentralStore() *fakeCentralStore {
	return &fakeCentralStore{
		manifests: make(map[string]model.CheckpointManifest),
		blobs:     make(map[model.ShortHash][]byte),
	}
}

func (s *fakeCentralStore) PutManifest(ctx context.Context, checkpointsKey string, manifest model.CheckpointManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[checkpointsKey] = manifest
	return nil
}

func (s *fakeCentralStore) LatestManifest(ctx context.Context, checkpointsKey string) (model.CheckpointManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[checkpointsKey]
	if !ok {
		return model.CheckpointManifest{}, pkgcheckpoint.ErrNotFound
	}
	return m, nil
}

func (s *fakeCentralStore) HasFile(ctx context.Context, checkpointsKey string, h model.ContentHash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[h.Short()]
	return ok, nil
}

func (s *fakeCentralStore) PutFile(ctx context.Context, checkpointsKey string, h model.ContentHash, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putCalls++
	cp := make([]byte, len(content))
	copy(cp, content)
	s.blobs[h.Short()] = cp
	return nil
}

func (s *fakeCentralStore) GetFile(ctx context.Context, checkpointsKey string, h model.ContentHash) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[h.Short()]
	if !ok {
		return nil, pkgcheckpoint.ErrNotFound
	}
	return data, nil
}

type fakeSource struct {
	files map[string][]byte
}

func (f *fakeSource) Snapshot(ctx context.Context) (map[string][]byte, error) {
	return f.files, nil
}

type fakeSink struct {
	mu       sync.Mutex
	restored map[string][]byte
}

func (f *fakeSink) Restore(ctx context.Context, files map[string][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = files
	return nil
}

type fakePeer struct {
	files map[model.ShortHash][]byte
}

func (p *fakePeer) HasFile(ctx context.Context, h model.ContentHash) (bool, error) {
	_, ok := p.files[h.Short()]
	return ok, nil
}
func (p *fakePeer) FetchFile(ctx context.Context, h model.ContentHash) ([]byte, error) {
	return p.files[h.Short()], nil
}

func TestProducerRunOnceWritesManifestAndFiles(t *testing.T) {
	store := newFakeCentralStore()
	source := &fakeSource{files: map[string][]byte{"000001.sst": []byte("sstable-bytes")}}
	producer := checkpoint.NewProducer(checkpoint.ProducerConfig{CheckpointsKey: "lls", Epoch: "e1"}, source, store, nil)

	manifest, err := producer.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, "e1", manifest.Epoch)
	require.Len(t, manifest.Files, 1)
	require.Equal(t, 1, store.putCalls)

	got, err := store.LatestManifest(context.Background(), "lls")
	require.NoError(t, err)
	require.Equal(t, manifest.CheckpointID, got.CheckpointID)
}

func TestProducerIncrementalSkipsAlreadyStoredFiles(t *testing.T) {
	store := newFakeCentralStore()
	source := &fakeSource{files: map[string][]byte{"file.sst": []byte("same content every time")}}
	producer := checkpoint.NewProducer(checkpoint.ProducerConfig{CheckpointsKey: "lls", Epoch: "e1", UseIncremental: true}, source, store, nil)

	_, err := producer.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, store.putCalls)

	_, err = producer.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, store.putCalls, "identical content must be reused, not re-uploaded")
	require.EqualValues(t, 1, producer.Counters().Get(counters.IncrementalCheckpointFilesUploadSkipped))
}

func TestProducerDueTracksCreateInterval(t *testing.T) {
	store := newFakeCentralStore()
	source := &fakeSource{files: map[string][]byte{}}
	producer := checkpoint.NewProducer(checkpoint.ProducerConfig{CheckpointsKey: "lls", Epoch: "e1", CreateInterval: time.Hour}, source, store, nil)

	require.True(t, producer.Due(time.Now().UTC()))
	_, err := producer.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, producer.Due(time.Now().UTC()))
}

func TestConsumerRunOnceRestoresLatestManifest(t *testing.T) {
	store := newFakeCentralStore()
	source := &fakeSource{files: map[string][]byte{"a.sst": []byte("payload-a")}}
	producer := checkpoint.NewProducer(checkpoint.ProducerConfig{CheckpointsKey: "lls", Epoch: "e1"}, source, store, nil)
	_, err := producer.RunOnce(context.Background())
	require.NoError(t, err)

	sink := &fakeSink{}
	consumer := checkpoint.NewConsumer(checkpoint.ConsumerConfig{CheckpointsKey: "lls"}, store, sink, nil, nil)

	require.NoError(t, consumer.RunOnce(context.Background()))
	require.Equal(t, []byte("payload-a"), sink.restored["a.sst"])
}

func TestConsumerRunOnceSkipsUnchangedManifest(t *testing.T) {
	store := newFakeCentralStore()
	source := &fakeSource{files: map[string][]byte{"a.sst": []byte("payload-a")}}
	producer := checkpoint.NewProducer(checkpoint.ProducerConfig{CheckpointsKey: "lls", Epoch: "e1"}, source, store, nil)
	_, err := producer.RunOnce(context.Background())
	require.NoError(t, err)

	sink := &fakeSink{}
	consumer := checkpoint.NewConsumer(checkpoint.ConsumerConfig{CheckpointsKey: "lls"}, store, sink, nil, nil)
	require.NoError(t, consumer.RunOnce(context.Background()))
	require.NoError(t, consumer.RunOnce(context.Background()))

	require.EqualValues(t, 1, consumer.Counters().Get(counters.RestoreCheckpointsSkipped))
}

func TestConsumerRunOnceMissingManifestIsNotAnError(t *testing.T) {
	store := newFakeCentralStore()
	sink := &fakeSink{}
	consumer := checkpoint.NewConsumer(checkpoint.ConsumerConfig{CheckpointsKey: "lls"}, store, sink, nil, nil)

	require.NoError(t, consumer.RunOnce(context.Background()))
	require.Nil(t, sink.restored)
}

func TestConsumerIncrementalSkipsRedownloadingUnchangedFiles(t *testing.T) {
	store := newFakeCentralStore()
	source := &fakeSource{files: map[string][]byte{"a.sst": []byte("payload-a"), "b.sst": []byte("payload-b")}}
	producer := checkpoint.NewProducer(checkpoint.ProducerConfig{CheckpointsKey: "lls", Epoch: "e1"}, source, store, nil)

	_, err := producer.RunOnce(context.Background())
	require.NoError(t, err)

	sink := &fakeSink{}
	consumer := checkpoint.NewConsumer(checkpoint.ConsumerConfig{CheckpointsKey: "lls", UseIncremental: true}, store, sink, nil, nil)
	require.NoError(t, consumer.RunOnce(context.Background()))
	require.Equal(t, []byte("payload-a"), sink.restored["a.sst"])
	require.EqualValues(t, 0, consumer.Counters().Get(counters.IncrementalCheckpointFilesDownloadSkipped))

	// A new checkpoint whose files carry the same content hashes must be
	// restored from the consumer's own previously downloaded copies rather
	// than re-fetched from the Central Store.
	source.files = map[string][]byte{"a.sst": []byte("payload-a"), "b.sst": []byte("payload-b")}
	_, err = producer.RunOnce(context.Background())
	require.NoError(t, err)

	require.NoError(t, consumer.RunOnce(context.Background()))
	require.Equal(t, []byte("payload-a"), sink.restored["a.sst"])
	require.EqualValues(t, 2, consumer.Counters().Get(counters.IncrementalCheckpointFilesDownloadSkipped))
}

func TestConsumerPrefersPeerOverCentralStore(t *testing.T) {
	store := newFakeCentralStore()
	source := &fakeSource{files: map[string][]byte{"a.sst": []byte("payload-a")}}
	producer := checkpoint.NewProducer(checkpoint.ProducerConfig{CheckpointsKey: "lls", Epoch: "e1"}, source, store, nil)
	manifest, err := producer.RunOnce(context.Background())
	require.NoError(t, err)

	peer := &fakePeer{files: map[model.ShortHash][]byte{
		manifest.Files[0].ContentHash.Short(): []byte("payload-a-from-peer"),
	}}
	sink := &fakeSink{}
	consumer := checkpoint.NewConsumer(checkpoint.ConsumerConfig{CheckpointsKey: "lls"}, store, sink, peer, nil)

	require.NoError(t, consumer.RunOnce(context.Background()))
	require.Equal(t, []byte("payload-a-from-peer"), sink.restored["a.sst"])
	require.EqualValues(t, 1, consumer.Counters().Get(counters.TryGetFileFromPeerSucceeded))
}
