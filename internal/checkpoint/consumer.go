package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/locationd/pkg/checkpoint"
	"github.com/i5heu/locationd/pkg/counters"
	"github.com/i5heu/locationd/pkg/locationstore"
	"github.com/i5heu/locationd/pkg/model"
)

// ConsumerConfig tunes when a worker restores a checkpoint.
type ConsumerConfig struct {
	CheckpointsKey string
	AgeThreshold   time.Duration
	UseIncremental bool
}

// Consumer runs the worker-side checkpoint restore algorithm of spec
// §4.4: fetch latest manifest, download missing files (preferring peers
// over the Central Store), swap the local database.
type Consumer struct {
	cfg      ConsumerConfig
	store    checkpoint.CentralStore
	sink     checkpoint.SnapshotSink
	peer     locationstore.Peer
	counters *counters.Set
	log      *logrus.Logger

	lastRestore  atomic.Value // time.Time
	lastManifest atomic.Value // string checkpointID

	filesMu    sync.Mutex
	localFiles map[model.ShortHash][]byte // content hash -> bytes of the last restored checkpoint's files
}

// NewConsumer builds a checkpoint Consumer. peer may be nil to disable
// peer-assisted retrieval.
func NewConsumer(cfg ConsumerConfig, store checkpoint.CentralStore, sink checkpoint.SnapshotSink, peer locationstore.Peer, log *logrus.Logger) *Consumer {
	if log == nil {
		log = logrus.New()
	}
	c := &Consumer{cfg: cfg, store: store, sink: sink, peer: peer, counters: counters.NewSet(), log: log, localFiles: make(map[model.ShortHash][]byte)}
	c.lastRestore.Store(time.Time{})
	c.lastManifest.Store("")
	return c
}

func (c *Consumer) Counters() *counters.Set { return c.counters }

// Due reports whether a restore should be attempted: checkpoint age
// exceeds AgeThreshold, or there has never been a prior restore.
func (c *Consumer) Due(now time.Time) bool {
	last := c.lastRestore.Load().(time.Time)
	if last.IsZero() {
		return true
	}
	return now.Sub(last) > c.cfg.AgeThreshold
}

// RunOnce fetches the latest manifest and, if it differs from the last
// restored checkpoint, downloads any missing files and swaps the DB.
func (c *Consumer) RunOnce(ctx context.Context) error {
	manifest, err := c.store.LatestManifest(ctx, c.cfg.CheckpointsKey)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checkpoint: consumer latestManifest: %w", err)
	}

	if manifest.CheckpointID == c.lastManifest.Load().(string) {
		c.counters.Inc(counters.RestoreCheckpointsSkipped, 1)
		return nil
	}

	files := make(map[string][]byte, len(manifest.Files))
	hashToData := make(map[model.ShortHash][]byte, len(manifest.Files))
	for _, mf := range manifest.Files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, err := c.fetchFile(ctx, mf)
		if err != nil {
			return fmt.Errorf("checkpoint: fetch %s: %w", mf.Name, err)
		}
		files[mf.Name] = data
		hashToData[mf.ContentHash.Short()] = data
	}

	if err := c.sink.Restore(ctx, files); err != nil {
		return fmt.Errorf("checkpoint: restore: %w", err)
	}

	c.filesMu.Lock()
	c.localFiles = hashToData
	c.filesMu.Unlock()

	c.lastRestore.Store(time.Now().UTC())
	c.lastManifest.Store(manifest.CheckpointID)
	return nil
}

// fetchFile retrieves a manifest file's bytes, preferring, in order: a
// locally-held file from the previously restored checkpoint whose content
// hash already matches (UseIncremental), a peer machine's copy, and
// finally the Central Store.
func (c *Consumer) fetchFile(ctx context.Context, mf model.ManifestFile) ([]byte, error) {
	if c.cfg.UseIncremental {
		c.filesMu.Lock()
		data, ok := c.localFiles[mf.ContentHash.Short()]
		c.filesMu.Unlock()
		if ok {
			c.counters.Inc(counters.IncrementalCheckpointFilesDownloadSkipped, 1)
			return data, nil
		}
	}

	if c.peer != nil {
		if has, err := c.peer.HasFile(ctx, mf.ContentHash); err == nil && has {
			data, err := c.peer.FetchFile(ctx, mf.ContentHash)
			if err == nil {
				c.counters.Inc(counters.TryGetFileFromPeerSucceeded, 1)
				return data, nil
			}
		}
	}
	c.counters.Inc(counters.TryGetFileFromFallback, 1)
	return c.store.GetFile(ctx, c.cfg.CheckpointsKey, mf.ContentHash)
}
