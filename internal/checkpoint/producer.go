package checkpoint

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/locationd/pkg/checkpoint"
	"github.com/i5heu/locationd/pkg/counters"
	"github.com/i5heu/locationd/pkg/model"
)

// ProducerConfig tunes checkpoint creation cadence and incremental reuse.
type ProducerConfig struct {
	CheckpointsKey string
	Epoch          string
	CreateInterval time.Duration
	UseIncremental bool
}

// Producer runs the master-side checkpoint creation algorithm of spec
// §4.4: force-flush, snapshot, manifest, incremental upload skip.
type Producer struct {
	cfg      ProducerConfig
	source   checkpoint.SnapshotSource
	store    checkpoint.CentralStore
	counters *counters.Set
	log      *logrus.Logger

	sequence       uint64
	lastCheckpoint atomic.Value // time.Time
}

// NewProducer builds a checkpoint Producer.
func NewProducer(cfg ProducerConfig, source checkpoint.SnapshotSource, store checkpoint.CentralStore, log *logrus.Logger) *Producer {
	if log == nil {
		log = logrus.New()
	}
	p := &Producer{cfg: cfg, source: source, store: store, counters: counters.NewSet(), log: log}
	p.lastCheckpoint.Store(time.Time{})
	return p
}

func (p *Producer) Counters() *counters.Set { return p.counters }

// Due reports whether now - lastCheckpoint >= CreateInterval.
func (p *Producer) Due(now time.Time) bool {
	last := p.lastCheckpoint.Load().(time.Time)
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= p.cfg.CreateInterval
}

// RunOnce executes one checkpoint-creation pass. It does not consult Due;
// callers check Due first.
func (p *Producer) RunOnce(ctx context.Context) (model.CheckpointManifest, error) {
	files, err := p.source.Snapshot(ctx)
	if err != nil {
		return model.CheckpointManifest{}, fmt.Errorf("checkpoint: producer snapshot: %w", err)
	}

	p.sequence++
	manifest := model.CheckpointManifest{
		CheckpointID:   fmt.Sprintf("%s-%d", p.cfg.Epoch, p.sequence),
		Epoch:          p.cfg.Epoch,
		SequenceNumber: p.sequence,
		CreatedAtUTC:   time.Now().UTC(),
		Incremental:    p.cfg.UseIncremental,
	}

	shard := 0
	for name, content := range files {
		select {
		case <-ctx.Done():
			return model.CheckpointManifest{}, ctx.Err()
		default:
		}

		digest := contentDigest(content)
		h := model.NewContentHash(digestFunctionCode, digest)

		if p.cfg.UseIncremental {
			has, err := p.store.HasFile(ctx, p.cfg.CheckpointsKey, h)
			if err != nil {
				return model.CheckpointManifest{}, err
			}
			if has {
				p.counters.Inc(counters.IncrementalCheckpointFilesUploadSkipped, 1)
				manifest.Files = append(manifest.Files, model.ManifestFile{Name: name, Shard: shard, ContentHash: h, Size: int64(len(content))})
				shard++
				continue
			}
		}

		if err := p.store.PutFile(ctx, p.cfg.CheckpointsKey, h, content); err != nil {
			return model.CheckpointManifest{}, fmt.Errorf("checkpoint: putFile %s: %w", name, err)
		}
		manifest.Files = append(manifest.Files, model.ManifestFile{Name: name, Shard: shard, ContentHash: h, Size: int64(len(content))})
		shard++
	}

	if err := p.store.PutManifest(ctx, p.cfg.CheckpointsKey, manifest); err != nil {
		return model.CheckpointManifest{}, fmt.Errorf("checkpoint: putManifest: %w", err)
	}

	p.lastCheckpoint.Store(time.Now().UTC())
	return manifest, nil
}
