// Package reconcile implements the single-cycle reconciliation algorithm
// of spec §4.7: converging a worker's on-disk blob content with the set of
// entries it last reported to the index.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/locationd/pkg/blobstore"
	"github.com/i5heu/locationd/pkg/counters"
	"github.com/i5heu/locationd/pkg/locationstore"
	"github.com/i5heu/locationd/pkg/model"
	"github.com/i5heu/locationd/pkg/reconcile"
)

// Publisher is the narrow slice of internal/eventstore.Store reconciliation
// needs, kept as an interface so this package can be tested without a real
// event hub.
type Publisher interface {
	PublishReconcile(ctx context.Context, adds []model.LocationItem, removals []model.ShortHash) error
}

// Config tunes cycle bounds and skip behavior.
type Config struct {
	MachineID     model.MachineID
	MaxCycleSize  int
	AllowSkip     bool
	UnsafeDisable bool
	UpToDateAfter time.Duration
}

// DefaultEngine implements pkg/reconcile.Engine. It compares the blob
// store's current on-disk hash set against the set of hashes this machine
// last reported (indexed). The set starts empty and is replaced only by
// SeedIndexed; Service does not call SeedIndexed, so it is not filled from
// a restored checkpoint's entries for this machine.
type DefaultEngine struct {
	cfg        Config
	blobs      blobstore.Store
	locationDB locationstore.LocationDB
	publisher  Publisher
	counters   *counters.Set
	log        *logrus.Logger

	mu            sync.Mutex
	indexed       map[model.ShortHash]struct{}
	lastReconcile atomic.Value // time.Time
}

var _ reconcile.Engine = (*DefaultEngine)(nil)

// New builds a DefaultEngine.
func New(cfg Config, blobs blobstore.Store, locationDB locationstore.LocationDB, publisher Publisher, log *logrus.Logger) *DefaultEngine {
	if log == nil {
		log = logrus.New()
	}
	e := &DefaultEngine{
		cfg:        cfg,
		blobs:      blobs,
		locationDB: locationDB,
		publisher:  publisher,
		counters:   counters.NewSet(),
		log:        log,
		indexed:    make(map[model.ShortHash]struct{}),
	}
	e.lastReconcile.Store(time.Time{})
	return e
}

func (e *DefaultEngine) Counters() *counters.Set { return e.counters }

// SeedIndexed replaces the tracked indexed set with hashes.
func (e *DefaultEngine) SeedIndexed(hashes []model.ShortHash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.indexed = make(map[model.ShortHash]struct{}, len(hashes))
	for _, h := range hashes {
		e.indexed[h] = struct{}{}
	}
}

// IsReconcileUpToDate reports whether the last successful reconcile is
// within UpToDateAfter of now.
func (e *DefaultEngine) IsReconcileUpToDate(ctx context.Context) (bool, error) {
	last := e.lastReconcile.Load().(time.Time)
	if last.IsZero() {
		return false, nil
	}
	return time.Since(last) <= e.cfg.UpToDateAfter, nil
}

// MarkReconciled records that reconciliation has caught up as of now.
func (e *DefaultEngine) MarkReconciled(ctx context.Context) error {
	e.lastReconcile.Store(time.Now().UTC())
	return nil
}

// RunCycle performs one bounded reconciliation pass per spec §4.7:
// toAdd = onDisk \ indexed, toRemove = indexed \ onDisk, both ordered by
// hash, additions counted before removals against MaxCycleSize. force
// bypasses the up-to-date skip, running a full cycle even if AllowSkip is
// set and the machine reconciled recently; it does not override
// UnsafeDisable, which is an operator-level kill switch, not a staleness
// check.
func (e *DefaultEngine) RunCycle(ctx context.Context, force bool) (reconcile.Stats, error) {
	if e.cfg.UnsafeDisable {
		return reconcile.Stats{}, nil
	}
	if e.cfg.AllowSkip && !force {
		if upToDate, _ := e.IsReconcileUpToDate(ctx); upToDate {
			return reconcile.Stats{UpToDateSkip: true}, nil
		}
	}

	onDiskHashes, err := e.blobs.EnumerateLocalHashes(ctx)
	if err != nil {
		return reconcile.Stats{}, fmt.Errorf("reconcile: enumerateLocalHashes: %w", err)
	}
	onDisk := make(map[model.ShortHash]model.ContentHash, len(onDiskHashes))
	for _, h := range onDiskHashes {
		onDisk[h.Short()] = h
	}

	e.mu.Lock()
	indexedSnapshot := make(map[model.ShortHash]struct{}, len(e.indexed))
	for h := range e.indexed {
		indexedSnapshot[h] = struct{}{}
	}
	e.mu.Unlock()

	var toAdd, toRemove []model.ShortHash
	for h := range onDisk {
		if _, ok := indexedSnapshot[h]; !ok {
			toAdd = append(toAdd, h)
		}
	}
	for h := range indexedSnapshot {
		if _, ok := onDisk[h]; !ok {
			toRemove = append(toRemove, h)
		}
	}
	sort.Slice(toAdd, func(i, j int) bool { return toAdd[i].String() < toAdd[j].String() })
	sort.Slice(toRemove, func(i, j int) bool { return toRemove[i].String() < toRemove[j].String() })

	budget := e.cfg.MaxCycleSize
	stats := reconcile.Stats{}
	var addItems []model.LocationItem
	var removeItems []model.ShortHash

	for _, h := range toAdd {
		if stats.Scanned >= budget {
			break
		}
		stats.Scanned++
		size := model.UnknownSize
		if sz, err := e.blobs.Size(ctx, onDisk[h]); err == nil {
			size = sz
		}
		if err := e.locationDB.LocationAdded(ctx, h, e.cfg.MachineID, size); err != nil {
			return stats, fmt.Errorf("reconcile: locationAdded %s: %w", h, err)
		}
		addItems = append(addItems, model.LocationItem{Hash: h, Size: size})
		stats.Added++
	}
	for _, h := range toRemove {
		if stats.Scanned >= budget {
			break
		}
		stats.Scanned++
		if err := e.locationDB.LocationRemoved(ctx, h, e.cfg.MachineID); err != nil {
			return stats, fmt.Errorf("reconcile: locationRemoved %s: %w", h, err)
		}
		removeItems = append(removeItems, h)
		stats.Removed++
	}

	if len(addItems) > 0 || len(removeItems) > 0 {
		e.counters.Inc(counters.ReconciliationCycles, 1)
		if e.publisher != nil {
			if err := e.publisher.PublishReconcile(ctx, addItems, removeItems); err != nil {
				return stats, fmt.Errorf("reconcile: publishReconcile: %w", err)
			}
		}
	}

	e.mu.Lock()
	for _, h := range addItems {
		e.indexed[h.Hash] = struct{}{}
	}
	for _, h := range removeItems {
		delete(e.indexed, h)
	}
	e.mu.Unlock()

	fullyCaughtUp := stats.Added == len(toAdd) && stats.Removed == len(toRemove)
	if fullyCaughtUp {
		if err := e.MarkReconciled(ctx); err != nil {
			return stats, err
		}
	}

	return stats, nil
}
