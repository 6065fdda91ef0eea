// Package locationdb provides the badger-backed implementation of the
// Local Location Store (spec §4.1): a persistent ShortHash -> entry
// index fronted by a bounded, coalescing in-memory write cache.
package locationdb

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/patrickmn/go-cache"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/locationd/pkg/counters"
	"github.com/i5heu/locationd/pkg/locationstore"
	"github.com/i5heu/locationd/pkg/model"
)

var (
	clusterStateKey = []byte("\x00cluster-state")
	entryPrefix     = []byte("\x01e:")
)

// Config configures a DefaultLocationDB, modeled on the teacher's
// keyValStore.StoreConfig.
type Config struct {
	// Path is the badger data directory.
	Path string
	// MinimumFreeGB is the disk-headroom guard; New refuses to open the
	// database below this threshold (later writes are not checked),
	// mirroring the teacher's checkConfig disk check but implemented
	// portably via gopsutil instead of syscall.Statfs.
	MinimumFreeGB uint
	// CacheFlushThreshold triggers an automatic flush once the in-memory
	// write cache holds this many coalesced entries.
	CacheFlushThreshold int
	// LocationEntryExpiry is the TTL after which an empty-bitset entry
	// becomes eligible for garbage collection.
	LocationEntryExpiry time.Duration
	Logger              *logrus.Logger
}

func (c *Config) applyDefaults() {
	if c.CacheFlushThreshold == 0 {
		c.CacheFlushThreshold = 5000
	}
	if c.LocationEntryExpiry == 0 {
		c.LocationEntryExpiry = 30 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

// DefaultLocationDB is the badger + go-cache backed LocationDB.
type DefaultLocationDB struct {
	cfg Config
	log *logrus.Logger
	db  *badger.DB

	cacheMu   sync.Mutex
	writeCache *cache.Cache // ShortHash string -> *model.ContentLocationEntry
	emptySince map[string]time.Time

	counters *counters.Set
}

var _ locationstore.LocationDB = (*DefaultLocationDB)(nil)

// New opens (or creates) a badger instance at cfg.Path and returns a ready
// DefaultLocationDB.
func New(cfg Config) (*DefaultLocationDB, error) {
	cfg.applyDefaults()

	if err := checkDiskHeadroom(cfg.Path, cfg.MinimumFreeGB); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil
	opts.SyncWrites = false
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("locationdb: open badger: %w", err)
	}

	return &DefaultLocationDB{
		cfg:        cfg,
		log:        cfg.Logger,
		db:         db,
		writeCache: cache.New(cache.NoExpiration, time.Minute),
		emptySince: make(map[string]time.Time),
		counters:   counters.NewSet(),
	}, nil
}

func checkDiskHeadroom(path string, minimumFreeGB uint) error {
	if path == "" || minimumFreeGB == 0 {
		return nil
	}
	usage, err := disk.Usage(path)
	if err != nil {
		// The path may not exist yet on first run; badger.Open creates it.
		return nil
	}
	freeGB := usage.Free / (1024 * 1024 * 1024)
	if freeGB < uint64(minimumFreeGB) {
		return fmt.Errorf("locationdb: only %dGB free at %s, need %d", freeGB, path, minimumFreeGB)
	}
	return nil
}

func cacheKey(h model.ShortHash) string {
	return hex.EncodeToString(h.Key())
}

func entryKey(h model.ShortHash) []byte {
	return append(append([]byte{}, entryPrefix...), h.Key()...)
}

type wireEntry struct {
	Size              int64     `json:"size"`
	Machines          []uint64  `json:"machines"`
	CreationTimeUTC   time.Time `json:"createdAt"`
	LastAccessTimeUTC time.Time `json:"lastAccessAt"`
}

func encodeEntry(e model.ContentLocationEntry) ([]byte, error) {
	w := wireEntry{
		Size:              e.Size,
		CreationTimeUTC:   e.CreationTimeUTC,
		LastAccessTimeUTC: e.LastAccessTimeUTC,
	}
	for _, id := range e.Machines.Members() {
		w.Machines = append(w.Machines, uint64(id))
	}
	return json.Marshal(w)
}

func decodeEntry(raw []byte) (model.ContentLocationEntry, error) {
	var w wireEntry
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.ContentLocationEntry{}, err
	}
	var bs model.MachineBitset
	for _, id := range w.Machines {
		bs.Set(model.MachineID(id))
	}
	return model.ContentLocationEntry{
		Size:              w.Size,
		Machines:          bs,
		CreationTimeUTC:   w.CreationTimeUTC,
		LastAccessTimeUTC: w.LastAccessTimeUTC,
	}, nil
}

// TryGet consults the write cache first, then the persistent layer. A
// persistent-layer hit does not populate the cache.
func (l *DefaultLocationDB) TryGet(ctx context.Context, h model.ShortHash) (model.ContentLocationEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.ContentLocationEntry{}, false, err
	}

	l.cacheMu.Lock()
	if cached, ok := l.writeCache.Get(cacheKey(h)); ok {
		entry := cached.(*model.ContentLocationEntry)
		l.cacheMu.Unlock()
		return *entry, true, nil
	}
	l.cacheMu.Unlock()

	var entry model.ContentLocationEntry
	found := false
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(h))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		e, err := decodeEntry(raw)
		if err != nil {
			return err
		}
		entry = e
		found = true
		return nil
	})
	if err != nil {
		return model.ContentLocationEntry{}, false, fmt.Errorf("locationdb: get %s: %w", h, err)
	}
	return entry, found, nil
}

func (l *DefaultLocationDB) mergedFromCacheOrDisk(h model.ShortHash) (model.ContentLocationEntry, error) {
	if cached, ok := l.writeCache.Get(cacheKey(h)); ok {
		return *cached.(*model.ContentLocationEntry), nil
	}
	var entry model.ContentLocationEntry
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(h))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		e, err := decodeEntry(raw)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	return entry, err
}

// LocationAdded sets machineID's bit, records size (larger wins on
// conflict), and bumps lastAccessTimeUtc.
func (l *DefaultLocationDB) LocationAdded(ctx context.Context, h model.ShortHash, machineID model.MachineID, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()

	entry, err := l.mergedFromCacheOrDisk(h)
	if err != nil {
		return fmt.Errorf("locationdb: locationAdded %s: %w", h, err)
	}

	now := time.Now().UTC()
	if entry.CreationTimeUTC.IsZero() {
		entry.CreationTimeUTC = now
		entry.Size = model.UnknownSize
	}
	if size != model.UnknownSize {
		if entry.Size != model.UnknownSize && entry.Size != size {
			l.log.WithFields(logrus.Fields{
				"hash": h.String(), "existing": entry.Size, "incoming": size,
			}).Warn("locationdb: size conflict, larger wins")
			l.counters.Inc(counters.SizeConflictResolved, 1)
		}
		entry.Size = model.MergeSize(entry.Size, size)
	}
	entry.Machines.Set(machineID)
	entry.LastAccessTimeUTC = now
	delete(l.emptySince, cacheKey(h))

	l.writeCache.Set(cacheKey(h), &entry, cache.NoExpiration)
	l.counters.Inc(counters.LocationAdded, 1)
	l.maybeAutoFlushLocked(ctx)
	return nil
}

// LocationRemoved clears machineID's bit. If the bitset becomes empty the
// time is recorded, and GarbageCollect removes the entry once it has stayed
// empty for Config.LocationEntryExpiry.
func (l *DefaultLocationDB) LocationRemoved(ctx context.Context, h model.ShortHash, machineID model.MachineID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()

	entry, err := l.mergedFromCacheOrDisk(h)
	if err != nil {
		return fmt.Errorf("locationdb: locationRemoved %s: %w", h, err)
	}
	entry.Machines.Clear(machineID)
	if entry.Machines.Empty() {
		l.emptySince[cacheKey(h)] = time.Now().UTC()
	}
	l.writeCache.Set(cacheKey(h), &entry, cache.NoExpiration)
	l.counters.Inc(counters.LocationRemoved, 1)
	l.maybeAutoFlushLocked(ctx)
	return nil
}

// Touch updates lastAccessTimeUtc only.
func (l *DefaultLocationDB) Touch(ctx context.Context, h model.ShortHash) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()

	entry, err := l.mergedFromCacheOrDisk(h)
	if err != nil {
		return fmt.Errorf("locationdb: touch %s: %w", h, err)
	}
	if entry.CreationTimeUTC.IsZero() {
		return nil // nothing to touch
	}
	entry.LastAccessTimeUTC = time.Now().UTC()
	l.writeCache.Set(cacheKey(h), &entry, cache.NoExpiration)
	return nil
}

func (l *DefaultLocationDB) maybeAutoFlushLocked(ctx context.Context) {
	if l.writeCache.ItemCount() < l.cfg.CacheFlushThreshold {
		return
	}
	if err := l.flushLocked(ctx); err != nil {
		l.log.WithError(err).Error("locationdb: auto-flush failed")
	}
}

// ForceCacheFlush drains the in-memory cache into badger.
func (l *DefaultLocationDB) ForceCacheFlush(ctx context.Context) error {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	return l.flushLocked(ctx)
}

func (l *DefaultLocationDB) flushLocked(ctx context.Context) error {
	items := l.writeCache.Items()
	if len(items) == 0 {
		return nil
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()

	for key, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		sh, err := shortHashFromCacheKey(key)
		if err != nil {
			return err
		}
		entry := item.Object.(*model.ContentLocationEntry)
		raw, err := encodeEntry(*entry)
		if err != nil {
			return err
		}
		if err := wb.Set(entryKey(sh), raw); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("locationdb: flush: %w", err)
	}
	l.writeCache.Flush()
	l.counters.Inc(counters.CacheFlushCompleted, 1)
	return nil
}

func shortHashFromCacheKey(key string) (model.ShortHash, error) {
	raw, err := hex.DecodeString(key)
	if err != nil {
		return model.ShortHash{}, fmt.Errorf("locationdb: decode cache key: %w", err)
	}
	return model.ShortHashFromKey(raw)
}

// GarbageCollect enumerates persisted entries and removes those whose
// every set bit belongs to an inactive machine, or whose bitset has been
// empty for at least Config.LocationEntryExpiry. An entry first observed
// empty in this pass is recorded in emptySince and revisited on a later
// GarbageCollect call once it has aged past the TTL.
func (l *DefaultLocationDB) GarbageCollect(ctx context.Context, cluster model.ClusterState) (locationstore.GCStats, error) {
	if err := l.ForceCacheFlush(ctx); err != nil {
		return locationstore.GCStats{}, err
	}

	now := time.Now().UTC()
	l.cacheMu.Lock()
	emptySinceSnapshot := make(map[string]time.Time, len(l.emptySince))
	for k, v := range l.emptySince {
		emptySinceSnapshot[k] = v
	}
	l.cacheMu.Unlock()

	var stats locationstore.GCStats
	var toDelete [][]byte
	var newlyEmpty []string

	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(entryPrefix); it.ValidForPrefix(entryPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			stats.Scanned++
			item := it.Item()
			key := item.KeyCopy(nil)
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entry, err := decodeEntry(raw)
			if err != nil {
				return err
			}

			var collect bool
			if entry.Machines.Empty() {
				hkey := hex.EncodeToString(key[len(entryPrefix):])
				since, seen := emptySinceSnapshot[hkey]
				if !seen {
					newlyEmpty = append(newlyEmpty, hkey)
				} else if now.Sub(since) >= l.cfg.LocationEntryExpiry {
					collect = true
				}
			} else {
				collect = true
				for _, id := range entry.Machines.Members() {
					if !cluster.IsInactive(id) {
						collect = false
						break
					}
				}
			}

			if collect {
				stats.Collected++
				toDelete = append(toDelete, key)
			} else {
				stats.Cleaned++
			}
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("locationdb: gc scan: %w", err)
	}

	if len(toDelete) > 0 {
		wb := l.db.NewWriteBatch()
		defer wb.Cancel()
		for _, k := range toDelete {
			if err := wb.Delete(k); err != nil {
				return stats, err
			}
		}
		if err := wb.Flush(); err != nil {
			return stats, fmt.Errorf("locationdb: gc delete: %w", err)
		}
	}

	l.cacheMu.Lock()
	for _, hkey := range newlyEmpty {
		l.emptySince[hkey] = now
	}
	for _, k := range toDelete {
		delete(l.emptySince, hex.EncodeToString(k[len(entryPrefix):]))
	}
	l.cacheMu.Unlock()

	l.counters.Inc(counters.GCCollected, int64(stats.Collected))
	return stats, nil
}

// UpdateClusterState reads the reserved cluster-state record and, if write
// is non-nil, replaces it within the same transaction.
func (l *DefaultLocationDB) UpdateClusterState(ctx context.Context, write *model.ClusterState) (model.ClusterState, error) {
	if err := ctx.Err(); err != nil {
		return model.ClusterState{}, err
	}

	var current model.ClusterState
	err := l.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(clusterStateKey)
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		if err == nil {
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &current); err != nil {
				return err
			}
		}
		if write != nil {
			raw, err := json.Marshal(write)
			if err != nil {
				return err
			}
			if err := txn.Set(clusterStateKey, raw); err != nil {
				return err
			}
			current = *write
		}
		return nil
	})
	if err != nil {
		return model.ClusterState{}, fmt.Errorf("locationdb: updateClusterState: %w", err)
	}
	return current, nil
}

// Snapshot forces a cache flush and returns every persisted key/value
// pair, keyed by the hex-encoded badger key, for checkpoint production.
func (l *DefaultLocationDB) Snapshot(ctx context.Context) (map[string][]byte, error) {
	if err := l.ForceCacheFlush(ctx); err != nil {
		return nil, err
	}
	files := make(map[string][]byte)
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			files[hex.EncodeToString(key)] = raw
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("locationdb: snapshot: %w", err)
	}
	return files, nil
}

// Restore atomically replaces local entries with the given snapshot.
func (l *DefaultLocationDB) Restore(ctx context.Context, files map[string][]byte) error {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	if err := l.db.DropAll(); err != nil {
		return fmt.Errorf("locationdb: restore drop: %w", err)
	}
	l.writeCache.Flush()
	l.emptySince = make(map[string]time.Time)

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for hexKey, raw := range files {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return fmt.Errorf("locationdb: restore decode key: %w", err)
		}
		if err := wb.Set(key, raw); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("locationdb: restore: %w", err)
	}
	return nil
}

// Counters returns the operational counter set for observability wiring.
func (l *DefaultLocationDB) Counters() *counters.Set {
	return l.counters
}

// Close flushes the write cache and closes the underlying badger instance.
func (l *DefaultLocationDB) Close() error {
	if err := l.ForceCacheFlush(context.Background()); err != nil {
		l.log.WithError(err).Error("locationdb: flush on close failed")
	}
	return l.db.Close()
}
