package eventstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/locationd/pkg/counters"
	"github.com/i5heu/locationd/pkg/eventhub"
	"github.com/i5heu/locationd/pkg/globalkv"
	"github.com/i5heu/locationd/pkg/locationstore"
	"github.com/i5heu/locationd/pkg/model"
)

// Config tunes the publish discipline of spec §4.3.
type Config struct {
	MachineLocationUpdateWindow             time.Duration
	TouchFrequency                          time.Duration
	SafeToLazilyUpdateMachineCountThreshold int
}

// Store is the per-machine event publisher: it decides, for every local
// mutation, whether an add/remove/touch is eager (goes to both the Global
// KV and the event bus), queued (event bus only), or suppressed entirely.
type Store struct {
	machineID model.MachineID
	epoch     string
	cfg       Config

	hub        eventhub.IEventHub
	kv         globalkv.GlobalKV
	locationDB locationstore.LocationDB
	counters   *counters.Set
	log        *logrus.Logger

	recentAdds    *cache.Cache
	recentRemoves *cache.Cache
	recentTouches *cache.Cache

	inactiveMu       sync.Mutex
	recentlyInactive time.Time

	sequence atomic.Uint64
}

// New builds a publish-discipline Store for one machine's local mutations.
func New(machineID model.MachineID, epoch string, cfg Config, hub eventhub.IEventHub, kv globalkv.GlobalKV, locationDB locationstore.LocationDB, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.New()
	}
	return &Store{
		machineID:     machineID,
		epoch:         epoch,
		cfg:           cfg,
		hub:           hub,
		kv:            kv,
		locationDB:    locationDB,
		counters:      counters.NewSet(),
		log:           log,
		recentAdds:    cache.New(cfg.MachineLocationUpdateWindow, cfg.MachineLocationUpdateWindow),
		recentRemoves: cache.New(cfg.MachineLocationUpdateWindow, cfg.MachineLocationUpdateWindow),
		recentTouches: cache.New(cfg.TouchFrequency, cfg.TouchFrequency),
	}
}

func (s *Store) Counters() *counters.Set { return s.counters }

// MarkRecentlyInactive records that this machine was marked inactive
// cluster-wide at t, activating the recently-inactive promotion branch
// until t+MachineLocationUpdateWindow.
func (s *Store) MarkRecentlyInactive(t time.Time) {
	s.inactiveMu.Lock()
	s.recentlyInactive = t
	s.inactiveMu.Unlock()
}

func (s *Store) wasRecentlyInactive() bool {
	s.inactiveMu.Lock()
	defer s.inactiveMu.Unlock()
	if s.recentlyInactive.IsZero() {
		return false
	}
	return time.Since(s.recentlyInactive) < s.cfg.MachineLocationUpdateWindow
}

func (s *Store) publishEvent(ctx context.Context, kind model.EventKind, items []model.LocationItem) error {
	batch := model.EventBatch{
		ID:             uuid.NewString(),
		MachineID:      s.machineID,
		Epoch:          s.epoch,
		Kind:           kind,
		Items:          items,
		SequenceNumber: s.sequence.Add(1),
	}
	return s.hub.Publish(ctx, s.epoch, batch)
}

func (s *Store) replicaCount(ctx context.Context, h model.ShortHash) int {
	entry, found, err := s.locationDB.TryGet(ctx, h)
	if err != nil || !found {
		return 1
	}
	n := entry.Machines.Count()
	if n == 0 {
		return 1
	}
	return n
}

// PublishAdd runs the five-branch publish discipline of spec §4.3 for a
// local add of h with the given size (model.UnknownSize if not yet known).
func (s *Store) PublishAdd(ctx context.Context, h model.ShortHash, size int64) error {
	key := h.String()

	if _, ok := s.recentAdds.Get(key); ok {
		s.counters.Inc(counters.RedundantRecentLocationAddSkipped, 1)
		if _, touched := s.recentTouches.Get(key); !touched {
			s.recentTouches.Set(key, time.Now().UTC(), cache.DefaultExpiration)
			s.counters.Inc(counters.LazyTouchEventOnly, 1)
			return s.publishEvent(ctx, model.EventTouchContentLocation, []model.LocationItem{{Hash: h, Size: size}})
		}
		return nil
	}

	if _, ok := s.recentRemoves.Get(key); ok {
		s.recentRemoves.Delete(key)
		s.counters.Inc(counters.LocationAddRecentRemoveEager, 1)
		return s.eagerAdd(ctx, h, size)
	}

	if s.wasRecentlyInactive() {
		s.counters.Inc(counters.LocationAddRecentInactiveEager, 1)
		return s.eagerAdd(ctx, h, size)
	}

	if s.replicaCount(ctx, h) > s.cfg.SafeToLazilyUpdateMachineCountThreshold {
		s.counters.Inc(counters.LocationAddQueued, 1)
		s.recentAdds.SetDefault(key, time.Now().UTC())
		return s.publishEvent(ctx, model.EventAddContentLocation, []model.LocationItem{{Hash: h, Size: size}})
	}

	s.counters.Inc(counters.LocationAddEager, 1)
	s.counters.Inc(counters.RegisterLocalLocation, 1)
	return s.eagerAdd(ctx, h, size)
}

func (s *Store) eagerAdd(ctx context.Context, h model.ShortHash, size int64) error {
	s.recentAdds.SetDefault(h.String(), time.Now().UTC())
	if err := s.kv.RegisterLocation(ctx, s.machineID, []model.LocationItem{{Hash: h, Size: size}}); err != nil {
		return fmt.Errorf("eventstore: eager registerLocation %s: %w", h, err)
	}
	return s.publishEvent(ctx, model.EventAddContentLocation, []model.LocationItem{{Hash: h, Size: size}})
}

// PublishRemove publishes a remove event and trims the Global KV binding.
func (s *Store) PublishRemove(ctx context.Context, h model.ShortHash) error {
	key := h.String()
	s.recentAdds.Delete(key)
	s.recentRemoves.SetDefault(key, time.Now().UTC())

	if err := s.kv.TrimBulk(ctx, s.machineID, []model.ShortHash{h}); err != nil {
		return fmt.Errorf("eventstore: trimBulk %s: %w", h, err)
	}
	return s.publishEvent(ctx, model.EventRemoveContentLocation, []model.LocationItem{{Hash: h}})
}

// PublishTouch emits a touch event, subject to touch-frequency debouncing.
func (s *Store) PublishTouch(ctx context.Context, h model.ShortHash) error {
	key := h.String()
	if _, ok := s.recentTouches.Get(key); ok {
		return nil
	}
	s.recentTouches.SetDefault(key, time.Now().UTC())
	return s.publishEvent(ctx, model.EventTouchContentLocation, []model.LocationItem{{Hash: h}})
}

// PublishReconcile emits a batched reconcile event describing adds and
// removals discovered by a reconciliation cycle.
func (s *Store) PublishReconcile(ctx context.Context, adds []model.LocationItem, removals []model.ShortHash) error {
	batch := model.EventBatch{
		ID:                uuid.NewString(),
		MachineID:         s.machineID,
		Epoch:             s.epoch,
		Kind:              model.EventReconcile,
		Items:             adds,
		ReconcileRemovals: removals,
		SequenceNumber:    s.sequence.Add(1),
	}
	return s.hub.Publish(ctx, s.epoch, batch)
}

// Dispatcher applies every event from a subscribed stream into a
// LocationDB synchronously, matching the master's role in spec §4.3: the
// master's local view equals the event log prefix it has acknowledged.
type Dispatcher struct {
	locationDB locationstore.LocationDB
	log        *logrus.Logger
}

// NewDispatcher builds a master-side event applier.
func NewDispatcher(locationDB locationstore.LocationDB, log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = logrus.New()
	}
	return &Dispatcher{locationDB: locationDB, log: log}
}

// Run consumes batch from in and applies each to the LocationDB until in is
// closed or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, in <-chan model.EventBatch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-in:
			if !ok {
				return nil
			}
			if err := d.apply(ctx, batch); err != nil {
				d.log.WithError(err).WithField("machineId", batch.MachineID).Error("eventstore: dispatch apply failed")
			}
		}
	}
}

func (d *Dispatcher) apply(ctx context.Context, batch model.EventBatch) error {
	switch batch.Kind {
	case model.EventAddContentLocation:
		for _, item := range batch.Items {
			if err := d.locationDB.LocationAdded(ctx, item.Hash, batch.MachineID, item.Size); err != nil {
				return err
			}
		}
	case model.EventRemoveContentLocation:
		for _, item := range batch.Items {
			if err := d.locationDB.LocationRemoved(ctx, item.Hash, batch.MachineID); err != nil {
				return err
			}
		}
	case model.EventTouchContentLocation:
		for _, item := range batch.Items {
			if err := d.locationDB.Touch(ctx, item.Hash); err != nil {
				return err
			}
		}
	case model.EventReconcile:
		for _, item := range batch.Items {
			if err := d.locationDB.LocationAdded(ctx, item.Hash, batch.MachineID, item.Size); err != nil {
				return err
			}
		}
		for _, h := range batch.ReconcileRemovals {
			if err := d.locationDB.LocationRemoved(ctx, h, batch.MachineID); err != nil {
				return err
			}
		}
	case model.EventUpdateMetadataEntry:
		// Metadata-only events carry no location-bit mutation.
	}
	return nil
}
