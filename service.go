// Package locationd wires the Local Location Store, Global KV, Event
// Store, Checkpoint Store, Election, Cluster State, Reconciliation,
// Eviction and Proactive Copy subsystems into one running Service, per
// spec §2's composition diagram.
package locationd

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/locationd/config"
	"github.com/i5heu/locationd/internal/checkpoint"
	"github.com/i5heu/locationd/internal/clusterstate"
	"github.com/i5heu/locationd/internal/election"
	"github.com/i5heu/locationd/internal/eventstore"
	"github.com/i5heu/locationd/internal/eviction"
	"github.com/i5heu/locationd/internal/globalkv"
	"github.com/i5heu/locationd/internal/locationdb"
	"github.com/i5heu/locationd/internal/proactive"
	"github.com/i5heu/locationd/internal/reconcile"
	pkgblobstore "github.com/i5heu/locationd/pkg/blobstore"
	"github.com/i5heu/locationd/pkg/locationstore"
	"github.com/i5heu/locationd/pkg/model"
	pkgproactive "github.com/i5heu/locationd/pkg/proactive"
	pkgreconcile "github.com/i5heu/locationd/pkg/reconcile"
)

// Service is the top-level handle applications embed to run one machine's
// location-plane participation.
type Service struct {
	log       *logrus.Logger
	cfg       config.Config
	location  model.MachineLocation
	machineID model.MachineID
	deps      Deps

	locationDB *locationdb.DefaultLocationDB
	kv         *globalkv.Raided
	events     *eventstore.Store
	dispatcher *eventstore.Dispatcher
	elector    *election.DefaultElector
	cluster    *clusterstate.DefaultManager
	reconciler *reconcile.DefaultEngine
	ranker     *eviction.DefaultRanker
	proactiveE *proactive.DefaultEngine

	producer *checkpoint.Producer
	consumer *checkpoint.Consumer
	central  *checkpoint.LocalCentralStore

	primaryClient   *redis.Client
	secondaryClient *redis.Client
	hub             *eventstore.RedisEventHub

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once

	heartbeatDone chan struct{}
	wg            sync.WaitGroup

	dispatchMu     sync.Mutex
	dispatching    bool
	dispatchCancel context.CancelFunc
}

// Deps supplies the external collaborators this repo does not implement:
// the on-disk blob store and the peer file-transfer transport.
type Deps struct {
	Blobs     pkgblobstore.Store
	Transport pkgproactive.Transport
	Peer      locationstore.Peer
}

// New constructs a Service. New performs no I/O; call Start to open
// storage and begin background heartbeats.
func New(cfg config.Config, location model.MachineLocation, deps Deps, log *logrus.Logger) (*Service, error) {
	if log == nil {
		log = logrus.New()
	}
	if deps.Blobs == nil {
		return nil, fmt.Errorf("locationd: Deps.Blobs is required")
	}
	svc := &Service{
		log:           log,
		cfg:           cfg,
		location:      location,
		deps:          deps,
		heartbeatDone: make(chan struct{}),
	}
	return svc, nil
}

// Start opens the local database, connects to the Global KV backends,
// registers this machine, and begins the heartbeat loop. Start is safe to
// call multiple times; only the first call has effect.
func (s *Service) Start(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		startErr = s.start(ctx)
	})
	return startErr
}

func (s *Service) start(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("locationd: mkdir %s: %w", s.cfg.DataDir, err)
	}

	locDB, err := locationdb.New(locationdb.Config{
		Path:                s.cfg.DataDir + "/locationdb",
		MinimumFreeGB:       s.cfg.MinimumFreeGB,
		LocationEntryExpiry: s.cfg.LocationEntryExpiry,
		Logger:              s.log,
	})
	if err != nil {
		return fmt.Errorf("locationd: open locationdb: %w", err)
	}
	s.locationDB = locDB

	s.primaryClient = redis.NewClient(&redis.Options{Addr: s.cfg.RedisAddrPrimary})
	s.secondaryClient = redis.NewClient(&redis.Options{Addr: s.cfg.RedisAddrSecondary})
	primary := globalkv.NewRedisBackend("primary", s.primaryClient)
	secondary := globalkv.NewRedisBackend("secondary", s.secondaryClient)
	s.kv = globalkv.New(s.cfg.KeySpacePrefix, s.cfg.RetryWindow, primary, secondary)

	s.cluster = clusterstate.New(clusterstate.Config{
		Epoch:                           s.cfg.EventHubEpoch,
		MachineExpiry:                   s.cfg.MachineExpiry,
		RecomputeInactiveMachinesExpiry: s.cfg.RecomputeInactiveMachinesExpiry,
	}, s.kv, s.locationDB, s.log)

	id, err := s.cluster.RegisterMachine(ctx, s.location)
	if err != nil {
		return fmt.Errorf("locationd: registerMachine: %w", err)
	}
	s.machineID = id

	central, err := checkpoint.NewLocalCentralStore(s.cfg.DataDir+"/checkpoints", s.cfg.MinimumFreeGB, s.log)
	if err != nil {
		return fmt.Errorf("locationd: open central store: %w", err)
	}
	s.central = central

	s.elector = election.New(election.Config{
		LeaseKey:         s.cfg.KeySpacePrefix + ":lease",
		LeaseExpiry:      s.cfg.MasterLeaseExpiryTime,
		IsMasterEligible: s.cfg.IsMasterEligible,
	}, primary, s.machineID, s.log)

	s.hub = eventstore.NewRedisEventHub(s.primaryClient, s.cfg.KeySpacePrefix)
	s.events = eventstore.New(s.machineID, s.cfg.EventHubEpoch, eventstore.Config{
		MachineLocationUpdateWindow:             s.cfg.MachineLocationUpdateWindow,
		TouchFrequency:                          s.cfg.TouchFrequency,
		SafeToLazilyUpdateMachineCountThreshold: s.cfg.SafeToLazilyUpdateMachineCountThreshold,
	}, s.hub, s.kv, s.locationDB, s.log)
	s.dispatcher = eventstore.NewDispatcher(s.locationDB, s.log)

	s.reconciler = reconcile.New(reconcile.Config{
		MachineID:     s.machineID,
		MaxCycleSize:  s.cfg.ReconciliationMaxCycleSize,
		AllowSkip:     s.cfg.AllowSkipReconciliation,
		UnsafeDisable: s.cfg.UnsafeDisableReconciliation,
		UpToDateAfter: s.cfg.LocationEntryExpiry,
	}, s.deps.Blobs, s.locationDB, s.events, s.log)

	s.ranker = eviction.New(eviction.Config{
		EvictionMinAge: s.cfg.EvictionMinAge,
		ReplicaCredit:  time.Duration(s.cfg.ReplicaCredit) * time.Minute,
	}, s.deps.Blobs, s.locationDB, s.log)

	s.proactiveE = proactive.New(proactive.Config{
		MachineID:             s.machineID,
		Enabled:               s.cfg.EnableProactiveCopy,
		OnPut:                 s.cfg.ProactiveCopyOnPut,
		OnPin:                 s.cfg.ProactiveCopyOnPin,
		PushCopies:            s.cfg.PushProactiveCopies,
		UsePreferredLocations: s.cfg.ProactiveCopyUsePreferredLocations,
		RejectOldContent:      s.cfg.ProactiveCopyRejectOldContent,
		TargetReplicaCount:    2,
		MaxConcurrentCopies:   4,
	}, s.deps.Transport, s.ranker, s.kv, s.deps.Blobs, s.cluster, s.log)

	s.producer = checkpoint.NewProducer(checkpoint.ProducerConfig{
		CheckpointsKey: s.cfg.KeySpacePrefix,
		Epoch:          s.cfg.EventHubEpoch,
		CreateInterval: s.cfg.CreateCheckpointInterval,
		UseIncremental: s.cfg.UseIncrementalCheckpointing,
	}, s.locationDB, s.central, s.log)

	s.consumer = checkpoint.NewConsumer(checkpoint.ConsumerConfig{
		CheckpointsKey: s.cfg.KeySpacePrefix,
		AgeThreshold:   s.cfg.RestoreCheckpointAgeThreshold,
		UseIncremental: s.cfg.UseIncrementalCheckpointing,
	}, s.central, s.locationDB, s.deps.Peer, s.log)

	s.started.Store(true)
	s.wg.Add(1)
	go s.heartbeatLoop(ctx)

	s.log.WithFields(logrus.Fields{"machineId": s.machineID, "location": s.location}).Info("locationd: service started")
	return nil
}

// Run starts the service, then blocks until ctx is cancelled, and finally
// performs a graceful shutdown.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Close(shutdownCtx)
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(s.heartbeatDone)
			return
		case <-ticker.C:
			s.heartbeatTick(ctx)
		}
	}
}

func (s *Service) heartbeatTick(ctx context.Context) {
	role, err := s.elector.Heartbeat(ctx)
	if err != nil {
		s.log.WithError(err).Warn("locationd: election heartbeat failed")
		return
	}

	if _, err := s.cluster.Heartbeat(ctx); err != nil {
		s.log.WithError(err).Warn("locationd: cluster heartbeat failed")
	}

	if s.cfg.StoreClusterStateInDatabase {
		if err := s.cluster.MirrorToLocationDB(ctx); err != nil {
			s.log.WithError(err).Warn("locationd: mirror cluster state failed")
		}
	}

	if role == model.RoleMaster {
		s.ensureDispatching(ctx)
		if s.producer.Due(time.Now().UTC()) {
			if _, err := s.producer.RunOnce(ctx); err != nil {
				s.log.WithError(err).Warn("locationd: checkpoint creation failed")
			}
		}
	} else {
		s.stopDispatching()
		if s.consumer.Due(time.Now().UTC()) {
			if err := s.consumer.RunOnce(ctx); err != nil {
				s.log.WithError(err).Warn("locationd: checkpoint restore failed")
			}
		}
	}

	if !s.cfg.UnsafeDisableReconciliation {
		if _, err := s.reconciler.RunCycle(ctx, false); err != nil {
			s.log.WithError(err).Warn("locationd: reconciliation cycle failed")
		}
	}

	if s.cfg.EnableProactiveCopy {
		if err := s.proactiveE.RunBackgroundPass(ctx); err != nil {
			s.log.WithError(err).Warn("locationd: proactive background pass failed")
		}
	}

	if cluster := s.cluster.Current(); cluster.Machines != nil {
		if _, err := s.locationDB.GarbageCollect(ctx, cluster); err != nil {
			s.log.WithError(err).Warn("locationd: garbage collection failed")
		}
	}
}

// ensureDispatching starts, once, a fan-in of every known machine's event
// stream into the Dispatcher, for as long as this machine holds the
// master role.
func (s *Service) ensureDispatching(ctx context.Context) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if s.dispatching {
		return
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	s.dispatchCancel = cancel
	s.dispatching = true

	merged := make(chan model.EventBatch)
	go s.runSubscriptions(dispatchCtx, merged)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.dispatcher.Run(dispatchCtx, merged); err != nil && dispatchCtx.Err() == nil {
			s.log.WithError(err).Warn("locationd: dispatcher stopped")
		}
	}()
}

// runSubscriptions spawns one Subscribe goroutine per currently-known
// machine and fans every batch into merged.
func (s *Service) runSubscriptions(ctx context.Context, merged chan<- model.EventBatch) {
	cluster := s.cluster.Current()
	var wg sync.WaitGroup
	for id := range cluster.Machines {
		wg.Add(1)
		go func(machineID model.MachineID) {
			defer wg.Done()
			cursor, err := s.hub.LastKnownCursor(ctx, s.cfg.EventHubEpoch, machineID)
			if err != nil {
				s.log.WithError(err).WithField("machineId", machineID).Warn("locationd: lastKnownCursor failed")
				return
			}
			batches, errs := s.hub.Subscribe(ctx, s.cfg.EventHubEpoch, cursor)
			for {
				select {
				case <-ctx.Done():
					return
				case batch, ok := <-batches:
					if !ok {
						return
					}
					select {
					case merged <- batch:
					case <-ctx.Done():
						return
					}
				case err, ok := <-errs:
					if ok && err != nil {
						s.log.WithError(err).WithField("machineId", machineID).Warn("locationd: subscribe error")
					}
				}
			}
		}(id)
	}
	wg.Wait()
	close(merged)
}

// stopDispatching cancels the running master-side dispatch fan-in, if any.
func (s *Service) stopDispatching() {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if !s.dispatching {
		return
	}
	s.dispatchCancel()
	s.dispatching = false
}

// LocationDB exposes the local database for read paths (e.g. GetBulk).
func (s *Service) LocationDB() *locationdb.DefaultLocationDB { return s.locationDB }

// GlobalKV exposes the raided GlobalKV for read paths.
func (s *Service) GlobalKV() *globalkv.Raided { return s.kv }

// Events exposes the publish-discipline event store for local mutations.
func (s *Service) Events() *eventstore.Store { return s.events }

// MachineID returns this machine's allocated id, valid after Start.
func (s *Service) MachineID() model.MachineID { return s.machineID }

// ForceReconcile runs a reconciliation cycle immediately, bypassing the
// up-to-date skip that heartbeatTick otherwise honors, per spec.md's
// force=true escape hatch for on-demand reconciliation.
func (s *Service) ForceReconcile(ctx context.Context) (pkgreconcile.Stats, error) {
	return s.reconciler.RunCycle(ctx, true)
}

// Close releases every subsystem's resources. Close is idempotent.
func (s *Service) Close(ctx context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		if !s.started.Load() {
			return
		}
		s.wg.Wait()
		if err := s.elector.ReleaseRoleIfNecessary(ctx); err != nil {
			s.log.WithError(err).Warn("locationd: release lease failed")
		}
		if err := s.proactiveE.Close(ctx); err != nil {
			s.log.WithError(err).Warn("locationd: proactive engine close failed")
		}
		if err := s.locationDB.ForceCacheFlush(ctx); err != nil {
			s.log.WithError(err).Warn("locationd: final cache flush failed")
		}
		if err := s.locationDB.Close(); err != nil {
			closeErr = fmt.Errorf("close locationdb: %w", err)
		}
		if err := s.central.Close(); err != nil {
			s.log.WithError(err).Warn("locationd: close central store failed")
		}
		if err := s.primaryClient.Close(); err != nil {
			s.log.WithError(err).Warn("locationd: close primary redis client failed")
		}
		if err := s.secondaryClient.Close(); err != nil {
			s.log.WithError(err).Warn("locationd: close secondary redis client failed")
		}
		s.log.Info("locationd: service closed")
	})
	return closeErr
}
