// Package proactive implements the Proactive Copy Engine of spec §4.9:
// trigger evaluation, target selection by peers' advertised eviction
// pressure (or at random), and
// push/pull execution bounded by a counting-channel concurrency gate.
package proactive

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/locationd/pkg/blobstore"
	"github.com/i5heu/locationd/pkg/clustermodel"
	"github.com/i5heu/locationd/pkg/counters"
	"github.com/i5heu/locationd/pkg/eviction"
	"github.com/i5heu/locationd/pkg/globalkv"
	"github.com/i5heu/locationd/pkg/model"
	"github.com/i5heu/locationd/pkg/proactive"
)

// Config tunes trigger and target-selection behavior.
type Config struct {
	MachineID             model.MachineID
	Enabled               bool
	OnPut                 bool
	OnPin                 bool
	PushCopies            bool
	UsePreferredLocations bool
	RejectOldContent      bool
	TargetReplicaCount    int
	MaxConcurrentCopies   int
}

// gate is a buffered-channel counting semaphore: the idiomatic
// no-dependency bound on concurrent copies, since no semaphore library
// appears anywhere in the retrieved example pack.
type gate chan struct{}

func newGate(n int) gate {
	if n <= 0 {
		n = 1
	}
	return make(gate, n)
}

func (g gate) acquire(ctx context.Context) error {
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g gate) release() { <-g }

// DefaultEngine implements pkg/proactive.Engine.
type DefaultEngine struct {
	cfg       Config
	transport proactive.Transport
	ranker    eviction.Ranker
	kv        globalkv.GlobalKV
	blobs     blobstore.Store
	cluster   clustermodel.Manager
	counters  *counters.Set
	log       *logrus.Logger

	gate gate
	wg   sync.WaitGroup

	mostEvictedMu sync.RWMutex
	mostEvicted   time.Time // last-access time of this machine's most-recently-evicted hash
}

var _ proactive.Engine = (*DefaultEngine)(nil)

// New builds a DefaultEngine.
func New(cfg Config, transport proactive.Transport, ranker eviction.Ranker, kv globalkv.GlobalKV, blobs blobstore.Store, cluster clustermodel.Manager, log *logrus.Logger) *DefaultEngine {
	if log == nil {
		log = logrus.New()
	}
	return &DefaultEngine{
		cfg:       cfg,
		transport: transport,
		ranker:    ranker,
		kv:        kv,
		blobs:     blobs,
		cluster:   cluster,
		counters:  counters.NewSet(),
		log:       log,
		gate:      newGate(cfg.MaxConcurrentCopies),
	}
}

func (e *DefaultEngine) Counters() *counters.Set { return e.counters }

// NoteEviction records the last-access time of a hash just evicted
// locally, used to answer RejectOldContent rejection checks.
func (e *DefaultEngine) NoteEviction(lastAccess time.Time) {
	e.mostEvictedMu.Lock()
	if lastAccess.After(e.mostEvicted) {
		e.mostEvicted = lastAccess
	}
	e.mostEvictedMu.Unlock()
}

// EvictionPressure summarizes this machine's own local eviction urgency
// for advertisement to peers, via Transport.EvictionPressure, selecting
// preferred proactive-copy targets (spec §4.9). It samples the top n
// entries of the local Eviction Ranker's MostReplicated order: a machine
// whose most-replicated content already has high replica counts has
// slack and is unlikely to evict a newly arriving copy soon, so it
// reports low pressure. A machine with no ranked data reports maximum
// pressure, since it offers no evidence it is safe to prefer.
func (e *DefaultEngine) EvictionPressure(ctx context.Context, n int) (float64, error) {
	ranked, err := e.ranker.MostReplicated(ctx, n)
	if err != nil {
		return 0, fmt.Errorf("proactive: mostReplicated: %w", err)
	}
	if len(ranked) == 0 {
		return 1, nil
	}
	var total float64
	for _, c := range ranked {
		total += float64(c.ReplicaCount)
	}
	avg := total / float64(len(ranked))
	return 1 / (1 + avg), nil
}

// RejectsAsOlderThanEvicted reports whether lastAccess predates this
// machine's most-recently-evicted hash, per the receiver-side rejection
// rule of spec §4.9.
func (e *DefaultEngine) RejectsAsOlderThanEvicted(lastAccess time.Time) bool {
	if !e.cfg.RejectOldContent {
		return false
	}
	e.mostEvictedMu.RLock()
	defer e.mostEvictedMu.RUnlock()
	return !e.mostEvicted.IsZero() && lastAccess.Before(e.mostEvicted)
}

// Trigger evaluates whether a Trigger event should enqueue a copy of h.
func (e *DefaultEngine) Trigger(ctx context.Context, h model.ContentHash, reason proactive.Trigger) error {
	if !e.cfg.Enabled {
		return nil
	}
	switch reason {
	case proactive.TriggerOnPut:
		if !e.cfg.OnPut {
			return nil
		}
	case proactive.TriggerOnPin:
		if !e.cfg.OnPin {
			return nil
		}
	}

	targets, err := e.selectTargets(ctx, h, 1)
	if err != nil {
		return fmt.Errorf("proactive: selectTargets: %w", err)
	}
	for _, target := range targets {
		e.enqueue(ctx, h, target)
	}
	return nil
}

// RunBackgroundPass scans under-replicated local hashes and enqueues
// copies for each, up to one target per hash per pass.
func (e *DefaultEngine) RunBackgroundPass(ctx context.Context) error {
	if !e.cfg.Enabled {
		return nil
	}

	hashes, err := e.blobs.EnumerateLocalHashes(ctx)
	if err != nil {
		return fmt.Errorf("proactive: enumerateLocalHashes: %w", err)
	}

	entries, err := e.kv.GetBulk(ctx, shortHashes(hashes))
	if err != nil {
		return fmt.Errorf("proactive: getBulk: %w", err)
	}

	for _, h := range hashes {
		entry, ok := entries[h.Short()]
		replicaCount := 1
		if ok {
			replicaCount = entry.Machines.Count()
		}
		if replicaCount >= e.cfg.TargetReplicaCount {
			continue
		}
		targets, err := e.selectTargets(ctx, h, 1)
		if err != nil {
			continue
		}
		for _, target := range targets {
			e.enqueue(ctx, h, target)
		}
	}
	return nil
}

func shortHashes(hashes []model.ContentHash) []model.ShortHash {
	out := make([]model.ShortHash, len(hashes))
	for i, h := range hashes {
		out[i] = h.Short()
	}
	return out
}

// selectTargets picks up to n candidate machines to receive h, excluding
// the local machine and any machine already holding it.
func (e *DefaultEngine) selectTargets(ctx context.Context, h model.ContentHash, n int) ([]model.MachineID, error) {
	entries, err := e.kv.GetBulk(ctx, []model.ShortHash{h.Short()})
	if err != nil {
		return nil, err
	}
	holders := map[model.MachineID]bool{e.cfg.MachineID: true}
	if v, present := entries[h.Short()]; present {
		for _, id := range v.Machines.Members() {
			holders[id] = true
		}
	}

	cluster := e.cluster.Current()
	var candidates []model.MachineID
	for id := range cluster.Machines {
		if holders[id] || cluster.IsInactive(id) {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if e.cfg.UsePreferredLocations {
		if preferred := e.rankByAdvertisedPressure(ctx, candidates, n); preferred != nil {
			return preferred, nil
		}
	}

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n], nil
}

// rankByAdvertisedPressure queries each candidate's own EvictionPressure
// via Transport and returns up to n candidates in ascending order of
// pressure (least likely to evict soon first). It returns nil if no
// candidate answered, so the caller can fall back to random selection.
func (e *DefaultEngine) rankByAdvertisedPressure(ctx context.Context, candidates []model.MachineID, n int) []model.MachineID {
	type scored struct {
		id       model.MachineID
		pressure float64
	}
	scoredCandidates := make([]scored, 0, len(candidates))
	for _, id := range candidates {
		pressure, err := e.transport.EvictionPressure(ctx, id)
		if err != nil {
			e.log.WithError(err).WithField("candidate", id).Debug("proactive: evictionPressure query failed")
			continue
		}
		scoredCandidates = append(scoredCandidates, scored{id: id, pressure: pressure})
	}
	if len(scoredCandidates) == 0 {
		return nil
	}
	sort.Slice(scoredCandidates, func(i, j int) bool { return scoredCandidates[i].pressure < scoredCandidates[j].pressure })

	if n > len(scoredCandidates) {
		n = len(scoredCandidates)
	}
	preferred := make([]model.MachineID, n)
	for i := 0; i < n; i++ {
		preferred[i] = scoredCandidates[i].id
	}
	return preferred
}

func (e *DefaultEngine) enqueue(ctx context.Context, h model.ContentHash, target model.MachineID) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.gate.acquire(ctx); err != nil {
			return
		}
		defer e.gate.release()

		var err error
		if e.cfg.PushCopies {
			err = e.transport.PushTo(ctx, target, h)
		} else {
			err = e.transport.PullFrom(ctx, target, h)
		}
		if err != nil {
			if errors.Is(err, proactive.ErrRejectedOlderThanEvicted) {
				e.counters.Inc(counters.RejectedPushCopyOlderThanEvicted, 1)
			} else {
				e.counters.Inc(counters.ProactiveCopyTransportFailed, 1)
			}
			e.log.WithError(err).WithField("target", target).Debug("proactive: copy rejected or failed")
		}
	}()
}

// Close waits for in-flight copies to finish or ctx to be cancelled.
func (e *DefaultEngine) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
