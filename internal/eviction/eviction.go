// Package eviction implements the paged, replica-credit-adjusted eviction
// ordering of spec §4.8 as a lazily-consumed channel.
package eviction

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/locationd/pkg/blobstore"
	"github.com/i5heu/locationd/pkg/counters"
	"github.com/i5heu/locationd/pkg/eviction"
	"github.com/i5heu/locationd/pkg/locationstore"
	"github.com/i5heu/locationd/pkg/model"
)

const defaultPageSize = 256

// Config tunes ranking behavior.
type Config struct {
	EvictionMinAge time.Duration
	ReplicaCredit  time.Duration
	Reverse        bool
	PageSize       int
}

// DefaultRanker implements pkg/eviction.Ranker over a blob store and the
// local LocationDB index.
type DefaultRanker struct {
	cfg        Config
	blobs      blobstore.Store
	locationDB locationstore.LocationDB
	counters   *counters.Set
	log        *logrus.Logger
}

var _ eviction.Ranker = (*DefaultRanker)(nil)

// New builds a DefaultRanker.
func New(cfg Config, blobs blobstore.Store, locationDB locationstore.LocationDB, log *logrus.Logger) *DefaultRanker {
	if log == nil {
		log = logrus.New()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	return &DefaultRanker{cfg: cfg, blobs: blobs, locationDB: locationDB, counters: counters.NewSet(), log: log}
}

func (r *DefaultRanker) Counters() *counters.Set { return r.counters }

func (r *DefaultRanker) candidate(ctx context.Context, now time.Time, h model.ContentHash) (eviction.Candidate, error) {
	short := h.Short()
	replicaCount := 1
	if entry, ok, err := r.locationDB.TryGet(ctx, short); err == nil && ok {
		if n := entry.Machines.Count(); n > 0 {
			replicaCount = n
		}
	}

	lastAccess, err := r.blobs.LastAccessTime(ctx, h)
	if err != nil {
		return eviction.Candidate{}, err
	}

	rawAge := now.Sub(lastAccess)
	credit := r.cfg.ReplicaCredit * time.Duration(max0(replicaCount-1))
	age := rawAge.Seconds()
	effectiveAge := (rawAge - credit).Seconds()

	eligible := rawAge >= r.cfg.EvictionMinAge
	if !eligible {
		r.counters.Inc(counters.EvictionMinAge, 1)
	}

	return eviction.Candidate{Hash: short, Age: effectiveAge, RawAge: age, ReplicaCount: replicaCount, EligibleAfter: eligible}, nil
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// Rank streams pages of Candidates, sorted within each page by
// effectiveAge descending (oldest-effective first), ties by raw age.
// Ordering is exact within a page and only approximately global.
func (r *DefaultRanker) Rank(ctx context.Context) (<-chan eviction.Candidate, <-chan error) {
	out := make(chan eviction.Candidate, r.cfg.PageSize)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		hashes, err := r.blobs.EnumerateLocalHashes(ctx)
		if err != nil {
			errCh <- fmt.Errorf("eviction: enumerateLocalHashes: %w", err)
			return
		}

		now := time.Now().UTC()
		for start := 0; start < len(hashes); start += r.cfg.PageSize {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			end := start + r.cfg.PageSize
			if end > len(hashes) {
				end = len(hashes)
			}
			page := make([]eviction.Candidate, 0, end-start)
			for _, h := range hashes[start:end] {
				c, err := r.candidate(ctx, now, h)
				if err != nil {
					continue
				}
				if !c.EligibleAfter {
					continue
				}
				page = append(page, c)
			}

			sort.Slice(page, func(i, j int) bool {
				if page[i].Age != page[j].Age {
					if r.cfg.Reverse {
						return page[i].Age < page[j].Age
					}
					return page[i].Age > page[j].Age
				}
				if r.cfg.Reverse {
					return page[i].RawAge < page[j].RawAge
				}
				return page[i].RawAge > page[j].RawAge
			})

			for _, c := range page {
				select {
				case out <- c:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
		}
	}()

	return out, errCh
}

// MostReplicated returns up to n hashes with the highest replica counts.
func (r *DefaultRanker) MostReplicated(ctx context.Context, n int) ([]eviction.Candidate, error) {
	hashes, err := r.blobs.EnumerateLocalHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("eviction: enumerateLocalHashes: %w", err)
	}

	now := time.Now().UTC()
	all := make([]eviction.Candidate, 0, len(hashes))
	for _, h := range hashes {
		c, err := r.candidate(ctx, now, h)
		if err != nil {
			continue
		}
		all = append(all, c)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ReplicaCount > all[j].ReplicaCount })
	if n < len(all) {
		all = all[:n]
	}
	return all, nil
}
