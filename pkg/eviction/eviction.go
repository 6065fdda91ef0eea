// Package eviction defines the Eviction Ranking contract of spec §4.8: a
// lazy, paged ordering of local content hashes from most to least
// evictable, adjusted for replica credit.
package eviction

import (
	"context"

	"github.com/i5heu/locationd/pkg/model"
)

// Candidate is one ranked eviction candidate.
type Candidate struct {
	Hash          model.ShortHash
	Age           float64 // seconds since LastAccessTimeUTC, replica-credit adjusted
	RawAge        float64 // seconds since LastAccessTimeUTC, before replica-credit adjustment; used as a sort tiebreaker
	ReplicaCount  int
	EligibleAfter bool // false if younger than EvictionMinAge
}

// Ranker produces a lazily-computed eviction order without materializing
// the full local content set in memory.
type Ranker interface {
	// Rank returns a channel yielding Candidates from most to least
	// evictable, honoring EvictionMinAge and ReplicaCredit. The channel is
	// closed when the ranking is exhausted or ctx is cancelled.
	Rank(ctx context.Context) (<-chan Candidate, <-chan error)

	// MostReplicated returns up to n hashes with the highest replica
	// counts, used by Proactive Copy's preferred-location selection run in
	// reverse (spec §4.9).
	MostReplicated(ctx context.Context, n int) ([]Candidate, error)
}
