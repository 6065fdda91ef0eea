// Package proactive defines the Proactive Copy Engine contract of spec
// §4.9: push- and pull-based replication of content ahead of demand.
package proactive

import (
	"context"
	"errors"

	"github.com/i5heu/locationd/pkg/model"
)

// Trigger identifies why a copy was initiated.
type Trigger uint8

const (
	TriggerBackground Trigger = iota
	TriggerOnPut
	TriggerOnPin
)

// ErrRejectedOlderThanEvicted is the sentinel a Transport implementation
// returns from PushTo/PullFrom when the receiving machine declined the
// transfer because the content is older than that machine's own
// most-recently-evicted item (spec §4.9's receiver-side rejection rule).
// The engine only attributes the RejectedPushCopyOlderThanEvicted counter
// to errors satisfying errors.Is(err, ErrRejectedOlderThanEvicted); any
// other error is treated as a plain transport failure.
var ErrRejectedOlderThanEvicted = errors.New("proactive: receiver rejected copy as older than its most-recently-evicted content")

// Transport is the push/pull streaming capability Proactive Copy needs
// from the (out-of-scope) file-transfer RPC layer between machines.
type Transport interface {
	// PushTo streams h's bytes from this machine to target. It returns
	// ErrRejectedOlderThanEvicted if target declined the copy because h
	// is older than target's most-recently-evicted content.
	PushTo(ctx context.Context, target model.MachineID, h model.ContentHash) error

	// PullFrom streams h's bytes from source to this machine. It returns
	// ErrRejectedOlderThanEvicted if source declined the copy because h
	// is older than source's most-recently-evicted content.
	PullFrom(ctx context.Context, source model.MachineID, h model.ContentHash) error

	// EvictionPressure asks target to advertise its own local eviction
	// urgency (spec §4.9's "each peer's advertised eviction order"): lower
	// values mean target is less likely to evict a newly arriving copy
	// soon. UsePreferredLocations ranks candidates by this value, in
	// ascending order, instead of the local Eviction Ranker, since the
	// local ranker only knows this machine's own content.
	EvictionPressure(ctx context.Context, target model.MachineID) (float64, error)
}

// Engine drives proactive replication decisions and executes them via a
// Transport, bounded by a concurrency gate.
type Engine interface {
	// Trigger evaluates whether h should be proactively copied given why
	// it is being considered, selects targets (preferred-locations via
	// each candidate's advertised EvictionPressure, or random, per
	// ProactiveCopyUsePreferredLocations), and enqueues the copy. Trigger
	// returns immediately; the copy runs asynchronously and is subject to
	// the concurrency gate.
	Trigger(ctx context.Context, h model.ContentHash, reason Trigger) error

	// RunBackgroundPass performs one scan for content below its target
	// replica count and enqueues copies for it, honoring
	// PushProactiveCopies vs. pull semantics.
	RunBackgroundPass(ctx context.Context) error

	// Close waits for in-flight copies to finish or ctx to be cancelled.
	Close(ctx context.Context) error
}
