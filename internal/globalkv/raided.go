package globalkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/i5heu/locationd/pkg/counters"
	"github.com/i5heu/locationd/pkg/globalkv"
	"github.com/i5heu/locationd/pkg/model"
)

const maxCASRetries = 16

// Raided composes one or two globalkv.Backend instances into the single
// GlobalKV API of spec §4.2: dual writes, raced reads with a bounded
// cancellation wait, and CAS-based idempotent machine registration.
type Raided struct {
	backends    []globalkv.Backend
	keyPrefix   string
	retryWindow time.Duration
	counters    *counters.Set
}

var _ globalkv.GlobalKV = (*Raided)(nil)

// New builds a Raided GlobalKV over one or two backends. secondary may be
// nil, in which case the raid degrades to a single-backend passthrough.
func New(keyPrefix string, retryWindow time.Duration, primary, secondary globalkv.Backend) *Raided {
	backends := []globalkv.Backend{}
	if primary != nil {
		backends = append(backends, primary)
	}
	if secondary != nil {
		backends = append(backends, secondary)
	}
	return &Raided{
		backends:    backends,
		keyPrefix:   keyPrefix,
		retryWindow: retryWindow,
		counters:    counters.NewSet(),
	}
}

func (r *Raided) key(parts ...string) string {
	out := r.keyPrefix
	for _, p := range parts {
		out += "/" + p
	}
	return out
}

func (r *Raided) Counters() *counters.Set { return r.counters }

// raceRead issues fn against every backend concurrently and returns as
// soon as any backend reports a hit (ok=true), cancelling the rest. A miss
// from one backend does not short-circuit the race: raceRead keeps waiting
// for every remaining backend and only reports ok=false once none of them
// found the key either, so a value still held by one backend is never
// masked by another backend racing ahead with a miss. Losing calls are
// cancelled; the call does not return until every loser has observed
// cancellation or retryWindow has elapsed, at which point a stall is
// counted as CancelRedisInstance.
func raceRead[T any](ctx context.Context, r *Raided, fn func(context.Context, globalkv.Backend) (T, bool, error)) (T, bool, error) {
	var zero T
	if len(r.backends) == 0 {
		return zero, false, errors.New("globalkv: no backends configured")
	}
	if len(r.backends) == 1 {
		return fn(ctx, r.backends[0])
	}

	type result struct {
		value T
		ok    bool
		err   error
	}

	cancels := make([]context.CancelFunc, len(r.backends))
	doneCh := make([]chan struct{}, len(r.backends))
	resultCh := make(chan result, len(r.backends))

	for i, b := range r.backends {
		c, cancel := context.WithCancel(ctx)
		cancels[i] = cancel
		doneCh[i] = make(chan struct{})
		go func(i int, b globalkv.Backend, c context.Context) {
			defer close(doneCh[i])
			v, ok, err := fn(c, b)
			resultCh <- result{value: v, ok: ok, err: err}
		}(i, b, c)
	}

	var firstErr error
	sawMiss := false
	for i := 0; i < len(r.backends); i++ {
		res := <-resultCh
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		if res.ok {
			for _, cancel := range cancels {
				cancel()
			}
			r.waitForCancellation(doneCh)
			return res.value, true, nil
		}
		sawMiss = true
	}
	for _, cancel := range cancels {
		cancel()
	}
	r.waitForCancellation(doneCh)
	if sawMiss {
		return zero, false, nil
	}
	return zero, false, fmt.Errorf("globalkv: all backends failed: %w", firstErr)
}

func (r *Raided) waitForCancellation(doneCh []chan struct{}) {
	for _, d := range doneCh {
		select {
		case <-d:
		case <-time.After(r.retryWindow):
			r.counters.Inc(counters.CancelRedisInstance, 1)
		}
	}
}

// dualWrite issues fn against every backend and succeeds if at least one
// backend accepts the write, so state remains recoverable from either
// side independently.
func dualWrite(ctx context.Context, backends []globalkv.Backend, fn func(context.Context, globalkv.Backend) error) error {
	errs := make([]error, len(backends))
	var wg sync.WaitGroup
	for i, b := range backends {
		wg.Add(1)
		go func(i int, b globalkv.Backend) {
			defer wg.Done()
			errs[i] = fn(ctx, b)
		}(i, b)
	}
	wg.Wait()

	var firstErr error
	succeeded := false
	for _, err := range errs {
		if err == nil {
			succeeded = true
		} else if firstErr == nil {
			firstErr = err
		}
	}
	if !succeeded {
		return fmt.Errorf("globalkv: write failed on every backend: %w", firstErr)
	}
	return nil
}

func encodeMachineID(id model.MachineID) []byte {
	return []byte(strconv.FormatUint(uint64(id), 10))
}

func decodeMachineID(raw []byte) (model.MachineID, error) {
	n, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("globalkv: decode machine id: %w", err)
	}
	return model.MachineID(n), nil
}

// RegisterMachine implements the idempotent CAS-allocated registration of
// spec §4.2. One backend decides the winning id; the binding is then
// mirrored to every backend.
func (r *Raided) RegisterMachine(ctx context.Context, location model.MachineLocation) (model.MachineID, error) {
	if len(r.backends) == 0 {
		return 0, errors.New("globalkv: no backends configured")
	}

	byLocKey := r.key("machine", "byloc", string(location))
	maxIDKey := r.key("machine", "maxid")

	var lastErr error
	for _, b := range r.backends {
		id, err := registerMachineOn(ctx, b, byLocKey, maxIDKey)
		if err != nil {
			lastErr = err
			continue
		}
		idBytes := encodeMachineID(id)
		_ = dualWrite(ctx, r.backends, func(ctx context.Context, backend globalkv.Backend) error {
			return backend.Set(ctx, byLocKey, idBytes)
		})
		return id, nil
	}
	return 0, fmt.Errorf("globalkv: registerMachine: %w", lastErr)
}

func registerMachineOn(ctx context.Context, b globalkv.Backend, byLocKey, maxIDKey string) (model.MachineID, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		if val, ok, err := b.Get(ctx, byLocKey); err != nil {
			return 0, err
		} else if ok {
			return decodeMachineID(val)
		}

		curBytes, curOK, err := b.Get(ctx, maxIDKey)
		if err != nil {
			return 0, err
		}
		var curID model.MachineID
		if curOK {
			curID, err = decodeMachineID(curBytes)
			if err != nil {
				return 0, err
			}
		}
		candidate := curID + 1
		candBytes := encodeMachineID(candidate)

		var expected []byte
		if curOK {
			expected = curBytes
		}
		casOK, err := b.CompareAndSet(ctx, maxIDKey, expected, candBytes)
		if err != nil {
			return 0, err
		}
		if !casOK {
			continue
		}

		setOK, err := b.SetIfNotExists(ctx, byLocKey, candBytes)
		if err != nil {
			return 0, err
		}
		if setOK {
			return candidate, nil
		}

		val, ok, err := b.Get(ctx, byLocKey)
		if err != nil {
			return 0, err
		}
		if ok {
			return decodeMachineID(val)
		}
	}
	return 0, fmt.Errorf("globalkv[%s]: registerMachine exceeded retries", b.Name())
}

type wireEntry struct {
	Size              int64     `json:"size"`
	Machines          []uint64  `json:"machines"`
	CreationTimeUTC   time.Time `json:"createdAt"`
	LastAccessTimeUTC time.Time `json:"lastAccessAt"`
}

func encodeEntry(e model.ContentLocationEntry) []byte {
	w := wireEntry{
		Size:              e.Size,
		CreationTimeUTC:   e.CreationTimeUTC,
		LastAccessTimeUTC: e.LastAccessTimeUTC,
	}
	for _, id := range e.Machines.Members() {
		w.Machines = append(w.Machines, uint64(id))
	}
	raw, _ := json.Marshal(w)
	return raw
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

func (r *Raided) locKey(h model.ShortHash) string {
	return r.key("loc", h.String())
}

// RegisterLocation sets machineID's bit for every item on every backend,
// merging sizes for previously-unknown entries (larger wins on conflict).
func (r *Raided) RegisterLocation(ctx context.Context, machineID model.MachineID, items []model.LocationItem) error {
	for _, item := range items {
		key := r.locKey(item.Hash)
		item := item
		err := dualWrite(ctx, r.backends, func(ctx context.Context, b globalkv.Backend) error {
			return casMergeAdd(ctx, b, key, machineID, item.Size)
		})
		if err != nil {
			return fmt.Errorf("globalkv: registerLocation %s: %w", item.Hash, err)
		}
	}
	return nil
}

func casMergeAdd(ctx context.Context, b globalkv.Backend, key string, machineID model.MachineID, size int64) error {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		raw, ok, err := b.Get(ctx, key)
		if err != nil {
			return err
		}
		var entry model.ContentLocationEntry
		if ok {
			entry, err = decodeEntry(raw)
			if err != nil {
				return err
			}
		} else {
			entry.CreationTimeUTC = time.Now().UTC()
			entry.Size = model.UnknownSize
		}

		if size != model.UnknownSize {
			entry.Size = model.MergeSize(entry.Size, size)
		}
		entry.Machines.Set(machineID)
		entry.LastAccessTimeUTC = time.Now().UTC()

		newRaw := encodeEntry(entry)
		var expected []byte
		if ok {
			expected = raw
		}
		casOK, err := b.CompareAndSet(ctx, key, expected, newRaw)
		if err != nil {
			return err
		}
		if casOK {
			return nil
		}
	}
	return fmt.Errorf("globalkv[%s]: registerLocation exceeded retries", b.Name())
}

// GetBulk performs a raced, batched fetch across backends per hash.
func (r *Raided) GetBulk(ctx context.Context, hashes []model.ShortHash) (map[model.ShortHash]model.ContentLocationEntry, error) {
	result := make(map[model.ShortHash]model.ContentLocationEntry, len(hashes))
	for _, h := range hashes {
		key := r.locKey(h)
		raw, ok, err := raceRead(ctx, r, func(ctx context.Context, b globalkv.Backend) ([]byte, bool, error) {
			return b.Get(ctx, key)
		})
		if err != nil {
			return nil, fmt.Errorf("globalkv: getBulk %s: %w", h, err)
		}
		if !ok {
			continue
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			return nil, fmt.Errorf("globalkv: getBulk decode %s: %w", h, err)
		}
		result[h] = entry
	}
	return result, nil
}

// TrimBulk clears machineID's bit for every hash on every backend.
func (r *Raided) TrimBulk(ctx context.Context, machineID model.MachineID, hashes []model.ShortHash) error {
	for _, h := range hashes {
		key := r.locKey(h)
		err := dualWrite(ctx, r.backends, func(ctx context.Context, b globalkv.Backend) error {
			return casClearBit(ctx, b, key, machineID)
		})
		if err != nil {
			return fmt.Errorf("globalkv: trimBulk %s: %w", h, err)
		}
	}
	return nil
}

func casClearBit(ctx context.Context, b globalkv.Backend, key string, machineID model.MachineID) error {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		raw, ok, err := b.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			return err
		}
		entry.Machines.Clear(machineID)
		newRaw := encodeEntry(entry)
		casOK, err := b.CompareAndSet(ctx, key, raw, newRaw)
		if err != nil {
			return err
		}
		if casOK {
			return nil
		}
	}
	return fmt.Errorf("globalkv[%s]: trimBulk exceeded retries", b.Name())
}

// UpdateClusterState performs a CAS read-modify-write of the shared
// cluster-state record, then mirrors the result to every backend.
func (r *Raided) UpdateClusterState(ctx context.Context, mutate func(model.ClusterState) model.ClusterState) (model.ClusterState, error) {
	if len(r.backends) == 0 {
		return model.ClusterState{}, errors.New("globalkv: no backends configured")
	}
	key := r.key("cluster", "state")
	primary := r.backends[0]

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		raw, ok, err := primary.Get(ctx, key)
		if err != nil {
			return model.ClusterState{}, err
		}
		var current model.ClusterState
		if ok {
			if err := json.Unmarshal(raw, &current); err != nil {
				return model.ClusterState{}, err
			}
		}
		newState := mutate(current)
		newRaw, err := json.Marshal(newState)
		if err != nil {
			return model.ClusterState{}, err
		}
		var expected []byte
		if ok {
			expected = raw
		}
		casOK, err := primary.CompareAndSet(ctx, key, expected, newRaw)
		if err != nil {
			return model.ClusterState{}, err
		}
		if casOK {
			_ = dualWrite(ctx, r.backends, func(ctx context.Context, b globalkv.Backend) error {
				return b.Set(ctx, key, newRaw)
			})
			return newState, nil
		}
	}
	return model.ClusterState{}, errors.New("globalkv: updateClusterState exceeded retries")
}
