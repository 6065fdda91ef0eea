// Package eventstore implements the Event Store: a Redis-Streams-backed
// IEventHub (per-publisher ordered streams) plus the publish-discipline
// Store that decides, for each local mutation, whether to go eager, lazy,
// or queued (spec §4.3).
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/i5heu/locationd/pkg/eventhub"
	"github.com/i5heu/locationd/pkg/model"
)

// RedisEventHub implements pkg/eventhub.IEventHub with one Redis Stream per
// (epoch, machineID) publisher, grounded on the teacher pack's stream
// wrapper (Dutt23-agentic-orchestrator's common/redis.Client AddToStream /
// ReadFromStreamGroup).
type RedisEventHub struct {
	client    *redis.Client
	keyPrefix string
}

var _ eventhub.IEventHub = (*RedisEventHub)(nil)

// NewRedisEventHub wraps an already-connected redis.Client.
func NewRedisEventHub(client *redis.Client, keyPrefix string) *RedisEventHub {
	return &RedisEventHub{client: client, keyPrefix: keyPrefix}
}

func (h *RedisEventHub) streamKey(epoch string, machineID model.MachineID) string {
	return fmt.Sprintf("%s:events:%s:%d", h.keyPrefix, epoch, machineID)
}

// Publish appends batch to its publisher's stream for the given epoch.
func (h *RedisEventHub) Publish(ctx context.Context, epoch string, batch model.EventBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("eventstore: marshal batch: %w", err)
	}
	stream := h.streamKey(epoch, batch.MachineID)
	err = h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("eventstore: xadd %s: %w", stream, err)
	}
	return nil
}

// Subscribe streams batches for a single publisher (from.MachineID),
// starting at from.Offset (or the beginning of the stream when empty). The
// returned channels close when ctx is cancelled or the stream read fails.
func (h *RedisEventHub) Subscribe(ctx context.Context, epoch string, from eventhub.Cursor) (<-chan model.EventBatch, <-chan error) {
	out := make(chan model.EventBatch, 64)
	errCh := make(chan error, 1)
	stream := h.streamKey(epoch, from.MachineID)

	lastID := from.Offset
	if lastID == "" {
		lastID = "0"
	}

	go func() {
		defer close(out)
		defer close(errCh)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			res, err := h.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   128,
				Block:   5 * time.Second,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errCh <- fmt.Errorf("eventstore: xread %s: %w", stream, err)
				return
			}

			for _, s := range res {
				for _, msg := range s.Messages {
					raw, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var batch model.EventBatch
					if err := json.Unmarshal([]byte(raw), &batch); err != nil {
						errCh <- fmt.Errorf("eventstore: decode batch %s: %w", msg.ID, err)
						return
					}
					select {
					case out <- batch:
					case <-ctx.Done():
						return
					}
					lastID = msg.ID
				}
			}
		}
	}()

	return out, errCh
}

// LastKnownCursor returns the id of the most recent entry in machineID's
// stream, or a zero-offset Cursor if the stream is empty.
func (h *RedisEventHub) LastKnownCursor(ctx context.Context, epoch string, machineID model.MachineID) (eventhub.Cursor, error) {
	stream := h.streamKey(epoch, machineID)
	entries, err := h.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return eventhub.Cursor{}, fmt.Errorf("eventstore: xrevrange %s: %w", stream, err)
	}
	if len(entries) == 0 {
		return eventhub.Cursor{MachineID: machineID, Offset: "0"}, nil
	}
	return eventhub.Cursor{MachineID: machineID, Offset: entries[0].ID}, nil
}
