// Package globalkv implements the Global Location Store: a Redis-backed
// pkg/globalkv.Backend and a Raided composition of two such backends that
// races reads and dual-writes, per spec §4.2.
package globalkv

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/i5heu/locationd/pkg/globalkv"
)

// compareAndSetScript implements an atomic compare-and-swap: it sets key to
// newValue only if the key's current value equals expected (or the key is
// absent when expected is empty), returning 1 on success.
const compareAndSetScript = `
local current = redis.call("GET", KEYS[1])
if current == false then current = "" end
if current == ARGV[1] then
    if ARGV[2] == "" then
        redis.call("DEL", KEYS[1])
    else
        redis.call("SET", KEYS[1], ARGV[2])
    end
    return 1
end
return 0
`

// RedisBackend implements pkg/globalkv.Backend atop a single go-redis
// client, grounded on the teacher pack's redis wrapper client
// (Dutt23-agentic-orchestrator's common/redis.Client).
type RedisBackend struct {
	name   string
	client *redis.Client
	casSHA string
}

var _ globalkv.Backend = (*RedisBackend)(nil)

// NewRedisBackend wraps an already-connected redis.Client, labelling it
// name ("primary"/"secondary") for counters and logging.
func NewRedisBackend(name string, client *redis.Client) *RedisBackend {
	return &RedisBackend{name: name, client: client}
}

func (b *RedisBackend) Name() string { return b.name }

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("globalkv[%s]: get %s: %w", b.name, key, err)
	}
	return val, true, nil
}

func (b *RedisBackend) SetIfNotExists(ctx context.Context, key string, value []byte) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("globalkv[%s]: setnx %s: %w", b.name, key, err)
	}
	return ok, nil
}

func (b *RedisBackend) CompareAndSet(ctx context.Context, key string, expected, newValue []byte) (bool, error) {
	res, err := b.client.Eval(ctx, compareAndSetScript, []string{key}, string(expected), string(newValue)).Result()
	if err != nil {
		return false, fmt.Errorf("globalkv[%s]: cas %s: %w", b.name, key, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := b.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("globalkv[%s]: set %s: %w", b.name, key, err)
	}
	return nil
}

func (b *RedisBackend) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := b.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := b.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("globalkv[%s]: scan get %s: %w", b.name, key, err)
		}
		out[key] = val
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("globalkv[%s]: scan %s: %w", b.name, prefix, err)
	}
	return out, nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("globalkv[%s]: del %s: %w", b.name, key, err)
	}
	return nil
}

func (b *RedisBackend) DeleteMatching(ctx context.Context, prefix string, pred func(key string) bool) (int, error) {
	deleted := 0
	iter := b.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if pred != nil && !pred(key) {
			continue
		}
		if err := b.client.Del(ctx, key).Err(); err != nil {
			return deleted, fmt.Errorf("globalkv[%s]: delete matching %s: %w", b.name, key, err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("globalkv[%s]: scan for delete %s: %w", b.name, prefix, err)
	}
	return deleted, nil
}
