// Package redis provides a Redis-backed core.DirectoryStore so multiple
// processes can share one agent directory. Records live in hashes keyed by
// the directory key, versions are enforced server-side with a Lua script,
// and watch notifications fan out over a pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/agentbus/core"
)

// Options configures the store.
type Options struct {
	// KeyPrefix namespaces all Redis keys, e.g. "agentbus:".
	KeyPrefix string
	// Channel is the pub/sub channel carrying change notifications.
	Channel string
}

// Store implements core.DirectoryStore over a Redis client.
type Store struct {
	client redis.UniversalClient
	opts   Options
}

var _ core.DirectoryStore = (*Store)(nil)

// putScript compares the stored version against the expectation and applies
// the write atomically. Returns the new version, or -1 on a version conflict.
//
// KEYS[1] record hash, ARGV[1] value, ARGV[2] expected version.
var putScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
local expected = tonumber(ARGV[2])
if expected >= 0 and current ~= expected then
  return -1
end
local next = current + 1
redis.call('HSET', KEYS[1], 'value', ARGV[1], 'version', next)
return next
`)

// NewStore creates a Store over an existing client.
func NewStore(client redis.UniversalClient, optFns ...func(o *Options)) *Store {
	opts := Options{
		KeyPrefix: "agentbus:directory:",
		Channel:   "agentbus:directory:changes",
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{client: client, opts: opts}
}

// changeMessage is the pub/sub wire form of a core.StoreEvent.
type changeMessage struct {
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Version int64  `json:"version"`
	Deleted bool   `json:"deleted"`
}

// Put implements core.DirectoryStore.
func (s *Store) Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	// VersionAny maps onto the script's "no expectation" branch; VersionAbsent
	// expects the stored version counter to still be zero.
	expected := expectedVersion
	if expectedVersion == core.VersionAny {
		expected = -1
	}
	res, err := putScript.Run(ctx, s.client, []string{s.opts.KeyPrefix + key}, value, expected).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis put %s: %w", key, err)
	}
	if res < 0 {
		return 0, core.ErrVersionConflict
	}
	if err := s.publish(ctx, changeMessage{Key: key, Value: value, Version: res}); err != nil {
		return 0, err
	}
	return res, nil
}

// Get implements core.DirectoryStore.
func (s *Store) Get(ctx context.Context, key string) (core.KeyValue, error) {
	fields, err := s.client.HGetAll(ctx, s.opts.KeyPrefix+key).Result()
	if err != nil {
		return core.KeyValue{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	return s.toKeyValue(key, fields)
}

// Delete implements core.DirectoryStore.
func (s *Store) Delete(ctx context.Context, key string) error {
	removed, err := s.client.Del(ctx, s.opts.KeyPrefix+key).Result()
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	if removed == 0 {
		return nil
	}
	return s.publish(ctx, changeMessage{Key: key, Deleted: true})
}

// List implements core.DirectoryStore.
func (s *Store) List(ctx context.Context, prefix string) ([]core.KeyValue, error) {
	var out []core.KeyValue
	iter := s.client.Scan(ctx, 0, s.opts.KeyPrefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		fields, err := s.client.HGetAll(ctx, redisKey).Result()
		if err != nil {
			return nil, fmt.Errorf("redis list %s: %w", redisKey, err)
		}
		kv, err := s.toKeyValue(strings.TrimPrefix(redisKey, s.opts.KeyPrefix), fields)
		if err != nil {
			// The key expired or was deleted mid-scan.
			if errors.Is(err, core.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, kv)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}

// Watch implements core.DirectoryStore via pub/sub. Redis delivers channel
// messages in publish order, which preserves per-key apply order as long as
// writers publish after their write completes (Put and Delete do).
func (s *Store) Watch(ctx context.Context, prefix string) (<-chan core.StoreEvent, error) {
	sub := s.client.Subscribe(ctx, s.opts.Channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan core.StoreEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var cm changeMessage
				if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
					continue
				}
				if !strings.HasPrefix(cm.Key, prefix) {
					continue
				}
				ev := core.StoreEvent{Key: cm.Key, Value: cm.Value, Version: cm.Version, Deleted: cm.Deleted}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) publish(ctx context.Context, cm changeMessage) error {
	payload, err := json.Marshal(cm)
	if err != nil {
		return fmt.Errorf("marshal change message: %w", err)
	}
	if err := s.client.Publish(ctx, s.opts.Channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish change: %w", err)
	}
	return nil
}

func (s *Store) toKeyValue(key string, fields map[string]string) (core.KeyValue, error) {
	value, ok := fields["value"]
	if !ok {
		return core.KeyValue{}, core.ErrNotFound
	}
	var version int64
	if _, err := fmt.Sscanf(fields["version"], "%d", &version); err != nil {
		return core.KeyValue{}, fmt.Errorf("parse version for %s: %w", key, err)
	}
	return core.KeyValue{Key: key, Value: []byte(value), Version: version}, nil
}
