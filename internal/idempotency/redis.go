package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces idempotency keys in a shared Redis.
const DefaultRedisPrefix = "payments:idem:"

var entryEncoding = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("idempotency: cbor encoding mode: %v", err))
	}
	return em
}()

// RedisIndex implements Index with SET NX, so the reservation is a single
// atomic command shared by every API instance.
type RedisIndex struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisIndex creates an index storing entries under prefix. Entries
// expire after ttl; zero keeps them until DeleteOlderThan removes them.
func NewRedisIndex(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisIndex {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisIndex{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

// Reserve binds key to paymentID with SET NX.
func (x *RedisIndex) Reserve(ctx context.Context, key, paymentID string) (string, bool, error) {
	if err := ValidateKey(key); err != nil {
		return "", false, err
	}

	value, err := entryEncoding.Marshal(Entry{Key: key, PaymentID: paymentID, CreatedAt: x.now().UTC()})
	if err != nil {
		return "", false, fmt.Errorf("encode idempotency entry: %w", err)
	}

	// A key can expire between a failed SET NX and the GET; retry once more then.
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := x.client.SetNX(ctx, x.prefix+key, value, x.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if ok {
			return paymentID, true, nil
		}

		owner, err := x.Lookup(ctx, key)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		return owner, false, nil
	}
	return "", false, fmt.Errorf("reserve idempotency key %q: binding kept disappearing", key)
}

// Lookup returns the payment ID bound to key.
func (x *RedisIndex) Lookup(ctx context.Context, key string) (string, error) {
	data, err := x.client.Get(ctx, x.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup idempotency key: %w", err)
	}
	entry, err := decodeEntry(data)
	if err != nil {
		return "", err
	}
	return entry.PaymentID, nil
}

// Release deletes the key inside a WATCH transaction so a binding made by
// another caller is never removed.
func (x *RedisIndex) Release(ctx context.Context, key, paymentID string) error {
	redisKey := x.prefix + key
	err := x.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, redisKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		entry, err := decodeEntry(data)
		if err != nil {
			return err
		}
		if entry.PaymentID != paymentID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, redisKey)
			return nil
		})
		return err
	}, redisKey)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// DeleteOlderThan scans the prefix and removes entries created before now minus d.
func (x *RedisIndex) DeleteOlderThan(ctx context.Context, d time.Duration) (int64, error) {
	cutoff := x.now().Add(-d)
	var deleted int64

	iter := x.client.Scan(ctx, 0, x.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		data, err := x.client.Get(ctx, redisKey).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return deleted, fmt.Errorf("read idempotency key: %w", err)
		}
		entry, err := decodeEntry(data)
		if err != nil || !entry.CreatedAt.Before(cutoff) {
			continue
		}
		n, err := x.client.Del(ctx, redisKey).Result()
		if err != nil {
			return deleted, fmt.Errorf("delete idempotency key: %w", err)
		}
		deleted += n
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scan idempotency keys: %w", err)
	}
	return deleted, nil
}

func decodeEntry(data []byte) (Entry, error) {
	var entry Entry
	if err := cbor.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode idempotency entry: %w", err)
	}
	return entry, nil
}
