// Package redis adapts the redis client for submission bookkeeping: the
// per-signer replacement nonce and cancellation marks shared between proxy
// instances.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplacementTracker counts resubmissions and remembers cancellations, both
// keyed by (signing address, replacement UUID). Keys expire so abandoned
// UUIDs clean themselves up.
type ReplacementTracker struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewReplacementTracker(client *redis.Client, expireDuration time.Duration, keyPrefix string) *ReplacementTracker {
	return &ReplacementTracker{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (r *ReplacementTracker) nonceKey(signingAddress, replacementUUID string) string {
	return r.keyPrefix + "nonce:" + signingAddress + ":" + replacementUUID
}

func (r *ReplacementTracker) cancelKey(signingAddress, replacementUUID string) string {
	return r.keyPrefix + "cancel:" + signingAddress + ":" + replacementUUID
}

// IncReplacementNonce counts one more submission under the replacement UUID
// and returns the new nonce. The first submission yields 1.
func (r *ReplacementTracker) IncReplacementNonce(ctx context.Context, signingAddress, replacementUUID string) (uint64, error) {
	key := r.nonceKey(signingAddress, replacementUUID)
	nonce, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// expiry is best effort, the nonce itself already counted
	_ = r.client.Expire(ctx, key, r.expireDuration).Err()
	return uint64(nonce), nil
}

// GetReplacementNonce returns the current nonce. A UUID that was never
// submitted yields redis.Nil.
func (r *ReplacementTracker) GetReplacementNonce(ctx context.Context, signingAddress, replacementUUID string) (uint64, error) {
	nonce, err := r.client.Get(ctx, r.nonceKey(signingAddress, replacementUUID)).Int64()
	return uint64(nonce), err
}

// Cancel marks the replacement UUID cancelled for this signer. Cancelling
// again just refreshes the expiry.
func (r *ReplacementTracker) Cancel(ctx context.Context, signingAddress, replacementUUID string) error {
	return r.client.Set(ctx, r.cancelKey(signingAddress, replacementUUID), 1, r.expireDuration).Err()
}

// IsCancelled reports whether any of the replacement UUIDs was cancelled by
// this signer.
func (r *ReplacementTracker) IsCancelled(ctx context.Context, signingAddress string, replacementUUIDs ...string) (bool, error) {
	if len(replacementUUIDs) == 0 {
		return false, nil
	}
	keys := make([]string, len(replacementUUIDs))
	for i, id := range replacementUUIDs {
		keys[i] = r.cancelKey(signingAddress, id)
	}
	res, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return false, err
	}
	for _, v := range res {
		if v != nil {
			return true, nil
		}
	}
	return false, nil
}

// DeleteAll deletes every key under the prefix. It can be very slow and
// should only be used for testing.
func (r *ReplacementTracker) DeleteAll(ctx context.Context) error {
	keys, err := r.client.Keys(ctx, r.keyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}
