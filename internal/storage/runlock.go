package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunLock enforces one active discovery run per patch across processes.
// The lock is a Redis key holding the run id, refreshed while the run is
// alive and expiring on its own if the process dies.
type RunLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRunLock wraps a Redis client. ttl bounds how long a crashed process
// can hold a patch; it should exceed the refresh interval comfortably.
func NewRunLock(client *redis.Client, ttl time.Duration) *RunLock {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RunLock{client: client, ttl: ttl}
}

func runLockKey(patchID string) string {
	return "patchscout:run:" + patchID
}

// Acquire attempts to take the lock for a patch. When another run already
// holds it, ok is false and holder carries that run's id.
func (l *RunLock) Acquire(ctx context.Context, patchID, runID string) (ok bool, holder string, err error) {
	ok, err = l.client.SetNX(ctx, runLockKey(patchID), runID, l.ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("acquire run lock: %w", err)
	}
	if ok {
		return true, runID, nil
	}
	holder, err = l.client.Get(ctx, runLockKey(patchID)).Result()
	if err == redis.Nil {
		// Holder expired between SetNX and Get; caller retries.
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("read run lock holder: %w", err)
	}
	return false, holder, nil
}

// Refresh extends the lock while the run is still active.
func (l *RunLock) Refresh(ctx context.Context, patchID, runID string) error {
	err := refreshScript.Run(ctx, l.client,
		[]string{runLockKey(patchID)}, runID, l.ttl.Milliseconds()).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("refresh run lock: %w", err)
	}
	return nil
}

// Release drops the lock if this run still owns it.
func (l *RunLock) Release(ctx context.Context, patchID, runID string) error {
	err := releaseScript.Run(ctx, l.client, []string{runLockKey(patchID)}, runID).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}

// Compare-and-expire / compare-and-delete: only the owning run may touch
// the key.
var (
	refreshScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0`)
	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0`)
)
