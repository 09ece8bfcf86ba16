package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis key layout.
const (
	lockKeyPrefix    = "conveyor:lock:"
	runningKeyPrefix = "conveyor:admission:running:"
	waitingKeyPrefix = "conveyor:admission:waiting:"
)

// releaseScript deletes a lock only when the stored token still matches,
// so an expired lock reacquired by another worker is never released by the
// original holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is the multi-node ExecutionLocker: SET NX with a bounded TTL.
// Lock loss on expiry is a throughput event, not a correctness event.
type RedisLocker struct {
	client *redis.Client
	token  string
}

// NewRedisLocker returns a locker identified by the given holder token
// (typically hostname+pid).
func NewRedisLocker(client *redis.Client, token string) *RedisLocker {
	return &RedisLocker{client: client, token: token}
}

// TryAcquire implements ExecutionLocker.
func (l *RedisLocker) TryAcquire(ctx context.Context, executionID string, ttl time.Duration) (func(), bool, error) {
	key := lockKeyPrefix + executionID
	ok, err := l.client.SetNX(ctx, key, l.token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", executionID, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, l.token).Err()
	}
	return release, true, nil
}

// RedisAdmission is the multi-node Admission store: the running slot is a
// plain key written with SET NX, the waiting queue an RPUSH list.
type RedisAdmission struct {
	client *redis.Client
}

// NewRedisAdmission returns an admission store over the given client.
func NewRedisAdmission(client *redis.Client) *RedisAdmission {
	return &RedisAdmission{client: client}
}

// TryAcquire implements Admission.
func (a *RedisAdmission) TryAcquire(ctx context.Context, configID, executionID string) (bool, error) {
	key := runningKeyPrefix + configID
	ok, err := a.client.SetNX(ctx, key, executionID, 0).Result()
	if err != nil {
		return false, fmt.Errorf("acquire admission slot %s: %w", configID, err)
	}
	if ok {
		return true, nil
	}
	current, err := a.client.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("read admission slot %s: %w", configID, err)
	}
	return current == executionID, nil
}

// Release implements Admission.
func (a *RedisAdmission) Release(ctx context.Context, configID, executionID string) error {
	key := runningKeyPrefix + configID
	if err := releaseScript.Run(ctx, a.client, []string{key}, executionID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release admission slot %s: %w", configID, err)
	}
	return nil
}

// Enqueue implements Admission.
func (a *RedisAdmission) Enqueue(ctx context.Context, configID, executionID string) error {
	if err := a.client.RPush(ctx, waitingKeyPrefix+configID, executionID).Err(); err != nil {
		return fmt.Errorf("enqueue waiting execution %s: %w", executionID, err)
	}
	return nil
}

// PopOldest implements Admission.
func (a *RedisAdmission) PopOldest(ctx context.Context, configID string) (string, error) {
	id, err := a.client.LPop(ctx, waitingKeyPrefix+configID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pop waiting execution for %s: %w", configID, err)
	}
	return id, nil
}

// PurgeToNewest implements Admission.
func (a *RedisAdmission) PurgeToNewest(ctx context.Context, configID string) ([]string, error) {
	key := waitingKeyPrefix + configID
	queue, err := a.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read waiting queue for %s: %w", configID, err)
	}
	if len(queue) <= 1 {
		return nil, nil
	}
	if err := a.client.LTrim(ctx, key, int64(len(queue)-1), -1).Err(); err != nil {
		return nil, fmt.Errorf("trim waiting queue for %s: %w", configID, err)
	}
	return queue[:len(queue)-1], nil
}

// Remove implements Admission.
func (a *RedisAdmission) Remove(ctx context.Context, configID, executionID string) error {
	if err := a.client.LRem(ctx, waitingKeyPrefix+configID, 0, executionID).Err(); err != nil {
		return fmt.Errorf("remove waiting execution %s: %w", executionID, err)
	}
	return nil
}
