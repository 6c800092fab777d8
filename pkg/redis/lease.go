package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned by Acquire when another holder owns the key.
var ErrLeaseHeld = errors.New("lease held by another owner")

// ErrLeaseLost is returned when the lease expired or was taken over.
var ErrLeaseLost = errors.New("lease lost")

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker hands out expiring exclusive leases on Redis keys.
type Locker struct {
	client redis.Cmdable
	prefix string
}

// NewLocker creates a locker. Keys are stored as prefix + key.
func NewLocker(client redis.Cmdable, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

// Lease is held until Release or until its TTL passes without Extend.
type Lease struct {
	client redis.Cmdable
	key    string
	token  string
}

// Acquire takes the lease on key for ttl.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	lease := &Lease{client: l.client, key: l.prefix + key, token: uuid.NewString()}
	ok, err := l.client.SetNX(ctx, lease.key, lease.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", lease.key, err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return lease, nil
}

// Extend pushes the expiry of a lease that is still owned.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release gives up the lease if it is still owned.
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
