package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

// Lease records are hashes {id, owner, epoch} expiring with the lease. The
// epoch counter lives under its own key and never expires.
var (
	acquireScript = backend.NewScript(`
local owner = redis.call("HGET", KEYS[1], "owner")
if owner and owner ~= ARGV[2] then
  return {0, tonumber(redis.call("HGET", KEYS[1], "epoch"))}
end
local epoch = redis.call("INCR", KEYS[2])
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "id", ARGV[1], "owner", ARGV[2], "epoch", epoch)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return {1, epoch}
`)

	// touchScript checks ownership and, when ARGV[2] is not "0", extends the ttl.
	touchScript = backend.NewScript(`
local id = redis.call("HGET", KEYS[1], "id")
if not id then
  return {0, tonumber(redis.call("GET", KEYS[2]) or "0")}
end
local epoch = tonumber(redis.call("HGET", KEYS[1], "epoch"))
if id ~= ARGV[1] then
  return {0, epoch}
end
if ARGV[2] ~= "0" then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {1, epoch}
`)

	releaseScript = backend.NewScript(`
local id = redis.call("HGET", KEYS[1], "id")
if id == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return {1, 0}
end
if not id then
  return {0, tonumber(redis.call("GET", KEYS[2]) or "0")}
end
return {0, tonumber(redis.call("HGET", KEYS[1], "epoch"))}
`)
)

// Redis is a Coordinator shared by every process using the same Redis.
type Redis struct {
	client backend.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisOption customizes a Redis coordinator.
type RedisOption func(*Redis)

// WithPrefix namespaces the keys written by the coordinator.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithRedisClock sets the clock used to compute ExpiresAt.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRedis returns a coordinator backed by client.
func NewRedis(client backend.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: "fsm:", now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Redis) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Lease, error) {
	if err := validateTTL(ttl); err != nil {
		return Lease{}, err
	}
	id := uuid.NewString()
	res, err := acquireScript.Run(ctx, r.client, r.keys(key), id, owner, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Lease{}, fmt.Errorf("redis acquire lease %s: %w", key, err)
	}
	if res[0] == 0 {
		return Lease{}, heldError(key, "", res[1])
	}
	return Lease{
		Key:       key,
		ID:        id,
		Owner:     owner,
		Epoch:     res[1],
		ExpiresAt: r.now().Add(ttl),
	}, nil
}

func (r *Redis) Renew(ctx context.Context, l Lease, ttl time.Duration) (Lease, error) {
	if err := validateTTL(ttl); err != nil {
		return Lease{}, err
	}
	if err := r.touch(ctx, l, ttl.Milliseconds()); err != nil {
		return Lease{}, err
	}
	l.ExpiresAt = r.now().Add(ttl)
	return l, nil
}

func (r *Redis) Release(ctx context.Context, l Lease) error {
	res, err := releaseScript.Run(ctx, r.client, r.keys(l.Key), l.ID).Int64Slice()
	if err != nil {
		return fmt.Errorf("redis release lease %s: %w", l.Key, err)
	}
	if res[0] == 0 {
		return lostLease(l, res[1])
	}
	return nil
}

func (r *Redis) Validate(ctx context.Context, l Lease) error {
	return r.touch(ctx, l, 0)
}

func (r *Redis) touch(ctx context.Context, l Lease, ttlMS int64) error {
	res, err := touchScript.Run(ctx, r.client, r.keys(l.Key), l.ID, ttlMS).Int64Slice()
	if err != nil {
		return fmt.Errorf("redis check lease %s: %w", l.Key, err)
	}
	if res[0] == 0 {
		return lostLease(l, res[1])
	}
	return nil
}

func (r *Redis) keys(key string) []string {
	return []string{r.prefix + "lease:" + key, r.prefix + "epoch:" + key}
}
