package store

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"

	backend "github.com/redis/go-redis/v9"

	sc "github.com/goliatone/go-statecontract"
	"github.com/goliatone/go-statecontract/fsm"
)

// saveScript compares the stored version with ARGV[1] and writes ARGV[2].
var saveScript = backend.NewScript(`
local actual = tonumber(redis.call("HGET", KEYS[1], "version") or "0")
if actual ~= tonumber(ARGV[1]) then
  return {0, actual}
end
local version = actual + 1
redis.call("HSET", KEYS[1], "version", version, "data", ARGV[2])
redis.call("SADD", KEYS[2], ARGV[3])
return {1, version}
`)

// Redis keeps snapshots as hashes {version, data} plus an id index set.
type Redis struct {
	client backend.UniversalClient
	prefix string
}

var _ SnapshotStore = (*Redis)(nil)

// NewRedis builds a snapshot store on client. WithKeyPrefix namespaces keys.
func NewRedis(client backend.UniversalClient, opts ...Option) *Redis {
	o := buildOptions(opts)
	return &Redis{client: client, prefix: o.prefix}
}

// Load reads one instance.
func (r *Redis) Load(ctx context.Context, id string) (*fsm.Instance, error) {
	id = strings.TrimSpace(id)
	data, err := r.client.HGet(ctx, r.instanceKey(id), "data").Result()
	if errors.Is(err, backend.Nil) {
		return nil, notFoundError(id)
	}
	if err != nil {
		return nil, err
	}
	return decodeInstance([]byte(data))
}

// Save runs the compare-and-set script.
func (r *Redis) Save(ctx context.Context, inst *fsm.Instance, expectedVersion int) (int, error) {
	if err := validateInstance(inst); err != nil {
		return 0, err
	}
	data, err := encodeInstance(inst, expectedVersion+1)
	if err != nil {
		return 0, err
	}
	res, err := saveScript.Run(ctx, r.client,
		[]string{r.instanceKey(inst.ID), r.indexKey()},
		strconv.Itoa(expectedVersion), string(data), inst.ID,
	).Int64Slice()
	if err != nil {
		return 0, err
	}
	if res[0] == 0 {
		return 0, conflictError(inst.ID, expectedVersion, int(res[1]))
	}
	return int(res[1]), nil
}

// Delete removes the instance hash and its index entry.
func (r *Redis) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.instanceKey(id))
	pipe.SRem(ctx, r.indexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// List returns every indexed instance ordered by id.
func (r *Redis) List(ctx context.Context) ([]*fsm.Instance, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*fsm.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := r.Load(ctx, id)
		if err != nil {
			if sc.HasCode(err, sc.ErrCodeInstanceNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (r *Redis) instanceKey(id string) string {
	return r.prefix + "instance:" + id
}

func (r *Redis) indexKey() string {
	return r.prefix + "instances"
}
