package token

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// applyDeltaScript atomically applies delta to a run's shared counter,
// deduping by opKey so a re-delivered fan-out/consume notification (a
// crashed coordinator process retrying its own prior work) never double
// counts. Returns [new_value, changed, hit_zero]. One applied-set and
// one counter key per run.
const applyDeltaScript = `
local applied_set = KEYS[1]
local counter_key = KEYS[2]
local op_key = ARGV[1]
local delta = tonumber(ARGV[2])

if redis.call('SISMEMBER', applied_set, op_key) == 1 then
    return {tonumber(redis.call('GET', counter_key)) or 0, 0, 0}
end

redis.call('SADD', applied_set, op_key)
local new_value = redis.call('INCRBY', counter_key, delta)

local hit_zero = 0
if new_value == 0 then
    hit_zero = 1
end

return {new_value, 1, hit_zero}
`

// RedisCounter implements Counter on a Redis-backed, idempotent counter
// shared across coordinator processes, so a horizontally scaled
// deployment's Run Actors agree on when a run's active-token count has
// reached zero (spec §4.3, §4.5 Step C) even if a completion
// notification is redelivered.
type RedisCounter struct {
	redis  *redis.Client
	script *redis.Script
}

// NewRedisCounter creates a RedisCounter backed by client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{redis: client, script: redis.NewScript(applyDeltaScript)}
}

// ApplyDelta adds delta to runID's counter, deduped by opKey, and reports
// whether the counter has reached exactly zero.
func (r *RedisCounter) ApplyDelta(ctx context.Context, runID, opKey string, delta int) (int, bool, error) {
	keys := []string{"wfcoordinator:applied:" + runID, "wfcoordinator:counter:" + runID}
	result, err := r.script.Run(ctx, r.redis, keys, opKey, delta).Result()
	if err != nil {
		return 0, false, fmt.Errorf("apply delta for run %s: %w", runID, err)
	}
	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return 0, false, fmt.Errorf("apply delta for run %s: unexpected script result", runID)
	}
	value, ok := values[0].(int64)
	if !ok {
		return 0, false, fmt.Errorf("apply delta for run %s: invalid counter value", runID)
	}
	hitZero, ok := values[2].(int64)
	if !ok {
		return 0, false, fmt.Errorf("apply delta for run %s: invalid hit_zero flag", runID)
	}
	return int(value), hitZero == 1, nil
}
