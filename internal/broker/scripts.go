package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// The seven atomic scripts from spec.md §4.3. Each is expressed as a
// package-level redis.Script — the same shape as the teacher's
// tokenBucketScript (internal/ratelimit/redis_backend.go) and
// getFunctionByNameScript (internal/store/redis.go) — with a thin Go
// wrapper method that marshals arguments and reports a typed result.
//
// Every script is a single EVAL round trip: the atomicity guarantee that
// preserves invariants 1-6 in spec.md §3 comes entirely from Redis
// evaluating the whole body without interleaving other clients, never from
// anything in this Go code.

// enqueueScript writes the message body, inserts it into its child queue,
// and rebalances BOTH independent parent ZSETs spec.md §3 defines: the
// env-scoped parent and the single cross-tenant global parent. A child
// queue's presence in one parent is never inferred from the other, so both
// are touched on every insert.
var enqueueScript = redis.NewScript(`
local childQueue = KEYS[1]
local envParent = KEYS[2]
local messageKey = KEYS[3]
local globalParent = KEYS[4]

local childMember = ARGV[1]
local messageId = ARGV[2]
local body = ARGV[3]
local scoreMs = ARGV[4]

redis.call('SET', messageKey, body)
redis.call('ZADD', childQueue, scoreMs, messageId)

local head = redis.call('ZRANGE', childQueue, 0, 0, 'WITHSCORES')
if #head == 0 then
    redis.call('ZREM', envParent, childMember)
    redis.call('ZREM', globalParent, childMember)
else
    redis.call('ZADD', envParent, head[2], childMember)
    redis.call('ZADD', globalParent, head[2], childMember)
end
return 1
`)

// dequeueScript pulls the oldest due message off childQueue and, like
// enqueueScript, rebalances both parent ZSETs: removing childQueue's head
// changes its minimum score (or empties it) from both parents' point of
// view regardless of which parent the caller used to pick this candidate.
var dequeueScript = redis.NewScript(`
local childQueue = KEYS[1]
local envParent = KEYS[2]
local globalParent = KEYS[3]
local visibility = KEYS[4]
local queueLimitKey = KEYS[5]
local envLimitKey = KEYS[6]
local orgLimitKey = KEYS[7]
local queueCurrentKey = KEYS[8]
local envCurrentKey = KEYS[9]
local orgCurrentKey = KEYS[10]

local childMember = ARGV[1]
local visibilityTimeoutMs = tonumber(ARGV[2])
local nowMs = tonumber(ARGV[3])
local defaultQueueLimit = tonumber(ARGV[4])
local defaultEnvLimit = tonumber(ARGV[5])
local defaultOrgLimit = tonumber(ARGV[6])

local function limit_or_default(key, default)
    local v = redis.call('GET', key)
    if v then
        return tonumber(v)
    end
    return default
end

-- org, env, queue in that order, per spec.md 4.3.
local orgCurrent = redis.call('SCARD', orgCurrentKey)
local orgLimit = limit_or_default(orgLimitKey, defaultOrgLimit)
if orgCurrent >= orgLimit then
    return nil
end

local envCurrent = redis.call('SCARD', envCurrentKey)
local envLimit = limit_or_default(envLimitKey, defaultEnvLimit)
if envCurrent >= envLimit then
    return nil
end

local queueCurrent = redis.call('SCARD', queueCurrentKey)
local queueLimit = limit_or_default(queueLimitKey, defaultQueueLimit)
if queueCurrent >= queueLimit then
    return nil
end

local due = redis.call('ZRANGEBYSCORE', childQueue, '-inf', nowMs, 'WITHSCORES', 'LIMIT', 0, 1)
if #due == 0 then
    return nil
end
local messageId = due[1]
local originalScore = due[2]

redis.call('ZREM', childQueue, messageId)
redis.call('ZADD', visibility, nowMs + visibilityTimeoutMs, messageId)
redis.call('SADD', queueCurrentKey, messageId)
redis.call('SADD', envCurrentKey, messageId)
redis.call('SADD', orgCurrentKey, messageId)

local head = redis.call('ZRANGE', childQueue, 0, 0, 'WITHSCORES')
if #head == 0 then
    redis.call('ZREM', envParent, childMember)
    redis.call('ZREM', globalParent, childMember)
else
    redis.call('ZADD', envParent, head[2], childMember)
    redis.call('ZADD', globalParent, head[2], childMember)
end

return {messageId, originalScore}
`)

var ackScript = redis.NewScript(`
local messageKey = KEYS[1]
local visibility = KEYS[2]
local queueCurrentKey = KEYS[3]
local envCurrentKey = KEYS[4]
local orgCurrentKey = KEYS[5]
-- KEYS[6], globalCurrentConcurrencyKey, is accepted but unused: see
-- spec.md 9 open questions. Preserved rather than removed.

local messageId = ARGV[1]

redis.call('DEL', messageKey)
redis.call('ZREM', visibility, messageId)
redis.call('SREM', queueCurrentKey, messageId)
redis.call('SREM', envCurrentKey, messageId)
redis.call('SREM', orgCurrentKey, messageId)
return 1
`)

// nackScript returns a message to its child queue and rebalances both
// parent ZSETs, mirroring enqueueScript/dequeueScript.
var nackScript = redis.NewScript(`
-- KEYS[1], messageKey, is accepted but unused: nack never touches the
-- message body, only its position in the visibility/child-queue ZSETs.
local childQueue = KEYS[2]
local envParent = KEYS[3]
local globalParent = KEYS[4]
local queueCurrentKey = KEYS[5]
local envCurrentKey = KEYS[6]
local orgCurrentKey = KEYS[7]
local visibility = KEYS[8]

local childMember = ARGV[1]
local messageId = ARGV[2]
local newScoreMs = ARGV[3]

local inFlight = redis.call('ZSCORE', visibility, messageId)
if not inFlight then
    -- Lost the race to ack or an earlier nack: no-op.
    return 0
end

redis.call('ZREM', visibility, messageId)
redis.call('SREM', queueCurrentKey, messageId)
redis.call('SREM', envCurrentKey, messageId)
redis.call('SREM', orgCurrentKey, messageId)

redis.call('ZADD', childQueue, newScoreMs, messageId)

local head = redis.call('ZRANGE', childQueue, 0, 0, 'WITHSCORES')
if #head == 0 then
    redis.call('ZREM', envParent, childMember)
    redis.call('ZREM', globalParent, childMember)
else
    redis.call('ZADD', envParent, head[2], childMember)
    redis.call('ZADD', globalParent, head[2], childMember)
end
return 1
`)

var heartbeatScript = redis.NewScript(`
local visibility = KEYS[1]
local messageId = ARGV[1]
local extensionMs = tonumber(ARGV[2])
local maxDeadlineMs = tonumber(ARGV[3])

local score = redis.call('ZSCORE', visibility, messageId)
if not score then
    return 0
end

local newScore = tonumber(score) + extensionMs
if newScore > maxDeadlineMs then
    newScore = maxDeadlineMs
end
redis.call('ZADD', visibility, newScore, messageId)
return 1
`)

var computeCapacitiesScript = redis.NewScript(`
local queueCurrentKey = KEYS[1]
local envCurrentKey = KEYS[2]
local orgCurrentKey = KEYS[3]
local queueLimitKey = KEYS[4]
local envLimitKey = KEYS[5]
local orgLimitKey = KEYS[6]

local defaultQueueLimit = tonumber(ARGV[1])
local defaultEnvLimit = tonumber(ARGV[2])
local defaultOrgLimit = tonumber(ARGV[3])

local function limit_or_default(key, default)
    local v = redis.call('GET', key)
    if v then
        return tonumber(v)
    end
    return default
end

local queueCurrent = redis.call('SCARD', queueCurrentKey)
local envCurrent = redis.call('SCARD', envCurrentKey)
local orgCurrent = redis.call('SCARD', orgCurrentKey)

local queueLimit = limit_or_default(queueLimitKey, defaultQueueLimit)
local envLimit = limit_or_default(envLimitKey, defaultEnvLimit)
local orgLimit = limit_or_default(orgLimitKey, defaultOrgLimit)

return {queueCurrent, queueLimit, envCurrent, envLimit, orgCurrent, orgLimit}
`)

var updateGlobalLimitsScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
return 1
`)

// dequeueResult is the typed decode of dequeueScript's {messageId,
// originalScore} reply.
type dequeueResult struct {
	MessageID     string
	OriginalScore int64
}

func runEnqueue(ctx context.Context, rdb redis.Scripter, childQueue, envParent, messageKey, globalParent, childMember, messageID, body string, scoreMs int64) error {
	_, err := enqueueScript.Run(ctx, rdb,
		[]string{childQueue, envParent, messageKey, globalParent},
		childMember, messageID, body, scoreMs,
	).Result()
	if err != nil {
		return fmt.Errorf("marqs: enqueue script: %w", err)
	}
	return nil
}

func runDequeue(ctx context.Context, rdb redis.Scripter, childQueue, envParent, globalParent, visibility, queueLimitKey, envLimitKey, orgLimitKey, queueCurrentKey, envCurrentKey, orgCurrentKey string,
	childMember string, visibilityTimeoutMs, nowMs int64, defaultQueueLimit, defaultEnvLimit, defaultOrgLimit int,
) (*dequeueResult, error) {
	res, err := dequeueScript.Run(ctx, rdb,
		[]string{childQueue, envParent, globalParent, visibility, queueLimitKey, envLimitKey, orgLimitKey, queueCurrentKey, envCurrentKey, orgCurrentKey},
		childMember, visibilityTimeoutMs, nowMs, defaultQueueLimit, defaultEnvLimit, defaultOrgLimit,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("marqs: dequeue script: %w", err)
	}
	if res == nil {
		return nil, nil
	}
	slice, ok := res.([]interface{})
	if !ok || len(slice) != 2 {
		return nil, fmt.Errorf("marqs: dequeue script: unexpected reply shape %T", res)
	}
	messageID, ok := slice[0].(string)
	if !ok {
		return nil, fmt.Errorf("marqs: dequeue script: unexpected messageId type %T", slice[0])
	}
	score, err := toInt64(slice[1])
	if err != nil {
		return nil, fmt.Errorf("marqs: dequeue script: %w", err)
	}
	return &dequeueResult{MessageID: messageID, OriginalScore: score}, nil
}

func runAck(ctx context.Context, rdb redis.Scripter, messageKey, visibility, queueCurrentKey, envCurrentKey, orgCurrentKey, globalCurrentConcurrencyKey string, messageID string) error {
	_, err := ackScript.Run(ctx, rdb,
		[]string{messageKey, visibility, queueCurrentKey, envCurrentKey, orgCurrentKey, globalCurrentConcurrencyKey},
		messageID,
	).Result()
	if err != nil {
		return fmt.Errorf("marqs: ack script: %w", err)
	}
	return nil
}

func runNack(ctx context.Context, rdb redis.Scripter, messageKey, childQueue, envParent, globalParent, queueCurrentKey, envCurrentKey, orgCurrentKey, visibility string,
	childMember, messageID string, newScoreMs int64,
) (bool, error) {
	res, err := nackScript.Run(ctx, rdb,
		[]string{messageKey, childQueue, envParent, globalParent, queueCurrentKey, envCurrentKey, orgCurrentKey, visibility},
		childMember, messageID, newScoreMs,
	).Int()
	if err != nil {
		return false, fmt.Errorf("marqs: nack script: %w", err)
	}
	return res == 1, nil
}

func runHeartbeat(ctx context.Context, rdb redis.Scripter, visibility, messageID string, extensionMs, maxDeadlineMs int64) (bool, error) {
	res, err := heartbeatScript.Run(ctx, rdb, []string{visibility}, messageID, extensionMs, maxDeadlineMs).Int()
	if err != nil {
		return false, fmt.Errorf("marqs: heartbeat script: %w", err)
	}
	return res == 1, nil
}

// capacities is the decoded reply of computeCapacitiesScript.
type capacities struct {
	QueueCurrent, QueueLimit int
	EnvCurrent, EnvLimit     int
	OrgCurrent, OrgLimit     int
}

func runComputeCapacities(ctx context.Context, rdb redis.Scripter, queueCurrentKey, envCurrentKey, orgCurrentKey, queueLimitKey, envLimitKey, orgLimitKey string,
	defaultQueueLimit, defaultEnvLimit, defaultOrgLimit int,
) (*capacities, error) {
	res, err := computeCapacitiesScript.Run(ctx, rdb,
		[]string{queueCurrentKey, envCurrentKey, orgCurrentKey, queueLimitKey, envLimitKey, orgLimitKey},
		defaultQueueLimit, defaultEnvLimit, defaultOrgLimit,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("marqs: compute capacities script: %w", err)
	}
	slice, ok := res.([]interface{})
	if !ok || len(slice) != 6 {
		return nil, fmt.Errorf("marqs: compute capacities script: unexpected reply shape %T", res)
	}
	vals := make([]int, 6)
	for i, v := range slice {
		iv, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("marqs: compute capacities script: %w", err)
		}
		vals[i] = int(iv)
	}
	return &capacities{
		QueueCurrent: vals[0], QueueLimit: vals[1],
		EnvCurrent: vals[2], EnvLimit: vals[3],
		OrgCurrent: vals[4], OrgLimit: vals[5],
	}, nil
}

func runUpdateGlobalLimits(ctx context.Context, rdb redis.Scripter, envLimitKey, orgLimitKey string, envValue, orgValue int) error {
	_, err := updateGlobalLimitsScript.Run(ctx, rdb, []string{envLimitKey, orgLimitKey}, envValue, orgValue).Result()
	if err != nil {
		return fmt.Errorf("marqs: update global limits script: %w", err)
	}
	return nil
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		var n int64
		if _, err := fmt.Sscanf(t, "%d", &n); err != nil {
			return 0, fmt.Errorf("unexpected numeric reply %q", t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected numeric reply type %T", v)
	}
}
