package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix           = "jobvault"
	defaultRedisOperationTimeout = 5 * time.Second
)

// RedisStoreConfig configures the Redis-backed store.
type RedisStoreConfig struct {
	URL              string        `mapstructure:"url"`
	Prefix           string        `mapstructure:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

func (c *RedisStoreConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// Reservation order within the ready zset: lower score pops first, so the
// score folds inverted priority into the high bits and the insertion seq
// into the low 32.
const redisScoreExpr = `(100 - prio) * 4294967296 + (seq % 4294967296)`

var (
	// redisReclaimSnippet returns expired leases to the ready zset. Shared
	// by the reserve and stats scripts. Locals: leases, ready, counts,
	// jobPrefix, nowMs must be bound by the including script.
	redisReclaimSnippet = `
local expired = redis.call("ZRANGEBYSCORE", leases, "-inf", nowMs)
for _, id in ipairs(expired) do
  redis.call("ZREM", leases, id)
  local jk = jobPrefix .. id
  if redis.call("EXISTS", jk) == 1 then
    redis.call("HSET", jk, "status", "QUEUED", "lease_owner", "", "lease_expires_at", 0, "updated_at", nowMs)
    local score = tonumber(redis.call("HGET", jk, "score"))
    redis.call("ZADD", ready, score, id)
    redis.call("HINCRBY", counts, "processing", -1)
    redis.call("HINCRBY", counts, "queued", 1)
  end
end
`

	// KEYS: ready, counts, seq; ARGV: jobPrefix, id, then field/value pairs
	// including numeric "priority".
	redisInsertScript = redis.NewScript(`
local ready = KEYS[1]
local counts = KEYS[2]
local seqKey = KEYS[3]
local jobPrefix = ARGV[1]
local id = ARGV[2]

local seq = redis.call("INCR", seqKey)
local jk = jobPrefix .. id
for i = 3, #ARGV, 2 do
  redis.call("HSET", jk, ARGV[i], ARGV[i + 1])
end
local prio = tonumber(redis.call("HGET", jk, "priority"))
local score = ` + redisScoreExpr + `
redis.call("HSET", jk, "seq", seq, "score", score)
redis.call("ZADD", ready, score, id)
redis.call("HINCRBY", counts, "queued", 1)
return seq
`)

	// KEYS: leases, ready, counts; ARGV: jobPrefix, nowMs, visibilityMs, worker.
	redisReserveScript = redis.NewScript(`
local leases = KEYS[1]
local ready = KEYS[2]
local counts = KEYS[3]
local jobPrefix = ARGV[1]
local nowMs = tonumber(ARGV[2])
local visMs = tonumber(ARGV[3])
local worker = ARGV[4]
` + redisReclaimSnippet + `
local popped = redis.call("ZPOPMIN", ready, 1)
if #popped == 0 then
  return false
end
local id = popped[1]
local jk = jobPrefix .. id
local expiry = nowMs + visMs
redis.call("HSET", jk, "status", "PROCESSING", "lease_owner", worker, "lease_expires_at", expiry, "updated_at", nowMs)
redis.call("HINCRBY", jk, "attempts", 1)
redis.call("ZADD", leases, expiry, id)
redis.call("HINCRBY", counts, "queued", -1)
redis.call("HINCRBY", counts, "processing", 1)
return redis.call("HGETALL", jk)
`)

	// Owner gate shared by heartbeat/complete/fail. Return codes:
	// 1 ok, 0 job missing, -1 not owned by caller, -2 lease expired.
	redisOwnerGate = `
if redis.call("EXISTS", jk) == 0 then
  return 0
end
local status = redis.call("HGET", jk, "status")
local owner = redis.call("HGET", jk, "lease_owner")
if status ~= "PROCESSING" or owner ~= worker then
  return -1
end
local expiry = tonumber(redis.call("HGET", jk, "lease_expires_at"))
if expiry <= nowMs then
  return -2
end
`

	// KEYS: jobKey, leases; ARGV: worker, nowMs, visibilityMs, progress
	// (-1 keeps the stored value), jobID.
	redisHeartbeatScript = redis.NewScript(`
local jk = KEYS[1]
local leases = KEYS[2]
local worker = ARGV[1]
local nowMs = tonumber(ARGV[2])
local visMs = tonumber(ARGV[3])
local progress = tonumber(ARGV[4])
local id = ARGV[5]
` + redisOwnerGate + `
local newExpiry = nowMs + visMs
redis.call("HSET", jk, "lease_expires_at", newExpiry, "updated_at", nowMs)
redis.call("ZADD", leases, newExpiry, id)
if progress >= 0 then
  redis.call("HSET", jk, "progress", math.min(progress, 100))
end
return 1
`)

	// KEYS: jobKey, leases, terminal, counts; ARGV: worker, nowMs, jobID,
	// terminal status ("COMPLETED"/"FAILED"), payload field name
	// ("result"/"error"), payload JSON, progress (-1 keeps).
	redisFinishScript = redis.NewScript(`
local jk = KEYS[1]
local leases = KEYS[2]
local terminal = KEYS[3]
local counts = KEYS[4]
local worker = ARGV[1]
local nowMs = tonumber(ARGV[2])
local id = ARGV[3]
local finalStatus = ARGV[4]
local field = ARGV[5]
local payload = ARGV[6]
local progress = tonumber(ARGV[7])
` + redisOwnerGate + `
redis.call("HSET", jk, "status", finalStatus, "lease_owner", "", "lease_expires_at", 0, "updated_at", nowMs)
if payload ~= "" then
  redis.call("HSET", jk, field, payload)
end
if progress >= 0 then
  redis.call("HSET", jk, "progress", progress)
end
redis.call("ZREM", leases, id)
redis.call("ZADD", terminal, nowMs, id)
redis.call("HINCRBY", counts, "processing", -1)
if finalStatus == "COMPLETED" then
  redis.call("HINCRBY", counts, "completed", 1)
else
  redis.call("HINCRBY", counts, "failed", 1)
end
return 1
`)

	// KEYS: leases, ready, counts; ARGV: jobPrefix, nowMs.
	redisStatsScript = redis.NewScript(`
local leases = KEYS[1]
local ready = KEYS[2]
local counts = KEYS[3]
local jobPrefix = ARGV[1]
local nowMs = tonumber(ARGV[2])
` + redisReclaimSnippet + `
return redis.call("HGETALL", counts)
`)

	// KEYS: terminal, counts; ARGV: jobPrefix, cutoffMs.
	redisCleanScript = redis.NewScript(`
local terminal = KEYS[1]
local counts = KEYS[2]
local jobPrefix = ARGV[1]
local cutoffMs = tonumber(ARGV[2])

local ids = redis.call("ZRANGEBYSCORE", terminal, "-inf", cutoffMs)
local removed = 0
for _, id in ipairs(ids) do
  local jk = jobPrefix .. id
  local status = redis.call("HGET", jk, "status")
  if status == "COMPLETED" then
    redis.call("HINCRBY", counts, "completed", -1)
  elseif status == "FAILED" then
    redis.call("HINCRBY", counts, "failed", -1)
  end
  redis.call("DEL", jk)
  redis.call("ZREM", terminal, id)
  removed = removed + 1
end
return removed
`)
)

// RedisStore implements Store on Redis hashes and sorted sets. Every
// multi-key transition runs as a Lua script so concurrent providers observe
// atomic check-and-set semantics.
type RedisStore struct {
	client *redis.Client
	config RedisStoreConfig

	mu     sync.RWMutex
	closed bool
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{client: client, config: cfg}, nil
}

func (s *RedisStore) Insert(ctx context.Context, job *Job) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if job == nil {
		return queueError(ErrValidation, "job is nil")
	}

	fields, err := redisJobFields(job)
	if err != nil {
		return err
	}
	args := make([]any, 0, 2+len(fields))
	args = append(args, s.jobPrefix(), job.ID)
	args = append(args, fields...)

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	seq, err := redisInsertScript.Run(opCtx, s.client,
		[]string{s.readyKey(), s.countsKey(), s.seqKey()}, args...).Int64()
	if err != nil {
		return err
	}
	job.seq = uint64(seq)
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	fields, err := s.client.HGetAll(opCtx, s.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, queueError(ErrNotFound, id)
	}
	return redisJobFromFields(fields)
}

func (s *RedisStore) Reserve(ctx context.Context, workerID string, visibility time.Duration, now time.Time) (*Job, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	result, err := redisReserveScript.Run(opCtx, s.client,
		[]string{s.leasesKey(), s.readyKey(), s.countsKey()},
		s.jobPrefix(), now.UnixMilli(), visibility.Milliseconds(), workerID,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	raw, ok := result.([]any)
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	fields := make(map[string]string, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		k, _ := raw[i].(string)
		v, _ := raw[i+1].(string)
		fields[k] = v
	}
	return redisJobFromFields(fields)
}

func (s *RedisStore) Heartbeat(ctx context.Context, id, workerID string, progress int, visibility time.Duration, now time.Time) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	code, err := redisHeartbeatScript.Run(opCtx, s.client,
		[]string{s.jobKey(id), s.leasesKey()},
		workerID, now.UnixMilli(), visibility.Milliseconds(), progress, id,
	).Int()
	if err != nil {
		return err
	}
	return redisGateError(code, id)
}

func (s *RedisStore) Complete(ctx context.Context, id, workerID string, result json.RawMessage, now time.Time) (*Job, error) {
	return s.finish(ctx, id, workerID, string(StatusCompleted), "result", string(result), 100, now)
}

func (s *RedisStore) Fail(ctx context.Context, id, workerID string, jobErr JobError, now time.Time) (*Job, error) {
	encoded, err := json.Marshal(jobErr)
	if err != nil {
		return nil, fmt.Errorf("marshal job error: %w", err)
	}
	return s.finish(ctx, id, workerID, string(StatusFailed), "error", string(encoded), -1, now)
}

func (s *RedisStore) finish(ctx context.Context, id, workerID, status, field, payload string, progress int, now time.Time) (*Job, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	code, err := redisFinishScript.Run(opCtx, s.client,
		[]string{s.jobKey(id), s.leasesKey(), s.terminalKey(), s.countsKey()},
		workerID, now.UnixMilli(), id, status, field, payload, progress,
	).Int()
	if err != nil {
		return nil, err
	}
	if gateErr := redisGateError(code, id); gateErr != nil {
		return nil, gateErr
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	if err := s.ensureOpen(); err != nil {
		return Stats{}, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	raw, err := redisStatsScript.Run(opCtx, s.client,
		[]string{s.leasesKey(), s.readyKey(), s.countsKey()},
		s.jobPrefix(), now.UnixMilli(),
	).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}

	var st Stats
	if pairs, ok := raw.([]any); ok {
		for i := 0; i+1 < len(pairs); i += 2 {
			name, _ := pairs[i].(string)
			value, _ := pairs[i+1].(string)
			n, _ := strconv.Atoi(value)
			switch name {
			case "queued":
				st.Queued = n
			case "processing":
				st.Processing = n
			case "completed":
				st.Completed = n
			case "failed":
				st.Failed = n
			}
		}
	}
	st.Total = st.Queued + st.Processing + st.Completed + st.Failed
	return st, nil
}

func (s *RedisStore) Clean(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	removed, err := redisCleanScript.Run(opCtx, s.client,
		[]string{s.terminalKey(), s.countsKey()},
		s.jobPrefix(), cutoff.UnixMilli(),
	).Int()
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	return s.client.Ping(opCtx).Err()
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.client.Close()
}

func (s *RedisStore) ensureOpen() error {
	if s == nil || s.client == nil {
		return errors.New("redis store is not initialized")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *RedisStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func (s *RedisStore) prefix() string {
	return strings.TrimRight(strings.TrimSpace(s.config.Prefix), ":")
}

func (s *RedisStore) jobPrefix() string       { return s.prefix() + ":job:" }
func (s *RedisStore) jobKey(id string) string { return s.jobPrefix() + id }
func (s *RedisStore) readyKey() string        { return s.prefix() + ":ready" }
func (s *RedisStore) leasesKey() string       { return s.prefix() + ":leases" }
func (s *RedisStore) terminalKey() string     { return s.prefix() + ":terminal" }
func (s *RedisStore) countsKey() string       { return s.prefix() + ":counts" }
func (s *RedisStore) seqKey() string          { return s.prefix() + ":seq" }

func redisGateError(code int, id string) error {
	switch code {
	case 1:
		return nil
	case 0:
		return queueError(ErrNotFound, id)
	case -1:
		return queueError(ErrLeaseOwnership, "lease held by another worker")
	case -2:
		return queueError(ErrLeaseOwnership, "lease expired")
	default:
		return fmt.Errorf("unexpected gate result %d", code)
	}
}

func redisJobFields(job *Job) ([]any, error) {
	policy, err := json.Marshal(job.RetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("marshal retry policy: %w", err)
	}
	return []any{
		"id", job.ID,
		"type", job.Type,
		"payload", string(job.Payload),
		"status", string(job.Status),
		"priority", job.Priority,
		"attempts", job.Attempts,
		"progress", job.Progress,
		"idempotency_key", job.IdempotencyKey,
		"request_id", job.RequestID,
		"retry_policy", string(policy),
		"lease_owner", "",
		"lease_expires_at", 0,
		"created_at", job.CreatedAt.UnixMilli(),
		"updated_at", job.UpdatedAt.UnixMilli(),
	}, nil
}

func redisJobFromFields(fields map[string]string) (*Job, error) {
	job := &Job{
		ID:             fields["id"],
		Type:           fields["type"],
		Status:         Status(fields["status"]),
		IdempotencyKey: fields["idempotency_key"],
		RequestID:      fields["request_id"],
		LeaseOwner:     fields["lease_owner"],
	}
	if v := fields["payload"]; v != "" {
		job.Payload = json.RawMessage(v)
	}
	if v := fields["result"]; v != "" {
		job.Result = json.RawMessage(v)
	}
	if v := fields["error"]; v != "" {
		var jobErr JobError
		if err := json.Unmarshal([]byte(v), &jobErr); err != nil {
			return nil, fmt.Errorf("decode job error: %w", err)
		}
		job.Error = &jobErr
	}
	if v := fields["retry_policy"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.RetryPolicy); err != nil {
			return nil, fmt.Errorf("decode retry policy: %w", err)
		}
	}
	job.Priority, _ = strconv.Atoi(fields["priority"])
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.Progress, _ = strconv.Atoi(fields["progress"])
	if seq, err := strconv.ParseUint(fields["seq"], 10, 64); err == nil {
		job.seq = seq
	}
	if ms, err := strconv.ParseInt(fields["lease_expires_at"], 10, 64); err == nil && ms > 0 {
		job.LeaseExpiresAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		job.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		job.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return job, nil
}
