package hold

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue entries are pipe-separated: token|holder|correlation|ttl_ms|deadline_ms.
// Correlation ids therefore must not contain '|'.

// promoteFn is shared Lua: pops queued waiters, skipping those whose own
// deadline lapsed, and installs the first live one as the lease.
const promoteFn = `
local function promote(leaseKey, queueKey, resource, now)
  while true do
    local item = redis.call("LPOP", queueKey)
    if not item then return nil end
    local tok, hol, cor, ttl, deadline = string.match(item, "([^|]*)|([^|]*)|([^|]*)|([^|]*)|([^|]*)")
    if tonumber(deadline) >= now then
      redis.call("HSET", leaseKey, "token", tok, "holder", hol, "correlation", cor, "ttl_ms", ttl, "confirmed", "0", "created_ms", now)
      redis.call("PEXPIRE", leaseKey, tonumber(ttl))
      redis.call("SET", "hold:token:" .. tok, resource, "PX", tonumber(ttl) * 2)
      return tok
    end
  end
end
`

// requestScript acquires or queues a hold atomically.
// KEYS[1]=lease, KEYS[2]=queue, KEYS[3]=resource set
// ARGV: token, holder, correlation, ttl_ms, now_ms, resource
var requestScript = redis.NewScript(`
redis.call("SADD", KEYS[3], ARGV[6])
local lease = redis.call("HMGET", KEYS[1], "token", "holder")
if not lease[1] then
  redis.call("HSET", KEYS[1], "token", ARGV[1], "holder", ARGV[2], "correlation", ARGV[3], "ttl_ms", ARGV[4], "confirmed", "0", "created_ms", ARGV[5])
  redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[4]))
  redis.call("SET", "hold:token:" .. ARGV[1], ARGV[6], "PX", tonumber(ARGV[4]) * 2)
  return {ARGV[1], "active", 0}
end
if lease[2] == ARGV[2] then
  return {lease[1], "active", 0}
end
if ARGV[3] ~= "" then
  local q = redis.call("LRANGE", KEYS[2], 0, -1)
  for i, item in ipairs(q) do
    local tok, hol, cor = string.match(item, "([^|]*)|([^|]*)|([^|]*)|")
    if hol == ARGV[2] and cor == ARGV[3] then
      return {tok, "pending", i}
    end
  end
end
local deadline = tonumber(ARGV[5]) + tonumber(ARGV[4])
local item = ARGV[1] .. "|" .. ARGV[2] .. "|" .. ARGV[3] .. "|" .. ARGV[4] .. "|" .. deadline
redis.call("RPUSH", KEYS[2], item)
redis.call("PEXPIRE", KEYS[2], tonumber(ARGV[4]) * 2)
redis.call("SET", "hold:token:" .. ARGV[1], ARGV[6], "PX", tonumber(ARGV[4]) * 2)
return {ARGV[1], "pending", redis.call("LLEN", KEYS[2])}
`)

// confirmScript renews the lease if the token is the active holder.
// Returns 1 on success, -2 if the token is still queued, -1 if gone.
// KEYS[1]=lease, KEYS[2]=queue; ARGV[1]=token
var confirmScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "token")
if cur == ARGV[1] then
  local ttl = tonumber(redis.call("HGET", KEYS[1], "ttl_ms"))
  redis.call("HSET", KEYS[1], "confirmed", "1")
  redis.call("PEXPIRE", KEYS[1], ttl)
  return 1
end
local q = redis.call("LRANGE", KEYS[2], 0, -1)
for i, item in ipairs(q) do
  local tok = string.match(item, "([^|]*)|")
  if tok == ARGV[1] then return -2 end
end
return -1
`)

// releaseScript releases the active lease and promotes the next waiter.
// Returns 1 on success, -1 if the token is not the active holder.
// KEYS[1]=lease, KEYS[2]=queue; ARGV: token, now_ms, resource
var releaseScript = redis.NewScript(promoteFn + `
local cur = redis.call("HGET", KEYS[1], "token")
if cur == ARGV[1] then
  redis.call("DEL", KEYS[1])
  redis.call("DEL", "hold:token:" .. ARGV[1])
  promote(KEYS[1], KEYS[2], ARGV[3], tonumber(ARGV[2]))
  return 1
end
return -1
`)

// reapScript promotes a waiter when the lease has expired (Redis TTL already
// removed it), and prunes empty resources from the tracking set.
// KEYS[1]=lease, KEYS[2]=queue, KEYS[3]=resource set; ARGV: now_ms, resource
var reapScript = redis.NewScript(promoteFn + `
if redis.call("EXISTS", KEYS[1]) == 0 then
  local tok = promote(KEYS[1], KEYS[2], ARGV[2], tonumber(ARGV[1]))
  if tok then return 1 end
  if redis.call("LLEN", KEYS[2]) == 0 then
    redis.call("SREM", KEYS[3], ARGV[2])
    return 0
  end
end
return 0
`)

const resourceSetKey = "hold:resources"

// RedisManager is the distributed Manager implementation. All transitions
// for one resource run as atomic Lua scripts, so multiple service instances
// may share one Redis.
type RedisManager struct {
	client *redis.Client
	clock  func() time.Time
	logger *slog.Logger

	reaperStop chan struct{}
	reaperOnce sync.Once
}

// NewRedisManager creates a hold manager backed by the given Redis client.
func NewRedisManager(client *redis.Client) *RedisManager {
	return &RedisManager{
		client: client,
		clock:  time.Now,
		logger: slog.Default().With("component", "hold", "backend", "redis"),
	}
}

// WithClock overrides the clock for testing.
func (m *RedisManager) WithClock(clock func() time.Time) *RedisManager {
	m.clock = clock
	return m
}

func leaseKey(resource string) string { return "hold:lease:" + resource }
func queueKey(resource string) string { return "hold:q:" + resource }
func tokenKey(token string) string    { return "hold:token:" + token }

func (m *RedisManager) Request(ctx context.Context, resource, author string, ttlSeconds int, correlation string) (*Hold, error) {
	if ttlSeconds <= 0 {
		return nil, ErrInvalidTTL
	}
	if strings.Contains(correlation, "|") {
		return nil, fmt.Errorf("hold: correlation must not contain '|'")
	}

	now := m.clock()
	token := newToken()
	ttlMS := int64(ttlSeconds) * 1000

	res, err := requestScript.Run(ctx, m.client,
		[]string{leaseKey(resource), queueKey(resource), resourceSetKey},
		token, author, correlation, ttlMS, now.UnixMilli(), resource,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("hold: request script: %w", err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 3 {
		return nil, fmt.Errorf("hold: unexpected script response %v", res)
	}
	grantedToken, _ := parts[0].(string)
	state, _ := parts[1].(string)
	pos, _ := parts[2].(int64)

	h := &Hold{
		Token:         grantedToken,
		Resource:      resource,
		Holder:        author,
		Correlation:   correlation,
		TTLSeconds:    ttlSeconds,
		QueuePosition: int(pos),
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(ttlSeconds) * time.Second),
	}
	if state == "active" {
		h.State = StateActive
	} else {
		h.State = StatePending
	}
	return h, nil
}

func (m *RedisManager) Confirm(ctx context.Context, token string) (*Hold, error) {
	resource, err := m.resourceFor(ctx, token)
	if err != nil {
		return nil, err
	}

	res, err := confirmScript.Run(ctx, m.client,
		[]string{leaseKey(resource), queueKey(resource)}, token,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("hold: confirm script: %w", err)
	}
	switch res {
	case 1:
		return m.readActive(ctx, resource, token)
	case -2:
		return nil, ErrNotActive
	default:
		return nil, ErrHoldExpired
	}
}

func (m *RedisManager) Release(ctx context.Context, token string) error {
	resource, err := m.resourceFor(ctx, token)
	if err != nil {
		return err
	}

	res, err := releaseScript.Run(ctx, m.client,
		[]string{leaseKey(resource), queueKey(resource)},
		token, m.clock().UnixMilli(), resource,
	).Int()
	if err != nil {
		return fmt.Errorf("hold: release script: %w", err)
	}
	if res != 1 {
		return ErrNotHolder
	}
	return nil
}

func (m *RedisManager) Get(ctx context.Context, token string) (*Hold, error) {
	resource, err := m.resourceFor(ctx, token)
	if err != nil {
		return nil, err
	}

	lease, err := m.client.HGetAll(ctx, leaseKey(resource)).Result()
	if err != nil {
		return nil, fmt.Errorf("hold: read lease: %w", err)
	}
	if lease["token"] == token {
		return m.readActive(ctx, resource, token)
	}

	items, err := m.client.LRange(ctx, queueKey(resource), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("hold: read queue: %w", err)
	}
	for i, item := range items {
		fields := strings.SplitN(item, "|", 5)
		if len(fields) == 5 && fields[0] == token {
			ttlMS, _ := strconv.ParseInt(fields[3], 10, 64)
			deadlineMS, _ := strconv.ParseInt(fields[4], 10, 64)
			return &Hold{
				Token:         token,
				Resource:      resource,
				Holder:        fields[1],
				Correlation:   fields[2],
				State:         StatePending,
				TTLSeconds:    int(ttlMS / 1000),
				QueuePosition: i + 1,
				ExpiresAt:     time.UnixMilli(deadlineMS),
			}, nil
		}
	}
	return nil, ErrHoldExpired
}

func (m *RedisManager) Counts(ctx context.Context) (int, int, error) {
	resources, err := m.client.SMembers(ctx, resourceSetKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("hold: list resources: %w", err)
	}
	active, pending := 0, 0
	for _, resource := range resources {
		exists, err := m.client.Exists(ctx, leaseKey(resource)).Result()
		if err != nil {
			return 0, 0, err
		}
		active += int(exists)
		n, err := m.client.LLen(ctx, queueKey(resource)).Result()
		if err != nil {
			return 0, 0, err
		}
		pending += int(n)
	}
	return active, pending, nil
}

func (m *RedisManager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// StartReaper polls known resources and promotes waiters whose lease expired.
func (m *RedisManager) StartReaper(ctx context.Context, interval time.Duration) {
	m.reaperStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Sweep(ctx); err != nil {
					m.logger.Warn("hold sweep failed", "error", err)
				}
			case <-m.reaperStop:
				return
			}
		}
	}()
}

// Close stops the reaper if running.
func (m *RedisManager) Close() {
	if m.reaperStop != nil {
		m.reaperOnce.Do(func() { close(m.reaperStop) })
	}
}

// Sweep runs one reaper pass over all known resources.
func (m *RedisManager) Sweep(ctx context.Context) error {
	resources, err := m.client.SMembers(ctx, resourceSetKey).Result()
	if err != nil {
		return fmt.Errorf("hold: list resources: %w", err)
	}
	now := m.clock().UnixMilli()
	for _, resource := range resources {
		promoted, err := reapScript.Run(ctx, m.client,
			[]string{leaseKey(resource), queueKey(resource), resourceSetKey},
			now, resource,
		).Int()
		if err != nil {
			return fmt.Errorf("hold: reap %s: %w", resource, err)
		}
		if promoted == 1 {
			m.logger.Debug("hold promoted after expiry", "resource", resource)
		}
	}
	return nil
}

func (m *RedisManager) resourceFor(ctx context.Context, token string) (string, error) {
	resource, err := m.client.Get(ctx, tokenKey(token)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("hold: resolve token: %w", err)
	}
	return resource, nil
}

func (m *RedisManager) readActive(ctx context.Context, resource, token string) (*Hold, error) {
	lease, err := m.client.HGetAll(ctx, leaseKey(resource)).Result()
	if err != nil {
		return nil, fmt.Errorf("hold: read lease: %w", err)
	}
	pttl, err := m.client.PTTL(ctx, leaseKey(resource)).Result()
	if err != nil {
		return nil, fmt.Errorf("hold: read lease ttl: %w", err)
	}
	ttlMS, _ := strconv.ParseInt(lease["ttl_ms"], 10, 64)
	createdMS, _ := strconv.ParseInt(lease["created_ms"], 10, 64)
	return &Hold{
		Token:       token,
		Resource:    resource,
		Holder:      lease["holder"],
		Correlation: lease["correlation"],
		State:       StateActive,
		TTLSeconds:  int(ttlMS / 1000),
		Confirmed:   lease["confirmed"] == "1",
		CreatedAt:   time.UnixMilli(createdMS),
		ExpiresAt:   m.clock().Add(pttl),
	}, nil
}
