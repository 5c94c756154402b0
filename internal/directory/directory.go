// Package directory is the shared TTL'd key-value store that coordinates
// routes, per-user tunnel sets, bandwidth usage and rate limits across edge
// nodes. It is backed by Redis; every key carries a TTL so that a crashed
// edge self-evicts.
package directory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes in the shared store.
const (
	routePrefix       = "route:"
	usagePrefix       = "usage:"
	nodePrefix        = "node:"
	userTunnelsPrefix = "user_tunnels:"
	rateLimitPrefix   = "ratelimit:tunnels:"
)

// usageTTL is the sliding expiry for the monthly bandwidth counter. The TTL
// is set once, when the counter is first incremented.
const usageTTL = 30 * 24 * time.Hour

// RouteRecord locates the edge node hosting a subdomain's tunnel.
type RouteRecord struct {
	NodeAddr     string
	InternalPort int
	UserID       string
}

// Directory wraps the Redis client with the tunnel-coordination operations.
type Directory struct {
	rdb redis.UniversalClient
	now func() time.Time // overridable in tests
}

func New(rdb redis.UniversalClient) *Directory {
	return &Directory{rdb: rdb, now: time.Now}
}

// PutRoute writes (or overwrites) the route for a subdomain and resets its TTL.
func (d *Directory) PutRoute(ctx context.Context, sub string, rec RouteRecord, ttl time.Duration) error {
	key := routePrefix + sub
	pipe := d.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"node_addr", rec.NodeAddr,
		"internal_port", strconv.Itoa(rec.InternalPort),
		"user_id", rec.UserID,
	)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put route %s: %w", sub, err)
	}
	return nil
}

// GetRoute returns the route for a subdomain, or nil if none exists.
func (d *Directory) GetRoute(ctx context.Context, sub string) (*RouteRecord, error) {
	vals, err := d.rdb.HGetAll(ctx, routePrefix+sub).Result()
	if err != nil {
		return nil, fmt.Errorf("get route %s: %w", sub, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	port, _ := strconv.Atoi(vals["internal_port"])
	return &RouteRecord{
		NodeAddr:     vals["node_addr"],
		InternalPort: port,
		UserID:       vals["user_id"],
	}, nil
}

// RefreshRoute extends a route's TTL. Returns true iff the key existed.
func (d *Directory) RefreshRoute(ctx context.Context, sub string, ttl time.Duration) (bool, error) {
	ok, err := d.rdb.Expire(ctx, routePrefix+sub, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("refresh route %s: %w", sub, err)
	}
	return ok, nil
}

// DeleteRoute removes a subdomain's route.
func (d *Directory) DeleteRoute(ctx context.Context, sub string) error {
	if err := d.rdb.Del(ctx, routePrefix+sub).Err(); err != nil {
		return fmt.Errorf("delete route %s: %w", sub, err)
	}
	return nil
}

// addUserTunnel prunes expired members, counts, and adds only when under the
// limit. This is the single operation that must be atomic in the directory.
var addUserTunnelScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local expiry = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, '-inf', now)
if redis.call('ZSCORE', key, member) then
	redis.call('ZADD', key, expiry, member)
	return {redis.call('ZCARD', key), 1}
end
local count = redis.call('ZCARD', key)
if count >= max then
	return {count, 0}
end
redis.call('ZADD', key, expiry, member)
return {count + 1, 1}
`)

// AddUserTunnel registers sub in the user's active-tunnel set with a member
// expiry of memberTTL from now. Returns the active count and whether the
// member was admitted (false means the plan's concurrency cap is reached).
// Re-adding an existing member refreshes its expiry and always admits.
func (d *Directory) AddUserTunnel(ctx context.Context, userID, sub string, memberTTL time.Duration, max int) (int, bool, error) {
	now := d.now().Unix()
	res, err := addUserTunnelScript.Run(ctx, d.rdb,
		[]string{userTunnelsPrefix + userID},
		now, now+int64(memberTTL.Seconds()), max, sub,
	).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("add user tunnel %s/%s: %w", userID, sub, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("add user tunnel %s/%s: unexpected script reply %v", userID, sub, res)
	}
	return int(res[0]), res[1] == 1, nil
}

// RemoveUserTunnel drops sub from the user's active-tunnel set.
func (d *Directory) RemoveUserTunnel(ctx context.Context, userID, sub string) error {
	if err := d.rdb.ZRem(ctx, userTunnelsPrefix+userID, sub).Err(); err != nil {
		return fmt.Errorf("remove user tunnel %s/%s: %w", userID, sub, err)
	}
	return nil
}

// IncrUsage adds bytes to the user's bandwidth counter and returns the new
// total. The 30-day sliding TTL is set only when the key is created.
func (d *Directory) IncrUsage(ctx context.Context, userID string, bytes int64) (int64, error) {
	key := usagePrefix + userID
	total, err := d.rdb.IncrBy(ctx, key, bytes).Result()
	if err != nil {
		return 0, fmt.Errorf("incr usage %s: %w", userID, err)
	}
	// Only sets when the key has no TTL yet (first write in the window).
	if err := d.rdb.ExpireNX(ctx, key, usageTTL).Err(); err != nil {
		return total, fmt.Errorf("set usage ttl %s: %w", userID, err)
	}
	return total, nil
}

// TouchUsage arms the usage TTL if the counter exists without one. A no-op
// when the sliding window is already running.
func (d *Directory) TouchUsage(ctx context.Context, userID string) error {
	if err := d.rdb.ExpireNX(ctx, usagePrefix+userID, usageTTL).Err(); err != nil {
		return fmt.Errorf("touch usage %s: %w", userID, err)
	}
	return nil
}

// GetUsage returns the user's bandwidth total for the current window.
func (d *Directory) GetUsage(ctx context.Context, userID string) (int64, error) {
	total, err := d.rdb.Get(ctx, usagePrefix+userID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get usage %s: %w", userID, err)
	}
	return total, nil
}

var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local cutoff = tonumber(ARGV[1])
local now = ARGV[2]
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local window = tonumber(ARGV[5])
redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
if redis.call('ZCARD', key) >= limit then
	return 0
end
redis.call('ZADD', key, now, member)
redis.call('EXPIRE', key, window)
return 1
`)

// AllowTunnelCreate records a tunnel-creation attempt in the user's sliding
// window and reports whether it is within the plan's rate.
func (d *Directory) AllowTunnelCreate(ctx context.Context, userID string, limit int, window time.Duration, attemptID string) (bool, error) {
	now := d.now().UnixNano()
	cutoff := now - window.Nanoseconds()
	res, err := rateLimitScript.Run(ctx, d.rdb,
		[]string{rateLimitPrefix + userID},
		cutoff, now, limit, attemptID, int(window.Seconds()),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", userID, err)
	}
	return res == 1, nil
}

// RegisterNode records an edge node as alive.
func (d *Directory) RegisterNode(ctx context.Context, addr string, ttl time.Duration) error {
	if err := d.rdb.Set(ctx, nodePrefix+addr, d.now().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("register node %s: %w", addr, err)
	}
	return nil
}

// RefreshNode extends an edge node's liveness record.
func (d *Directory) RefreshNode(ctx context.Context, addr string, ttl time.Duration) error {
	return d.RegisterNode(ctx, addr, ttl)
}
