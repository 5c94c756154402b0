package directory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T) (*Directory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func TestRouteLifecycle(t *testing.T) {
	d, mr := newTestDirectory(t)
	ctx := context.Background()

	rec := RouteRecord{NodeAddr: "10.0.0.5", InternalPort: 9901, UserID: "u1"}
	require.NoError(t, d.PutRoute(ctx, "myapp", rec, time.Minute))

	got, err := d.GetRoute(ctx, "myapp")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, *got)

	ok, err := d.RefreshRoute(ctx, "myapp", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.RefreshRoute(ctx, "nosuch", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// TTL expiry evicts the route.
	mr.FastForward(2 * time.Minute)
	got, err = d.GetRoute(ctx, "myapp")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteRoute(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	require.NoError(t, d.PutRoute(ctx, "myapp", RouteRecord{NodeAddr: "a", InternalPort: 1, UserID: "u"}, time.Minute))
	require.NoError(t, d.DeleteRoute(ctx, "myapp"))

	got, err := d.GetRoute(ctx, "myapp")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAddUserTunnelEnforcesLimit(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	for i, sub := range []string{"one", "two", "three"} {
		count, admitted, err := d.AddUserTunnel(ctx, "u1", sub, time.Hour, 3)
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, i+1, count)
	}

	count, admitted, err := d.AddUserTunnel(ctx, "u1", "four", time.Hour, 3)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, 3, count)

	// Re-adding an existing member refreshes it and always admits.
	_, admitted, err = d.AddUserTunnel(ctx, "u1", "two", time.Hour, 3)
	require.NoError(t, err)
	assert.True(t, admitted)

	// Freeing a slot admits the next tunnel.
	require.NoError(t, d.RemoveUserTunnel(ctx, "u1", "one"))
	count, admitted, err = d.AddUserTunnel(ctx, "u1", "four", time.Hour, 3)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, 3, count)
}

func TestAddUserTunnelPrunesExpiredMembers(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	_, admitted, err := d.AddUserTunnel(ctx, "u1", "short", time.Minute, 1)
	require.NoError(t, err)
	require.True(t, admitted)

	_, admitted, err = d.AddUserTunnel(ctx, "u1", "blocked", time.Minute, 1)
	require.NoError(t, err)
	require.False(t, admitted)

	// After the member expiry passes, the slot is reclaimed.
	d.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	count, admitted, err := d.AddUserTunnel(ctx, "u1", "next", time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, 1, count)
}

func TestUsageCounter(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	total, err := d.GetUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, total)

	total, err = d.IncrUsage(ctx, "u1", 1024)
	require.NoError(t, err)
	assert.EqualValues(t, 1024, total)

	total, err = d.IncrUsage(ctx, "u1", 76)
	require.NoError(t, err)
	assert.EqualValues(t, 1100, total)

	total, err = d.GetUsage(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1100, total)
}

func TestAllowTunnelCreate(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := d.AllowTunnelCreate(ctx, "u1", 3, time.Hour, string(rune('a'+i)))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := d.AllowTunnelCreate(ctx, "u1", 3, time.Hour, "d")
	require.NoError(t, err)
	assert.False(t, ok)

	// Separate users do not share windows.
	ok, err = d.AllowTunnelCreate(ctx, "u2", 3, time.Hour, "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegisterNode(t *testing.T) {
	d, mr := newTestDirectory(t)
	ctx := context.Background()

	d.now = func() time.Time { return time.Unix(1700000000, 0) }
	require.NoError(t, d.RegisterNode(ctx, "edge-a:9901", time.Minute))
	assert.True(t, mr.Exists("node:edge-a:9901"))

	// The liveness record carries the directory clock, not the wall clock.
	got, err := mr.Get("node:edge-a:9901")
	require.NoError(t, err)
	assert.Equal(t, "1700000000", got)

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("node:edge-a:9901"))
}
