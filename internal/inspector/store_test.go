package inspector

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRingDropsOldestOnly(t *testing.T) {
	s := NewStoreWithRingSize(3)
	s.Register("t1", "demo", "https://demo.tun.example", "127.0.0.1:3000")

	for i := 1; i <= 4; i++ {
		ok := s.AddRequest("t1", CapturedRequest{Path: fmt.Sprintf("/r%d", i)})
		require.True(t, ok)
	}

	reqs := s.Requests("t1", 0)
	require.Len(t, reqs, 3)
	require.Equal(t, "/r2", reqs[0].Path)
	require.Equal(t, "/r3", reqs[1].Path)
	require.Equal(t, "/r4", reqs[2].Path)
}

func TestRequestsLimitReturnsNewest(t *testing.T) {
	s := NewStore()
	s.Register("t1", "demo", "", "")
	for i := 1; i <= 5; i++ {
		s.AddRequest("t1", CapturedRequest{Path: fmt.Sprintf("/r%d", i)})
	}
	reqs := s.Requests("t1", 2)
	require.Len(t, reqs, 2)
	require.Equal(t, "/r4", reqs[0].Path)
	require.Equal(t, "/r5", reqs[1].Path)
}

func TestAddRequestUnknownTunnel(t *testing.T) {
	s := NewStore()
	require.False(t, s.AddRequest("nope", CapturedRequest{}))
	require.Nil(t, s.Requests("nope", 0))
}

func TestAddRequestAssignsIDAndTunnel(t *testing.T) {
	s := NewStore()
	s.Register("t1", "demo", "", "")
	s.AddRequest("t1", CapturedRequest{TunnelID: "spoofed", Path: "/"})

	reqs := s.Requests("t1", 0)
	require.Len(t, reqs, 1)
	require.NotEmpty(t, reqs[0].ID)
	require.Equal(t, "t1", reqs[0].TunnelID)
	require.False(t, reqs[0].Timestamp.IsZero())
}

func TestRegisterEvents(t *testing.T) {
	s := NewStore()
	events, cancel := s.Subscribe()
	defer cancel()

	s.Register("t1", "demo", "https://demo.tun.example", "127.0.0.1:3000")
	ev := <-events
	require.Equal(t, EventTunnelRegistered, ev.Type)
	require.Equal(t, "t1", ev.TunnelID)
	require.Equal(t, "demo", ev.Tunnel.Subdomain)

	// Re-register is an update, not a second registration.
	s.Register("t1", "demo", "https://demo.tun.example", "127.0.0.1:4000")
	ev = <-events
	require.Equal(t, EventTunnelUpdated, ev.Type)
	require.Equal(t, "127.0.0.1:4000", ev.Tunnel.LocalAddr)

	require.True(t, s.Unregister("t1"))
	ev = <-events
	require.Equal(t, EventTunnelUnregistered, ev.Type)
	require.False(t, s.Unregister("t1"))
}

func TestClearEvents(t *testing.T) {
	s := NewStore()
	s.Register("t1", "a", "", "")
	s.Register("t2", "b", "", "")
	s.AddRequest("t1", CapturedRequest{Path: "/x"})
	s.AddRequest("t2", CapturedRequest{Path: "/y"})

	events, cancel := s.Subscribe()
	defer cancel()

	s.Clear("t1")
	require.Empty(t, s.Requests("t1", 0))
	require.Len(t, s.Requests("t2", 0), 1)
	ev := <-events
	require.Equal(t, EventClear, ev.Type)
	require.Equal(t, "t1", ev.TunnelID)

	s.Clear("")
	require.Empty(t, s.Requests("t2", 0))
	ev = <-events
	require.Equal(t, EventClear, ev.Type)
	require.Empty(t, ev.TunnelID)
}

func TestSlowSubscriberLosesOldest(t *testing.T) {
	s := NewStore()
	events, cancel := s.Subscribe()
	defer cancel()

	s.Register("t1", "demo", "", "")
	// One more event than the queue holds; the registration event must be
	// the one dropped.
	for i := 0; i < subscriberBuffer; i++ {
		s.AddRequest("t1", CapturedRequest{Path: fmt.Sprintf("/r%d", i)})
	}

	first := <-events
	require.Equal(t, EventRequest, first.Type)
	require.Equal(t, "/r0", first.Request.Path)
}

func TestSweepStale(t *testing.T) {
	s := NewStore()
	base := time.Now()
	s.now = func() time.Time { return base }

	s.Register("fresh", "a", "", "")
	s.Register("stale", "b", "", "")

	s.now = func() time.Time { return base.Add(90 * time.Second) }
	s.Heartbeat("fresh")

	s.now = func() time.Time { return base.Add(3 * time.Minute) }
	require.Equal(t, 1, s.SweepStale())

	staleT, ok := s.Tunnel("stale")
	require.True(t, ok)
	require.Equal(t, StatusDisconnected, staleT.Status)
	freshT, _ := s.Tunnel("fresh")
	require.Equal(t, StatusActive, freshT.Status)

	// Sweep is idempotent.
	require.Equal(t, 0, s.SweepStale())

	// A heartbeat revives a disconnected tunnel.
	events, cancel := s.Subscribe()
	defer cancel()
	require.True(t, s.Heartbeat("stale"))
	ev := <-events
	require.Equal(t, EventTunnelStatus, ev.Type)
	require.Equal(t, StatusActive, ev.Status)
}

func TestMetricsPercentiles(t *testing.T) {
	s := NewStore()
	s.Register("t1", "demo", "", "")
	for i := 1; i <= 100; i++ {
		s.AddRequest("t1", CapturedRequest{Path: "/", DurationMs: int64(i)})
	}

	snap, ok := s.Metrics("t1")
	require.True(t, ok)
	require.Equal(t, int64(100), snap.TotalRequests)
	require.Equal(t, 100, snap.RequestsLast15Min)
	require.InDelta(t, 50, snap.P50Ms, 2)
	require.InDelta(t, 95, snap.P95Ms, 2)
	require.InDelta(t, 99, snap.P99Ms, 2)

	_, ok = s.Metrics("nope")
	require.False(t, ok)
}

func TestMetricsWindowTrims(t *testing.T) {
	s := NewStore()
	base := time.Now()
	s.now = func() time.Time { return base }
	s.Register("t1", "demo", "", "")

	s.AddRequest("t1", CapturedRequest{Path: "/old"})
	s.now = func() time.Time { return base.Add(20 * time.Minute) }
	s.AddRequest("t1", CapturedRequest{Path: "/new"})

	snap, _ := s.Metrics("t1")
	require.Equal(t, int64(2), snap.TotalRequests)
	require.Equal(t, 1, snap.RequestsLast15Min)
}

func TestAggregateMetricsSums(t *testing.T) {
	s := NewStore()
	s.Register("t1", "a", "", "")
	s.Register("t2", "b", "", "")
	s.AddRequest("t1", CapturedRequest{DurationMs: 10})
	s.AddRequest("t1", CapturedRequest{DurationMs: 20})
	s.AddRequest("t2", CapturedRequest{DurationMs: 30})

	done := s.TrackOpen("t2")
	agg := s.AggregateMetrics()
	require.Equal(t, int64(3), agg.TotalRequests)
	require.Equal(t, 3, agg.RequestsLast15Min)
	require.Equal(t, 1, agg.OpenConnections)

	done()
	done() // second call is a no-op
	agg = s.AggregateMetrics()
	require.Equal(t, 0, agg.OpenConnections)
}

func TestTunnelsOrderedByRegistration(t *testing.T) {
	s := NewStore()
	base := time.Now()
	s.now = func() time.Time { return base }
	s.Register("t1", "a", "", "")
	s.now = func() time.Time { return base.Add(time.Second) }
	s.Register("t2", "b", "", "")

	ts := s.Tunnels()
	require.Len(t, ts, 2)
	require.Equal(t, "t1", ts[0].ID)
	require.Equal(t, "t2", ts[1].ID)
}
