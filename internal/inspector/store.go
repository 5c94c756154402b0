// Package inspector captures tunnel traffic for local debugging. One process
// per host runs the HTTP/WebSocket server; other tunnel processes on the same
// host join it as clients and post their captures over.
package inspector

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRingSize is how many captured requests each tunnel keeps.
	DefaultRingSize = 50

	// subscriberBuffer is the per-subscriber event queue; slow subscribers
	// lose oldest events rather than stalling the store.
	subscriberBuffer = 100

	// staleAfter is how long an Active tunnel may go without a heartbeat
	// before the sweep marks it Disconnected.
	staleAfter = 2 * time.Minute
)

// Tunnel statuses.
const (
	StatusActive       = "active"
	StatusDisconnected = "disconnected"
)

// Event types broadcast to /ws subscribers.
const (
	EventRequest            = "request"
	EventClear              = "clear"
	EventTunnelRegistered   = "tunnel_registered"
	EventTunnelUnregistered = "tunnel_unregistered"
	EventTunnelStatus       = "tunnel_status"
	EventTunnelUpdated      = "tunnel_updated"
)

// Tunnel is one registered tunnel as seen by the inspector.
type Tunnel struct {
	ID           string    `json:"id"`
	Subdomain    string    `json:"subdomain"`
	PublicURL    string    `json:"public_url"`
	LocalAddr    string    `json:"local_addr"`
	Status       string    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// CapturedRequest is one request/response exchange. Bodies are already
// truncated by the capture side.
type CapturedRequest struct {
	ID          string              `json:"id"`
	TunnelID    string              `json:"tunnel_id"`
	Timestamp   time.Time           `json:"timestamp"`
	Method      string              `json:"method"`
	Path        string              `json:"path"`
	ReqHeaders  map[string][]string `json:"req_headers,omitempty"`
	ReqBody     []byte              `json:"req_body,omitempty"`
	RespStatus  int                 `json:"resp_status"`
	RespHeaders map[string][]string `json:"resp_headers,omitempty"`
	RespBody    []byte              `json:"resp_body,omitempty"`
	DurationMs  int64               `json:"duration_ms"`
	SizeBytes   int64               `json:"size_bytes"`
}

// Event is one broadcast message, JSON-encoded on /ws.
type Event struct {
	Type     string           `json:"type"`
	TunnelID string           `json:"tunnel_id,omitempty"`
	Tunnel   *Tunnel          `json:"tunnel,omitempty"`
	Request  *CapturedRequest `json:"request,omitempty"`
	Status   string           `json:"status,omitempty"`
}

// requestRing is a fixed-size ring of captures: at capacity the oldest entry
// is overwritten.
type requestRing struct {
	entries []CapturedRequest
	next    int
	full    bool
}

func newRequestRing(size int) *requestRing {
	return &requestRing{entries: make([]CapturedRequest, size)}
}

func (r *requestRing) push(req CapturedRequest) {
	r.entries[r.next] = req
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// list returns entries oldest first.
func (r *requestRing) list() []CapturedRequest {
	if !r.full {
		out := make([]CapturedRequest, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]CapturedRequest, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

func (r *requestRing) clear() {
	r.next = 0
	r.full = false
}

// Store holds every registered tunnel, its capture ring, its metrics, and the
// event subscribers.
type Store struct {
	mu       sync.RWMutex
	tunnels  map[string]*Tunnel
	rings    map[string]*requestRing
	metrics  map[string]*metricsState
	subs     map[int]chan Event
	nextSub  int
	ringSize int

	now func() time.Time
}

func NewStore() *Store {
	return NewStoreWithRingSize(DefaultRingSize)
}

func NewStoreWithRingSize(ringSize int) *Store {
	return &Store{
		tunnels:  make(map[string]*Tunnel),
		rings:    make(map[string]*requestRing),
		metrics:  make(map[string]*metricsState),
		subs:     make(map[int]chan Event),
		ringSize: ringSize,
		now:      time.Now,
	}
}

// Subscribe registers an event listener. The returned cancel func must be
// called exactly once.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, subscriberBuffer)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// publish fans an event out to all subscribers. Callers hold s.mu. A full
// subscriber queue drops its oldest event to make room.
func (s *Store) publish(ev Event) {
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Register adds a tunnel (or refreshes an existing registration in place) and
// returns its record.
func (s *Store) Register(id, subdomain, publicURL, localAddr string) Tunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	t, ok := s.tunnels[id]
	if ok {
		t.Subdomain = subdomain
		t.PublicURL = publicURL
		t.LocalAddr = localAddr
		t.Status = StatusActive
		t.LastSeen = now
		snapshot := *t
		s.publish(Event{Type: EventTunnelUpdated, TunnelID: id, Tunnel: &snapshot})
		return snapshot
	}
	t = &Tunnel{
		ID:           id,
		Subdomain:    subdomain,
		PublicURL:    publicURL,
		LocalAddr:    localAddr,
		Status:       StatusActive,
		RegisteredAt: now,
		LastSeen:     now,
	}
	s.tunnels[id] = t
	s.rings[id] = newRequestRing(s.ringSize)
	s.metrics[id] = &metricsState{}
	snapshot := *t
	s.publish(Event{Type: EventTunnelRegistered, TunnelID: id, Tunnel: &snapshot})
	return snapshot
}

// Unregister removes a tunnel and its captures.
func (s *Store) Unregister(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tunnels[id]; !ok {
		return false
	}
	delete(s.tunnels, id)
	delete(s.rings, id)
	delete(s.metrics, id)
	s.publish(Event{Type: EventTunnelUnregistered, TunnelID: id})
	return true
}

// Heartbeat refreshes last_seen and revives a Disconnected tunnel.
func (s *Store) Heartbeat(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tunnels[id]
	if !ok {
		return false
	}
	t.LastSeen = s.now()
	if t.Status != StatusActive {
		t.Status = StatusActive
		s.publish(Event{Type: EventTunnelStatus, TunnelID: id, Status: StatusActive})
	}
	return true
}

// AddRequest records a capture for a registered tunnel. The tunnel id on the
// capture is forced to match and an id is assigned when missing.
func (s *Store) AddRequest(tunnelID string, req CapturedRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring, ok := s.rings[tunnelID]
	if !ok {
		return false
	}
	req.TunnelID = tunnelID
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = s.now()
	}
	ring.push(req)
	s.metrics[tunnelID].record(req.Timestamp, time.Duration(req.DurationMs)*time.Millisecond)
	s.publish(Event{Type: EventRequest, TunnelID: tunnelID, Request: &req})
	return true
}

// Requests returns captures oldest first. limit ≤ 0 means all; otherwise the
// newest limit entries.
func (s *Store) Requests(tunnelID string, limit int) []CapturedRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring, ok := s.rings[tunnelID]
	if !ok {
		return nil
	}
	out := ring.list()
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Clear empties capture rings; empty tunnelID clears every tunnel.
func (s *Store) Clear(tunnelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tunnelID != "" {
		if ring, ok := s.rings[tunnelID]; ok {
			ring.clear()
		}
	} else {
		for _, ring := range s.rings {
			ring.clear()
		}
	}
	s.publish(Event{Type: EventClear, TunnelID: tunnelID})
}

// Tunnels lists registrations ordered by registration time.
func (s *Store) Tunnels() []Tunnel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tunnel, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// Tunnel returns one registration by id.
func (s *Store) Tunnel(id string) (Tunnel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tunnels[id]
	if !ok {
		return Tunnel{}, false
	}
	return *t, true
}

// Metrics returns one tunnel's snapshot.
func (s *Store) Metrics(tunnelID string) (MetricsSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[tunnelID]
	if !ok {
		return MetricsSnapshot{}, false
	}
	return m.snapshot(s.now()), true
}

// AggregateMetrics sums counters across tunnels and computes percentiles over
// the union of their duration deques.
func (s *Store) AggregateMetrics() MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var agg MetricsSnapshot
	states := make([]*metricsState, 0, len(s.metrics))
	for _, m := range s.metrics {
		snap := m.snapshot(now)
		agg.TotalRequests += snap.TotalRequests
		agg.OpenConnections += snap.OpenConnections
		agg.RequestsLast15Min += snap.RequestsLast15Min
		states = append(states, m)
	}
	merged := mergeDurations(states)
	agg.P50Ms = percentileMs(merged, 0.50)
	agg.P95Ms = percentileMs(merged, 0.95)
	agg.P99Ms = percentileMs(merged, 0.99)
	return agg
}

// TrackOpen bumps a tunnel's open-connection gauge and returns the matching
// decrement.
func (s *Store) TrackOpen(tunnelID string) func() {
	s.mu.Lock()
	if m, ok := s.metrics[tunnelID]; ok {
		m.openConnections++
	}
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if m, ok := s.metrics[tunnelID]; ok {
				m.openConnections--
			}
			s.mu.Unlock()
		})
	}
}

// SweepStale marks Active tunnels silent past staleAfter as Disconnected and
// returns how many flipped.
func (s *Store) SweepStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-staleAfter)
	flipped := 0
	for id, t := range s.tunnels {
		if t.Status == StatusActive && t.LastSeen.Before(cutoff) {
			t.Status = StatusDisconnected
			flipped++
			s.publish(Event{Type: EventTunnelStatus, TunnelID: id, Status: StatusDisconnected})
		}
	}
	return flipped
}
