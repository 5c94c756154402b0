package edge

import "sync"

// Registry tracks the tunnels attached to this edge node, keyed by subdomain.
// It owns nothing beyond the map: sessions add themselves after a successful
// handshake and remove themselves on shutdown.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]*Session),
	}
}

// Register installs a session for its subdomain. A previous session on the
// same subdomain (a reconnect racing its own cleanup) is closed, but marked
// superseded first: the new session's admission has already re-registered the
// route and user-tunnel member, and the old shutdown must not delete them.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	old, ok := r.handles[s.Subdomain()]
	r.handles[s.Subdomain()] = s
	r.mu.Unlock()
	if ok && old != s {
		old.Supersede()
		old.Shutdown("replaced by new connection")
	}
}

// Unregister removes the session, but only if it is still the registered one.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	if existing, ok := r.handles[s.Subdomain()]; ok && existing == s {
		delete(r.handles, s.Subdomain())
	}
	r.mu.Unlock()
}

// Get returns the live session for a subdomain, if any.
func (r *Registry) Get(subdomain string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.handles[subdomain]
	r.mu.RUnlock()
	return s, ok
}

// Len reports the number of attached tunnels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
