package edge

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const internalProxyPrefix = "/_internal/proxy"

// handleInternalProxy accepts requests forwarded by peer edges. Peers forward
// only what they resolved to this node, so the lookup goes straight to the
// local registry, never back to the directory.
func (s *Server) handleInternalProxy(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(headerClusterSecret)
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.ClusterSecret)) != 1 {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	originalHost := r.Header.Get(headerOriginalHost)
	if originalHost == "" {
		http.Error(w, "missing original host", http.StatusBadRequest)
		return
	}

	// Rebuild the request as the public side saw it: original host, public
	// path, no internal headers.
	r.Host = originalHost
	r.Header.Del(headerClusterSecret)
	r.Header.Del(headerOriginalHost)
	r.URL.Path = strings.TrimPrefix(r.URL.Path, internalProxyPrefix)
	if r.URL.Path == "" {
		r.URL.Path = "/"
	}

	sub := s.resolveSubdomain(r)
	if sub == "" {
		http.Error(w, "tunnel not found", http.StatusNotFound)
		return
	}
	sess, ok := s.registry.Get(sub)
	if !ok {
		http.Error(w, "tunnel not attached to this node", http.StatusNotFound)
		return
	}
	s.metrics.requests.WithLabelValues("peer").Inc()
	s.serveLocal(w, r, sess)
}

// handleAskCheck is the TLS ask-hook: the fronting proxy asks before issuing
// a certificate for a domain. 200 iff some tunnel answers for it.
func (s *Server) handleAskCheck(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		http.Error(w, "missing domain", http.StatusBadRequest)
		return
	}
	probe := &http.Request{Host: domain, Header: http.Header{}}
	sub := s.resolveSubdomain(probe)
	if sub == "" {
		http.Error(w, "unknown domain", http.StatusNotFound)
		return
	}
	if _, ok := s.registry.Get(sub); ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	rec, err := s.dir.GetRoute(r.Context(), sub)
	if err != nil || rec == nil {
		http.Error(w, "unknown domain", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
