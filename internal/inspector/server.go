package inspector

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ServiceName identifies the inspector in /health; port-walk probes match on
// it before joining.
const ServiceName = "dvaar-inspector"

const sweepInterval = time.Minute

// Server is the inspector HTTP/WebSocket surface backed by a Store.
type Server struct {
	store   *Store
	log     zerolog.Logger
	version string
}

func NewServer(store *Store, version string, log zerolog.Logger) *Server {
	return &Server{
		store:   store,
		log:     log.With().Str("component", "inspector").Logger(),
		version: version,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/tunnels", s.handleListTunnels)
	r.Post("/tunnels/register", s.handleRegister)
	r.Post("/tunnels/{id}/unregister", s.handleUnregister)
	r.Post("/tunnels/{id}/heartbeat", s.handleHeartbeat)
	r.Post("/tunnels/{id}/request", s.handleAddRequest)
	r.Get("/tunnels/{id}/requests", s.handleListRequests)
	r.Delete("/tunnels/{id}/requests", s.handleClearRequests)
	r.Get("/tunnels/{id}/metrics", s.handleTunnelMetrics)
	r.Get("/metrics", s.handleAggregateMetrics)
	r.Delete("/requests", s.handleClearAll)
	r.Get("/ws", s.handleWS)

	return r
}

// Serve runs the HTTP server on ln and the stale sweep until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Router()}

	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.store.SweepStale(); n > 0 {
					s.log.Info().Int("tunnels", n).Msg("marked stale tunnels disconnected")
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	err := srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": ServiceName,
		"version": s.version,
	})
}

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Tunnels())
}

// registerPayload is the register/update body posted by peer tunnels.
type registerPayload struct {
	ID        string `json:"id"`
	Subdomain string `json:"subdomain"`
	PublicURL string `json:"public_url"`
	LocalAddr string `json:"local_addr"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var p registerPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if p.ID == "" {
		http.Error(w, "missing tunnel id", http.StatusBadRequest)
		return
	}
	t := s.store.Register(p.ID, p.Subdomain, p.PublicURL, p.LocalAddr)
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if !s.store.Unregister(chi.URLParam(r, "id")) {
		http.Error(w, "unknown tunnel", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !s.store.Heartbeat(chi.URLParam(r, "id")) {
		http.Error(w, "unknown tunnel", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddRequest(w http.ResponseWriter, r *http.Request) {
	var req CapturedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if !s.store.AddRequest(chi.URLParam(r, "id"), req) {
		http.Error(w, "unknown tunnel", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.store.Tunnel(id); !ok {
		http.Error(w, "unknown tunnel", http.StatusNotFound)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	reqs := s.store.Requests(id, limit)
	if reqs == nil {
		reqs = []CapturedRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleClearRequests(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.store.Tunnel(id); !ok {
		http.Error(w, "unknown tunnel", http.StatusNotFound)
		return
	}
	s.store.Clear(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	s.store.Clear("")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTunnelMetrics(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.store.Metrics(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "unknown tunnel", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAggregateMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.AggregateMetrics())
}

// handleWS streams store events to one subscriber as JSON messages.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn().Err(err).Msg("event subscriber accept failed")
		return
	}
	defer conn.CloseNow()

	events, cancel := s.store.Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
