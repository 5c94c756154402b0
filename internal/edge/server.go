package edge

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/dvaar/dvaar/internal/admission"
	"github.com/dvaar/dvaar/internal/directory"
	"github.com/dvaar/dvaar/internal/protocol"
)

// initTimeout is the window a freshly accepted control connection has to send
// its Init frame.
const initTimeout = 10 * time.Second

// routeTTL is the directory TTL for routes and node liveness. Kept at twice
// the heartbeat interval so a crashed edge self-evicts.
const routeTTL = 60 * time.Second

// ControlPath is the public endpoint clients dial for the control channel.
const ControlPath = "/_dvaar/tunnel"

// Config wires one edge node.
type Config struct {
	TunnelDomain  string
	NodeAddr      string // address peers use to reach this node
	InternalPort  int
	ClusterSecret string
	ServerVersion string
	DropOldest    bool
}

// DomainResolver maps verified custom domains to subdomains. *db.DB
// implements it; nil disables custom domains.
type DomainResolver interface {
	GetCustomDomainSubdomain(domain string) (string, error)
}

// Server is one edge node: public ingress, the control-channel endpoint, and
// the internal node-to-node surface.
type Server struct {
	cfg      Config
	registry *Registry
	dir      *directory.Directory
	ctrl     *admission.Controller
	domains  DomainResolver
	log      zerolog.Logger
	metrics  *metrics
	gatherer prometheus.Gatherer

	peerClient *http.Client
}

func New(cfg Config, dir *directory.Directory, ctrl *admission.Controller, domains DomainResolver, log zerolog.Logger) *Server {
	registry := NewRegistry()
	promReg := prometheus.NewRegistry()
	return &Server{
		cfg:      cfg,
		registry: registry,
		dir:      dir,
		ctrl:     ctrl,
		domains:  domains,
		log:      log.With().Str("component", "edge").Logger(),
		metrics:  newMetrics(promReg, registry),
		gatherer: promReg,
		peerClient: &http.Client{
			// Per-request deadlines come from the forward context.
			Timeout: 0,
		},
	}
}

// Registry exposes the local handle map (used by tests and the ask-hook).
func (s *Server) Registry() *Registry { return s.registry }

// PublicRouter serves tunnel traffic and the control channel.
func (s *Server) PublicRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(ControlPath, s.handleTunnel)
	r.HandleFunc("/*", s.handleIngress)
	return r
}

// InternalRouter serves the node-to-node proxy, the TLS ask-hook, health,
// and metrics. Bound on the internal port only.
func (s *Server) InternalRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.HandleFunc(internalProxyPrefix+"/*", s.handleInternalProxy)
	r.HandleFunc(internalProxyPrefix, s.handleInternalProxy)
	r.Get("/_caddy/check", s.handleAskCheck)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

// Run keeps this node's liveness record fresh until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.dir.RegisterNode(ctx, s.cfg.NodeAddr, routeTTL); err != nil {
		return err
	}
	ticker := time.NewTicker(routeTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.dir.RefreshNode(ctx, s.cfg.NodeAddr, routeTTL); err != nil {
				s.log.Warn().Err(err).Msg("node liveness refresh failed")
			}
		}
	}
}

// handleTunnel is the control-channel endpoint: accept, handshake, admit,
// then run the session until either side goes away.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("control channel accept failed")
		return
	}

	initCtx, cancel := context.WithTimeout(r.Context(), initTimeout)
	init, err := readInit(initCtx, conn)
	cancel()
	if err != nil {
		s.log.Warn().Err(err).Msg("handshake failed")
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	adm, err := s.ctrl.Admit(r.Context(), *init)
	if err != nil {
		reason := "Internal server error"
		var rej *admission.Rejection
		if errors.As(err, &rej) {
			reason = rej.Reason
		} else {
			s.log.Error().Err(err).Msg("admission failed")
		}
		writeFrame(r.Context(), conn, protocol.InitAck{Error: reason, ServerVersion: s.cfg.ServerVersion})
		conn.Close(websocket.StatusNormalClosure, "rejected")
		return
	}

	ack := protocol.InitAck{AssignedDomain: adm.AssignedDomain, ServerVersion: s.cfg.ServerVersion}
	if err := writeFrame(r.Context(), conn, ack); err != nil {
		// The client never saw its assignment; undo the registrations.
		s.ctrl.Release(context.Background(), adm)
		conn.Close(websocket.StatusInternalError, "ack failed")
		return
	}

	if cm, sm := majorVersion(init.ClientVersion), majorVersion(s.cfg.ServerVersion); cm != "" && sm != "" && cm != sm {
		s.log.Warn().
			Str("client_version", init.ClientVersion).
			Str("server_version", s.cfg.ServerVersion).
			Msg("client/server major version mismatch")
	}

	sess := NewSession(adm, conn, s.ctrl, s.dir, s.registry, SessionConfig{DropOldest: s.cfg.DropOldest}, s.log)
	s.registry.Register(sess)
	s.metrics.sessions.Inc()
	s.log.Info().
		Str("subdomain", adm.Subdomain).
		Str("user", adm.UserID).
		Str("client_version", init.ClientVersion).
		Msg("tunnel connected")
	sess.Start()

	select {
	case <-sess.Done():
	case <-r.Context().Done():
		sess.Shutdown("connection context done")
		<-sess.Done()
	}
	s.log.Info().Str("subdomain", adm.Subdomain).Msg("tunnel disconnected")
}

func readInit(ctx context.Context, conn *websocket.Conn) (*protocol.Init, error) {
	_, msg, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	frame, err := protocol.Decode(msg)
	if err != nil {
		return nil, err
	}
	init, ok := frame.(protocol.Init)
	if !ok {
		return nil, errors.New("first frame was not init")
	}
	if init.TunnelType != protocol.TunnelHTTP {
		return nil, errors.New("unsupported tunnel type")
	}
	return &init, nil
}

// majorVersion extracts the leading version component; "" for dev builds.
func majorVersion(v string) string {
	v = strings.TrimPrefix(v, "v")
	major, _, _ := strings.Cut(v, ".")
	if _, err := strconv.Atoi(major); err != nil {
		return ""
	}
	return major
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f protocol.Frame) error {
	msg, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageBinary, msg)
}
