// Package client implements the tunnel client: it dials an edge node,
// handshakes, and serves incoming request frames from a local upstream.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/dvaar/dvaar/internal/protocol"
)

// ErrRejected wraps an edge rejection (InitAck.error). Reconnecting will not
// help, so Run stops instead of backing off.
var ErrRejected = errors.New("tunnel rejected")

const (
	// maxChunkSize is the max raw bytes per response body chunk. Keeps each
	// control message small enough to interleave fairly across streams.
	maxChunkSize = 16 * 1024

	handshakeTimeout = 10 * time.Second
	upstreamTimeout  = 300 * time.Second

	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second

	readLimit = 1<<20 + 16*1024
)

// Reporter receives tunnel lifecycle and traffic capture callbacks. The
// inspector package provides implementations; nil disables reporting.
type Reporter interface {
	TunnelID() string
	RegisterTunnel(subdomain, publicURL, localAddr string)
	RecordRequest(rec CapturedExchange)
	Heartbeat()
	Unregister()
}

// ConnectionTracker is an optional Reporter extension. When implemented, the
// client brackets each in-flight stream with TrackOpen and its return.
type ConnectionTracker interface {
	TrackOpen() func()
}

// CapturedExchange is one request/response pair handed to the Reporter.
// Bodies are truncated to the capture limit before they get here.
type CapturedExchange struct {
	Method      string
	Path        string
	ReqHeaders  http.Header
	ReqBody     []byte
	RespStatus  int
	RespHeaders http.Header
	RespBody    []byte
	Duration    time.Duration
	SizeBytes   int64
}

// Config holds everything one tunnel needs.
type Config struct {
	ServerURL string // edge base URL, e.g. https://edge.tun.example
	Token     string
	Subdomain string // requested subdomain, empty for auto-assign
	Target    string // upstream: host:port, URL, or a local directory

	TLSUpstream  bool   // dial the upstream over https
	HostOverride string // replace the Host header on upstream requests

	// BasicAuthUser guards the tunnel: requests without an Authorization
	// header are answered 401 locally.
	BasicAuthUser string
	BasicAuthPass string
	BasicRealm    string

	Version  string
	Reporter Reporter
}

// Client is one tunnel connection and its stream state.
type Client struct {
	cfg      Config
	log      zerolog.Logger
	upstream string // resolved upstream base, host:port
	http     *http.Client

	conn *websocket.Conn

	mu             sync.Mutex
	streams        map[string]*stream
	assignedDomain string
}

// stream is the client-side state for one incoming stream: the request body
// feed and, in WebSocket mode, the upstream connection.
type stream struct {
	id     string
	body   *bodyFeed
	ws     *websocket.Conn
	cancel context.CancelFunc
}

func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.BasicRealm == "" {
		cfg.BasicRealm = "dvaar"
	}
	return &Client{
		cfg: cfg,
		log: log.With().Str("component", "client").Logger(),
		http: &http.Client{
			Timeout: 0, // per-request contexts; SSE responses must not expire
		},
		streams: make(map[string]*stream),
	}
}

// AssignedDomain is the domain the edge granted, valid after the handshake.
func (c *Client) AssignedDomain() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignedDomain
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff. A rejection from the edge stops the loop.
func (c *Client) Run(ctx context.Context) error {
	upstream, err := c.resolveUpstream(ctx)
	if err != nil {
		return err
	}
	c.upstream = upstream

	backoff := initialBackoff
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		if err != nil {
			c.log.Warn().Err(err).Msg("tunnel disconnected")
		}

		c.log.Info().Dur("backoff", backoff).Msg("reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	wsURL := strings.Replace(c.cfg.ServerURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.TrimSuffix(wsURL, "/") + "/_dvaar/tunnel"

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	c.conn = conn
	defer conn.CloseNow()

	ack, err := c.handshake(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.assignedDomain = ack.AssignedDomain
	c.mu.Unlock()
	c.log.Info().
		Str("domain", ack.AssignedDomain).
		Str("server_version", ack.ServerVersion).
		Msg("tunnel established")

	if c.cfg.Reporter != nil {
		c.cfg.Reporter.RegisterTunnel(subdomainOf(ack.AssignedDomain), "https://"+ack.AssignedDomain, c.upstream)
		defer c.cfg.Reporter.Unregister()
		stop := c.startReporterHeartbeat(ctx)
		defer stop()
	}

	defer c.closeAllStreams()

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		frame, err := protocol.Decode(msg)
		if err != nil {
			c.log.Warn().Err(err).Msg("malformed frame from edge")
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *Client) handshake(ctx context.Context) (*protocol.InitAck, error) {
	init := protocol.Init{
		Token:         c.cfg.Token,
		Subdomain:     c.cfg.Subdomain,
		TunnelType:    protocol.TunnelHTTP,
		ClientVersion: c.cfg.Version,
	}
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := c.writeFrame(hsCtx, init); err != nil {
		return nil, fmt.Errorf("send init: %w", err)
	}
	_, msg, err := c.conn.Read(hsCtx)
	if err != nil {
		return nil, fmt.Errorf("read init ack: %w", err)
	}
	frame, err := protocol.Decode(msg)
	if err != nil {
		return nil, fmt.Errorf("decode init ack: %w", err)
	}
	ack, ok := frame.(protocol.InitAck)
	if !ok {
		return nil, errors.New("first frame from edge was not init_ack")
	}
	if ack.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	}
	return &ack, nil
}

func (c *Client) dispatch(ctx context.Context, frame protocol.Frame) {
	switch v := frame.(type) {
	case protocol.HTTPRequest:
		// The stream must be registered before the next frame is read, or a
		// Data frame racing the handler goroutine would be dropped.
		headers := protocol.HeaderFromPairs(v.Headers)
		reqCtx, cancel := context.WithCancel(ctx)
		st := &stream{id: v.StreamID, cancel: cancel}
		if !isWebSocketRequest(headers) {
			st.body = newBodyFeed()
		}
		c.addStream(st)
		go c.handleRequest(reqCtx, v, headers, st)

	case protocol.Data:
		if body := c.streamBody(v.StreamID); body != nil {
			body.Write(v.Bytes)
		}

	case protocol.End:
		if body := c.streamBody(v.StreamID); body != nil {
			body.CloseWrite()
		}

	case protocol.WSFrame:
		ws := c.streamWS(v.StreamID)
		if ws == nil {
			return
		}
		typ := websocket.MessageText
		if v.Binary {
			typ = websocket.MessageBinary
		}
		if err := ws.Write(ctx, typ, v.Bytes); err != nil {
			c.closeStream(v.StreamID)
		}

	case protocol.WSClose:
		if ws := c.streamWS(v.StreamID); ws != nil {
			code := websocket.StatusCode(v.Code)
			if v.Code == 0 {
				code = websocket.StatusNormalClosure
			}
			ws.Close(code, v.Reason)
		}
		c.closeStream(v.StreamID)

	case protocol.Ping:
		if err := c.writeFrame(ctx, protocol.Pong{}); err != nil {
			c.log.Debug().Err(err).Msg("pong write failed")
		}

	case protocol.Pong:
		// Nothing to track: the edge drives liveness.

	default:
		c.log.Warn().Type("frame", frame).Msg("unexpected frame from edge")
	}
}

func (c *Client) writeFrame(ctx context.Context, f protocol.Frame) error {
	msg, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageBinary, msg)
}

func (c *Client) addStream(st *stream) {
	c.mu.Lock()
	c.streams[st.id] = st
	c.mu.Unlock()
}

func (c *Client) streamBody(id string) *bodyFeed {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.streams[id]; st != nil {
		return st.body
	}
	return nil
}

func (c *Client) streamWS(id string) *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.streams[id]; st != nil {
		return st.ws
	}
	return nil
}

func (c *Client) setStreamWS(id string, conn *websocket.Conn) {
	c.mu.Lock()
	if st := c.streams[id]; st != nil {
		st.ws = conn
	}
	c.mu.Unlock()
}

func (c *Client) removeStream(id string) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *Client) closeStream(id string) {
	c.mu.Lock()
	st := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if st != nil {
		if st.cancel != nil {
			st.cancel()
		}
		if st.body != nil {
			st.body.CloseWrite()
		}
	}
}

func (c *Client) closeAllStreams() {
	c.mu.Lock()
	streams := c.streams
	c.streams = make(map[string]*stream)
	c.mu.Unlock()
	for _, st := range streams {
		if st.cancel != nil {
			st.cancel()
		}
		if st.body != nil {
			st.body.CloseWrite()
		}
		if st.ws != nil {
			st.ws.Close(websocket.StatusGoingAway, "tunnel closed")
		}
	}
}

func (c *Client) startReporterHeartbeat(ctx context.Context) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				c.cfg.Reporter.Heartbeat()
			}
		}
	}()
	return cancel
}

func subdomainOf(domain string) string {
	if i := strings.IndexByte(domain, '.'); i > 0 {
		return domain[:i]
	}
	return domain
}
