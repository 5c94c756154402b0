package edge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/dvaar/dvaar/internal/admission"
	"github.com/dvaar/dvaar/internal/directory"
	"github.com/dvaar/dvaar/internal/protocol"
)

// ErrTunnelClosed is returned by stream sends after the session shut down.
var ErrTunnelClosed = errors.New("tunnel closed")

const (
	sendQueueSize     = 256
	streamEventBuffer = 64

	// pingInterval drives control-channel keepalive pings.
	pingInterval = 15 * time.Second

	// heartbeatInterval drives route/member TTL refresh.
	heartbeatInterval = 30 * time.Second

	// bandwidthFlushThreshold is the buffered byte count that triggers a
	// flush to the shared usage counter.
	bandwidthFlushThreshold = 1 << 20

	// readLimit caps one control-channel message: 1 MiB body chunk plus
	// frame header slack.
	readLimit = 1<<20 + 16*1024
)

// SessionConfig tunes one tunnel session.
type SessionConfig struct {
	HeartbeatInterval time.Duration
	// DropOldest makes a full stream event queue drop its oldest Data event
	// instead of blocking the recv loop. Default off: the tunnel is one
	// logical connection and blocking is the honest back-pressure.
	DropOldest bool
}

// Session is the long-lived coordinator for one admitted client connection.
// It demultiplexes streams, forwards frames both ways, meters bandwidth, and
// keeps the directory records fresh.
type Session struct {
	adm      *admission.Admitted
	conn     *websocket.Conn
	ctrl     *admission.Controller
	dir      *directory.Directory
	registry *Registry
	cfg      SessionConfig
	log      zerolog.Logger

	sendCh chan protocol.Frame

	mu      sync.Mutex
	streams map[string]*Stream

	bwMu      sync.Mutex
	bandwidth int64

	lastPing atomic.Int64
	lastPong atomic.Int64

	// superseded means a newer session for the same subdomain has already
	// re-registered the directory records; this session's shutdown must not
	// delete them out from under its successor.
	superseded atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Stream is one public request's lifetime within a session.
type Stream struct {
	ID      string
	session *Session
	events  chan StreamEvent

	// isWebSocket is set by the recv loop when a 101 response arrives.
	// Guarded by session.mu.
	isWebSocket bool
}

func NewSession(adm *admission.Admitted, conn *websocket.Conn, ctrl *admission.Controller, dir *directory.Directory, registry *Registry, cfg SessionConfig, log zerolog.Logger) *Session {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = heartbeatInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	conn.SetReadLimit(readLimit)
	return &Session{
		adm:      adm,
		conn:     conn,
		ctrl:     ctrl,
		dir:      dir,
		registry: registry,
		cfg:      cfg,
		log: log.With().
			Str("component", "session").
			Str("subdomain", adm.Subdomain).
			Str("user", adm.UserID).
			Logger(),
		sendCh:  make(chan protocol.Frame, sendQueueSize),
		streams: make(map[string]*Stream),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (s *Session) Subdomain() string { return s.adm.Subdomain }
func (s *Session) UserID() string    { return s.adm.UserID }

// Supersede marks the session as replaced by a newer connection on the same
// subdomain. The route and user-tunnel member now belong to the successor.
func (s *Session) Supersede() { s.superseded.Store(true) }

// Start launches the session loops. The caller waits on Done.
func (s *Session) Start() {
	go s.sendLoop()
	go s.recvLoop()
	go s.heartbeatLoop()
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Shutdown tears the session down: both loops exit, buffered bandwidth is
// flushed, every active stream observes a terminal error, and the directory
// records are released. Idempotent.
func (s *Session) Shutdown(reason string) {
	s.closeOnce.Do(func() {
		s.log.Info().Str("reason", reason).Msg("session closing")
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, reason)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.flushBandwidth(ctx)

		s.mu.Lock()
		streams := s.streams
		s.streams = make(map[string]*Stream)
		s.mu.Unlock()
		for _, st := range streams {
			select {
			case st.events <- StreamEvent{Kind: EventError, Err: "Tunnel closed"}:
			default:
			}
		}

		if !s.superseded.Load() {
			s.ctrl.Release(ctx, s.adm)
		}
		if s.registry != nil {
			s.registry.Unregister(s)
		}
		close(s.done)
	})
}

// StartStream opens a stream: registers it and enqueues the HTTPRequest
// frame. The caller feeds body bytes with SendData/SendEnd and consumes the
// response from Events.
func (s *Session) StartStream(ctx context.Context, method, uri string, headers []protocol.HeaderPair) (*Stream, error) {
	st := &Stream{
		ID:      uuid.NewString(),
		session: s,
		events:  make(chan StreamEvent, streamEventBuffer),
	}
	s.mu.Lock()
	s.streams[st.ID] = st
	s.mu.Unlock()

	frame := protocol.HTTPRequest{StreamID: st.ID, Method: method, URI: uri, Headers: headers}
	if err := s.enqueue(ctx, frame); err != nil {
		s.removeStream(st.ID)
		return nil, err
	}
	return st, nil
}

// Events is the stream's response sequence. The channel is never closed;
// consumers stop on a terminal event or on the session's Done.
func (st *Stream) Events() <-chan StreamEvent { return st.events }

// SendData forwards one request body chunk to the client.
func (st *Stream) SendData(ctx context.Context, b []byte) error {
	return st.session.enqueue(ctx, protocol.Data{StreamID: st.ID, Bytes: b})
}

// SendEnd closes the request body half.
func (st *Stream) SendEnd(ctx context.Context) error {
	return st.session.enqueue(ctx, protocol.End{StreamID: st.ID})
}

// SendWSFrame forwards one public WebSocket message to the client.
func (st *Stream) SendWSFrame(ctx context.Context, b []byte, binary bool) error {
	return st.session.enqueue(ctx, protocol.WSFrame{StreamID: st.ID, Bytes: b, Binary: binary})
}

// SendWSClose relays a public-side WebSocket close.
func (st *Stream) SendWSClose(ctx context.Context, code int, reason string) error {
	return st.session.enqueue(ctx, protocol.WSClose{StreamID: st.ID, Code: code, Reason: reason})
}

// Close abandons the stream. Later frames for its ID are dropped silently.
func (st *Stream) Close() {
	st.session.removeStream(st.ID)
}

func (s *Session) enqueue(ctx context.Context, f protocol.Frame) error {
	select {
	case s.sendCh <- f:
		return nil
	case <-s.ctx.Done():
		return ErrTunnelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) sendLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.sendCh:
			msg, err := protocol.Encode(f)
			if err != nil {
				s.log.Error().Err(err).Msg("frame encode failed")
				continue
			}
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, msg); err != nil {
				s.Shutdown("write failed")
				return
			}
		}
	}
}

func (s *Session) recvLoop() {
	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			s.Shutdown("connection lost")
			return
		}
		frame, err := protocol.Decode(msg)
		if err != nil {
			s.log.Warn().Err(err).Msg("malformed frame from client")
			s.Shutdown("protocol error")
			return
		}
		s.dispatch(frame)
	}
}

func (s *Session) dispatch(frame protocol.Frame) {
	switch v := frame.(type) {
	case protocol.HTTPResponse:
		st := s.lookup(v.StreamID)
		if st == nil {
			return
		}
		if v.Status == 101 {
			s.mu.Lock()
			st.isWebSocket = true
			s.mu.Unlock()
		}
		s.emit(st, StreamEvent{Kind: EventHeaders, Status: v.Status, Headers: protocol.HeaderFromPairs(v.Headers)})

	case protocol.Data:
		st := s.lookup(v.StreamID)
		if st == nil {
			return
		}
		s.meter(len(v.Bytes))
		s.emit(st, StreamEvent{Kind: EventData, Data: v.Bytes})

	case protocol.End:
		st := s.lookup(v.StreamID)
		if st == nil {
			return
		}
		s.mu.Lock()
		ws := st.isWebSocket
		s.mu.Unlock()
		if ws {
			// End is meaningless after a 101; frames keep flowing.
			return
		}
		s.emit(st, StreamEvent{Kind: EventEnd})
		s.removeStream(st.ID)

	case protocol.WSFrame:
		st := s.lookup(v.StreamID)
		if st == nil {
			return
		}
		s.meter(len(v.Bytes))
		s.emit(st, StreamEvent{Kind: EventWSFrame, Data: v.Bytes, Binary: v.Binary})

	case protocol.WSClose:
		st := s.lookup(v.StreamID)
		if st == nil {
			return
		}
		s.emit(st, StreamEvent{Kind: EventWSClose, Code: v.Code, Reason: v.Reason})
		s.removeStream(st.ID)

	case protocol.StreamError:
		st := s.lookup(v.StreamID)
		if st == nil {
			return
		}
		s.emit(st, StreamEvent{Kind: EventError, Err: v.Message})
		s.removeStream(st.ID)

	case protocol.Ping:
		if err := s.enqueue(s.ctx, protocol.Pong{}); err != nil {
			s.log.Debug().Err(err).Msg("pong enqueue failed")
		}

	case protocol.Pong:
		s.lastPong.Store(time.Now().UnixNano())

	default:
		// Init and friends are invalid after the handshake. Logged, dropped.
		s.log.Warn().Type("frame", frame).Msg("unexpected frame after handshake")
	}
}

func (s *Session) lookup(id string) *Stream {
	s.mu.Lock()
	st := s.streams[id]
	s.mu.Unlock()
	if st == nil {
		// Stale frame for a closed stream. Dropped by design of the stream
		// lifecycle: the invariant is no delivery without an active stream.
		s.log.Debug().Str("stream", id).Msg("frame for unknown stream dropped")
	}
	return st
}

func (s *Session) removeStream(id string) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

func (s *Session) emit(st *Stream, ev StreamEvent) {
	if s.cfg.DropOldest && ev.Kind == EventData {
		for {
			select {
			case st.events <- ev:
				return
			case <-s.ctx.Done():
				return
			default:
			}
			select {
			case <-st.events:
			default:
			}
		}
	}
	select {
	case st.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) meter(n int) {
	s.bwMu.Lock()
	s.bandwidth += int64(n)
	flush := s.bandwidth >= bandwidthFlushThreshold
	s.bwMu.Unlock()
	if flush {
		s.flushBandwidth(s.ctx)
	}
}

func (s *Session) flushBandwidth(ctx context.Context) {
	s.bwMu.Lock()
	n := s.bandwidth
	s.bandwidth = 0
	s.bwMu.Unlock()
	if n == 0 {
		return
	}
	if _, err := s.dir.IncrUsage(ctx, s.adm.UserID, n); err != nil {
		s.log.Warn().Err(err).Int64("bytes", n).Msg("usage flush failed")
	}
}

func (s *Session) heartbeatLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ping.C:
			// An unanswered ping from the previous tick means the client is
			// gone even if the socket looks open.
			lastPing := s.lastPing.Load()
			if lastPing != 0 && s.lastPong.Load() < lastPing {
				s.Shutdown("ping timeout")
				return
			}
			s.lastPing.Store(time.Now().UnixNano())
			if err := s.enqueue(s.ctx, protocol.Ping{}); err != nil {
				return
			}
		case <-heartbeat.C:
			hbCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
			err := s.ctrl.Heartbeat(hbCtx, s.adm)
			cancel()
			if err != nil {
				s.Shutdown("heartbeat failed")
				return
			}
		}
	}
}
