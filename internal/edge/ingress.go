package edge

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/dvaar/dvaar/internal/protocol"
)

const (
	// firstFrameTimeout bounds the wait for a stream's first response frame.
	firstFrameTimeout = 60 * time.Second

	// upstreamTimeout bounds a whole forwarded request, local or remote.
	upstreamTimeout = 300 * time.Second

	// bodyChunkSize is the max raw bytes per Data frame.
	bodyChunkSize = 16 * 1024
)

// Internal headers. The first two authenticate and annotate node-to-node
// forwards; the third is a local-dev override for host-based routing.
const (
	headerClusterSecret = "Cluster-Secret"
	headerOriginalHost  = "Original-Host"
	headerDevSubdomain  = "X-Dvaar-Subdomain"
)

// hopHeaders are dropped when rebuilding a request or response on either
// side of the tunnel; the transport re-adds what it needs.
var hopHeaders = map[string]struct{}{
	"Host":              {},
	"Transfer-Encoding": {},
	"Connection":        {},
	"Content-Length":    {},
	"Keep-Alive":        {},
	"Upgrade":           {},
	"Proxy-Connection":  {},
}

func scrubHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, vals := range h {
		if _, drop := hopHeaders[name]; drop {
			continue
		}
		switch name {
		case headerClusterSecret, headerOriginalHost, headerDevSubdomain:
			continue
		}
		out[name] = vals
	}
	return out
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// handleIngress routes a public request to a local tunnel or a peer edge.
func (s *Server) handleIngress(w http.ResponseWriter, r *http.Request) {
	sub := s.resolveSubdomain(r)
	if sub == "" {
		s.metrics.requests.WithLabelValues("not_found").Inc()
		http.Error(w, "tunnel not found", http.StatusNotFound)
		return
	}

	if sess, ok := s.registry.Get(sub); ok {
		s.metrics.requests.WithLabelValues("local").Inc()
		s.serveLocal(w, r, sess)
		return
	}

	rec, err := s.dir.GetRoute(r.Context(), sub)
	if err != nil {
		s.log.Error().Err(err).Str("subdomain", sub).Msg("route lookup failed")
		s.metrics.requests.WithLabelValues("error").Inc()
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if rec == nil {
		s.metrics.requests.WithLabelValues("not_found").Inc()
		http.Error(w, "tunnel not found", http.StatusNotFound)
		return
	}
	s.metrics.requests.WithLabelValues("remote").Inc()
	s.serveRemote(w, r, sub, rec.NodeAddr, rec.InternalPort)
}

// resolveSubdomain maps the request's Host to a subdomain: a label under the
// tunnel domain, a verified custom domain, or the local-dev override header.
func (s *Server) resolveSubdomain(r *http.Request) string {
	host := strings.ToLower(r.Host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	if suffix := "." + s.cfg.TunnelDomain; strings.HasSuffix(host, suffix) {
		label := strings.TrimSuffix(host, suffix)
		if label != "" && !strings.Contains(label, ".") {
			return label
		}
		return ""
	}

	if s.domains != nil {
		sub, err := s.domains.GetCustomDomainSubdomain(host)
		if err != nil {
			s.log.Warn().Err(err).Str("host", host).Msg("custom domain lookup failed")
		} else if sub != "" {
			return sub
		}
	}

	return r.Header.Get(headerDevSubdomain)
}

// serveLocal delivers a request over the attached tunnel session and streams
// the response back.
func (s *Server) serveLocal(w http.ResponseWriter, r *http.Request, sess *Session) {
	if isWebSocketUpgrade(r) {
		s.serveLocalWebSocket(w, r, sess)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), upstreamTimeout)
	defer cancel()

	headers := protocol.PairsFromHeader(scrubHeaders(r.Header))
	st, err := sess.StartStream(ctx, r.Method, r.URL.RequestURI(), headers)
	if err != nil {
		http.Error(w, "tunnel closed", http.StatusBadGateway)
		return
	}
	defer st.Close()

	if err := feedRequestBody(ctx, st, r.Body); err != nil {
		// Public client went away mid-upload; nothing sensible to answer.
		return
	}

	ev, ok := awaitFirstFrame(ctx, st, sess)
	if !ok {
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
		return
	}
	switch ev.Kind {
	case EventHeaders:
	case EventError:
		http.Error(w, "tunnel error", http.StatusBadGateway)
		return
	default:
		s.log.Error().Int("kind", int(ev.Kind)).Msg("response did not start with headers")
		http.Error(w, "tunnel error", http.StatusBadGateway)
		return
	}

	for name, vals := range scrubHeaders(ev.Headers) {
		w.Header()[name] = vals
	}
	w.WriteHeader(ev.Status)

	flusher, _ := w.(http.Flusher)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case ev := <-st.Events():
			switch ev.Kind {
			case EventData:
				if len(ev.Data) > 0 {
					if _, err := w.Write(ev.Data); err != nil {
						return
					}
					s.metrics.forwardedBytes.Add(float64(len(ev.Data)))
					if flusher != nil {
						flusher.Flush()
					}
				}
			case EventEnd, EventError, EventWSClose:
				return
			}
		}
	}
}

// serveLocalWebSocket bridges a public WebSocket to the tunnel's frame
// proxying mode.
func (s *Server) serveLocalWebSocket(w http.ResponseWriter, r *http.Request, sess *Session) {
	// Hand the scrubbed headers over with the upgrade intent restored, so
	// the client can detect it and dial its upstream as a WebSocket.
	h := scrubHeaders(r.Header)
	h.Set("Connection", "upgrade")
	h.Set("Upgrade", "websocket")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	st, err := sess.StartStream(ctx, r.Method, r.URL.RequestURI(), protocol.PairsFromHeader(h))
	if err != nil {
		http.Error(w, "tunnel closed", http.StatusBadGateway)
		return
	}
	defer st.Close()
	if err := st.SendEnd(ctx); err != nil {
		http.Error(w, "tunnel closed", http.StatusBadGateway)
		return
	}

	ev, ok := awaitFirstFrame(ctx, st, sess)
	if !ok {
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
		return
	}
	if ev.Kind != EventHeaders {
		http.Error(w, "tunnel error", http.StatusBadGateway)
		return
	}
	if ev.Status != http.StatusSwitchingProtocols {
		// Upstream refused the upgrade; relay its plain response.
		for name, vals := range scrubHeaders(ev.Headers) {
			w.Header()[name] = vals
		}
		w.WriteHeader(ev.Status)
		drainBody(ctx, w, st, sess)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("public websocket accept failed")
		return
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	// The request context died with the hijack; the bridge lives until
	// either side closes.
	bridgeCtx, bridgeCancel := context.WithCancel(context.Background())
	defer bridgeCancel()

	go func() {
		defer bridgeCancel()
		for {
			typ, data, err := conn.Read(bridgeCtx)
			if err != nil {
				code, reason := websocket.StatusAbnormalClosure, ""
				var ce websocket.CloseError
				if errors.As(err, &ce) {
					code, reason = ce.Code, ce.Reason
				}
				st.SendWSClose(context.Background(), int(code), reason)
				return
			}
			if err := st.SendWSFrame(bridgeCtx, data, typ == websocket.MessageBinary); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-bridgeCtx.Done():
			return
		case <-sess.Done():
			conn.Close(websocket.StatusGoingAway, "tunnel closed")
			return
		case ev := <-st.Events():
			switch ev.Kind {
			case EventWSFrame:
				typ := websocket.MessageText
				if ev.Binary {
					typ = websocket.MessageBinary
				}
				if err := conn.Write(bridgeCtx, typ, ev.Data); err != nil {
					return
				}
				s.metrics.forwardedBytes.Add(float64(len(ev.Data)))
			case EventWSClose:
				code := websocket.StatusCode(ev.Code)
				if ev.Code == 0 {
					code = websocket.StatusNormalClosure
				}
				conn.Close(code, ev.Reason)
				return
			case EventError:
				conn.Close(websocket.StatusInternalError, "tunnel error")
				return
			}
		}
	}
}

// serveRemote forwards the request to the peer edge holding the tunnel.
func (s *Server) serveRemote(w http.ResponseWriter, r *http.Request, sub, nodeAddr string, internalPort int) {
	ctx, cancel := context.WithTimeout(r.Context(), upstreamTimeout)
	defer cancel()

	target := "http://" + net.JoinHostPort(nodeAddr, strconv.Itoa(internalPort)) + internalProxyPrefix + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	req.Header = scrubHeaders(r.Header)
	req.Header.Set(headerClusterSecret, s.cfg.ClusterSecret)
	req.Header.Set(headerOriginalHost, r.Host)

	resp, err := s.peerClient.Do(req)
	if err != nil {
		s.log.Warn().Err(err).Str("peer", nodeAddr).Str("subdomain", sub).Msg("peer forward failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for name, vals := range scrubHeaders(resp.Header) {
		w.Header()[name] = vals
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}

// feedRequestBody streams the public request body as Data frames and closes
// the half with End.
func feedRequestBody(ctx context.Context, st *Stream, body io.ReadCloser) error {
	if body != nil {
		buf := make([]byte, bodyChunkSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if sendErr := st.SendData(ctx, chunk); sendErr != nil {
					return sendErr
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
		}
	}
	return st.SendEnd(ctx)
}

// awaitFirstFrame waits for the stream's first response event, bounded by
// firstFrameTimeout.
func awaitFirstFrame(ctx context.Context, st *Stream, sess *Session) (StreamEvent, bool) {
	timer := time.NewTimer(firstFrameTimeout)
	defer timer.Stop()
	select {
	case ev := <-st.Events():
		return ev, true
	case <-timer.C:
		return StreamEvent{}, false
	case <-sess.Done():
		return StreamEvent{Kind: EventError, Err: "Tunnel closed"}, true
	case <-ctx.Done():
		return StreamEvent{}, false
	}
}

// drainBody copies the remaining Data events of a non-upgraded response.
func drainBody(ctx context.Context, w http.ResponseWriter, st *Stream, sess *Session) {
	flusher, _ := w.(http.Flusher)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case ev := <-st.Events():
			switch ev.Kind {
			case EventData:
				if len(ev.Data) > 0 {
					if _, err := w.Write(ev.Data); err != nil {
						return
					}
					if flusher != nil {
						flusher.Flush()
					}
				}
			case EventEnd, EventError, EventWSClose:
				return
			}
		}
	}
}
