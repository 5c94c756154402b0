package client

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dvaar/dvaar/internal/protocol"
)

// captureLimit caps how much of each body the inspector keeps.
const captureLimit = 1 << 20

// hopHeaders are stripped before forwarding to the upstream.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// bodyFeed bridges Data frames from the dispatch loop into an io.Reader the
// upstream request consumes. Writes block until the upstream reads, which is
// the back-pressure path for large uploads.
type bodyFeed struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu     sync.Mutex
	closed bool
}

func newBodyFeed() *bodyFeed {
	pr, pw := io.Pipe()
	return &bodyFeed{pr: pr, pw: pw}
}

func (b *bodyFeed) Write(p []byte) {
	// PipeWriter.Write after Close returns ErrClosedPipe; nothing to do.
	_, _ = b.pw.Write(p)
}

func (b *bodyFeed) CloseWrite() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.pw.Close()
	}
}

// handleRequest serves one incoming stream: basic-auth gate, upstream round
// trip, response streamed back as frames. Runs in its own goroutine; the
// stream is already registered by the dispatch loop.
func (c *Client) handleRequest(ctx context.Context, req protocol.HTTPRequest, headers http.Header, st *stream) {
	defer func() {
		st.cancel()
		c.removeStream(req.StreamID)
		if st.body != nil {
			st.body.CloseWrite()
		}
	}()

	if c.cfg.BasicAuthUser != "" && !c.checkBasicAuth(headers.Get("Authorization")) {
		c.sendUnauthorized(ctx, req.StreamID)
		return
	}

	if tracker, ok := c.cfg.Reporter.(ConnectionTracker); ok {
		done := tracker.TrackOpen()
		defer done()
	}

	if isWebSocketRequest(headers) {
		c.handleWebSocket(ctx, req, headers, st)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()

	start := time.Now()

	var reqCapture bytes.Buffer
	var body io.Reader = st.body.pr
	if c.cfg.Reporter != nil {
		body = io.TeeReader(body, newCappedWriter(&reqCapture))
	}

	upReq, err := c.buildUpstreamRequest(reqCtx, req, headers, body)
	if err != nil {
		c.sendError(ctx, req.StreamID, fmt.Sprintf("bad request: %v", err))
		return
	}

	resp, err := c.http.Do(upReq)
	if err != nil {
		c.log.Warn().Err(err).Str("uri", req.URI).Msg("upstream request failed")
		c.sendError(ctx, req.StreamID, fmt.Sprintf("upstream unreachable: %v", err))
		return
	}
	defer resp.Body.Close()

	respFrame := protocol.HTTPResponse{
		StreamID: req.StreamID,
		Status:   resp.StatusCode,
		Headers:  protocol.PairsFromHeader(resp.Header),
	}
	if err := c.writeFrame(ctx, respFrame); err != nil {
		return
	}

	var respCapture bytes.Buffer
	respCap := newCappedWriter(&respCapture)
	var size int64
	buf := make([]byte, maxChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			size += int64(n)
			if c.cfg.Reporter != nil {
				respCap.Write(buf[:n])
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := c.writeFrame(ctx, protocol.Data{StreamID: req.StreamID, Bytes: chunk}); err != nil {
				return
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			c.log.Debug().Err(readErr).Msg("upstream body read failed")
			break
		}
	}
	if err := c.writeFrame(ctx, protocol.End{StreamID: req.StreamID}); err != nil {
		return
	}

	if c.cfg.Reporter != nil {
		c.cfg.Reporter.RecordRequest(CapturedExchange{
			Method:      req.Method,
			Path:        req.URI,
			ReqHeaders:  headers,
			ReqBody:     reqCapture.Bytes(),
			RespStatus:  resp.StatusCode,
			RespHeaders: resp.Header.Clone(),
			RespBody:    respCapture.Bytes(),
			Duration:    time.Since(start),
			SizeBytes:   size,
		})
	}
}

func (c *Client) buildUpstreamRequest(ctx context.Context, req protocol.HTTPRequest, headers http.Header, body io.Reader) (*http.Request, error) {
	scheme := "http"
	if c.cfg.TLSUpstream {
		scheme = "https"
	}
	url := scheme + "://" + c.upstream + req.URI

	upReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, err
	}
	for name, vals := range headers {
		if hopHeaders[name] || name == "Host" || name == "Content-Length" {
			continue
		}
		upReq.Header[name] = vals
	}
	switch {
	case c.cfg.HostOverride != "":
		upReq.Host = c.cfg.HostOverride
	default:
		upReq.Host = c.upstream
	}
	return upReq, nil
}

func (c *Client) checkBasicAuth(authorization string) bool {
	const prefix = "Basic "
	if !strings.HasPrefix(authorization, prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(authorization[len(prefix):])
	if err != nil {
		return false
	}
	want := c.cfg.BasicAuthUser + ":" + c.cfg.BasicAuthPass
	return subtle.ConstantTimeCompare(decoded, []byte(want)) == 1
}

func (c *Client) sendUnauthorized(ctx context.Context, streamID string) {
	resp := protocol.HTTPResponse{
		StreamID: streamID,
		Status:   http.StatusUnauthorized,
		Headers: []protocol.HeaderPair{
			{Name: "Www-Authenticate", Value: fmt.Sprintf("Basic realm=%q", c.cfg.BasicRealm)},
			{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
		},
	}
	if err := c.writeFrame(ctx, resp); err != nil {
		return
	}
	c.writeFrame(ctx, protocol.Data{StreamID: streamID, Bytes: []byte("401 Unauthorized\n")})
	c.writeFrame(ctx, protocol.End{StreamID: streamID})
}

// sendError answers a stream with a plain 502 carrying the failure text.
func (c *Client) sendError(ctx context.Context, streamID, message string) {
	resp := protocol.HTTPResponse{
		StreamID: streamID,
		Status:   http.StatusBadGateway,
		Headers: []protocol.HeaderPair{
			{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
		},
	}
	if err := c.writeFrame(ctx, resp); err != nil {
		return
	}
	c.writeFrame(ctx, protocol.Data{StreamID: streamID, Bytes: []byte(message)})
	c.writeFrame(ctx, protocol.End{StreamID: streamID})
}

// cappedWriter keeps the first captureLimit bytes and drops the rest.
type cappedWriter struct {
	buf *bytes.Buffer
}

func newCappedWriter(buf *bytes.Buffer) *cappedWriter {
	return &cappedWriter{buf: buf}
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	room := captureLimit - w.buf.Len()
	if room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
