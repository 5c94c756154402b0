package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"

	"github.com/dvaar/dvaar/internal/protocol"
)

func isWebSocketRequest(h http.Header) bool {
	return strings.EqualFold(h.Get("Upgrade"), "websocket")
}

// handleWebSocket dials the upstream as a WebSocket client and proxies frames
// between it and the control channel. A refused upgrade relays the upstream's
// plain HTTP answer instead.
func (c *Client) handleWebSocket(ctx context.Context, req protocol.HTTPRequest, headers http.Header, st *stream) {
	scheme := "ws"
	if c.cfg.TLSUpstream {
		scheme = "wss"
	}
	wsURL := scheme + "://" + c.upstream + req.URI

	dialHeaders := make(http.Header)
	for name, vals := range headers {
		if hopHeaders[name] || name == "Host" || strings.HasPrefix(name, "Sec-Websocket-") {
			continue
		}
		dialHeaders[name] = vals
	}
	if c.cfg.HostOverride != "" {
		dialHeaders.Set("Host", c.cfg.HostOverride)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: dialHeaders,
	})
	if err != nil {
		if resp != nil {
			c.relayPlainResponse(ctx, req.StreamID, resp)
			return
		}
		c.sendError(ctx, req.StreamID, fmt.Sprintf("upstream websocket unreachable: %v", err))
		return
	}
	conn.SetReadLimit(readLimit)

	c.setStreamWS(req.StreamID, conn)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var respHeaders []protocol.HeaderPair
	if resp != nil {
		respHeaders = protocol.PairsFromHeader(resp.Header)
	}
	accept := protocol.HTTPResponse{
		StreamID: req.StreamID,
		Status:   http.StatusSwitchingProtocols,
		Headers:  respHeaders,
	}
	if err := c.writeFrame(ctx, accept); err != nil {
		return
	}

	// Upstream to edge. Edge-to-upstream frames arrive via the dispatch loop
	// and write to st.ws directly.
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			code, reason := websocket.StatusAbnormalClosure, ""
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Reason
			}
			c.writeFrame(ctx, protocol.WSClose{StreamID: req.StreamID, Code: int(code), Reason: reason})
			return
		}
		frame := protocol.WSFrame{
			StreamID: req.StreamID,
			Binary:   typ == websocket.MessageBinary,
			Bytes:    data,
		}
		if err := c.writeFrame(ctx, frame); err != nil {
			return
		}
	}
}

// relayPlainResponse forwards the upstream's non-101 answer to a WebSocket
// upgrade attempt.
func (c *Client) relayPlainResponse(ctx context.Context, streamID string, resp *http.Response) {
	frame := protocol.HTTPResponse{
		StreamID: streamID,
		Status:   resp.StatusCode,
		Headers:  protocol.PairsFromHeader(resp.Header),
	}
	if err := c.writeFrame(ctx, frame); err != nil {
		return
	}
	if resp.Body != nil {
		defer resp.Body.Close()
		buf := make([]byte, maxChunkSize)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if err := c.writeFrame(ctx, protocol.Data{StreamID: streamID, Bytes: chunk}); err != nil {
					return
				}
			}
			if readErr != nil {
				break
			}
		}
	}
	c.writeFrame(ctx, protocol.End{StreamID: streamID})
}
