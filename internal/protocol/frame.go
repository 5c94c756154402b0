// Package protocol defines the framed control messages exchanged between a
// tunnel client and an edge node, and their binary encoding.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrMalformedFrame is returned by Decode for messages that cannot be parsed:
// truncated input, invalid header JSON, or an unknown frame type.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame types carried in the JSON header's "type" field.
const (
	TypeInit         = "init"
	TypeInitAck      = "init_ack"
	TypeHTTPRequest  = "http_request"
	TypeHTTPResponse = "http_response"
	TypeData         = "data"
	TypeEnd          = "end"
	TypeWSFrame      = "ws_frame"
	TypeWSClose      = "ws_close"
	TypeStreamError  = "stream_error"
	TypePing         = "ping"
	TypePong         = "pong"
)

// Tunnel types accepted in Init.
const (
	TunnelHTTP = "http"
)

// HeaderPair is one HTTP header as an ordered (name, value) pair. A list of
// pairs preserves both ordering and repeated names (Set-Cookie).
type HeaderPair struct {
	Name  string `json:"n"`
	Value string `json:"v"`
}

// PairsFromHeader flattens an http.Header into ordered pairs.
func PairsFromHeader(h http.Header) []HeaderPair {
	if len(h) == 0 {
		return nil
	}
	pairs := make([]HeaderPair, 0, len(h))
	for name, vals := range h {
		for _, v := range vals {
			pairs = append(pairs, HeaderPair{Name: name, Value: v})
		}
	}
	return pairs
}

// HeaderFromPairs rebuilds an http.Header from pairs.
func HeaderFromPairs(pairs []HeaderPair) http.Header {
	h := make(http.Header, len(pairs))
	for _, p := range pairs {
		h.Add(p.Name, p.Value)
	}
	return h
}

// Frame is one control message. Exactly one variant per transport message.
type Frame interface {
	frameType() string
}

// Init is the first frame a client sends after the control channel opens.
type Init struct {
	Token         string
	Subdomain     string // requested subdomain, empty for auto-assign
	TunnelType    string
	ClientVersion string
}

// InitAck is the edge's reply to Init. A non-empty Error means the tunnel was
// rejected and the connection will close.
type InitAck struct {
	AssignedDomain string
	Error          string
	ServerVersion  string
}

// HTTPRequest opens a stream: edge to client, request line and headers.
// Body bytes follow as Data frames, terminated by End.
type HTTPRequest struct {
	StreamID string
	Method   string
	URI      string
	Headers  []HeaderPair
}

// HTTPResponse is the client's reply on a stream. Status 101 switches the
// stream to WebSocket mode.
type HTTPResponse struct {
	StreamID string
	Status   int
	Headers  []HeaderPair
}

// Data carries one body chunk in either direction.
type Data struct {
	StreamID string
	Bytes    []byte
}

// End closes the sender's body half of a stream.
type End struct {
	StreamID string
}

// WSFrame carries one WebSocket message on a stream that switched to
// WebSocket mode after a 101 response.
type WSFrame struct {
	StreamID string
	Binary   bool
	Bytes    []byte
}

// WSClose terminates a WebSocket-mode stream.
type WSClose struct {
	StreamID string
	Code     int
	Reason   string
}

// StreamError aborts a stream; the edge maps it to a 502 for the public side.
type StreamError struct {
	StreamID string
	Message  string
}

// Ping and Pong are keepalives, valid in either direction.
type Ping struct{}
type Pong struct{}

func (Init) frameType() string         { return TypeInit }
func (InitAck) frameType() string      { return TypeInitAck }
func (HTTPRequest) frameType() string  { return TypeHTTPRequest }
func (HTTPResponse) frameType() string { return TypeHTTPResponse }
func (Data) frameType() string         { return TypeData }
func (End) frameType() string          { return TypeEnd }
func (WSFrame) frameType() string      { return TypeWSFrame }
func (WSClose) frameType() string      { return TypeWSClose }
func (StreamError) frameType() string  { return TypeStreamError }
func (Ping) frameType() string         { return TypePing }
func (Pong) frameType() string         { return TypePong }

// wireHeader is the JSON header shared by all frame types. Fields are
// overloaded across types the same way; omitempty keeps headers compact.
type wireHeader struct {
	Type           string       `json:"type"`
	StreamID       string       `json:"id,omitempty"`
	Token          string       `json:"token,omitempty"`
	Subdomain      string       `json:"subdomain,omitempty"`
	TunnelType     string       `json:"tunnel_type,omitempty"`
	ClientVersion  string       `json:"client_version,omitempty"`
	AssignedDomain string       `json:"assigned_domain,omitempty"`
	Error          string       `json:"error,omitempty"`
	ServerVersion  string       `json:"server_version,omitempty"`
	Method         string       `json:"method,omitempty"`
	URI            string       `json:"uri,omitempty"`
	Status         int          `json:"status,omitempty"`
	Headers        []HeaderPair `json:"headers,omitempty"`
	Binary         bool         `json:"binary,omitempty"`
	Code           int          `json:"code,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	Message        string       `json:"message,omitempty"`
}

// Wire format for a transport message:
//   [4 bytes: JSON header length (big-endian uint32)]
//   [JSON header bytes]
//   [raw binary payload (Data / WSFrame bytes, may be empty)]

// Encode serializes a frame into a single binary transport message.
func Encode(f Frame) ([]byte, error) {
	hdr := wireHeader{Type: f.frameType()}
	var payload []byte

	switch v := f.(type) {
	case Init:
		hdr.Token = v.Token
		hdr.Subdomain = v.Subdomain
		hdr.TunnelType = v.TunnelType
		hdr.ClientVersion = v.ClientVersion
	case InitAck:
		hdr.AssignedDomain = v.AssignedDomain
		hdr.Error = v.Error
		hdr.ServerVersion = v.ServerVersion
	case HTTPRequest:
		hdr.StreamID = v.StreamID
		hdr.Method = v.Method
		hdr.URI = v.URI
		hdr.Headers = v.Headers
	case HTTPResponse:
		hdr.StreamID = v.StreamID
		hdr.Status = v.Status
		hdr.Headers = v.Headers
	case Data:
		hdr.StreamID = v.StreamID
		payload = v.Bytes
	case End:
		hdr.StreamID = v.StreamID
	case WSFrame:
		hdr.StreamID = v.StreamID
		hdr.Binary = v.Binary
		payload = v.Bytes
	case WSClose:
		hdr.StreamID = v.StreamID
		hdr.Code = v.Code
		hdr.Reason = v.Reason
	case StreamError:
		hdr.StreamID = v.StreamID
		hdr.Message = v.Message
	case Ping, Pong:
	default:
		return nil, fmt.Errorf("encode: unsupported frame %T", f)
	}

	jsonBytes, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	msg := make([]byte, 4+len(jsonBytes)+len(payload))
	binary.BigEndian.PutUint32(msg[:4], uint32(len(jsonBytes)))
	copy(msg[4:4+len(jsonBytes)], jsonBytes)
	copy(msg[4+len(jsonBytes):], payload)
	return msg, nil
}

// Decode parses a single transport message back into a frame.
func Decode(msg []byte) (Frame, error) {
	if len(msg) < 4 {
		return nil, fmt.Errorf("%w: message too short (%d bytes)", ErrMalformedFrame, len(msg))
	}
	hdrLen := binary.BigEndian.Uint32(msg[:4])
	if uint64(len(msg)) < 4+uint64(hdrLen) {
		return nil, fmt.Errorf("%w: header says %d bytes but only %d remain", ErrMalformedFrame, hdrLen, len(msg)-4)
	}
	var hdr wireHeader
	if err := json.Unmarshal(msg[4:4+hdrLen], &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	// An empty tail decodes to a nil payload: nil and empty carry the same
	// meaning on the wire, and every consumer ranges or len-checks.
	rest := msg[4+hdrLen:]
	var payload []byte
	if len(rest) > 0 {
		payload = make([]byte, len(rest))
		copy(payload, rest)
	}

	switch hdr.Type {
	case TypeInit:
		return Init{Token: hdr.Token, Subdomain: hdr.Subdomain, TunnelType: hdr.TunnelType, ClientVersion: hdr.ClientVersion}, nil
	case TypeInitAck:
		return InitAck{AssignedDomain: hdr.AssignedDomain, Error: hdr.Error, ServerVersion: hdr.ServerVersion}, nil
	case TypeHTTPRequest:
		return HTTPRequest{StreamID: hdr.StreamID, Method: hdr.Method, URI: hdr.URI, Headers: hdr.Headers}, nil
	case TypeHTTPResponse:
		return HTTPResponse{StreamID: hdr.StreamID, Status: hdr.Status, Headers: hdr.Headers}, nil
	case TypeData:
		return Data{StreamID: hdr.StreamID, Bytes: payload}, nil
	case TypeEnd:
		return End{StreamID: hdr.StreamID}, nil
	case TypeWSFrame:
		return WSFrame{StreamID: hdr.StreamID, Binary: hdr.Binary, Bytes: payload}, nil
	case TypeWSClose:
		return WSClose{StreamID: hdr.StreamID, Code: hdr.Code, Reason: hdr.Reason}, nil
	case TypeStreamError:
		return StreamError{StreamID: hdr.StreamID, Message: hdr.Message}, nil
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, hdr.Type)
	}
}
