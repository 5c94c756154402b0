package edge

import "net/http"

// EventKind discriminates StreamEvent variants.
type EventKind int

const (
	// EventHeaders is the first event on every stream: the response status
	// line and headers. Status 101 switches the stream to WebSocket mode.
	EventHeaders EventKind = iota
	// EventData is one response body chunk.
	EventData
	// EventEnd closes the response body.
	EventEnd
	// EventWSFrame is one WebSocket message (after a 101).
	EventWSFrame
	// EventWSClose terminates a WebSocket-mode stream.
	EventWSClose
	// EventError aborts the stream; ingress maps it to a 502.
	EventError
)

// StreamEvent is one element of the per-stream response sequence delivered to
// whoever opened the stream: Headers, then Data*/End, or after a 101,
// WSFrame*/WSClose. Error is terminal in any state.
type StreamEvent struct {
	Kind    EventKind
	Status  int         // Headers
	Headers http.Header // Headers
	Data    []byte      // Data, WSFrame
	Binary  bool        // WSFrame
	Code    int         // WSClose
	Reason  string      // WSClose
	Err     string      // Error
}
