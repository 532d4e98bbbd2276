// Package mux implements the stream-multiplexing event loop: it owns
// per-stream receive buffers (sends go straight to the Transport, with no
// per-stream send queue) over an underlying Transport that
// provides ordered, bidirectional, numbered streams within a single
// connection, and normalizes the transport's callbacks into the event
// sequence the tunnel state machine consumes (spec.md §4.D).
package mux

import (
	"context"
	"errors"
)

// StreamID identifies a stream for the life of a connection.
type StreamID uint64

// EventKind enumerates the normalized events delivered to the tunnel
// state machine.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventStreamOpenedRemote
	EventStreamData
	EventStreamFin
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	case EventStreamOpenedRemote:
		return "StreamOpenedRemote"
	case EventStreamData:
		return "StreamData"
	case EventStreamFin:
		return "StreamFin"
	default:
		return "Unknown"
	}
}

// Event is one normalized occurrence delivered on the Mux's event
// channel, in the ordering guarantees of spec.md §5: Connected precedes
// any stream event, Disconnected terminates the sequence, and per-stream
// events arrive as StreamOpenedRemote (if remote-initiated) followed by
// zero or more StreamData, optionally StreamFin.
type Event struct {
	Kind     EventKind
	StreamID StreamID
	Data     []byte // StreamData: incremental bytes. StreamFin: full buffered receive slice.
	Err      error  // set on Disconnected when the cause was an error
}

// ErrNoSuchStream is returned by Send for a stream ID that has no active
// record (never opened, or already torn down), or whose send side was
// already finished with fin.
var ErrNoSuchStream = errors.New("mux: no such stream")

// ErrNotConnected is returned by operations that require an established
// connection before one has been reached.
var ErrNotConnected = errors.New("mux: not connected")

// EventSink receives a transport's raw per-connection callbacks. Mux
// implements this interface; a Transport drives it from its own packet
// loop (spec.md §4.D "Event dispatch").
type EventSink interface {
	OnConnected()
	OnDisconnected(err error)
	OnStreamOpenedRemote(id StreamID)
	OnStreamData(id StreamID, data []byte)
	OnStreamFin(id StreamID)
}

// Transport is the external collaborator spec.md §6 describes: a
// reliable substrate providing ordered, bidirectional, numbered streams
// within one connection, with its own cryptographic handshake,
// congestion control, and packet scheduling (out of scope for this
// module, which only consumes the contract below).
type Transport interface {
	// Connect resolves the edge address and begins the transport
	// handshake against sink, returning once the handshake has
	// *started* (sink.OnConnected fires later, asynchronously).
	Connect(ctx context.Context, sink EventSink) error

	// Run drives the transport's packet loop on the calling goroutine
	// until the connection is observed disconnected, delivering events
	// to the sink passed to Connect.
	Run() error

	// OpenStream requests the next locally-initiated bidirectional
	// stream identifier.
	OpenStream(isControl bool) (StreamID, error)

	// Send pushes bytes onto a stream, bounded by the transport's own
	// flow-control window (a blocking write provides the equivalent of
	// the "prepare-to-send" pull described in spec.md §4.D/§9: the
	// call returns only once the transport has accepted the bytes).
	// When fin is true, no further Send calls for id are valid.
	Send(id StreamID, data []byte, fin bool) error

	// ResetStream aborts a stream locally (spec.md §5, peer stop-
	// sending) with no further writes.
	ResetStream(id StreamID) error

	// Close initiates a graceful connection close with a zero
	// application error code.
	Close() error
}
