package mux

import (
	"context"
	"sync"

	"github.com/edgewire/tunnelclient/internal/logging"
	"github.com/edgewire/tunnelclient/internal/shutdown"
)

// Mux owns the connection context: the transport, the stream record
// collection, and the normalized event channel the tunnel state machine
// reads from. Records are mutated both by the transport's EventSink
// callbacks (which may run on transport goroutines other than the one
// running Run) and by Send, OpenStream and ResetStream; every access
// takes the same mutex, so callers can queue bytes concurrently with the
// event loop.
//
// Mux embeds shutdown.Helper so repeated or concurrent Close calls (the
// tunnel session may call Close from both the event loop and an error
// path) collapse into the transport's Close running exactly once.
type Mux struct {
	shutdown.Helper

	transport Transport

	mu      sync.Mutex
	streams map[StreamID]*record

	events chan Event
}

// New creates a Mux driving transport, with buf-many events queued
// before OnStreamData/OnStreamOpenedRemote/etc. would block the
// transport's own loop.
func New(transport Transport, log logging.Logger, buf int) *Mux {
	if buf <= 0 {
		buf = 64
	}
	m := &Mux{
		transport: transport,
		streams:   make(map[StreamID]*record),
		events:    make(chan Event, buf),
	}
	m.Helper.Init(log, m)
	return m
}

// HandleOnceShutdown closes the transport exactly once. completionErr, if
// set, is the reason shutdown was started (e.g. a protocol error seen by
// the tunnel session); it takes precedence over the transport's own Close
// error when reporting the final status.
func (m *Mux) HandleOnceShutdown(completionErr error) error {
	err := m.transport.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Events returns the channel of normalized events. The tunnel state
// machine should range over it until it closes (which happens once
// Disconnected has been delivered).
func (m *Mux) Events() <-chan Event { return m.events }

// Connect resolves the edge address and starts the transport handshake.
// It returns once the handshake has started, not once it completes;
// completion is signaled later as an EventConnected on the event
// channel.
func (m *Mux) Connect(ctx context.Context) error {
	return m.transport.Connect(ctx, m)
}

// Run drives the transport's packet loop until disconnected. Blocking.
func (m *Mux) Run() error {
	err := m.transport.Run()
	close(m.events)
	return err
}

// OpenStream requests the next locally-initiated bidirectional stream
// identifier and creates its record, marked active.
func (m *Mux) OpenStream(isControl bool) (StreamID, error) {
	id, err := m.transport.OpenStream(isControl)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.streams[id] = &record{id: id, isControl: isControl}
	m.mu.Unlock()
	return id, nil
}

// Send appends bytes to the stream's outbound side. If fin is set, the
// transport emits the end-of-stream marker once these bytes go out and
// no further Send calls on id are valid.
func (m *Mux) Send(id StreamID, data []byte, fin bool) error {
	m.mu.Lock()
	rec, ok := m.streams[id]
	if !ok {
		m.mu.Unlock()
		return ErrNoSuchStream
	}
	if rec.sendFin {
		m.mu.Unlock()
		return ErrNoSuchStream
	}
	if fin {
		rec.sendFin = true
	}
	m.mu.Unlock()

	return m.transport.Send(id, data, fin)
}

// Close initiates a graceful connection close with zero application
// error code; the loop observes this as Disconnected. Safe to call more
// than once (e.g. once from the event loop's own disconnect handling and
// once from an error path) or concurrently: only the first call actually
// closes the transport.
func (m *Mux) Close() error {
	return m.Helper.Close()
}

// ResetStream aborts id alone, without tearing down the connection.
// Used when a single data stream's framing is unrecoverable but the
// control stream and other data streams remain valid (spec.md §7
// "BadFraming ... stream is reset (no reply)").
func (m *Mux) ResetStream(id StreamID) error {
	m.destroy(id)
	return m.transport.ResetStream(id)
}

// Free releases all per-stream records. Called after Run returns.
func (m *Mux) Free() {
	m.mu.Lock()
	m.streams = make(map[StreamID]*record)
	m.mu.Unlock()
}

// Handled reports and sets whether a stream's buffered request has
// already been claimed by the application, so repeat StreamData/
// StreamFin deliveries for the same stream (e.g. body bytes trickling
// in after the framed header was parsed) are not reprocessed as new
// requests.
func (m *Mux) Handled(id StreamID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.streams[id]
	return ok && rec.handled
}

// MarkHandled flags id's buffered request as claimed.
func (m *Mux) MarkHandled(id StreamID) {
	m.mu.Lock()
	if rec, ok := m.streams[id]; ok {
		rec.handled = true
	}
	m.mu.Unlock()
}

// Buffered returns a snapshot of the bytes accumulated so far on id's
// receive side.
func (m *Mux) Buffered(id StreamID) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.streams[id]
	if !ok {
		return nil
	}
	return append([]byte(nil), rec.recv.Bytes()...)
}

// getOrCreate returns id's record, creating it if this is the first
// observation — the invariant spec.md §4.D requires: "Inbound data on an
// unknown stream creates its record before any callback fires."
func (m *Mux) getOrCreate(id StreamID, isControl bool) (*record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, existed := m.streams[id]
	if !existed {
		rec = &record{id: id, isControl: isControl}
		m.streams[id] = rec
	}
	return rec, existed
}

func (m *Mux) destroy(id StreamID) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

// --- EventSink implementation: invoked by Transport from its own loop. ---

func (m *Mux) OnConnected() {
	m.events <- Event{Kind: EventConnected}
}

func (m *Mux) OnDisconnected(err error) {
	m.events <- Event{Kind: EventDisconnected, Err: err}
}

func (m *Mux) OnStreamOpenedRemote(id StreamID) {
	if _, existed := m.getOrCreate(id, false); existed {
		return
	}
	m.events <- Event{Kind: EventStreamOpenedRemote, StreamID: id}
}

func (m *Mux) OnStreamData(id StreamID, data []byte) {
	rec, existed := m.getOrCreate(id, false)
	if !existed {
		m.events <- Event{Kind: EventStreamOpenedRemote, StreamID: id}
	}
	m.mu.Lock()
	rec.recv.Write(data)
	m.mu.Unlock()
	m.events <- Event{Kind: EventStreamData, StreamID: id, Data: data}
}

func (m *Mux) OnStreamFin(id StreamID) {
	rec, existed := m.getOrCreate(id, false)
	if !existed {
		m.events <- Event{Kind: EventStreamOpenedRemote, StreamID: id}
	}
	m.mu.Lock()
	rec.recvFin = true
	full := append([]byte(nil), rec.recv.Bytes()...)
	m.mu.Unlock()
	m.events <- Event{Kind: EventStreamFin, StreamID: id, Data: full}
}
