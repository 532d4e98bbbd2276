package mux

import "bytes"

// record is the per-stream state the Mux owns: identifier, role, and the
// receive-side bookkeeping described in spec.md §3 "Stream". The send
// side has no queue of its own: Send forwards directly to the
// Transport, whose blocking write already provides the window-bounded
// backpressure spec.md §4.D describes as a "prepare-to-send" pull.
type record struct {
	id        StreamID
	isControl bool
	handled   bool // application has taken ownership of a complete request

	recv    bytes.Buffer
	recvFin bool

	sendFin bool // FIN has been sent; no further Send calls are valid
}
