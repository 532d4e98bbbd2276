// Package tunnel implements the tunnel state machine (spec.md §4.D
// "Tunnel state machine (component E) behavior"): it glues the control
// stream (internal/rpc), the data stream (internal/datastream), the
// multiplexer (internal/mux), and the origin proxy (internal/origin)
// into the connect → register → serve-requests lifecycle.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tomasen/realip"

	"github.com/edgewire/tunnelclient/internal/datastream"
	"github.com/edgewire/tunnelclient/internal/logging"
	"github.com/edgewire/tunnelclient/internal/mux"
	"github.com/edgewire/tunnelclient/internal/origin"
	"github.com/edgewire/tunnelclient/internal/rpc"
	"github.com/edgewire/tunnelclient/internal/wire"
)

// ErrRegistrationFailed is what a *RegistrationError unwraps to. When the
// edge rejects registration (an error payload, an exception, or a
// cancellation), that *RegistrationError is delivered through
// RegisteredChan/AwaitRegistration, not returned from Serve.
// ShouldRetry/RetryAfterNs on its rpc.RegistrationResult (via errors.As)
// tell the caller how to back off.
var ErrRegistrationFailed = errors.New("tunnel: registration failed")

// Config bundles everything a Session needs besides the Mux itself.
type Config struct {
	Registration rpc.RegistrationParams
	MaxMetadata  int // BuildHTTPMetadata truncation cap; 0 = datastream default
}

// RegistrationError wraps a failed RegistrationResult so callers can
// inspect ShouldRetry/RetryAfterNs with errors.As.
type RegistrationError struct {
	Result rpc.RegistrationResult
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("tunnel: registration failed: %s", e.Result.Error)
}
func (e *RegistrationError) Unwrap() error { return ErrRegistrationFailed }

// Session owns one connection attempt's state: at most one control
// stream, and whatever remote data streams the edge opens against it.
type Session struct {
	m   *mux.Mux
	log logging.Logger
	cfg Config
	op  *origin.Proxy

	controlStream  mux.StreamID
	controlCursor  int
	registered     bool
	registeredChan chan error // receives nil on success or the error otherwise; only the first outcome is kept
}

// New creates a Session driving m, registering with cfg.Registration,
// and forwarding to proxy.
func New(m *mux.Mux, log logging.Logger, cfg Config, proxy *origin.Proxy) *Session {
	return &Session{
		m:              m,
		log:            log,
		cfg:            cfg,
		op:             proxy,
		registeredChan: make(chan error, 1),
	}
}

// Serve drives the session's event loop until the connection is
// disconnected, dispatching mux events per spec.md §4.D. It blocks.
func (s *Session) Serve(ctx context.Context) error {
	if err := s.m.Connect(ctx); err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- s.m.Run() }()

	for ev := range s.m.Events() {
		switch ev.Kind {
		case mux.EventConnected:
			if err := s.onConnected(); err != nil {
				s.log.ELogf("registration setup failed: %s", err)
				s.m.Close()
			}
		case mux.EventDisconnected:
			s.log.ILogf("disconnected")
		case mux.EventStreamOpenedRemote:
			s.log.DLogf("remote stream %d opened", ev.StreamID)
		case mux.EventStreamData:
			s.onStreamData(ev.StreamID)
		case mux.EventStreamFin:
			s.onStreamFin(ev.StreamID)
		}
	}
	s.m.Free()
	return <-runErr
}

// AwaitRegistration blocks until registration succeeds or fails, for
// callers that only care about the handshake outcome. It never returns if the connection is disconnected
// before any control-stream reply arrives (spec.md §8 Scenario 1) —
// callers that must not hang in that case should select on
// RegisteredChan alongside Serve's completion instead.
func (s *Session) AwaitRegistration() error {
	return <-s.registeredChan
}

// RegisteredChan returns the channel AwaitRegistration reads from, for
// callers that need to race registration against Serve returning (e.g.
// the transport disconnecting before any control-stream reply arrives)
// instead of blocking unconditionally.
func (s *Session) RegisteredChan() <-chan error {
	return s.registeredChan
}

func (s *Session) onConnected() error {
	id, err := s.m.OpenStream(true)
	if err != nil {
		return err
	}
	s.controlStream = id

	blob, err := rpc.EncodeRegister(s.cfg.Registration)
	if err != nil {
		return err
	}
	return s.m.Send(id, blob, false)
}

func (s *Session) onStreamData(id mux.StreamID) {
	if id == s.controlStream {
		s.drainControlStream()
		return
	}
	s.tryHandleRequest(id)
}

func (s *Session) onStreamFin(id mux.StreamID) {
	if id == s.controlStream {
		s.drainControlStream()
		return
	}
	s.tryHandleRequest(id)
}

// drainControlStream advances the consumption cursor, repeatedly
// calling wire_message_size on the unconsumed slice, decoding each
// complete message and acting only on Returns for the registration
// question (spec.md §4.B, §4.D).
func (s *Session) drainControlStream() {
	buf := s.m.Buffered(s.controlStream)
	for {
		unconsumed := buf[s.controlCursor:]
		n := wire.WireMessageSize(unconsumed)
		if n == 0 {
			return
		}
		msg := unconsumed[:n]
		s.controlCursor += n

		result, err := rpc.DecodeResponse(msg)
		switch {
		case err == rpc.ErrOtherAnswer:
			continue // heartbeat or unrelated Return: skip
		case err == rpc.ErrProtocol:
			s.log.ELogf("control stream protocol error, closing")
			s.finishRegistration(err)
			s.m.Close()
			return
		case err != nil:
			continue // malformed, non-fatal on the control stream
		}

		if result.Success {
			s.registered = true
			s.log.ILogf("registered: uuid=%s location=%s", result.UUID, result.Location)
			s.finishRegistration(nil)
			continue
		}

		s.log.ELogf("registration error: %s (should_retry=%v retry_after_ns=%d)",
			result.Error, result.ShouldRetry, result.RetryAfterNs)
		s.finishRegistration(&RegistrationError{Result: result})
		s.m.Close()
		return
	}
}

func (s *Session) finishRegistration(err error) {
	select {
	case s.registeredChan <- err:
	default:
	}
}

const dataStreamPreambleLen = 8

// tryHandleRequest computes the framed request's total size; if
// incomplete it waits for more bytes. Once complete and not already
// claimed, it parses, forwards to the origin, and enqueues the response
// (spec.md §4.D "On data-stream StreamData or StreamFin").
func (s *Session) tryHandleRequest(id mux.StreamID) {
	if s.m.Handled(id) {
		return
	}
	buf := s.m.Buffered(id)
	if len(buf) < dataStreamPreambleLen {
		return
	}
	frameSize := wire.WireMessageSize(buf[dataStreamPreambleLen:])
	if frameSize == 0 {
		return
	}
	total := dataStreamPreambleLen + frameSize
	if len(buf) < total {
		return
	}

	s.m.MarkHandled(id)

	req, err := datastream.ParseRequest(buf[:total])
	if err != nil {
		s.log.WLogf("bad framing on stream %d: %s", id, err)
		if err := s.m.ResetStream(id); err != nil {
			s.log.ELogf("reset stream %d failed: %s", id, err)
		}
		return
	}
	body := buf[total:]

	s.log.DLogf("stream %d: %s %s from %s", id, req.Method(), req.Dest, clientIP(req))

	resp := s.op.Forward(toOriginRequest(req), body)

	respMeta := datastream.BuildHTTPMetadata(resp.Status, toMetadataHeaders(resp.Headers), s.cfg.MaxMetadata)
	respBlob, err := datastream.BuildResponse(&datastream.Response{Metadata: respMeta})
	if err != nil {
		s.log.ELogf("failed to build response for stream %d: %s", id, err)
		return
	}
	if err := s.m.Send(id, respBlob, false); err != nil {
		s.log.ELogf("send response header failed on stream %d: %s", id, err)
		return
	}
	if err := s.m.Send(id, resp.Body, true); err != nil {
		s.log.ELogf("send response body failed on stream %d: %s", id, err)
	}
}

// clientIP extracts a best-effort origin client address from the
// request's forwarded-for metadata, purely for log enrichment; it has no
// effect on proxying semantics (SPEC_FULL.md §2.1).
func clientIP(req *datastream.Request) string {
	h := http.Header{}
	if v, ok := req.Get("HttpHeader:X-Forwarded-For"); ok {
		h.Set("X-Forwarded-For", v)
	}
	if v, ok := req.Get("HttpHeader:X-Real-IP"); ok {
		h.Set("X-Real-IP", v)
	}
	return realip.FromRequest(&http.Request{Header: h})
}

func toOriginRequest(req *datastream.Request) *origin.Request {
	var headers []origin.Header
	for _, e := range req.Metadata {
		if name, ok := strings.CutPrefix(e.Key, "HttpHeader:"); ok {
			headers = append(headers, origin.Header{Name: name, Value: e.Val})
		}
	}
	return &origin.Request{
		Method:  req.Method(),
		Dest:    req.Dest,
		Headers: headers,
	}
}

func toMetadataHeaders(headers []origin.Header) []datastream.MetadataEntry {
	out := make([]datastream.MetadataEntry, len(headers))
	for i, h := range headers {
		out[i] = datastream.MetadataEntry{Key: h.Name, Val: h.Value}
	}
	return out
}
