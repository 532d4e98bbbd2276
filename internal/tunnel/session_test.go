package tunnel

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/edgewire/tunnelclient/internal/datastream"
	"github.com/edgewire/tunnelclient/internal/logging"
	"github.com/edgewire/tunnelclient/internal/mux"
	"github.com/edgewire/tunnelclient/internal/origin"
	"github.com/edgewire/tunnelclient/internal/rpc"
	"github.com/edgewire/tunnelclient/internal/wire"
)

// fakeTransport is a mock mux.Transport driven directly by test code,
// standing in for the mock transport spec.md §8's end-to-end scenarios
// describe.
type fakeTransport struct {
	sink   mux.EventSink
	nextID mux.StreamID
	sent   map[mux.StreamID][][]byte
	closed chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[mux.StreamID][][]byte), closed: make(chan struct{})}
}

func (f *fakeTransport) Connect(ctx context.Context, sink mux.EventSink) error {
	f.sink = sink
	return nil
}
func (f *fakeTransport) Run() error {
	<-f.closed
	return nil
}
func (f *fakeTransport) OpenStream(isControl bool) (mux.StreamID, error) {
	f.nextID++
	return f.nextID, nil
}
func (f *fakeTransport) Send(id mux.StreamID, data []byte, fin bool) error {
	f.sent[id] = append(f.sent[id], append([]byte(nil), data...))
	return nil
}
func (f *fakeTransport) ResetStream(id mux.StreamID) error { return nil }
func (f *fakeTransport) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeTransport) allSent(id mux.StreamID) []byte {
	var out []byte
	for _, chunk := range f.sent[id] {
		out = append(out, chunk...)
	}
	return out
}

func newTestSession(t *testing.T, proxy *origin.Proxy) (*Session, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	log := logging.New("test", logging.LevelError)
	m := mux.New(ft, log, 16)
	cfg := Config{Registration: rpc.RegistrationParams{AccountTag: "acct", TunnelSecret: []byte("s")}}
	if proxy == nil {
		proxy = origin.New(origin.DefaultConfig(), log)
	}
	s := New(m, log, cfg, proxy)
	return s, ft
}

func TestHandshakeOnly(t *testing.T) {
	s, ft := newTestSession(t, nil)
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	waitFor(t, func() bool { return ft.sink != nil })
	go ft.sink.OnConnected()
	time.Sleep(10 * time.Millisecond)
	ft.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve never returned")
	}
}

func TestSuccessfulRegistration(t *testing.T) {
	s, ft := newTestSession(t, nil)
	go s.Serve(context.Background())
	waitFor(t, func() bool { return ft.sink != nil })
	go ft.sink.OnConnected()

	waitForControlStream(t, ft)

	uuidBytes := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	reply := synthSuccessReturn(t, uuidBytes, "SJC")
	ft.sink.OnStreamData(s.controlStream, reply)

	if err := s.AwaitRegistration(); err != nil {
		t.Fatalf("registration failed: %s", err)
	}
	ft.Close()
}

func TestRegistrationException(t *testing.T) {
	s, ft := newTestSession(t, nil)
	go s.Serve(context.Background())
	waitFor(t, func() bool { return ft.sink != nil })
	go ft.sink.OnConnected()

	waitForControlStream(t, ft)

	reply := synthExceptionReturn(t, "bad-credentials")
	ft.sink.OnStreamData(s.controlStream, reply)

	err := s.AwaitRegistration()
	if err == nil {
		t.Fatal("expected registration failure")
	}
	var regErr *RegistrationError
	if !asRegistrationError(err, &regErr) {
		t.Fatalf("expected *RegistrationError, got %T: %v", err, err)
	}
	if !regErr.Result.ShouldRetry {
		t.Fatal("expected should_retry")
	}
	ft.Close()
}

func TestSingleGETProxy(t *testing.T) {
	ln := startOrigin(t, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello")
	defer ln.Close()

	log := logging.New("test", logging.LevelError)
	proxy := origin.New(withHost(origin.DefaultConfig(), ln.Addr().String()), log)
	s, ft := newTestSession(t, proxy)
	go s.Serve(context.Background())
	waitFor(t, func() bool { return ft.sink != nil })

	reqID := mux.StreamID(100)
	blob := buildRequestFrame(t, "/hello", datastream.TypeHTTP, []datastream.MetadataEntry{
		{Key: "HttpMethod", Val: "GET"},
		{Key: "HttpHost", Val: "x"},
	})
	ft.sink.OnStreamData(reqID, blob)
	ft.sink.OnStreamFin(reqID)

	waitFor(t, func() bool { return len(ft.sent[reqID]) >= 2 })

	got := ft.allSent(reqID)
	errText, meta := decodeTestResponse(t, got)
	if errText != "" {
		t.Fatalf("unexpected error field: %q", errText)
	}
	wantMeta := []datastream.MetadataEntry{
		{Key: "HttpStatus", Val: "200"},
		{Key: "HttpHeader:Content-Type", Val: "text/plain"},
	}
	if !metaEqual(meta, wantMeta) {
		t.Fatalf("meta = %+v, want %+v", meta, wantMeta)
	}
	ft.Close()
}

func TestOriginFailureYields502(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	log := logging.New("test", logging.LevelError)
	proxy := origin.New(withHost(origin.DefaultConfig(), addr), log)
	s, ft := newTestSession(t, proxy)
	go s.Serve(context.Background())
	waitFor(t, func() bool { return ft.sink != nil })

	reqID := mux.StreamID(101)
	blob := buildRequestFrame(t, "/hello", datastream.TypeHTTP, []datastream.MetadataEntry{
		{Key: "HttpMethod", Val: "GET"}, {Key: "HttpHost", Val: "x"},
	})
	ft.sink.OnStreamData(reqID, blob)
	ft.sink.OnStreamFin(reqID)

	waitFor(t, func() bool { return len(ft.sent[reqID]) >= 2 })

	got := ft.allSent(reqID)
	_, meta := decodeTestResponse(t, got)
	status, _ := lookup(meta, "HttpStatus")
	if status != "502" {
		t.Fatalf("status = %q", status)
	}
	ft.Close()
}

func TestPOSTWithBody(t *testing.T) {
	received := make(chan string, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	}()

	log := logging.New("test", logging.LevelError)
	proxy := origin.New(withHost(origin.DefaultConfig(), ln.Addr().String()), log)
	s, ft := newTestSession(t, proxy)
	go s.Serve(context.Background())
	waitFor(t, func() bool { return ft.sink != nil })

	reqID := mux.StreamID(102)
	header := buildRequestFrame(t, "/", datastream.TypeHTTP, []datastream.MetadataEntry{
		{Key: "HttpMethod", Val: "POST"},
		{Key: "HttpHost", Val: "x"},
	})
	blob := append(append([]byte(nil), header...), []byte("ping")...)
	ft.sink.OnStreamData(reqID, blob)
	ft.sink.OnStreamFin(reqID)

	select {
	case got := <-received:
		if !bytes.Contains([]byte(got), []byte("ping")) {
			t.Fatalf("origin did not receive body: %q", got)
		}
		if !bytes.Contains([]byte(got), []byte("Content-Length: 4")) {
			t.Fatalf("missing content-length: %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("origin never received request")
	}
	ft.Close()
}

// --- test helpers ---

func waitForControlStream(t *testing.T, ft *fakeTransport) {
	t.Helper()
	waitFor(t, func() bool { return ft.nextID >= 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func withHost(cfg origin.Config, host string) origin.Config {
	cfg.Host = host
	cfg.ConnectTimeout = time.Second
	cfg.ReadTimeout = time.Second
	return cfg
}

func startOrigin(t *testing.T, response string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				conn.Read(buf)
				conn.Write([]byte(response))
			}()
		}
	}()
	return ln
}

func asRegistrationError(err error, target **RegistrationError) bool {
	re, ok := err.(*RegistrationError)
	if !ok {
		return false
	}
	*target = re
	return true
}

func buildRequestFrame(t *testing.T, dest string, typ datastream.RequestType, meta []datastream.MetadataEntry) []byte {
	t.Helper()
	b := wire.NewBuilder(make([]byte, 2048))
	rootPtr, _ := b.Alloc(1)
	root, _ := b.AllocStruct(1, 2)
	b.WriteU16(root, 0, uint16(typ))
	if err := b.WriteText(root+8, dest); err != nil {
		t.Fatal(err)
	}
	if len(meta) > 0 {
		tagOff, elemBase, err := b.AllocCompositeList(len(meta), 0, 2)
		if err != nil {
			t.Fatal(err)
		}
		for i, e := range meta {
			eb := elemBase + i*2*8
			b.WriteText(eb, e.Key)
			b.WriteText(eb+8, e.Val)
		}
		if err := b.WriteListPtr(root+16, tagOff, wire.ElemTagComposite, 1+len(meta)*2); err != nil {
			t.Fatal(err)
		}
	}
	b.WriteStructPtr(rootPtr, root, 1, 2)
	payload := b.Finalize()

	sig := []byte{0x0A, 0x36, 0xCD, 0x12, 0xA1, 0x3E, 0x30, 0x31}
	out := make([]byte, 0, len(sig)+len(payload))
	out = append(out, sig...)
	out = append(out, payload...)
	return out
}

func decodeTestResponse(t *testing.T, blob []byte) (string, []datastream.MetadataEntry) {
	t.Helper()
	if len(blob) < 8 {
		t.Fatalf("response too short: %d", len(blob))
	}
	r, err := wire.ReadMessage(blob[8:])
	if err != nil {
		t.Fatal(err)
	}
	root, dw, _, err := r.ReadStructPtr(0)
	if err != nil {
		t.Fatal(err)
	}
	ptrBase := root + dw*8
	errText, err := r.ReadText(ptrBase)
	if err != nil {
		t.Fatal(err)
	}
	base, stride, n, err := r.CompositeListElements(ptrBase + 8)
	if err != nil {
		t.Fatal(err)
	}
	var meta []datastream.MetadataEntry
	for i := 0; i < n; i++ {
		eb := base + i*stride*8
		k, _ := r.ReadText(eb)
		v, _ := r.ReadText(eb + 8)
		meta = append(meta, datastream.MetadataEntry{Key: k, Val: v})
	}
	return errText, meta
}

func metaEqual(got, want []datastream.MetadataEntry) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func lookup(meta []datastream.MetadataEntry, key string) (string, bool) {
	for _, e := range meta {
		if e.Key == key {
			return e.Val, true
		}
	}
	return "", false
}

func synthSuccessReturn(t *testing.T, uuidBytes []byte, location string) []byte {
	t.Helper()
	b := wire.NewBuilder(make([]byte, 1024))
	rootPtr, _ := b.Alloc(1)
	msg, _ := b.AllocStruct(1, 1)
	b.WriteU16(msg, 0, rpc.MessageReturn)

	ret, _ := b.AllocStruct(1, 1)
	b.WriteU32(ret, 0, rpc.CallQuestionID)
	// Return.answerId occupies data bytes 0-3; the union discriminant is
	// at byte 6.
	b.WriteU16(ret, 6, rpc.ReturnResults)

	payload, _ := b.AllocStruct(0, 1)
	wrapper, _ := b.AllocStruct(0, 1)
	// ConnectionResponse: discriminant at byte 0, pointer[0] selects a
	// distinct ConnectionDetails struct.
	connResp, _ := b.AllocStruct(1, 1)
	b.WriteU16(connResp, 0, rpc.ConnResponseSuccess)

	details, _ := b.AllocStruct(1, 2)
	b.WriteBool(details, 0, 0, true)
	b.WriteData(details+1*8, uuidBytes)
	b.WriteText(details+1*8+8, location)

	b.WriteStructPtr(connResp+1*8, details, 1, 2)
	b.WriteStructPtr(wrapper, connResp, 1, 1)
	b.WriteStructPtr(payload, wrapper, 0, 1)
	b.WriteStructPtr(ret+8, payload, 0, 1)

	b.WriteStructPtr(msg+8, ret, 1, 1)
	b.WriteStructPtr(rootPtr, msg, 1, 1)
	return b.Finalize()
}

func synthExceptionReturn(t *testing.T, reason string) []byte {
	t.Helper()
	b := wire.NewBuilder(make([]byte, 256))
	rootPtr, _ := b.Alloc(1)
	msg, _ := b.AllocStruct(1, 1)
	b.WriteU16(msg, 0, rpc.MessageReturn)

	ret, _ := b.AllocStruct(1, 1)
	b.WriteU32(ret, 0, rpc.CallQuestionID)
	b.WriteU16(ret, 6, rpc.ReturnException)
	b.WriteText(ret+8, reason)

	b.WriteStructPtr(msg+8, ret, 1, 1)
	b.WriteStructPtr(rootPtr, msg, 1, 1)
	return b.Finalize()
}
