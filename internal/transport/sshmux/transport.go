// Package sshmux implements the mux.Transport contract (spec.md §6
// "Transport": ordered, bidirectional, numbered streams within a single
// connection) over an SSH connection multiplexed through a WebSocket,
// grounded on the teacher's connection loop (share/client.go
// connectionLoop/connectStreams) and its per-channel stream handling
// (share/ssh_conn.go, share/channel_conn.go).
//
// The edge fabric's real substrate is a QUIC connection (spec.md §6); no
// example repo in this corpus imports a QUIC client, so this adapter
// repurposes the teacher's SSH-over-WebSocket multiplexed channel
// mechanism to satisfy the same stream contract instead.
package sshmux

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"

	"github.com/edgewire/tunnelclient/internal/logging"
	"github.com/edgewire/tunnelclient/internal/mux"
)

// Config carries the fixed connection parameters spec.md §6 names as
// wire constants, plus edge host/port overrides (§6 CF_EDGE/CF_PORT).
type Config struct {
	EdgeHost string
	EdgePort int

	// ALPN is the application-layer protocol identifier ("argotunnel").
	ALPN string
	// SNI is the server name indication value ("quic.cftunnel.com").
	SNI string

	HandshakeTimeout time.Duration
}

// Transport implements mux.Transport over an SSH connection tunneled
// through a WebSocket, standing in for the QUIC substrate spec.md treats
// as an external collaborator.
type Transport struct {
	cfg Config
	log logging.Logger

	sink mux.EventSink

	mu       sync.Mutex
	wsConn   *websocket.Conn
	sshConn  ssh.Conn
	channels map[mux.StreamID]ssh.Channel
	nextID   uint64

	done     chan struct{}
	doneOnce sync.Once
	doneErr  error
}

// New constructs a Transport. No network I/O happens until Connect.
func New(cfg Config, log logging.Logger) *Transport {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 45 * time.Second
	}
	return &Transport{
		cfg:      cfg,
		log:      log,
		channels: make(map[mux.StreamID]ssh.Channel),
		done:     make(chan struct{}),
	}
}

func (t *Transport) addr() string {
	return fmt.Sprintf("wss://%s:%d/", t.cfg.EdgeHost, t.cfg.EdgePort)
}

// Connect dials the edge over WebSocket (the part of the handshake that
// "starts" synchronously) and continues the SSH handshake in the
// background; sink.OnConnected fires once it completes.
func (t *Transport) Connect(ctx context.Context, sink mux.EventSink) error {
	t.sink = sink

	d := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
		Subprotocols:     []string{t.cfg.ALPN},
		TLSClientConfig: &tls.Config{
			ServerName: t.cfg.SNI,
			NextProtos: []string{t.cfg.ALPN},
		},
	}
	ws, _, err := d.DialContext(ctx, t.addr(), http.Header{})
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.wsConn = ws
	t.mu.Unlock()

	go t.handshakeAndServe()
	return nil
}

func (t *Transport) handshakeAndServe() {
	conn := newWSConn(t.wsConn)

	sshConfig := &ssh.ClientConfig{
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.cfg.HandshakeTimeout,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, t.addr(), sshConfig)
	if err != nil {
		t.finish(err)
		return
	}

	t.mu.Lock()
	t.sshConn = sshConn
	t.mu.Unlock()

	go ssh.DiscardRequests(reqs)
	t.sink.OnConnected()

	t.serveRemoteChannels(chans)

	waitErr := sshConn.Wait()
	t.finish(waitErr)
}

func (t *Transport) serveRemoteChannels(chans <-chan ssh.NewChannel) {
	go func() {
		for nc := range chans {
			ch, reqs, err := nc.Accept()
			if err != nil {
				t.log.DLogf("reject incoming channel: %s", err)
				continue
			}
			go ssh.DiscardRequests(reqs)

			id := mux.StreamID(atomic.AddUint64(&t.nextID, 1))
			t.mu.Lock()
			t.channels[id] = ch
			t.mu.Unlock()

			go t.readLoop(id, ch)
		}
	}()
}

func (t *Transport) readLoop(id mux.StreamID, ch ssh.Channel) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			t.sink.OnStreamData(id, data)
		}
		if err != nil {
			t.sink.OnStreamFin(id)
			t.mu.Lock()
			delete(t.channels, id)
			t.mu.Unlock()
			return
		}
	}
}

// Run blocks until the connection is observed disconnected.
func (t *Transport) Run() error {
	<-t.done
	return t.doneErr
}

func (t *Transport) finish(err error) {
	t.doneOnce.Do(func() {
		t.doneErr = err
		if t.sink != nil {
			t.sink.OnDisconnected(err)
		}
		close(t.done)
	})
}

// OpenStream requests the next locally-initiated bidirectional SSH
// channel. isControl selects the channel type string so the peer can
// distinguish the control stream from data streams.
func (t *Transport) OpenStream(isControl bool) (mux.StreamID, error) {
	t.mu.Lock()
	sshConn := t.sshConn
	t.mu.Unlock()
	if sshConn == nil {
		return 0, mux.ErrNotConnected
	}

	chanType := "data"
	if isControl {
		chanType = "control"
	}
	ch, reqs, err := sshConn.OpenChannel(chanType, nil)
	if err != nil {
		return 0, err
	}
	go ssh.DiscardRequests(reqs)

	id := mux.StreamID(atomic.AddUint64(&t.nextID, 1))
	t.mu.Lock()
	t.channels[id] = ch
	t.mu.Unlock()

	go t.readLoop(id, ch)
	return id, nil
}

// Send writes data to id's channel; the SSH channel's own flow-control
// window makes this call block exactly as long as a "prepare-to-send"
// pull bounded by window would (spec.md §4.D, §9).
func (t *Transport) Send(id mux.StreamID, data []byte, fin bool) error {
	t.mu.Lock()
	ch, ok := t.channels[id]
	t.mu.Unlock()
	if !ok {
		return mux.ErrNoSuchStream
	}
	if len(data) > 0 {
		if _, err := ch.Write(data); err != nil {
			return err
		}
	}
	if fin {
		return ch.CloseWrite()
	}
	return nil
}

// ResetStream aborts id's channel locally with no further writes.
func (t *Transport) ResetStream(id mux.StreamID) error {
	t.mu.Lock()
	ch, ok := t.channels[id]
	delete(t.channels, id)
	t.mu.Unlock()
	if !ok {
		return mux.ErrNoSuchStream
	}
	return ch.Close()
}

// Close initiates a graceful connection close.
func (t *Transport) Close() error {
	t.mu.Lock()
	sshConn := t.sshConn
	ws := t.wsConn
	t.mu.Unlock()

	var err error
	if sshConn != nil {
		err = sshConn.Close()
	} else if ws != nil {
		err = ws.Close()
	} else {
		err = errors.New("sshmux: not connected")
	}
	t.finish(err)
	return nil
}
