package origin

import (
	"net"
	"time"

	"github.com/prep/socketpair"

	"github.com/edgewire/tunnelclient/internal/logging"
)

// DialFunc dials the origin; Config.Dial defaults to net.DialTimeout over
// TCP when nil.
type DialFunc func(network, address string, timeout time.Duration) (net.Conn, error)

// NewSmokeTestProxy returns a Proxy that never touches the network: every
// forward() dials one end of a local socketpair, whose other end a
// background goroutine serves a canned 200 OK from, so CF_MODE's
// handshake-only smoke test (and this package's own tests) can exercise
// Forward without a real origin listener (SPEC_FULL.md §3 domain-stack
// table, "github.com/prep/socketpair").
func NewSmokeTestProxy(log logging.Logger) *Proxy {
	cfg := DefaultConfig()
	cfg.Dial = func(network, address string, timeout time.Duration) (net.Conn, error) {
		local, remote, err := socketpair.New("unix")
		if err != nil {
			return nil, err
		}
		go serveSmokeTestResponse(remote)
		return local, nil
	}
	return New(cfg, log)
}

func serveSmokeTestResponse(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 4096)
	conn.Read(buf) // discard the request; the smoke test never inspects it
	conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"))
}
