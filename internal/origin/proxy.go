// Package origin implements the single blocking forward(request, body)
// operation spec.md §4.F describes: a minimal HTTP/1.1 client with
// connect/read timeouts, buffered (non-chunked) bodies, and a
// synthesized 502 on failure. Grounded on the teacher's connect/pipe
// idiom (share/ssh.go HandleTCPStream, share/proxy.go) generalized from
// a raw TCP pipe to a request/response HTTP round trip.
package origin

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/edgewire/tunnelclient/internal/logging"
)

// Config carries the origin proxy's tunable limits (spec.md §4.F and §6
// CF_ORIGIN_URL).
type Config struct {
	// Host is "host:port" for the origin, derived from CF_ORIGIN_URL.
	Host string
	// Prefix is prepended to every request's Dest.
	Prefix string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxBodyBytes   int

	// Dial overrides how forward() reaches the origin. nil means plain
	// TCP via net.DialTimeout; NewSmokeTestProxy substitutes a socketpair
	// loopback.
	Dial DialFunc
}

// DefaultConfig returns the spec's documented defaults (5s connect, 30s
// read, 1 MiB body cap).
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    30 * time.Second,
		MaxBodyBytes:   1 << 20,
	}
}

// Proxy forwards parsed requests to a single configured origin.
type Proxy struct {
	cfg Config
	log logging.Logger
}

// New creates a Proxy bound to cfg.
func New(cfg Config, log logging.Logger) *Proxy {
	return &Proxy{cfg: cfg, log: log}
}

// Forward maps a parsed request and its body to a response. On any
// failure before a response is fully produced it returns a synthesized
// 502, never an error — the tunnel state machine always has a response
// to send back.
func (p *Proxy) Forward(req *Request, body []byte) *Response {
	resp, err := p.forward(req, body)
	if err != nil {
		return p.badGateway(err)
	}
	return resp
}

func (p *Proxy) forward(req *Request, body []byte) (*Response, error) {
	dial := p.cfg.Dial
	if dial == nil {
		dial = func(network, address string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout(network, address, timeout)
		}
	}
	conn, err := dial("tcp", p.cfg.Host, p.cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	host := p.cfg.Host
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}

	method := req.Method
	if method == "" {
		method = "GET"
	}
	path := p.requestPath(req.Dest)

	var hdr bytes.Buffer
	fmt.Fprintf(&hdr, "%s %s HTTP/1.1\r\n", method, path)
	fmt.Fprintf(&hdr, "Host: %s\r\n", host)
	fmt.Fprintf(&hdr, "Connection: close\r\n")
	if len(body) > 0 {
		fmt.Fprintf(&hdr, "Content-Length: %d\r\n", len(body))
	}
	for _, h := range req.Headers {
		fmt.Fprintf(&hdr, "%s: %s\r\n", h.Name, h.Value)
	}
	hdr.WriteString("\r\n")

	if err := conn.SetWriteDeadline(time.Now().Add(p.cfg.ReadTimeout)); err != nil {
		return nil, fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write(hdr.Bytes()); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if len(body) > 0 {
		if _, err := conn.Write(body); err != nil {
			return nil, fmt.Errorf("write body: %w", err)
		}
	}

	resp, err := p.readResponse(conn)
	if err != nil {
		return nil, err
	}
	p.log.DLogf("origin response %d, body %s", resp.Status, sizestr.ToString(int64(len(resp.Body))))
	return resp, nil
}

// requestPath composes configured_prefix || dest: an empty dest becomes
// "/", and a trailing slash on the prefix is stripped unless the prefix
// is exactly "/" (spec.md §4.F).
func (p *Proxy) requestPath(dest string) string {
	prefix := p.cfg.Prefix
	if prefix != "/" {
		prefix = strings.TrimSuffix(prefix, "/")
	}
	if dest == "" {
		dest = "/"
	}
	return prefix + dest
}

func (p *Proxy) readResponse(conn net.Conn) (*Response, error) {
	if err := conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	r := bufio.NewReader(conn)

	statusLine, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read status line: %w", err)
	}
	status, err := parseStatusLine(statusLine)
	if err != nil {
		return nil, err
	}

	var headers []Header
	contentLength := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read headers: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		headers = append(headers, Header{Name: name, Value: val})
		if strings.EqualFold(name, "Content-Length") {
			if n, err := strconv.Atoi(val); err == nil {
				contentLength = n
			}
		}
	}

	body, err := p.readBody(r, contentLength)
	if err != nil {
		return nil, err
	}

	return &Response{Status: status, Headers: headers, Body: body}, nil
}

func (p *Proxy) readBody(r *bufio.Reader, contentLength int) ([]byte, error) {
	maxBody := p.cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = (1 << 20)
	}

	if contentLength >= 0 {
		if contentLength > maxBody {
			return nil, ErrBodyTooLarge
		}
		buf := make([]byte, contentLength)
		if _, err := readFull(r, buf); err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return buf, nil
	}

	// No Content-Length: read until close, up to maxBody. A read
	// timeout after bytes have arrived is end-of-body; a timeout with
	// zero bytes is an error (spec.md §4.F).
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if buf.Len() > maxBody {
				return nil, ErrBodyTooLarge
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			if buf.Len() == 0 {
				return nil, fmt.Errorf("read body: %w", err)
			}
			break
		}
	}
	return buf.Bytes(), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func parseStatusLine(line string) (int, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, fmt.Errorf("malformed status line %q", line)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("malformed status %q: %w", parts[1], err)
	}
	return status, nil
}

func (p *Proxy) badGateway(cause error) *Response {
	body := fmt.Sprintf("502 Bad Gateway: %s", cause)
	return &Response{
		Status:  502,
		Headers: []Header{{Name: "Content-Type", Value: "text/plain"}},
		Body:    []byte(body),
	}
}
