// Package config parses the tunnel client's environment-variable
// configuration (spec.md §6 "Configuration (enumerated)"), generalizing
// the teacher's flag-populated Config struct (share/client.go) to an
// env-var-populated one, since this client's configuration surface is
// named as OS environment variables rather than CLI flags.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/edgewire/tunnelclient/internal/rpc"
)

// Defaults mirrored from spec.md §6 and the teacher's
// Config.MaxRetryInterval default (share/client.go NewClient).
const (
	DefaultEdgeHost         = "quic.cftunnel.com"
	DefaultEdgePort         = 7844
	DefaultALPN             = "argotunnel"
	DefaultSNI              = "quic.cftunnel.com"
	DefaultOriginURL        = "http://localhost:8080"
	DefaultMaxRetryCount    = 0 // 0 = unlimited, matching the teacher's convention
	DefaultMaxRetryInterval = 5 * time.Minute
)

// Config is everything cmd/tunnelclient needs to dial the edge, register
// a tunnel, and proxy to an origin.
type Config struct {
	// FullTunnel is false for the handshake-only smoke test (CF_MODE set
	// to anything other than "full"). That mode does not exit on the
	// transport-level Connected event alone: it exits 0 once registration
	// succeeds, or once the connection drops before any registration
	// reply. A registration error is retried with backoff, as in
	// full-tunnel mode.
	FullTunnel bool

	EdgeHost string
	EdgePort int

	Registration rpc.RegistrationParams

	OriginHost   string
	OriginPrefix string

	MaxRetryCount    int
	MaxRetryInterval time.Duration

	// TunnelSecretFile is set when CF_TUNNEL_SECRET_FILE was used instead
	// of the inline CF_TUNNEL_SECRET, so the caller can watch it for
	// unexpected changes (SPEC_FULL.md §2.3).
	TunnelSecretFile string
}

// Load builds a Config from the process environment.
func Load() (*Config, error) {
	cfg := &Config{
		FullTunnel:       os.Getenv("CF_MODE") == "full",
		EdgeHost:         getEnvDefault("CF_EDGE", DefaultEdgeHost),
		MaxRetryCount:    DefaultMaxRetryCount,
		MaxRetryInterval: DefaultMaxRetryInterval,
	}

	port := DefaultEdgePort
	if v := os.Getenv("CF_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: CF_PORT: %w", err)
		}
		port = p
	}
	cfg.EdgePort = port

	tunnelID, err := parseUUID(os.Getenv("CF_TUNNEL_ID"))
	if err != nil {
		return nil, fmt.Errorf("config: CF_TUNNEL_ID: %w", err)
	}
	cfg.Registration.TunnelID = tunnelID
	cfg.Registration.AccountTag = os.Getenv("CF_ACCOUNT_TAG")

	secret, secretFile, err := loadTunnelSecret()
	if err != nil {
		return nil, err
	}
	cfg.Registration.TunnelSecret = secret
	cfg.TunnelSecretFile = secretFile

	if v := os.Getenv("CF_MAX_RETRY_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: CF_MAX_RETRY_COUNT: %w", err)
		}
		cfg.MaxRetryCount = n
	}
	if v := os.Getenv("CF_MAX_RETRY_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: CF_MAX_RETRY_INTERVAL: %w", err)
		}
		cfg.MaxRetryInterval = d
	}

	originURL := getEnvDefault("CF_ORIGIN_URL", DefaultOriginURL)
	host, prefix, err := parseOriginURL(originURL)
	if err != nil {
		return nil, fmt.Errorf("config: CF_ORIGIN_URL: %w", err)
	}
	cfg.OriginHost = host
	cfg.OriginPrefix = prefix

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// loadTunnelSecret prefers CF_TUNNEL_SECRET_FILE (base64 contents of the
// named file) over the inline CF_TUNNEL_SECRET env var, returning the
// file path too (empty when the inline var was used) so the caller can
// watch it.
func loadTunnelSecret() (secret []byte, file string, err error) {
	if path := os.Getenv("CF_TUNNEL_SECRET_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("config: CF_TUNNEL_SECRET_FILE: %w", err)
		}
		secret, err = base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, "", fmt.Errorf("config: CF_TUNNEL_SECRET_FILE: not valid base64: %w", err)
		}
		return secret, path, nil
	}

	v := os.Getenv("CF_TUNNEL_SECRET")
	if v == "" {
		return nil, "", nil
	}
	secret, err = base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, "", fmt.Errorf("config: CF_TUNNEL_SECRET: not valid base64: %w", err)
	}
	return secret, "", nil
}

// parseUUID accepts a 32-hex-digit UUID, hyphenated or not (spec.md §6).
func parseUUID(s string) ([16]byte, error) {
	var out [16]byte
	if s == "" {
		return out, nil
	}
	hexOnly := strings.ReplaceAll(s, "-", "")
	if len(hexOnly) != 32 {
		return out, fmt.Errorf("expected 32 hex digits, got %d", len(hexOnly))
	}
	raw, err := hex.DecodeString(hexOnly)
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}

// parseOriginURL splits CF_ORIGIN_URL into a dialable host:port and a
// path prefix. HTTPS is accepted syntactically and treated as plain HTTP;
// the caller can detect the downgrade with OriginURLWasHTTPS.
func parseOriginURL(raw string) (host, prefix string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host = u.Host
	if host == "" {
		return "", "", fmt.Errorf("missing host")
	}
	if !strings.Contains(host, ":") {
		host += ":80"
	}
	prefix = u.Path
	if prefix == "" {
		prefix = "/"
	}
	return host, prefix, nil
}

// OriginURLWasHTTPS reports whether raw's scheme was downgraded from
// https to plain HTTP, for a one-time startup warning.
func OriginURLWasHTTPS(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "https"
}
