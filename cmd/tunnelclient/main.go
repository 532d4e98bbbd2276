// Command tunnelclient dials an edge host, registers a tunnel over the
// control stream, and proxies data-stream requests to a local origin.
// Boot/glue only: argument/environment parsing, the reconnect loop, and
// wiring the core packages together (spec.md §1, §6).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrew-d/go-termutil"
	"github.com/jpillora/ansi"
	"github.com/jpillora/backoff"

	"github.com/edgewire/tunnelclient/internal/config"
	"github.com/edgewire/tunnelclient/internal/logging"
	"github.com/edgewire/tunnelclient/internal/mux"
	"github.com/edgewire/tunnelclient/internal/origin"
	"github.com/edgewire/tunnelclient/internal/transport/sshmux"
	"github.com/edgewire/tunnelclient/internal/tunnel"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	level := logging.LevelInfo
	if v := os.Getenv("CF_LOG_LEVEL"); v != "" {
		if l := logging.StringToLevel(v); l != logging.LevelUnknown {
			level = l
		}
	}
	log := logging.New("tunnelclient", level)

	printBanner(cfg)

	if stop, err := config.WatchSecretFile(cfg.TunnelSecretFile, log); err != nil {
		log.WLogf("could not watch tunnel secret file: %s", err)
	} else {
		defer stop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if config.OriginURLWasHTTPS(os.Getenv("CF_ORIGIN_URL")) {
		log.WLogf("CF_ORIGIN_URL uses https; the origin is reached over plain HTTP")
	}

	var proxy *origin.Proxy
	if cfg.FullTunnel {
		originCfg := origin.DefaultConfig()
		originCfg.Host = cfg.OriginHost
		originCfg.Prefix = cfg.OriginPrefix
		proxy = origin.New(originCfg, log)
	} else {
		// Handshake-only smoke test: no real origin is configured to
		// forward to, so data-stream handling (if the edge opens any
		// stream before we exit) is exercised against a synthetic
		// loopback instead (SPEC_FULL.md §3, "github.com/prep/socketpair").
		proxy = origin.NewSmokeTestProxy(log)
	}

	return connectionLoop(ctx, cfg, log, proxy)
}

// connectionLoop retries the connect-register-serve sequence with
// backoff, mirroring the teacher's Client.connectionLoop (share/client.go)
// generalized from a single WebSocket+SSH dial retried forever to one
// that also exits early in handshake-only smoke-test mode and honors a
// registration error's RetryAfterNs when present (original_source's
// quic_tunnel.c retry behavior, supplemented per SPEC_FULL.md §4).
func connectionLoop(ctx context.Context, cfg *config.Config, log logging.Logger, proxy *origin.Proxy) int {
	b := &backoff.Backoff{Max: cfg.MaxRetryInterval}

	for {
		select {
		case <-ctx.Done():
			return 0
		default:
		}

		transport := sshmux.New(sshmux.Config{
			EdgeHost:         cfg.EdgeHost,
			EdgePort:         cfg.EdgePort,
			ALPN:             config.DefaultALPN,
			SNI:              config.DefaultSNI,
			HandshakeTimeout: 45 * time.Second,
		}, log)

		m := mux.New(transport, log, 64)
		sess := tunnel.New(m, log, tunnel.Config{Registration: cfg.Registration}, proxy)

		retryAfter, done, exitCode := attemptConnection(ctx, sess, cfg)
		if done {
			return exitCode
		}

		attempt := int(b.Attempt())
		d := b.Duration()
		if retryAfter > 0 {
			d = retryAfter
		}
		if cfg.MaxRetryCount > 0 && attempt >= cfg.MaxRetryCount {
			log.ELogf("giving up after %d attempts", attempt)
			return 1
		}
		log.ILogf("retrying in %s...", d)
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(d):
		}
	}
}

// attemptConnection runs one connect+register+serve cycle. done is true
// when the process should exit (clean handshake-only completion, or
// context cancellation); otherwise the caller retries with backoff.
//
// Serve can return before registration ever completes: the edge may
// disconnect right after the transport-level Connected event with no
// control-stream reply at all (spec.md §8 Scenario 1). Waiting on
// AwaitRegistration alone would hang forever in that case, so this races
// it against serveErr and ctx.Done instead of awaiting it unconditionally.
func attemptConnection(ctx context.Context, sess *tunnel.Session, cfg *config.Config) (retryAfter time.Duration, done bool, exitCode int) {
	serveErr := make(chan error, 1)
	go func() { serveErr <- sess.Serve(ctx) }()

	select {
	case err := <-sess.RegisteredChan():
		if err != nil {
			return retryAfterFromErr(err), false, 1
		}
	case <-serveErr:
		// Disconnected before registration ever completed. Handshake-only
		// mode has nothing more to wait for and exits cleanly; full-tunnel
		// mode has nothing registered to serve requests against, so this
		// attempt failed and the caller should retry regardless of
		// whether Serve itself returned an error.
		if !cfg.FullTunnel {
			return 0, true, 0
		}
		return 0, false, 1
	case <-ctx.Done():
		return 0, true, 0
	}

	if !cfg.FullTunnel {
		return 0, true, 0
	}

	select {
	case <-ctx.Done():
		return 0, true, 0
	case err := <-serveErr:
		if err != nil {
			return 0, false, 1
		}
		return 0, false, 0
	}
}

func retryAfterFromErr(err error) time.Duration {
	var regErr *tunnel.RegistrationError
	if errors.As(err, &regErr) && regErr.Result.RetryAfterNs > 0 {
		return time.Duration(regErr.Result.RetryAfterNs)
	}
	return 0
}

func printBanner(cfg *config.Config) {
	banner := fmt.Sprintf("tunnelclient connecting to %s:%d", cfg.EdgeHost, cfg.EdgePort)
	if termutil.Isatty(os.Stdout.Fd()) {
		green := string(ansi.Set(ansi.Green, ansi.Bright))
		reset := string(ansi.ResetBytes)
		fmt.Fprintln(os.Stdout, green+banner+reset)
	} else {
		fmt.Fprintln(os.Stdout, banner)
	}
}
