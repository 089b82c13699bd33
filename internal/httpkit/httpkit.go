// Package httpkit builds rotbot's outbound HTTP clients. Callers pick a
// Profile for what they talk to (a completion provider, an MCP tool
// server, or the open web) and get a client with matching timeouts, the
// rotbot User-Agent, and, where the far end is a local service that
// restarts, retry of failed dials.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/rotbot/internal/buildinfo"
)

// Transport limits shared by every profile.
const (
	dialTimeout         = 10 * time.Second
	keepAlive           = 30 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	idleConnTimeout     = 90 * time.Second
	maxIdleConns        = 20
	maxIdleConnsPerHost = 5
)

// Profile describes one kind of outbound traffic.
type Profile struct {
	// Name identifies the peer in retry logs.
	Name string
	// Timeout bounds the whole exchange. Zero leaves it to the request
	// context, which streamed completions need.
	Timeout time.Duration
	// HeaderTimeout bounds the wait for response headers.
	HeaderTimeout time.Duration
	// DialRetries is how many more times a refused or unreachable dial
	// is tried, RetryDelay apart.
	DialRetries int
	RetryDelay  time.Duration
	Logger      *slog.Logger
}

// Provider is for completion services. Local model servers may take
// minutes to load a model before the first byte and drop off briefly
// when restarted.
func Provider(name string, logger *slog.Logger) Profile {
	return Profile{
		Name:          name,
		HeaderTimeout: 5 * time.Minute,
		DialRetries:   2,
		RetryDelay:    time.Second,
		Logger:        logger,
	}
}

// ToolServer is for MCP servers reached over HTTP. A zero timeout leaves
// each call bounded by its context alone.
func ToolServer(name string, timeout time.Duration, logger *slog.Logger) Profile {
	return Profile{
		Name:          name,
		Timeout:       timeout,
		HeaderTimeout: timeout,
		DialRetries:   2,
		RetryDelay:    500 * time.Millisecond,
		Logger:        logger,
	}
}

// Web is for web_fetch and web_search. Remote sites are not retried.
func Web(name string, timeout time.Duration) Profile {
	return Profile{Name: name, Timeout: timeout, HeaderTimeout: 15 * time.Second}
}

// Client builds an *http.Client for the profile.
func (p Profile) Client() *http.Client {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: p.HeaderTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Timeout:   p.Timeout,
		Transport: &roundTripper{base: t, profile: p, ua: buildinfo.UserAgent()},
	}
}

// roundTripper sets the User-Agent and retries dials the profile allows.
type roundTripper struct {
	base    http.RoundTripper
	profile Profile
	ua      string
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", rt.ua)
	}
	resp, err := rt.base.RoundTrip(req)

	// A body without GetBody cannot be replayed.
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	for attempt := 1; attempt <= rt.profile.DialRetries && dialFailed(err) && replayable; attempt++ {
		if rt.profile.Logger != nil {
			rt.profile.Logger.Debug("dial failed, retrying",
				"peer", rt.profile.Name,
				"url", req.URL.Redacted(),
				"attempt", attempt,
				"error", err,
			)
		}
		timer := time.NewTimer(rt.profile.RetryDelay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, fmt.Errorf("rewind request body: %w", berr)
			}
			retry.Body = body
		}
		resp, err = rt.base.RoundTrip(retry)
		if err == nil && rt.profile.Logger != nil {
			rt.profile.Logger.Info("peer reachable again", "peer", rt.profile.Name, "attempts", attempt+1)
		}
	}
	return resp, err
}

// dialFailed reports errors raised before any byte reached the peer.
// A reset connection is excluded since the peer may have acted on the
// request.
func dialFailed(err error) bool {
	return err != nil && (errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH))
}

// DrainAndClose discards up to limit bytes of rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of an error response body for
// messages, then drains and closes it.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
