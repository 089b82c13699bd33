package httpkit

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/rotbot/internal/buildinfo"
)

// scriptedTripper fails the first failures calls with err, then answers
// 200 with the request body echoed back.
type scriptedTripper struct {
	failures int
	err      error
	calls    int
	bodies   []string
	agents   []string
}

func (s *scriptedTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls++
	s.agents = append(s.agents, req.Header.Get("User-Agent"))
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		s.bodies = append(s.bodies, string(b))
	}
	if s.calls <= s.failures {
		return nil, s.err
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok"))}, nil
}

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

func TestProfiles(t *testing.T) {
	tests := []struct {
		name        string
		p           Profile
		wantTimeout time.Duration
		wantRetries int
	}{
		{"provider streams without a client timeout", Provider("ollama", nil), 0, 2},
		{"tool server with timeout", ToolServer("http://mcp", 20*time.Second, nil), 20 * time.Second, 2},
		{"tool server without timeout", ToolServer("http://mcp", 0, nil), 0, 2},
		{"web is never retried", Web("fetch", 30*time.Second), 30 * time.Second, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.p.Client()
			if c.Timeout != tt.wantTimeout {
				t.Errorf("Timeout = %v, want %v", c.Timeout, tt.wantTimeout)
			}
			if tt.p.DialRetries != tt.wantRetries {
				t.Errorf("DialRetries = %d, want %d", tt.p.DialRetries, tt.wantRetries)
			}
			rt, ok := c.Transport.(*roundTripper)
			if !ok {
				t.Fatalf("transport = %T", c.Transport)
			}
			base := rt.base.(*http.Transport)
			if base.ResponseHeaderTimeout != tt.p.HeaderTimeout || base.TLSHandshakeTimeout != tlsHandshakeTimeout {
				t.Errorf("transport timeouts = %v/%v", base.ResponseHeaderTimeout, base.TLSHandshakeTimeout)
			}
		})
	}
	if Provider("ollama", nil).HeaderTimeout < time.Minute {
		t.Error("provider header timeout too short for model loading")
	}
}

func TestClient_UserAgent(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	c := Web("test", 5*time.Second).Client()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "custom/1.0")
	resp, err = c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if len(got) != 2 || got[0] != buildinfo.UserAgent() || got[1] != "custom/1.0" {
		t.Errorf("User-Agent headers = %q", got)
	}
	if req.Header.Get("User-Agent") != "custom/1.0" {
		t.Error("caller's request was modified")
	}
}

func TestRoundTripper_DialRetries(t *testing.T) {
	tests := []struct {
		name      string
		retries   int
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"success first try", 2, 0, nil, 1, false},
		{"refused then up", 2, 1, refused(), 2, false},
		{"unreachable then up", 2, 2, &net.OpError{Op: "dial", Err: syscall.EHOSTUNREACH}, 3, false},
		{"retries exhausted", 2, 10, refused(), 3, true},
		{"profile without retries", 0, 1, refused(), 1, true},
		{"reset is not retried", 2, 1, &net.OpError{Op: "read", Err: syscall.ECONNRESET}, 1, true},
		{"other errors are not retried", 2, 1, errors.New("tls: bad certificate"), 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := &scriptedTripper{failures: tt.failures, err: tt.err}
			rt := &roundTripper{base: base, profile: Profile{DialRetries: tt.retries, RetryDelay: time.Millisecond}, ua: "rotbot/test"}

			req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/", nil)
			resp, err := rt.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if resp != nil {
				resp.Body.Close()
			}
			if base.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", base.calls, tt.wantCalls)
			}
			for _, ua := range base.agents {
				if ua != "rotbot/test" {
					t.Errorf("attempt sent User-Agent %q", ua)
				}
			}
		})
	}
}

func TestRoundTripper_ReplaysBody(t *testing.T) {
	base := &scriptedTripper{failures: 1, err: refused()}
	rt := &roundTripper{base: base, profile: Profile{DialRetries: 2, RetryDelay: time.Millisecond}}

	req, _ := http.NewRequest(http.MethodPost, "http://127.0.0.1:1/mcp", strings.NewReader(`{"jsonrpc":"2.0"}`))
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(base.bodies) != 2 || base.bodies[1] != `{"jsonrpc":"2.0"}` {
		t.Errorf("bodies = %q", base.bodies)
	}
}

func TestRoundTripper_NoReplayWithoutGetBody(t *testing.T) {
	base := &scriptedTripper{failures: 1, err: refused()}
	rt := &roundTripper{base: base, profile: Profile{DialRetries: 2, RetryDelay: time.Millisecond}}

	req, _ := http.NewRequest(http.MethodPost, "http://127.0.0.1:1/", io.NopCloser(strings.NewReader("once")))
	req.GetBody = nil
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected the dial error")
	}
	if base.calls != 1 {
		t.Errorf("calls = %d, want 1", base.calls)
	}
}

func TestRoundTripper_ContextCancelledDuringDelay(t *testing.T) {
	base := &scriptedTripper{failures: 10, err: refused()}
	rt := &roundTripper{base: base, profile: Profile{DialRetries: 5, RetryDelay: time.Hour}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://127.0.0.1:1/", nil)
	_, err := rt.RoundTrip(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if base.calls != 1 {
		t.Errorf("calls = %d, want 1", base.calls)
	}
}

type countingReader struct {
	r      io.Reader
	read   int
	closed bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += n
	return n, err
}

func (c *countingReader) Close() error { c.closed = true; return nil }

func TestReadErrorBody(t *testing.T) {
	body := &countingReader{r: strings.NewReader(`{"error":"model not found"}` + strings.Repeat(" ", 5000))}
	if got := ReadErrorBody(body, 27); got != `{"error":"model not found"}` {
		t.Errorf("ReadErrorBody = %q", got)
	}
	if !body.closed || body.read > 27+1024 {
		t.Errorf("closed=%v read=%d", body.closed, body.read)
	}
	if ReadErrorBody(nil, 10) != "" {
		t.Error("nil body should read as empty")
	}
	DrainAndClose(nil, 10)
}
