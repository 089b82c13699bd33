// Package fetch backs the web_fetch tool: it downloads a page and reduces
// it to readable text the model can quote.
package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/rotbot/internal/httpkit"
)

// Fetch limits.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxBytes int64 = 5 << 20
	DefaultMaxChars       = 6000
)

// Page is the readable form of a fetched URL.
type Page struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Title       string `json:"title,omitempty"`
	Text        string `json:"text"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// Fetcher downloads pages.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// New returns a Fetcher using the shared outbound HTTP client settings.
func New() *Fetcher {
	return &Fetcher{
		client:   httpkit.Web("fetch", DefaultTimeout).Client(),
		maxBytes: DefaultMaxBytes,
	}
}

// normalizeURL adds a missing scheme and rejects anything that is not
// http or https.
func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid url: missing host")
	}
	return u.String(), nil
}

// Fetch downloads rawURL and extracts its text, keeping at most maxChars
// runes (DefaultMaxChars when maxChars is not positive).
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Page, error) {
	target, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	page := &Page{
		URL:         resp.Request.URL.String(),
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
	mediaType, _, _ := mime.ParseMediaType(page.ContentType)
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		page.Title, page.Text = extract(body)
	case strings.HasPrefix(mediaType, "text/") || utf8.Valid(body):
		page.Text = collapseBlankLines(string(body))
	default:
		page.Text = fmt.Sprintf("[binary content: %s, %d bytes]", mediaType, len(body))
	}

	page.Text, page.Truncated = truncateRunes(page.Text, maxChars)
	return page, nil
}

func truncateRunes(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], true
		}
		i++
	}
	return s, false
}
