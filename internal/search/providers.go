package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/rotbot/internal/httpkit"
)

const providerTimeout = 15 * time.Second

// BraveEndpoint is the Brave web search API.
const BraveEndpoint = "https://api.search.brave.com/res/v1/web/search"

func newHTTPClient() *http.Client {
	return httpkit.Web("search", providerTimeout).Client()
}

// getJSON performs a GET and decodes a 200 response body into v.
func getJSON(ctx context.Context, client *http.Client, provider, reqURL string, header http.Header, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", provider, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vals := range header {
		for _, val := range vals {
			req.Header.Add(k, val)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d: %s", provider, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%s: decode response: %w", provider, err)
	}
	return nil
}

// SearXNG queries a self-hosted SearXNG instance's JSON API.
type SearXNG struct {
	baseURL string
	client  *http.Client
}

// NewSearXNG returns a provider for the instance rooted at baseURL.
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  newHTTPClient(),
	}
}

// Name implements Provider.
func (s *SearXNG) Name() string { return "searxng" }

// Search implements Provider.
func (s *SearXNG) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	params := url.Values{"q": {query}, "format": {"json"}}
	if opts.Language != "" {
		params.Set("language", opts.Language)
	}

	var body struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := getJSON(ctx, s.client, s.Name(), s.baseURL+"/search?"+params.Encode(), nil, &body); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(body.Results))
	for _, r := range body.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return results, nil
}

// Brave queries the Brave Search API.
type Brave struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewBrave returns a Brave provider authenticated with apiKey.
func NewBrave(apiKey string) *Brave {
	return &Brave{apiKey: apiKey, endpoint: BraveEndpoint, client: newHTTPClient()}
}

// Name implements Provider.
func (b *Brave) Name() string { return "brave" }

// Search implements Provider.
func (b *Brave) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	params := url.Values{"q": {query}, "count": {strconv.Itoa(opts.count())}}
	if opts.Language != "" {
		params.Set("search_lang", opts.Language)
	}
	header := http.Header{"X-Subscription-Token": {b.apiKey}}

	var body struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := getJSON(ctx, b.client, b.Name(), b.endpoint+"?"+params.Encode(), header, &body); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(body.Web.Results))
	for _, r := range body.Web.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return results, nil
}
