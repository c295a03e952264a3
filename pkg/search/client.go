// Package search 封裝 SerpAPI 的網路搜尋查詢。
package search

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultBaseURL is the SerpAPI endpoint used when no override is configured.
const DefaultBaseURL = "https://serpapi.com"

// maxResponseBytes caps how much of a provider response we are willing to read.
const maxResponseBytes = 4 << 20

// Result represents a single search hit.
type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
	Source  string `json:"source"`
}

// ProviderError wraps a failure from the search provider with query context.
type ProviderError struct {
	Query string
	Mode  string
	Err   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("SerpAPI %s search failed: %v", e.Mode, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Client performs searches against SerpAPI.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a search client. The API key is mandatory; baseURL and
// httpClient fall back to sane defaults when empty.
func NewClient(apiKey string, baseURL string, httpClient *http.Client) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("search API key must be set")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    httpClient,
	}, nil
}

// serpResponse mirrors the subset of the SerpAPI payload we consume.
type serpResponse struct {
	OrganicResults []struct {
		Title         string `json:"title"`
		Link          string `json:"link"`
		Snippet       string `json:"snippet"`
		DisplayedLink string `json:"displayed_link"`
	} `json:"organic_results"`
	NewsResults []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Source  string `json:"source"`
	} `json:"news_results"`
	Error string `json:"error"`
}

// query performs one GET against the provider and decodes the payload.
func (c *Client) query(ctx context.Context, params url.Values, queryStr, mode string) (*serpResponse, error) {
	endpoint := c.baseURL + "/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &ProviderError{Query: queryStr, Mode: mode, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ProviderError{Query: queryStr, Mode: mode, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ProviderError{Query: queryStr, Mode: mode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{
			Query: queryStr,
			Mode:  mode,
			Err:   fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var parsed serpResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ProviderError{Query: queryStr, Mode: mode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Error != "" {
		return nil, &ProviderError{Query: queryStr, Mode: mode, Err: fmt.Errorf("%s", parsed.Error)}
	}

	return &parsed, nil
}

// baseParams builds the query string shared by both search modes.
func (c *Client) baseParams(query string, numResults int) url.Values {
	if numResults > 10 {
		numResults = 10 // free tier limit
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("api_key", c.apiKey)
	params.Set("num", strconv.Itoa(numResults))
	params.Set("gl", "us")
	params.Set("hl", "en")
	return params
}

// Search performs a general web search. Result order follows provider ranking.
func (c *Client) Search(ctx context.Context, query string, numResults int) ([]Result, error) {
	parsed, err := c.query(ctx, c.baseParams(query, numResults), query, "web")
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(parsed.OrganicResults))
	for _, r := range parsed.OrganicResults {
		source := r.DisplayedLink
		if source == "" {
			source = r.Link
		}
		results = append(results, Result{
			Title:   r.Title,
			Link:    r.Link,
			Snippet: r.Snippet,
			Source:  source,
		})
	}
	return results, nil
}

// SearchNews searches recent news articles.
func (c *Client) SearchNews(ctx context.Context, query string, numResults int) ([]Result, error) {
	params := c.baseParams(query, numResults)
	params.Set("tbm", "nws")

	parsed, err := c.query(ctx, params, query, "news")
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(parsed.NewsResults))
	for _, r := range parsed.NewsResults {
		results = append(results, Result{
			Title:   r.Title,
			Link:    r.Link,
			Snippet: r.Snippet,
			Source:  r.Source,
		})
	}
	return results, nil
}

// SearchMultiple runs a web search per query. Individual failures are logged
// and yield an empty slice so one bad query does not sink the batch.
func (c *Client) SearchMultiple(ctx context.Context, queries []string, resultsPerQuery int) map[string][]Result {
	all := make(map[string][]Result, len(queries))
	for _, q := range queries {
		results, err := c.Search(ctx, q, resultsPerQuery)
		if err != nil {
			slog.Warn("Search failed for query", "query", q, "error", err)
			all[q] = []Result{}
			continue
		}
		all[q] = results
	}
	return all
}
