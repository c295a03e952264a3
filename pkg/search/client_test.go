package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient("", "", nil)
	assert.Error(t, err)

	c, err := NewClient("key", "", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.baseURL)
}

func TestSearchSendsExpectedParams(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery = map[string]string{
			"q":       q.Get("q"),
			"api_key": q.Get("api_key"),
			"num":     q.Get("num"),
			"gl":      q.Get("gl"),
			"hl":      q.Get("hl"),
			"tbm":     q.Get("tbm"),
		}
		w.Write([]byte(`{
			"organic_results": [
				{"title": "Go", "link": "https://go.dev", "snippet": "The Go language", "displayed_link": "go.dev"},
				{"title": "Docs", "link": "https://go.dev/doc", "snippet": "Documentation", "displayed_link": ""}
			]
		}`))
	}))
	defer srv.Close()

	c, err := NewClient("secret", srv.URL, srv.Client())
	require.NoError(t, err)

	results, err := c.Search(context.Background(), "golang", 3)
	require.NoError(t, err)

	assert.Equal(t, "golang", gotQuery["q"])
	assert.Equal(t, "secret", gotQuery["api_key"])
	assert.Equal(t, "3", gotQuery["num"])
	assert.Equal(t, "us", gotQuery["gl"])
	assert.Equal(t, "en", gotQuery["hl"])
	assert.Empty(t, gotQuery["tbm"], "web search must not send tbm")

	require.Len(t, results, 2)
	assert.Equal(t, "Go", results[0].Title)
	assert.Equal(t, "go.dev", results[0].Source)
	assert.Equal(t, "https://go.dev/doc", results[1].Source, "source falls back to link when displayed_link is empty")
}

func TestSearchNewsSendsTbmParam(t *testing.T) {
	var gotTbm string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTbm = r.URL.Query().Get("tbm")
		w.Write([]byte(`{
			"news_results": [
				{"title": "Headline", "link": "https://news.example/1", "snippet": "...", "source": "Example News"}
			]
		}`))
	}))
	defer srv.Close()

	c, err := NewClient("secret", srv.URL, srv.Client())
	require.NoError(t, err)

	results, err := c.SearchNews(context.Background(), "breaking", 5)
	require.NoError(t, err)

	assert.Equal(t, "nws", gotTbm)
	require.Len(t, results, 1)
	assert.Equal(t, "Example News", results[0].Source)
}

func TestSearchCapsNumResults(t *testing.T) {
	var gotNum string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotNum = r.URL.Query().Get("num")
		w.Write([]byte(`{"organic_results": []}`))
	}))
	defer srv.Close()

	c, err := NewClient("secret", srv.URL, srv.Client())
	require.NoError(t, err)

	_, err = c.Search(context.Background(), "q", 50)
	require.NoError(t, err)
	assert.Equal(t, "10", gotNum)
}

func TestSearchHTTPErrorWrapsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := NewClient("secret", srv.URL, srv.Client())
	require.NoError(t, err)

	_, err = c.Search(context.Background(), "q", 5)
	require.Error(t, err)

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "q", provErr.Query)
	assert.Equal(t, "web", provErr.Mode)
	assert.Contains(t, err.Error(), "SerpAPI web search failed")
}

func TestSearchProviderReportedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": "Invalid API key"}`))
	}))
	defer srv.Close()

	c, err := NewClient("bad", srv.URL, srv.Client())
	require.NoError(t, err)

	_, err = c.Search(context.Background(), "q", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid API key")
}

func TestSearchDecodeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json at all`))
	}))
	defer srv.Close()

	c, err := NewClient("secret", srv.URL, srv.Client())
	require.NoError(t, err)

	_, err = c.Search(context.Background(), "q", 5)
	require.Error(t, err)

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
}

func TestSearchMultipleToleratesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "bad" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"organic_results": [{"title": "hit", "link": "https://x.example", "snippet": "s", "displayed_link": "x.example"}]}`))
	}))
	defer srv.Close()

	c, err := NewClient("secret", srv.URL, srv.Client())
	require.NoError(t, err)

	all := c.SearchMultiple(context.Background(), []string{"good", "bad"}, 5)
	require.Len(t, all, 2)
	assert.Len(t, all["good"], 1)
	assert.Empty(t, all["bad"], "failed query yields empty slice, not a missing key")
}
