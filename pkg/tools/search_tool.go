package tools

import (
	"context"
	"fmt"
	"log/slog"

	"atlas/pkg/api"
	"atlas/pkg/search"
)

// Searcher 抽象搜尋供應商，讓 SearchTool 可以在測試中替換實作。
type Searcher interface {
	Search(ctx context.Context, query string, numResults int) ([]search.Result, error)
	SearchNews(ctx context.Context, query string, numResults int) ([]search.Result, error)
}

// SearchTool lets the model look things up on the internet before answering.
type SearchTool struct {
	client         Searcher
	defaultResults int
}

// NewSearchTool creates a search tool backed by the given provider client.
func NewSearchTool(client Searcher) *SearchTool {
	return &SearchTool{client: client, defaultResults: 5}
}

// SetDefaultResults overrides the result count used when the model omits
// num_results. Values outside [1,10] are ignored.
func (t *SearchTool) SetDefaultResults(n int) {
	if n >= 1 && n <= 10 {
		t.defaultResults = n
	}
}

func (t *SearchTool) Name() string {
	return "search_internet"
}

func (t *SearchTool) Description() string {
	return "Search the internet for current information about any topic. Use this when you need up-to-date information, facts, news, or data that you don't have in your training."
}

func (t *SearchTool) Parameters() map[string]any {
	return map[string]any{
		"query": map[string]any{
			"type":        "string",
			"description": "The search query to find information about",
		},
		"search_type": map[string]any{
			"type":        "string",
			"enum":        []string{"web", "news"},
			"description": "Type of search - 'web' for general search, 'news' for recent news",
			"default":     "web",
		},
		"num_results": map[string]any{
			"type":        "integer",
			"description": "Number of results to return (1-10)",
			"minimum":     1,
			"maximum":     10,
			"default":     5,
		},
	}
}

func (t *SearchTool) RequiredParameters() []string {
	return []string{"query"}
}

// Execute runs the search and serializes the results for the model.
// Provider failures come back as an error payload in the result, not as a Go
// error: the model should see what went wrong and adapt.
func (t *SearchTool) Execute(ctx context.Context, args map[string]any) (*api.ToolResult, error) {
	query, _ := args["query"].(string)

	searchType := "web"
	if st, ok := args["search_type"].(string); ok && st != "" {
		searchType = st
	}

	numResults := t.defaultResults
	if n, ok := args["num_results"].(float64); ok {
		numResults = int(n)
	}
	if numResults < 1 {
		numResults = 1
	}
	if numResults > 10 {
		numResults = 10
	}

	slog.Info("🔍 Searching", "query", query, "type", searchType, "num_results", numResults)

	var results []search.Result
	var err error
	if searchType == "news" {
		results, err = t.client.SearchNews(ctx, query, numResults)
	} else {
		results, err = t.client.Search(ctx, query, numResults)
	}
	if err != nil {
		slog.Warn("Search failed", "query", query, "error", err)
		payload := errorPayload(map[string]any{
			"error":       fmt.Sprintf("Search failed: %v", err),
			"query":       query,
			"search_type": searchType,
		})
		return textResult(payload), nil
	}

	// Preserve provider ranking order
	formatted := make([]map[string]any, 0, len(results))
	for _, r := range results {
		formatted = append(formatted, map[string]any{
			"title":   r.Title,
			"url":     r.Link,
			"snippet": r.Snippet,
			"source":  r.Source,
		})
	}

	payload, err := json.MarshalIndent(map[string]any{
		"query":       query,
		"search_type": searchType,
		"num_results": len(formatted),
		"results":     formatted,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize search results: %w", err)
	}

	return textResult(string(payload)), nil
}

func textResult(text string) *api.ToolResult {
	return &api.ToolResult{
		Content: []api.ContentBlock{{Type: "text", Text: text}},
	}
}
