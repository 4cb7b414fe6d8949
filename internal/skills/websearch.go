package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	neturl "net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"pulse/internal/logging"
)

// WebSearchSkill searches the web and fetches page content. Search goes
// through Brave Search or a SearXNG instance; fetched pages are reduced to
// clean text before being handed back to the model.
type WebSearchSkill struct {
	provider   string
	apiKey     string
	searxngURL string
	httpClient *http.Client
	logger     logging.Logger
}

// SearchResult is one hit returned by the web_search tool.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// NewWebSearchSkill creates the web skill. Provider is "brave" or
// "searxng".
func NewWebSearchSkill(provider, apiKey, searxngURL string) (*WebSearchSkill, error) {
	provider = strings.ToLower(provider)
	if provider == "" {
		provider = "brave"
	}
	if provider != "brave" && provider != "searxng" {
		return nil, fmt.Errorf("unsupported search provider: %s", provider)
	}
	return &WebSearchSkill{
		provider:   provider,
		apiKey:     apiKey,
		searxngURL: strings.TrimRight(searxngURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logging.NewComponentLogger("WebSearch"),
	}, nil
}

func (s *WebSearchSkill) Name() string        { return "web_search" }
func (s *WebSearchSkill) Description() string { return "Search the web for current information" }

func (s *WebSearchSkill) Tools() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "web_search",
			Description: "Search the web for current information, news, or facts. Returns snippets and URLs.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query",
					},
					"count": map[string]any{
						"type":        "integer",
						"description": "Number of results (1-10)",
						"default":     5,
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "web_fetch",
			Description: "Fetch a web page and return its readable text content.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "Full URL to fetch (http/https)",
					},
				},
				"required": []string{"url"},
			},
		},
	}
}

func (s *WebSearchSkill) Execute(ctx context.Context, toolName string, arguments map[string]any) ToolResult {
	switch toolName {
	case "web_search":
		return s.search(ctx, arguments)
	case "web_fetch":
		return s.fetch(ctx, arguments)
	default:
		return Fail("unknown tool: %s", toolName)
	}
}

func (s *WebSearchSkill) search(ctx context.Context, arguments map[string]any) ToolResult {
	query := argString(arguments, "query")
	if query == "" {
		return Fail("search query is required")
	}
	count := argInt(arguments, "count", 5)
	if count > 10 {
		count = 10
	}
	if count < 1 {
		count = 1
	}

	var results []SearchResult
	var err error
	switch s.provider {
	case "brave":
		results, err = s.searchBrave(ctx, query, count)
	case "searxng":
		results, err = s.searchSearxng(ctx, query, count)
	}
	if err != nil {
		return Fail("%v", err)
	}
	s.logger.Debug("%s returned %d results for %q", s.provider, len(results), query)
	return Ok(results)
}

func (s *WebSearchSkill) searchBrave(ctx context.Context, query string, count int) ([]SearchResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("Brave Search API key not configured")
	}

	endpoint := "https://api.search.brave.com/res/v1/web/search?" + neturl.Values{
		"q":     {query},
		"count": {strconv.Itoa(count)},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Brave Search failed: HTTP %d", resp.StatusCode)
	}

	var data struct {
		Web struct {
			Results []SearchResult `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return data.Web.Results, nil
}

func (s *WebSearchSkill) searchSearxng(ctx context.Context, query string, count int) ([]SearchResult, error) {
	base := s.searxngURL
	if base == "" {
		base = "http://localhost:8080"
	}
	endpoint := base + "/search?" + neturl.Values{
		"q":      {query},
		"format": {"json"},
		"pageno": {"1"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network error connecting to SearXNG: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("SearXNG search failed: HTTP %d", resp.StatusCode)
	}

	var data struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]SearchResult, 0, count)
	for _, item := range data.Results {
		if len(results) >= count {
			break
		}
		results = append(results, SearchResult{
			Title:       item.Title,
			URL:         item.URL,
			Description: item.Content,
		})
	}
	return results, nil
}

func (s *WebSearchSkill) fetch(ctx context.Context, arguments map[string]any) ToolResult {
	urlStr := argString(arguments, "url")
	if urlStr == "" {
		return Fail("url is required")
	}
	parsed, err := neturl.Parse(urlStr)
	if err != nil {
		return Fail("invalid URL: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Fail("URL must use http or https scheme")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return Fail("create request: %v", err)
	}
	req.Header.Set("User-Agent", "pulse-agent/1.0 (web content fetcher)")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Fail("failed to fetch URL: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Fail("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	text, err := htmlToText(resp)
	if err != nil {
		return Fail("parse HTML: %v", err)
	}
	return Ok(map[string]any{"url": resp.Request.URL.String(), "content": text})
}

// htmlToText reduces a page to headings, paragraphs, and list items.
func htmlToText(resp *http.Response) (string, error) {
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, footer, header, aside, iframe").Remove()

	var content strings.Builder
	if title := strings.TrimSpace(doc.Find("title").Text()); title != "" {
		content.WriteString("# " + title + "\n\n")
	}
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, sel *goquery.Selection) {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			content.WriteString("## " + text + "\n\n")
		}
	})
	doc.Find("p, article, section").Each(func(_ int, sel *goquery.Selection) {
		if text := strings.TrimSpace(sel.Text()); len(text) > 30 {
			content.WriteString(text + "\n\n")
		}
	})
	doc.Find("li").Each(func(_ int, sel *goquery.Selection) {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			content.WriteString("- " + text + "\n")
		}
	})

	const maxSize = 15000
	result := content.String()
	if len(result) > maxSize {
		result = result[:maxSize] + "\n\n[content truncated]"
	}
	return result, nil
}
