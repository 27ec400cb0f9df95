package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	braveEndpoint  = "https://api.search.brave.com/res/v1/web/search"
	serperEndpoint = "https://google.serper.dev/search"
	tavilyEndpoint = "https://api.tavily.com/search"
)

// Brave queries the Brave web search API.
type Brave struct {
	APIKey   string
	Endpoint string
	http     *HTTPClient
}

func NewBrave(apiKey string, c *HTTPClient) *Brave {
	return &Brave{APIKey: apiKey, Endpoint: braveEndpoint, http: c}
}

func (b *Brave) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	if strings.TrimSpace(b.APIKey) == "" {
		return nil, errors.New("brave: api key is missing")
	}
	// https://api.search.brave.com/app/documentation/web-search
	u := fmt.Sprintf("%s?q=%s&count=%d", b.Endpoint, url.QueryEscape(query), maxResults)
	var raw struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	headers := map[string]string{"X-Subscription-Token": b.APIKey}
	if err := b.http.DoJSON(ctx, "brave", http.MethodGet, u, headers, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(raw.Web.Results))
	for _, r := range raw.Web.Results {
		out = append(out, Result{Title: r.Title, URL: r.URL, Content: r.Description})
	}
	return clampResults(out, maxResults), nil
}

// Serper queries the Serper Google search API.
type Serper struct {
	APIKey   string
	Endpoint string
	http     *HTTPClient
}

func NewSerper(apiKey string, c *HTTPClient) *Serper {
	return &Serper{APIKey: apiKey, Endpoint: serperEndpoint, http: c}
}

func (s *Serper) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	if strings.TrimSpace(s.APIKey) == "" {
		return nil, errors.New("serper: api key is missing")
	}
	body := map[string]any{"q": query, "num": maxResults}
	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	headers := map[string]string{"X-API-KEY": s.APIKey}
	if err := s.http.DoJSON(ctx, "serper", http.MethodPost, s.Endpoint, headers, body, &raw); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(raw.Organic))
	for _, r := range raw.Organic {
		out = append(out, Result{Title: r.Title, URL: r.Link, Content: r.Snippet})
	}
	return clampResults(out, maxResults), nil
}

// Tavily queries the Tavily search API.
type Tavily struct {
	APIKey   string
	Endpoint string
	// Depth is Tavily's search_depth (basic or advanced).
	Depth string
	http  *HTTPClient
}

func NewTavily(apiKey string, c *HTTPClient) *Tavily {
	return &Tavily{APIKey: apiKey, Endpoint: tavilyEndpoint, Depth: "basic", http: c}
}

func (t *Tavily) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	if strings.TrimSpace(t.APIKey) == "" {
		return nil, errors.New("tavily: api key is missing")
	}
	body := map[string]any{
		"query":        query,
		"max_results":  maxResults,
		"search_depth": t.Depth,
	}
	var raw struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	headers := map[string]string{"Authorization": "Bearer " + t.APIKey}
	if err := t.http.DoJSON(ctx, "tavily", http.MethodPost, t.Endpoint, headers, body, &raw); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(raw.Results))
	for _, r := range raw.Results {
		out = append(out, Result{Title: r.Title, URL: r.URL, Content: r.Content})
	}
	return clampResults(out, maxResults), nil
}
