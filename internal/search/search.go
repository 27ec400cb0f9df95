package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/scott-williams-2002/polyplexity-sub000/config"
)

// Result is one ranked search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Provider runs a web search returning at most maxResults hits.
type Provider interface {
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, query string, maxResults int) ([]Result, error)

func (f ProviderFunc) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	return f(ctx, query, maxResults)
}

// StatusError is returned when a provider answers with a non-2xx status.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Code, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code == 429 || e.Code >= 500
}

// NewFromConfig builds the configured provider wrapped in metrics, a total
// call budget, rate limiting and (optionally) content enrichment.
// search.timeout bounds each HTTP attempt; the call budget leaves room for
// every configured retry.
func NewFromConfig(cfg config.SearchConfig) (Provider, error) {
	key := strings.TrimSpace(cfg.APIKey())
	if key == "" {
		return nil, fmt.Errorf("search provider %q: api key not configured", cfg.Provider)
	}
	httpc := NewHTTPClient(cfg.Timeout, cfg.Retries, 300*time.Millisecond)
	var p Provider
	switch cfg.Provider {
	case "brave":
		p = NewBrave(key, httpc)
	case "serper":
		p = NewSerper(key, httpc)
	case "tavily":
		p = NewTavily(key, httpc)
	default:
		return nil, fmt.Errorf("unsupported search provider %q", cfg.Provider)
	}
	return decorate(cfg, p, httpc.Budget()), nil
}

// decorate applies the call budget inside the rate limiter so time spent
// waiting for a token is not charged to the search itself.
func decorate(cfg config.SearchConfig, p Provider, budget time.Duration) Provider {
	p = Instrumented(cfg.Provider, p)
	p = WithTimeout(p, budget)
	if cfg.RatePerSecond > 0 {
		p = RateLimited(p, cfg.RatePerSecond, cfg.Burst)
	}
	if cfg.Enrich.Enabled {
		var fetcher Fetcher
		if cfg.Enrich.Renderer == "browser" {
			fetcher = NewBrowserFetcher(cfg.Enrich.Timeout)
		} else {
			fetcher = NewHTTPFetcher(cfg.Enrich.Timeout)
		}
		p = NewEnricher(p, fetcher, cfg.Enrich.TopN, cfg.Enrich.MaxChars, nil)
	}
	return p
}

func clampResults(results []Result, max int) []Result {
	if max > 0 && len(results) > max {
		return results[:max]
	}
	return results
}
