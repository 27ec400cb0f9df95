package search

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"
)

const userAgent = "polyplexity-research/1.0"

var reSpaces = regexp.MustCompile(`\s+`)

// Fetcher returns the HTML of a page.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (string, error)
}

// HTTPFetcher downloads pages with a plain GET.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}, maxBytes: 2 << 20}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Provider: "fetch", Code: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// BrowserFetcher renders pages in headless Chrome so script-built content is present.
type BrowserFetcher struct {
	timeout time.Duration
}

func NewBrowserFetcher(timeout time.Duration) *BrowserFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &BrowserFetcher{timeout: timeout}
}

func (f *BrowserFetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(userAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", pageURL, err)
	}
	return html, nil
}

// Enricher replaces the snippets of the top hits with readable article text.
// Extraction failures keep the original snippet.
type Enricher struct {
	next     Provider
	fetcher  Fetcher
	topN     int
	maxChars int
	logger   *log.Logger
}

func NewEnricher(next Provider, fetcher Fetcher, topN, maxChars int, logger *log.Logger) *Enricher {
	if logger == nil {
		logger = log.New(log.Writer(), "[ENRICH] ", log.LstdFlags)
	}
	if maxChars <= 0 {
		maxChars = 4000
	}
	return &Enricher{next: next, fetcher: fetcher, topN: topN, maxChars: maxChars, logger: logger}
}

func (e *Enricher) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	results, err := e.next.Search(ctx, query, maxResults)
	if err != nil || e.topN <= 0 {
		return results, err
	}
	n := e.topN
	if n > len(results) {
		n = len(results)
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text, err := e.extract(ctx, results[i].URL)
			if err != nil {
				e.logger.Printf("enrich %s: %v", results[i].URL, err)
				return
			}
			if len(text) > len(results[i].Content) {
				results[i].Content = text
			}
		}(i)
	}
	wg.Wait()
	return results, nil
}

func (e *Enricher) extract(ctx context.Context, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	html, err := e.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return "", err
	}
	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(reSpaces.ReplaceAllString(article.TextContent, " "))
	return truncateRunes(text, e.maxChars), nil
}

func truncateRunes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
