package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scott-williams-2002/polyplexity-sub000/config"
)

func TestCanonicalURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"defaults https and cleans path", "Example.com/news/../tech/latest", "https://example.com/tech/latest"},
		{"drops default port tracking and fragment", "http://news.example.com:80/article?id=123&utm_source=rss#section", "http://news.example.com/article?id=123"},
		{"sorts query and keeps trailing slash", "https://example.com/path/?b=2&a=1&fbclid=xyz", "https://example.com/path/?a=1&b=2"},
		{"schemeless double slash", "//blog.example.com/post/42?utm_medium=email", "https://blog.example.com/post/42"},
		{"collapses repeated slashes", "https://example.com//a//b///c", "https://example.com/a/b/c"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalURL(tt.in)
			if err != nil {
				t.Fatalf("CanonicalURL() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("CanonicalURL() got %q, want %q", got, tt.want)
			}
		})
	}
	if _, err := CanonicalURL("   "); err == nil {
		t.Fatal("expected error for blank url")
	}
}

func TestSourceSetDedupsByCanonicalURL(t *testing.T) {
	set := NewSourceSet()
	if !set.Add("https://example.com/a?utm_source=x") {
		t.Fatal("first add should be new")
	}
	if set.Add("HTTPS://EXAMPLE.COM/a#frag") {
		t.Fatal("equivalent url should be a duplicate")
	}
	if !set.Add("https://example.com/b") {
		t.Fatal("different path should be new")
	}
	if set.Len() != 2 {
		t.Fatalf("expected 2 sources, got %d", set.Len())
	}

	out := Dedup([]Result{{URL: "https://a.com/x"}, {URL: "a.com/x"}, {URL: "https://b.com"}})
	if len(out) != 2 {
		t.Fatalf("expected 2 deduped results, got %d", len(out))
	}
}

func TestTavilySearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tv-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["query"] != "go generics" {
			t.Errorf("unexpected query %v", body["query"])
		}
		_, _ = w.Write([]byte(`{"results":[
{"title":"A","url":"https://a.example","content":"alpha"},
{"title":"B","url":"https://b.example","content":"beta"},
{"title":"C","url":"https://c.example","content":"gamma"}]}`))
	}))
	defer srv.Close()

	tv := NewTavily("tv-key", NewHTTPClient(time.Second, 0, time.Millisecond))
	tv.Endpoint = srv.URL
	got, err := tv.Search(context.Background(), "go generics", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 || got[0].Title != "A" || got[1].Content != "beta" {
		t.Fatalf("unexpected results %+v", got)
	}
}

func TestBraveAndSerperMapping(t *testing.T) {
	brave := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "rust vs go" || r.URL.Query().Get("count") != "3" {
			t.Errorf("unexpected brave query %s", r.URL.RawQuery)
		}
		if r.Header.Get("X-Subscription-Token") != "bk" {
			t.Errorf("missing brave token")
		}
		_, _ = w.Write([]byte(`{"web":{"results":[{"title":"T","url":"https://t.example","description":"d"}]}}`))
	}))
	defer brave.Close()
	serper := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") != "sk" {
			t.Errorf("missing serper key")
		}
		_, _ = w.Write([]byte(`{"organic":[{"title":"S","link":"https://s.example","snippet":"snip"}]}`))
	}))
	defer serper.Close()

	httpc := NewHTTPClient(time.Second, 0, time.Millisecond)
	b := NewBrave("bk", httpc)
	b.Endpoint = brave.URL
	res, err := b.Search(context.Background(), "rust vs go", 3)
	if err != nil || len(res) != 1 || res[0].Content != "d" {
		t.Fatalf("brave: %v %+v", err, res)
	}
	s := NewSerper("sk", httpc)
	s.Endpoint = serper.URL
	res, err = s.Search(context.Background(), "q", 3)
	if err != nil || len(res) != 1 || res[0].URL != "https://s.example" || res[0].Content != "snip" {
		t.Fatalf("serper: %v %+v", err, res)
	}
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["q"] != "x" {
			t.Errorf("body not replayed on retry: %v", body)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(time.Second, 2, time.Millisecond)
	var out struct{ OK bool }
	if err := c.DoJSON(context.Background(), "test", http.MethodPost, srv.URL, nil, map[string]string{"q": "x"}, &out); err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if !out.OK || atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("ok=%v hits=%d", out.OK, hits)
	}
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewHTTPClient(time.Second, 3, time.Millisecond)
	err := c.DoJSON(context.Background(), "test", http.MethodGet, srv.URL, nil, nil, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected one hit, got %d", hits)
	}
}

func TestHungAttemptIsRetriedWithinCallBudget(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"title":"A","url":"https://a.example","content":"alpha"}]}`))
	}))
	defer srv.Close()

	cfg := config.SearchConfig{Provider: "tavily", Timeout: 300 * time.Millisecond, Retries: 2}
	httpc := NewHTTPClient(cfg.Timeout, cfg.Retries, 10*time.Millisecond)
	tv := NewTavily("tv-key", httpc)
	tv.Endpoint = srv.URL
	p := decorate(cfg, tv, httpc.Budget())

	got, err := p.Search(context.Background(), "q", 3)
	if err != nil {
		t.Fatalf("Search: %v (attempts=%d)", err, atomic.LoadInt32(&attempts))
	}
	if len(got) != 1 || atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("expected success on the second attempt, attempts=%d results=%d", atomic.LoadInt32(&attempts), len(got))
	}
}

func TestHTTPClientBudgetCoversRetries(t *testing.T) {
	c := NewHTTPClient(time.Second, 2, 100*time.Millisecond)
	if got, want := c.Budget(), 3*time.Second+300*time.Millisecond; got != want {
		t.Fatalf("budget %s, want %s", got, want)
	}
}

func TestWithTimeoutBoundsSlowProvider(t *testing.T) {
	slow := ProviderFunc(func(ctx context.Context, _ string, _ int) ([]Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := WithTimeout(slow, 20*time.Millisecond).Search(context.Background(), "q", 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRateLimitedHonoursContext(t *testing.T) {
	var calls int32
	p := RateLimited(ProviderFunc(func(context.Context, string, int) ([]Result, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}), 0.001, 1)
	if _, err := p.Search(context.Background(), "first", 1); err != nil {
		t.Fatalf("first call should use the burst token: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Search(ctx, "second", 1); err == nil {
		t.Fatal("expected rate limiter to fail once the context expires")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single upstream call, got %d", calls)
	}
}

type staticFetcher map[string]string

func (f staticFetcher) Fetch(_ context.Context, u string) (string, error) {
	html, ok := f[u]
	if !ok {
		return "", errors.New("not found")
	}
	return html, nil
}

func TestEnricherReplacesSnippetWithArticleText(t *testing.T) {
	para := strings.Repeat("The harbour bridge reopened after a decade of repairs and the city celebrated with a parade. ", 12)
	page := "<html><head><title>Bridge</title></head><body><nav>menu</nav><article><h1>Bridge reopens</h1><p>" +
		para + "</p><p>" + para + "</p></article></body></html>"
	base := ProviderFunc(func(context.Context, string, int) ([]Result, error) {
		return []Result{
			{Title: "Bridge", URL: "https://news.example/bridge", Content: "short"},
			{Title: "Other", URL: "https://news.example/missing", Content: "keep me"},
		}, nil
	})
	e := NewEnricher(base, staticFetcher{"https://news.example/bridge": page}, 2, 300, nil)
	res, err := e.Search(context.Background(), "bridge", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !strings.Contains(res[0].Content, "harbour bridge reopened") {
		t.Fatalf("expected article text, got %q", res[0].Content)
	}
	if len([]rune(res[0].Content)) > 300 {
		t.Fatalf("content not truncated: %d runes", len([]rune(res[0].Content)))
	}
	if res[1].Content != "keep me" {
		t.Fatalf("failed fetch should keep snippet, got %q", res[1].Content)
	}
}
