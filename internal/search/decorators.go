package search

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	searchCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyplexity_search_calls_total",
		Help: "Search provider calls by provider and outcome.",
	}, []string{"provider", "outcome"})
	searchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polyplexity_search_latency_seconds",
		Help:    "Search provider call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
)

type timeoutProvider struct {
	next    Provider
	timeout time.Duration
}

// WithTimeout bounds every Search call. A non-positive timeout returns p unchanged.
func WithTimeout(p Provider, timeout time.Duration) Provider {
	if timeout <= 0 {
		return p
	}
	return &timeoutProvider{next: p, timeout: timeout}
}

func (t *timeoutProvider) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	res, err := t.next.Search(ctx, query, maxResults)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("search %q exceeded %s: %w", query, t.timeout, err)
	}
	return res, err
}

type rateLimited struct {
	next    Provider
	limiter *rate.Limiter
}

// RateLimited gates calls to p through a token bucket shared by all callers.
func RateLimited(p Provider, perSecond float64, burst int) Provider {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimited{next: p, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *rateLimited) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("search rate limit: %w", err)
	}
	return r.next.Search(ctx, query, maxResults)
}

type instrumented struct {
	name string
	next Provider
}

// Instrumented records call counts and latency for p under name.
func Instrumented(name string, p Provider) Provider {
	return &instrumented{name: name, next: p}
}

func (i *instrumented) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	start := time.Now()
	res, err := i.next.Search(ctx, query, maxResults)
	searchLatency.WithLabelValues(i.name).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	searchCalls.WithLabelValues(i.name, outcome).Inc()
	return res, err
}
