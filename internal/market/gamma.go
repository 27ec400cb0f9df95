// Package market researches prediction markets on the Polymarket Gamma API.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/scott-williams-2002/polyplexity-sub000/internal/search"
)

const (
	DefaultBaseURL = "https://gamma-api.polymarket.com"
	EventURLPrefix = "https://polymarket.com/event/"
	providerName   = "gamma"
)

// Tag is one entry of the market tag catalogue.
type Tag struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Slug  string `json:"slug"`
}

// Market is one tradable question inside an event.
type Market struct {
	Question      string    `json:"question"`
	Outcomes      jsonList  `json:"outcomes"`
	OutcomePrices jsonList  `json:"outcomePrices"`
	Volume        flexFloat `json:"volume"`
}

// Event groups related markets.
type Event struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Volume      flexFloat `json:"volume"`
	Active      bool      `json:"active"`
	Closed      bool      `json:"closed"`
	Markets     []Market  `json:"markets"`
}

// URL is the public page for the event.
func (e Event) URL() string { return EventURLPrefix + e.Slug }

// flexFloat accepts numbers encoded either as JSON numbers or strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// jsonList accepts a JSON array or a string holding an encoded JSON array.
type jsonList []string

func (l *jsonList) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var inner string
		if err := json.Unmarshal(b, &inner); err != nil {
			return err
		}
		if strings.TrimSpace(inner) == "" {
			*l = nil
			return nil
		}
		b = []byte(inner)
	}
	var vals []any
	if err := json.Unmarshal(b, &vals); err != nil {
		return err
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		out = append(out, fmt.Sprint(v))
	}
	*l = out
	return nil
}

// Client talks to the Gamma API.
type Client struct {
	baseURL string
	http    *search.HTTPClient
}

// NewClient creates a Gamma client. An empty baseURL selects the public API.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    search.NewHTTPClient(timeout, 2, 300*time.Millisecond),
	}
}

// Tags lists the tag catalogue.
func (c *Client) Tags(ctx context.Context, limit int) ([]Tag, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var tags []Tag
	if err := c.get(ctx, "/tags", q, &tags); err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	return tags, nil
}

// EventsByTag lists open events carrying tagID.
func (c *Client) EventsByTag(ctx context.Context, tagID string, limit int) ([]Event, error) {
	q := url.Values{}
	q.Set("tag_id", tagID)
	q.Set("active", "true")
	q.Set("closed", "false")
	q.Set("order", "volume")
	q.Set("ascending", "false")
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var events []Event
	if err := c.get(ctx, "/events", q, &events); err != nil {
		return nil, fmt.Errorf("events for tag %s: %w", tagID, err)
	}
	return events, nil
}

// SearchEvents runs the Gamma public text search.
func (c *Client) SearchEvents(ctx context.Context, text string, limit int) ([]Event, error) {
	q := url.Values{}
	q.Set("q", text)
	q.Set("events_status", "active")
	if limit > 0 {
		q.Set("limit_per_type", strconv.Itoa(limit))
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	if err := c.get(ctx, "/public-search", q, &resp); err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	return resp.Events, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return c.http.DoJSON(ctx, providerName, "GET", u, map[string]string{"Accept": "application/json"}, nil, out)
}

// TagCatalog caches the tag list for ttl.
type TagCatalog struct {
	client *Client
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	tags    []Tag
	fetched time.Time
}

func NewTagCatalog(client *Client, ttl time.Duration) *TagCatalog {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TagCatalog{client: client, ttl: ttl, now: time.Now}
}

// Tags returns the cached catalogue, refreshing it when stale.
func (c *TagCatalog) Tags(ctx context.Context) ([]Tag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tags != nil && c.now().Sub(c.fetched) < c.ttl {
		return c.tags, nil
	}
	tags, err := c.client.Tags(ctx, 0)
	if err != nil {
		if c.tags != nil {
			return c.tags, nil
		}
		return nil, err
	}
	c.tags = tags
	c.fetched = c.now()
	return tags, nil
}
