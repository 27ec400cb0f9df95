package search

import (
	"errors"
	"net"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
)

var trackingParams = map[string]struct{}{
	"utm_source": {}, "utm_medium": {}, "utm_campaign": {}, "utm_term": {},
	"utm_content": {}, "utm_id": {}, "gclid": {}, "dclid": {}, "fbclid": {},
	"msclkid": {}, "igshid": {}, "ref_src": {},
}

// CanonicalURL normalises raw for identity comparison: https default scheme,
// lowercase host without default port, cleaned path, no fragment, tracking
// parameters removed and remaining parameters sorted.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}
	switch {
	case strings.HasPrefix(raw, "//"):
		raw = "https:" + raw
	case !strings.Contains(raw, "://"):
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if host == "" {
		return "", errors.New("url missing host")
	}
	if h, port, err := net.SplitHostPort(host); err == nil {
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			host = h
		}
	}
	u.Host = host

	trailing := strings.HasSuffix(u.Path, "/") && len(u.Path) > 1
	p := path.Clean("/" + u.Path)
	if trailing && p != "/" {
		p += "/"
	}
	u.Path = p
	u.RawPath = ""
	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if _, drop := trackingParams[strings.ToLower(key)]; drop {
			q.Del(key)
		}
	}
	for _, vals := range q {
		sort.Strings(vals)
	}
	// url.Values.Encode sorts by key.
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SourceSet remembers which canonical URLs have been seen. Safe for concurrent use.
type SourceSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewSourceSet() *SourceSet {
	return &SourceSet{seen: make(map[string]struct{})}
}

// Add reports whether raw was not seen before and records it. URLs that fail
// to canonicalise are compared verbatim.
func (s *SourceSet) Add(raw string) bool {
	key, err := CanonicalURL(raw)
	if err != nil {
		key = strings.TrimSpace(raw)
	}
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// Len returns the number of distinct sources.
func (s *SourceSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Dedup returns results with duplicate canonical URLs removed, keeping the first.
func Dedup(results []Result) []Result {
	set := NewSourceSet()
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if set.Add(r.URL) {
			out = append(out, r)
		}
	}
	return out
}
