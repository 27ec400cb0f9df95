package runtime

import (
	"fmt"
	"net"
	"net/url"

	"github.com/scott-williams-2002/polyplexity-sub000/config"
)

// BuildPostgresDSN constructs a DSN from the application configuration.
func BuildPostgresDSN(cfg *config.Config) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("config is nil")
	}
	p := cfg.Storage.Postgres
	if p.URL != "" {
		return p.URL, nil
	}
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("postgres configuration incomplete: %w", err)
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     net.JoinHostPort(p.Host, port),
		Path:     "/" + p.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(ssl),
	}
	if p.Timeout > 0 {
		u.RawQuery += fmt.Sprintf("&connect_timeout=%d", int(p.Timeout.Seconds()))
	}
	return u.String(), nil
}
