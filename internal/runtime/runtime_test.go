package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/scott-williams-2002/polyplexity-sub000/config"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/llm/llmtest"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/search"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/stream"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/supervisor"
)

func loadDefaults(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	return cfg
}

func TestBuildPostgresDSN(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Postgres = config.PostgresConfig{Host: "db", User: "app", Password: "p@ss", DBName: "polyplexity"}
	dsn, err := BuildPostgresDSN(cfg)
	if err != nil {
		t.Fatalf("BuildPostgresDSN: %v", err)
	}
	if dsn != "postgres://app:p%40ss@db:5432/polyplexity?sslmode=disable" {
		t.Fatalf("unexpected dsn %q", dsn)
	}

	cfg.Storage.Postgres.URL = "postgres://explicit"
	if dsn, _ := BuildPostgresDSN(cfg); dsn != "postgres://explicit" {
		t.Fatalf("url should win, got %q", dsn)
	}

	if _, err := BuildPostgresDSN(&config.Config{}); err == nil {
		t.Fatal("expected error for missing host")
	}
}

func TestJWTMiddleware(t *testing.T) {
	secret := []byte("s3cret")
	tok, err := SignJWT("ops", secret, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	expired, _ := SignJWT("ops", secret, -time.Hour)
	forged, _ := SignJWT("ops", []byte("other"), time.Hour)

	e := echo.New()
	e.GET("/x", func(c echo.Context) error {
		sub, _ := SubjectFromContext(c.Request().Context())
		return c.String(http.StatusOK, sub)
	}, EchoAuthMiddleware(secret))

	cases := []struct {
		header string
		code   int
	}{
		{"Bearer " + tok, http.StatusOK},
		{"", http.StatusUnauthorized},
		{"Bearer " + expired, http.StatusUnauthorized},
		{"Bearer " + forged, http.StatusUnauthorized},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if c.header != "" {
			req.Header.Set("Authorization", c.header)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != c.code {
			t.Fatalf("header %q: expected %d, got %d", c.header, c.code, rec.Code)
		}
		if c.code == http.StatusOK && rec.Body.String() != "ops" {
			t.Fatalf("subject not propagated: %q", rec.Body.String())
		}
	}

	if _, err := SignJWT("", secret, time.Hour); err == nil {
		t.Fatal("expected error for empty subject")
	}
}

func TestBuildRequiresSearchKey(t *testing.T) {
	cfg := loadDefaults(t)
	if _, err := Build(context.Background(), cfg, BuildOptions{LocalStore: true}); err == nil ||
		!strings.Contains(err.Error(), "api key") {
		t.Fatalf("expected missing api key error, got %v", err)
	}
}

func TestBuildLocalRunsTurnAndStreams(t *testing.T) {
	cfg := loadDefaults(t)
	model := llmtest.New().
		On("classify", "You are the supervisor", `{"next_step":"finish","answer_format":"concise"}`).
		On("synth", "You write the final answer", "42").
		On("fold", "Previous summary:", "asked for the answer")
	noSearch := search.ProviderFunc(func(context.Context, string, int) ([]search.Result, error) { return nil, nil })

	app, err := Build(context.Background(), cfg, BuildOptions{
		LocalStore: true,
		Search:     noSearch,
		Models:     &supervisor.Models{Classify: model},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer app.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := app.Subscriber.Subscribe(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	res, err := app.Supervisor.RunTurn(ctx, "thread-1", "what is the answer?")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.FinalReport != "42" {
		t.Fatalf("unexpected report %q", res.FinalReport)
	}

	for {
		select {
		case ev := <-events:
			if ev.Kind == stream.KindFinal {
				if ev.Payload["final_report"] != "42" {
					t.Fatalf("unexpected final payload %+v", ev.Payload)
				}
				th, err := app.Store.LoadThread(ctx, "thread-1")
				if err != nil || th.ReportVersion != 1 || th.Summary != "asked for the answer" {
					t.Fatalf("unexpected thread %+v err=%v", th, err)
				}
				return
			}
		case <-ctx.Done():
			t.Fatal("final event not delivered")
		}
	}
}
