// Package server exposes the research supervisor over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scott-williams-2002/polyplexity-sub000/internal/runtime"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/session"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/store"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/stream"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/supervisor"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/trace"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyplexity_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"method", "route", "code"})
	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polyplexity_http_request_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// TurnRunner runs one conversational turn.
type TurnRunner interface {
	RunTurn(ctx context.Context, threadID, userRequest string) (supervisor.TurnResult, error)
}

// Store is the read side of persistence used by the API.
type Store interface {
	LoadThread(ctx context.Context, id string) (store.Thread, error)
	GetThreadMessages(ctx context.Context, threadID string) ([]store.Message, error)
	ListExecutionTrace(ctx context.Context, messageID string) ([]trace.Event, error)
	DeleteThread(ctx context.Context, id string) error
}

// Options configures the HTTP API.
type Options struct {
	Runner     TurnRunner
	Store      Store
	Subscriber stream.Subscriber
	// Locker is shared with the turn runner so deletes wait for a running
	// turn on the same thread.
	Locker session.Locker
	// Secret enables bearer auth on /api when non-empty.
	Secret      []byte
	CORSOrigins []string
	TurnTimeout time.Duration
	Heartbeat   time.Duration
	Logger      *log.Logger
	NewID       func() string
}

// New builds the echo instance with every route mounted.
func New(opts Options) *echo.Echo {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(metricsMiddleware)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code, msg := statusFor(err)
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, "Last-Event-ID"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	if len(opts.Secret) > 0 {
		api.Use(runtime.EchoAuthMiddleware(opts.Secret))
	}
	h := &ThreadsHandler{
		runner:      opts.Runner,
		store:       opts.Store,
		subscriber:  opts.Subscriber,
		locker:      opts.Locker,
		turnTimeout: opts.TurnTimeout,
		heartbeat:   opts.Heartbeat,
		newID:       opts.NewID,
		logger:      logger,
	}
	h.Register(api)
	return e
}

// Run serves the API for app until ctx ends, then shuts down gracefully. The
// retention sweeper runs alongside when enabled.
func Run(ctx context.Context, app *runtime.App) error {
	cfg := app.Config
	logger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	var secret []byte
	if s, err := runtime.LoadJWTSecret(cfg); err == nil {
		secret = s
	} else {
		logger.Printf("auth disabled: %v", err)
	}

	e := New(Options{
		Runner:      app.Supervisor,
		Store:       app.Store,
		Subscriber:  app.Subscriber,
		Locker:      app.Locker,
		Secret:      secret,
		CORSOrigins: cfg.Server.CORSOrigins,
		TurnTimeout: cfg.Server.TurnTimeout,
		Logger:      logger,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.Retention.Enabled {
		sw, err := NewSweeper(app.Store, app.Redis, app.Locker, cfg.Retention, nil)
		if err != nil {
			return err
		}
		go sw.Run(ctx)
	}

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":10001"
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", addr)
		errCh <- e.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
		defer stop()
		return e.Shutdown(shutdownCtx)
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		msg := http.StatusText(he.Code)
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		return he.Code, msg
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, session.ErrLockTimeout):
		return http.StatusConflict, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func metricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		code := c.Response().Status
		if err != nil {
			code, _ = statusFor(err)
		}
		httpRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(code)).Inc()
		httpLatency.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
		return err
	}
}
