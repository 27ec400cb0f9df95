package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/scott-williams-2002/polyplexity-sub000/config"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/llm"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/market"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/memory"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/research"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/search"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/session"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/store"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/stream"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/supervisor"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/trace"
)

// Store is everything the application reads and writes.
type Store interface {
	supervisor.Store
	GetThreadMessages(ctx context.Context, threadID string) ([]store.Message, error)
	ListExecutionTrace(ctx context.Context, messageID string) ([]trace.Event, error)
	DeleteThread(ctx context.Context, id string) error
	ListIdleThreads(ctx context.Context, before time.Time) ([]string, error)
}

var (
	_ Store = (*store.Store)(nil)
	_ Store = (*store.MemoryStore)(nil)
)

// BuildOptions adjusts assembly for the caller.
type BuildOptions struct {
	// LocalStore keeps threads in memory instead of Postgres.
	LocalStore bool
	// Sink receives every event in addition to the configured stream backend.
	Sink   stream.Sink
	Logger *log.Logger
	// Search replaces the configured search provider.
	Search search.Provider
	// Models replaces the OpenAI models.
	Models *supervisor.Models
}

// App is the assembled process: one Supervisor shared by every turn.
type App struct {
	Config     *config.Config
	Supervisor *supervisor.Supervisor
	Store      Store
	Subscriber stream.Subscriber
	Redis      *redis.Client
	Logger     *log.Logger

	// Locker serialises the writers of a thread: turns, deletes and sweeps.
	Locker session.Locker

	closers []func() error
}

// Build wires the application from cfg.
func Build(ctx context.Context, cfg *config.Config, opts BuildOptions) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[SUPERVISOR] ", log.LstdFlags)
	}
	app := &App{Config: cfg, Logger: logger}
	built := false
	defer func() {
		if !built {
			_ = app.Close()
		}
	}()

	if cfg.Storage.Redis.Enabled() {
		rdb, err := NewRedisClient(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		app.Redis = rdb
		app.closers = append(app.closers, rdb.Close)
	}

	if opts.LocalStore {
		app.Store = store.NewMemoryStore()
	} else {
		dsn, err := BuildPostgresDSN(cfg)
		if err != nil {
			return nil, err
		}
		pg, err := store.NewWithDSN(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		app.Store = pg
		app.closers = append(app.closers, pg.Close)
	}

	var sink stream.Sink
	if cfg.Server.StreamBackend == "redis" && app.Redis != nil {
		sink = stream.NewRedisSink(app.Redis, cfg.Storage.Redis.StreamMaxLen)
		app.Subscriber = stream.NewRedisSubscriber(app.Redis, log.New(log.Writer(), "[STREAM] ", log.LstdFlags))
	} else {
		broker := stream.NewBroker()
		sink, app.Subscriber = broker, broker
	}
	if opts.Sink != nil {
		sink = stream.Multi{sink, opts.Sink}
	}

	var locker session.Locker
	if cfg.Server.LockBackend == "redis" && app.Redis != nil {
		locker = session.NewRedisLocker(app.Redis, cfg.Server.LockTTL, cfg.Server.LockWait, logger)
	} else {
		locker = session.NewLocalLocker(cfg.Server.LockWait)
	}
	app.Locker = locker

	models, researchModel, summaryModel := buildModels(cfg.LLM)
	if opts.Models != nil {
		models = *opts.Models
		researchModel, summaryModel = models.Classify, models.Classify
	}

	provider := opts.Search
	if provider == nil {
		p, err := search.NewFromConfig(cfg.Search)
		if err != nil {
			return nil, err
		}
		provider = p
	}
	attempts := cfg.LLM.StructuredRetries
	web := research.New(researchModel, provider,
		research.WithSynthesisModel(models.Synthesis),
		research.WithStructuredAttempts(attempts),
		research.WithLogger(log.New(log.Writer(), "[RESEARCH] ", log.LstdFlags)),
	)

	var mkt research.Subgraph
	if cfg.Market.Enabled {
		client := market.NewClient(cfg.Market.BaseURL, cfg.Market.Timeout)
		mkt = market.New(client, market.NewTagCatalog(client, cfg.Market.TagCacheTTL), researchModel, market.Options{
			MaxTags:        cfg.Market.MaxTags,
			PerTagLimit:    cfg.Market.PerTagLimit,
			TopK:           cfg.Market.TopK,
			Attempts:       attempts,
			SynthesisModel: models.Synthesis,
		})
	}

	sup, err := supervisor.New(supervisor.Deps{
		Models: models,
		Web:    web,
		Market: mkt,
		Memory: memory.New(summaryModel, nil),
		Store:  app.Store,
		Locker: locker,
		Sink:   sink,
		Logger: logger,
	}, supervisor.Options{
		MaxIterations:      cfg.Supervisor.MaxIterations,
		ConciseBreadth:     cfg.Supervisor.ConciseBreadth,
		ReportBreadth:      cfg.Supervisor.ReportBreadth,
		HistoryWindow:      cfg.Supervisor.HistoryWindow,
		HistoryCap:         cfg.Memory.HistoryCap,
		StructuredAttempts: attempts,
		Summarize:          cfg.Memory.Summarize,
	})
	if err != nil {
		return nil, err
	}
	app.Supervisor = sup
	built = true
	return app, nil
}

// buildModels binds one OpenAI model per role. Roles that decode JSON run in
// JSON response mode.
func buildModels(cfg config.LLMConfig) (models supervisor.Models, researchModel, summaryModel llm.Model) {
	client := llm.NewOpenAIClient(cfg.APIKey, cfg.BaseURL)
	bind := func(name string, json bool) llm.Model {
		opts := []llm.OpenAIOption{llm.WithTemperature(cfg.Temperature), llm.WithMaxTokens(cfg.MaxTokens)}
		if json {
			opts = append(opts, llm.WithJSONResponse())
		}
		return llm.WithTimeout(llm.NewOpenAIModel(client, name, opts...), cfg.Timeout)
	}
	orDefault := func(name, fallback string) string {
		if name == "" {
			return fallback
		}
		return name
	}
	models = supervisor.Models{
		Classify:  bind(cfg.Models.Classify, true),
		Synthesis: bind(cfg.Models.Synthesis, false),
		Naming:    bind(orDefault(cfg.Models.Naming, cfg.Models.Classify), false),
	}
	researchModel = bind(orDefault(cfg.Models.Research, cfg.Models.Classify), true)
	summaryModel = bind(orDefault(cfg.Models.Summary, cfg.Models.Classify), false)
	return models, researchModel, summaryModel
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
