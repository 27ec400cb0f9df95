// Package research implements the researcher subgraph: one topic is split into
// several distinct queries, searched concurrently and synthesised into a cited
// narrative.
package research

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/scott-williams-2002/polyplexity-sub000/internal/llm"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/search"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

const (
	Node = "researcher"

	MinQueries     = 3
	MaxQueries     = 6
	DefaultBreadth = 3
)

var researchTracer = otel.Tracer("polyplexity/internal/research")

// Request is one delegated topic.
type Request struct {
	Topic   string
	Breadth int
}

// Result is what a subgraph hands back to the supervisor.
type Result struct {
	Topic   string
	Queries []string
	// Blocks holds one self-contained block per query. Order carries no meaning.
	Blocks  []string
	Summary string
	Sources []search.Result
}

// Subgraph is satisfied by every research strategy the supervisor can
// delegate to.
type Subgraph interface {
	Run(ctx context.Context, req Request, emit trace.Emitter) (Result, error)
}

// QueryPlan is the structured output of query generation.
type QueryPlan struct {
	Queries []string `json:"queries"`
}

// Validate trims and de-duplicates the queries, keeps at most MaxQueries and
// rejects plans with fewer than MinQueries distinct entries.
func (p *QueryPlan) Validate() error {
	seen := make(map[string]struct{}, len(p.Queries))
	out := make([]string, 0, len(p.Queries))
	for _, q := range p.Queries {
		q = strings.TrimSpace(q)
		key := strings.ToLower(strings.Join(strings.Fields(q), " "))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, q)
	}
	if len(out) < MinQueries {
		return fmt.Errorf("need at least %d distinct queries, got %d", MinQueries, len(out))
	}
	if len(out) > MaxQueries {
		out = out[:MaxQueries]
	}
	p.Queries = out
	return nil
}

// Researcher runs the web research subgraph.
type Researcher struct {
	queryModel llm.Model
	synthModel llm.Model
	provider   search.Provider
	attempts   int
	logger     *log.Logger
}

// Option configures a Researcher.
type Option func(*Researcher)

// WithSynthesisModel uses m for synthesis instead of the query model.
func WithSynthesisModel(m llm.Model) Option {
	return func(r *Researcher) {
		if m != nil {
			r.synthModel = m
		}
	}
}

// WithStructuredAttempts bounds query generation attempts.
func WithStructuredAttempts(n int) Option {
	return func(r *Researcher) { r.attempts = n }
}

func WithLogger(l *log.Logger) Option {
	return func(r *Researcher) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a researcher over model and provider.
func New(model llm.Model, provider search.Provider, opts ...Option) *Researcher {
	r := &Researcher{
		queryModel: model,
		synthModel: model,
		provider:   provider,
		attempts:   llm.DefaultStructuredAttempts,
		logger:     log.New(log.Writer(), "[RESEARCH] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run researches one topic end to end.
func (r *Researcher) Run(ctx context.Context, req Request, emit trace.Emitter) (res Result, err error) {
	emit = trace.OrDiscard(emit)
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return Result{}, errors.New("research topic is empty")
	}
	breadth := req.Breadth
	if breadth <= 0 {
		breadth = DefaultBreadth
	}

	ctx, span := researchTracer.Start(ctx, "research.Run")
	defer span.End()
	span.SetAttributes(attribute.String("topic", topic), attribute.Int("breadth", breadth))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	emit.Emit(ctx, trace.KindNodeCall, Node, "generate_queries", map[string]any{"topic": topic})
	queries, err := r.GenerateQueries(ctx, topic)
	if err != nil {
		return Result{}, err
	}
	emit.Emit(ctx, trace.KindStateUpdate, Node, "queries", map[string]any{"topic": topic, "queries": queries})

	blocks, sources, err := r.SearchAll(ctx, queries, breadth, emit)
	if err != nil {
		return Result{}, err
	}

	emit.Emit(ctx, trace.KindNodeCall, Node, "synthesize", map[string]any{"topic": topic, "blocks": len(blocks)})
	summary, err := r.Synthesize(ctx, topic, blocks)
	if err != nil {
		return Result{}, err
	}
	emit.Emit(ctx, trace.KindStateUpdate, Node, "research_summary", map[string]any{"topic": topic, "summary": summary})
	r.logger.Printf("researched %q: %d queries, %d sources", topic, len(queries), len(sources))

	return Result{Topic: topic, Queries: queries, Blocks: blocks, Summary: summary, Sources: sources}, nil
}

// GenerateQueries asks the model for 3 to 6 distinct queries, retrying
// malformed output.
func (r *Researcher) GenerateQueries(ctx context.Context, topic string) ([]string, error) {
	plan, err := llm.InvokeStructured[QueryPlan](ctx, r.queryModel, []llm.Message{
		llm.System(queriesSystemPrompt),
		llm.User(fmt.Sprintf(queriesUserTemplate, topic)),
	}, r.attempts)
	if err != nil {
		return nil, fmt.Errorf("generate queries: %w", err)
	}
	return plan.Queries, nil
}

// SearchAll runs one concurrent search per query and waits for all of them.
// The first failure cancels the rest and aborts the subgraph.
func (r *Researcher) SearchAll(ctx context.Context, queries []string, breadth int, emit trace.Emitter) ([]string, []search.Result, error) {
	emit = trace.OrDiscard(emit)
	blocks := make([]string, len(queries))
	found := make([][]search.Result, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			emit.Emit(gctx, trace.KindSearch, Node, "search_start", map[string]any{"query": q})
			results, err := r.provider.Search(gctx, q, breadth)
			if err != nil {
				return fmt.Errorf("search %q: %w", q, err)
			}
			blocks[i] = FormatBlock(q, results)
			found[i] = results
			emit.Emit(gctx, trace.KindSearch, Node, "search_results", map[string]any{"query": q, "results": len(results)})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var sources []search.Result
	for _, rs := range found {
		sources = append(sources, rs...)
	}
	return blocks, sources, nil
}

// Synthesize writes the cited narrative for topic over the result blocks.
func (r *Researcher) Synthesize(ctx context.Context, topic string, blocks []string) (string, error) {
	out, err := llm.Text(ctx, r.synthModel,
		llm.System(synthesisSystemPrompt),
		llm.User(fmt.Sprintf(synthesisUserTemplate, topic, strings.Join(blocks, "\n"))),
	)
	if err != nil {
		return "", fmt.Errorf("synthesize research: %w", err)
	}
	if out == "" {
		return "", errors.New("synthesize research: empty summary")
	}
	return out, nil
}

// FormatBlock renders one query's results as a self-contained block.
func FormatBlock(query string, results []search.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- Results for '%s' ---\n", query)
	if len(results) == 0 {
		b.WriteString("No results found.\n")
		return b.String()
	}
	for _, res := range results {
		fmt.Fprintf(&b, "Title: [%s](%s)\n", res.Title, res.URL)
		fmt.Fprintf(&b, "Content: %s\n\n", strings.TrimSpace(res.Content))
	}
	return b.String()
}
