package market

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/scott-williams-2002/polyplexity-sub000/internal/llm"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/research"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/search"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

const Node = "market_research"

// NoMarketsSummary is returned when no market survives the approval gate.
const NoMarketsSummary = "No relevant prediction markets were found for this topic."

var marketTracer = otel.Tracer("polyplexity/internal/market")

// TagSelection is the structured output of tag discovery.
type TagSelection struct {
	Slugs     []string `json:"slugs"`
	Reasoning string   `json:"reasoning"`
}

// Approval is the structured output of the evaluation gate.
type Approval struct {
	Approved  []string `json:"approved"`
	Reasoning string   `json:"reasoning"`
}

func (a *Approval) Validate() error {
	if a.Approved == nil {
		return errors.New("approved list is required")
	}
	return nil
}

// Options tunes the market subgraph.
type Options struct {
	MaxTags        int
	PerTagLimit    int
	TopK           int
	Attempts       int
	SynthesisModel llm.Model
	Logger         *log.Logger
}

// Researcher is the market research subgraph. It satisfies research.Subgraph.
type Researcher struct {
	client     *Client
	catalog    *TagCatalog
	model      llm.Model
	synthModel llm.Model
	opts       Options
	logger     *log.Logger
}

func New(client *Client, catalog *TagCatalog, model llm.Model, opts Options) *Researcher {
	if opts.MaxTags <= 0 {
		opts.MaxTags = 3
	}
	if opts.PerTagLimit <= 0 {
		opts.PerTagLimit = 20
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.Attempts <= 0 {
		opts.Attempts = llm.DefaultStructuredAttempts
	}
	synth := opts.SynthesisModel
	if synth == nil {
		synth = model
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[MARKET] ", log.LstdFlags)
	}
	if catalog == nil {
		catalog = NewTagCatalog(client, 0)
	}
	return &Researcher{client: client, catalog: catalog, model: model, synthModel: synth, opts: opts, logger: logger}
}

// Run discovers, ranks, approves and summarises markets for one topic.
func (r *Researcher) Run(ctx context.Context, req research.Request, emit trace.Emitter) (res research.Result, err error) {
	emit = trace.OrDiscard(emit)
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return research.Result{}, errors.New("market topic is empty")
	}

	ctx, span := marketTracer.Start(ctx, "market.Run")
	defer span.End()
	span.SetAttributes(attribute.String("topic", topic))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	emit.Emit(ctx, trace.KindNodeCall, Node, "select_tags", map[string]any{"topic": topic})
	tags, err := r.SelectTags(ctx, topic)
	if err != nil {
		return research.Result{}, err
	}
	slugs := make([]string, len(tags))
	for i, t := range tags {
		slugs[i] = t.Slug
	}
	emit.Emit(ctx, trace.KindStateUpdate, Node, "tags", map[string]any{"slugs": slugs})

	events, err := r.fetch(ctx, topic, tags, emit)
	if err != nil {
		return research.Result{}, err
	}
	ranked, err := Rank(topic, events, r.opts.TopK)
	if err != nil {
		return research.Result{}, err
	}
	emit.Emit(ctx, trace.KindStateUpdate, Node, "candidates", map[string]any{"fetched": len(events), "ranked": len(ranked)})

	result := research.Result{Topic: topic, Queries: slugs}
	if len(ranked) == 0 {
		result.Summary = NoMarketsSummary
		return result, nil
	}

	emit.Emit(ctx, trace.KindNodeCall, Node, "evaluate", map[string]any{"candidates": len(ranked)})
	approved, reasoning, err := r.Approve(ctx, topic, ranked)
	if err != nil {
		return research.Result{}, err
	}
	emit.Emit(ctx, trace.KindReasoning, Node, "approval", map[string]any{"approved": len(approved), "reasoning": reasoning})
	if len(approved) == 0 {
		result.Summary = NoMarketsSummary
		return result, nil
	}

	blocks := make([]string, len(approved))
	sources := make([]search.Result, len(approved))
	for i, ev := range approved {
		blocks[i] = FormatBlock(ev)
		sources[i] = search.Result{Title: ev.Title, URL: ev.URL(), Content: ev.Description}
	}
	emit.Emit(ctx, trace.KindNodeCall, Node, "synthesize", map[string]any{"markets": len(approved)})
	summary, err := llm.Text(ctx, r.synthModel,
		llm.System(marketSynthesisSystemPrompt),
		llm.User(fmt.Sprintf(marketSynthesisUserTemplate, topic, strings.Join(blocks, "\n"))),
	)
	if err != nil {
		return research.Result{}, fmt.Errorf("synthesize markets: %w", err)
	}
	if summary == "" {
		return research.Result{}, errors.New("synthesize markets: empty summary")
	}
	emit.Emit(ctx, trace.KindStateUpdate, Node, "research_summary", map[string]any{"topic": topic, "summary": summary})
	r.logger.Printf("market research %q: %d candidates, %d approved", topic, len(ranked), len(approved))

	result.Blocks = blocks
	result.Summary = summary
	result.Sources = sources
	return result, nil
}

// SelectTags asks the model for catalogue slugs relevant to topic. Slugs not
// in the catalogue are dropped.
func (r *Researcher) SelectTags(ctx context.Context, topic string) ([]Tag, error) {
	catalog, err := r.catalog.Tags(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tag catalogue: %w", err)
	}
	if len(catalog) == 0 {
		return nil, nil
	}
	bySlug := make(map[string]Tag, len(catalog))
	var lines strings.Builder
	for _, t := range catalog {
		bySlug[strings.ToLower(t.Slug)] = t
		fmt.Fprintf(&lines, "%s: %s\n", t.Slug, t.Label)
	}
	sel, err := llm.InvokeStructured[TagSelection](ctx, r.model, []llm.Message{
		llm.System(fmt.Sprintf(tagSystemPrompt, r.opts.MaxTags)),
		llm.User(fmt.Sprintf(tagUserTemplate, topic, lines.String())),
	}, r.opts.Attempts)
	if err != nil {
		return nil, fmt.Errorf("select tags: %w", err)
	}
	var out []Tag
	seen := map[string]bool{}
	for _, s := range sel.Slugs {
		key := strings.ToLower(strings.TrimSpace(s))
		t, ok := bySlug[key]
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
		if len(out) == r.opts.MaxTags {
			break
		}
	}
	return out, nil
}

// fetch pulls open events for every tag concurrently, or falls back to the
// text search when no tag was selected. Events are de-duplicated by id.
func (r *Researcher) fetch(ctx context.Context, topic string, tags []Tag, emit trace.Emitter) ([]Event, error) {
	if len(tags) == 0 {
		emit.Emit(ctx, trace.KindSearch, Node, "text_search", map[string]any{"query": topic})
		events, err := r.client.SearchEvents(ctx, topic, r.opts.PerTagLimit)
		if err != nil {
			return nil, err
		}
		return dedupOpen(events), nil
	}

	var mu sync.Mutex
	var all []Event
	g, gctx := errgroup.WithContext(ctx)
	for _, tag := range tags {
		g.Go(func() error {
			emit.Emit(gctx, trace.KindSearch, Node, "tag_events", map[string]any{"tag": tag.Slug})
			events, err := r.client.EventsByTag(gctx, tag.ID, r.opts.PerTagLimit)
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, events...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dedupOpen(all), nil
}

func dedupOpen(events []Event) []Event {
	seen := make(map[string]bool, len(events))
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.Closed || seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		out = append(out, ev)
	}
	return out
}

// Approve runs the evaluation gate and returns the approved events in rank order.
func (r *Researcher) Approve(ctx context.Context, topic string, candidates []Event) ([]Event, string, error) {
	var b strings.Builder
	for _, ev := range candidates {
		fmt.Fprintf(&b, "id=%s | %s | volume %.0f\n", ev.ID, ev.Title, float64(ev.Volume))
		for _, m := range ev.Markets {
			fmt.Fprintf(&b, "  - %s\n", m.Question)
		}
	}
	verdict, err := llm.InvokeStructured[Approval](ctx, r.model, []llm.Message{
		llm.System(approvalSystemPrompt),
		llm.User(fmt.Sprintf(approvalUserTemplate, topic, b.String())),
	}, r.opts.Attempts)
	if err != nil {
		return nil, "", fmt.Errorf("evaluate markets: %w", err)
	}
	ok := make(map[string]bool, len(verdict.Approved))
	for _, id := range verdict.Approved {
		ok[strings.TrimSpace(id)] = true
	}
	var approved []Event
	for _, ev := range candidates {
		if ok[ev.ID] {
			approved = append(approved, ev)
		}
	}
	return approved, verdict.Reasoning, nil
}

// FormatBlock renders one event for synthesis.
func FormatBlock(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- Market: %s ---\n", ev.Title)
	fmt.Fprintf(&b, "Link: [%s](%s)\n", ev.Title, ev.URL())
	fmt.Fprintf(&b, "Volume: $%.0f\n", float64(ev.Volume))
	for _, m := range ev.Markets {
		fmt.Fprintf(&b, "Question: %s\n", m.Question)
		if pairs := outcomePairs(m); pairs != "" {
			fmt.Fprintf(&b, "Outcomes: %s\n", pairs)
		}
	}
	return b.String()
}

func outcomePairs(m Market) string {
	parts := make([]string, 0, len(m.Outcomes))
	for i, o := range m.Outcomes {
		if i < len(m.OutcomePrices) {
			parts = append(parts, o+" "+m.OutcomePrices[i])
		} else {
			parts = append(parts, o)
		}
	}
	return strings.Join(parts, " | ")
}
