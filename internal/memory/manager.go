package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/scott-williams-2002/polyplexity-sub000/internal/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// NoSummary is what the summariser sees when a thread has no summary yet.
const NoSummary = "None"

var memoryTracer = otel.Tracer("polyplexity/internal/memory")

// FoldResult is the outcome of one summarisation step.
type FoldResult struct {
	Summary string
	// HistoryUpdate is the batch to merge into history with Reduce.
	HistoryUpdate []Message
	Folded        bool
}

// Manager compresses raw conversation history into the rolling summary.
type Manager struct {
	model        llm.Model
	logger       *log.Logger
	foldTotal    otelmetric.Int64Counter
	foldFailures otelmetric.Int64Counter
	foldLatency  otelmetric.Float64Histogram
}

// New constructs a memory manager using model for summaries.
func New(model llm.Model, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[MEMORY] ", log.LstdFlags)
	}
	mgr := &Manager{model: model, logger: logger}
	meter := otel.Meter("memory/manager")
	var err error
	mgr.foldTotal, err = meter.Int64Counter("memory_fold_runs")
	if err != nil {
		logger.Printf("otel counter memory_fold_runs: %v", err)
	}
	mgr.foldFailures, err = meter.Int64Counter("memory_fold_failures")
	if err != nil {
		logger.Printf("otel counter memory_fold_failures: %v", err)
	}
	mgr.foldLatency, err = meter.Float64Histogram("memory_fold_latency_ms", otelmetric.WithUnit("ms"))
	if err != nil {
		logger.Printf("otel histogram memory_fold_latency_ms: %v", err)
	}
	return mgr
}

// Fold summarises history into a new summary that replaces the old one and
// returns a reset batch for the raw history. Empty history is a no-op: no
// model call and the summary is returned unchanged.
func (m *Manager) Fold(ctx context.Context, summary string, history []Message) (res FoldResult, err error) {
	res = FoldResult{Summary: summary}
	if len(withoutResets(history)) == 0 {
		return res, nil
	}

	ctx, span := memoryTracer.Start(ctx, "memory.Fold")
	defer span.End()
	span.SetAttributes(attribute.Int("history_len", len(history)))
	start := time.Now()
	defer func() {
		m.record(ctx, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	prev := strings.TrimSpace(summary)
	if prev == "" {
		prev = NoSummary
	}
	out, err := llm.Text(ctx, m.model,
		llm.System(foldSystemPrompt),
		llm.User(fmt.Sprintf(foldUserTemplate, prev, FormatHistory(history))),
	)
	if err != nil {
		return FoldResult{Summary: summary}, fmt.Errorf("summarise history: %w", err)
	}
	if out == "" {
		return FoldResult{Summary: summary}, fmt.Errorf("summarise history: empty summary")
	}
	return FoldResult{Summary: out, HistoryUpdate: []Message{Reset()}, Folded: true}, nil
}

func (m *Manager) record(ctx context.Context, elapsed time.Duration, err error) {
	if m.foldTotal != nil {
		m.foldTotal.Add(ctx, 1)
	}
	if err != nil && m.foldFailures != nil {
		m.foldFailures.Add(ctx, 1)
	}
	if m.foldLatency != nil {
		m.foldLatency.Record(ctx, float64(elapsed)/float64(time.Millisecond))
	}
}

const foldSystemPrompt = `You maintain a running summary of a research conversation.
Merge the previous summary with the new exchanges into one concise summary that keeps the user's goals, constraints, open questions and the key findings already delivered.
Return only the summary text.`

const foldUserTemplate = `Previous summary:
%s

New conversation:
%s`
