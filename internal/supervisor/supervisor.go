// Package supervisor runs one conversational turn: it classifies the request,
// delegates research topics, bounds the loop, writes the answer and folds the
// conversation into the thread's rolling summary.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/scott-williams-2002/polyplexity-sub000/internal/llm"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/market"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/memory"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/research"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/search"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/session"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/store"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/stream"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Graph node names as they appear in traces and stream events.
const (
	NodeSupervisor = "supervisor"
	NodeSynthesis  = "final_report"
	NodeDirect     = "direct_answer"
	NodeClarify    = "clarification"
	NodeMemory     = "summarize_conversation"
	NodeNaming     = "thread_name"
)

const (
	DefaultMaxIterations  = 5
	DefaultConciseBreadth = 2
	DefaultReportBreadth  = 5
	DefaultHistoryWindow  = 10
	maxThreadNameRunes    = 60
)

var supervisorTracer = otel.Tracer("polyplexity/internal/supervisor")

// Store is the persistence the supervisor needs.
type Store interface {
	trace.Store
	EnsureThread(ctx context.Context, id string) (bool, error)
	LoadThread(ctx context.Context, id string) (store.Thread, error)
	SaveThread(ctx context.Context, t store.Thread) error
	SetThreadName(ctx context.Context, id, name string) error
	SaveExchange(ctx context.Context, threadID, userContent, assistantContent string) (userID, assistantID string, err error)
}

// Models assigns a model to each role. Nil roles fall back to Classify.
type Models struct {
	Classify  llm.Model
	Synthesis llm.Model
	Naming    llm.Model
}

// Options tunes the loop.
type Options struct {
	MaxIterations      int
	ConciseBreadth     int
	ReportBreadth      int
	HistoryWindow      int
	HistoryCap         int
	StructuredAttempts int
	// Summarize disables the memory fold when false.
	Summarize bool
}

// Deps are the collaborators of a Supervisor.
type Deps struct {
	Models Models
	Web    research.Subgraph
	// Market is optional; when nil every topic goes to Web.
	Market research.Subgraph
	Memory *memory.Manager
	Store  Store
	Locker session.Locker
	Sink   stream.Sink
	Logger *log.Logger
}

// TurnResult is what a completed turn hands back to its caller.
type TurnResult struct {
	ThreadID           string        `json:"thread_id"`
	ThreadName         string        `json:"thread_name,omitempty"`
	UserMessageID      string        `json:"user_message_id"`
	AssistantMessageID string        `json:"assistant_message_id"`
	FinalReport        string        `json:"final_report"`
	ReportVersion      int           `json:"report_version"`
	Clarification      bool          `json:"clarification"`
	Iterations         int           `json:"iterations"`
	Notes              []string      `json:"-"`
	Trace              []trace.Event `json:"trace,omitempty"`
}

// Supervisor is built once per process and shared by all turns.
type Supervisor struct {
	models Models
	web    research.Subgraph
	market research.Subgraph
	memory *memory.Manager
	store  Store
	locker session.Locker
	sink   stream.Sink
	opts   Options
	logger *log.Logger
	now    func() time.Time

	turnCounter    otelmetric.Int64Counter
	failureCounter otelmetric.Int64Counter
	iterationHist  otelmetric.Int64Histogram
}

// New validates deps and fills option defaults.
func New(deps Deps, opts Options) (*Supervisor, error) {
	if deps.Models.Classify == nil {
		return nil, errors.New("classify model is required")
	}
	if deps.Web == nil {
		return nil, errors.New("web researcher is required")
	}
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Models.Synthesis == nil {
		deps.Models.Synthesis = deps.Models.Classify
	}
	if deps.Models.Naming == nil {
		deps.Models.Naming = deps.Models.Classify
	}
	if deps.Locker == nil {
		deps.Locker = session.NewLocalLocker(0)
	}
	if deps.Logger == nil {
		deps.Logger = log.New(log.Writer(), "[SUPERVISOR] ", log.LstdFlags)
	}
	if deps.Memory == nil {
		deps.Memory = memory.New(deps.Models.Classify, nil)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.ConciseBreadth <= 0 {
		opts.ConciseBreadth = DefaultConciseBreadth
	}
	if opts.ReportBreadth <= 0 {
		opts.ReportBreadth = DefaultReportBreadth
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = memory.DefaultHistoryCap
	}
	if opts.StructuredAttempts <= 0 {
		opts.StructuredAttempts = llm.DefaultStructuredAttempts
	}

	s := &Supervisor{
		models: deps.Models,
		web:    deps.Web,
		market: deps.Market,
		memory: deps.Memory,
		store:  deps.Store,
		locker: deps.Locker,
		sink:   stream.OrNop(deps.Sink),
		opts:   opts,
		logger: deps.Logger,
		now:    time.Now,
	}
	meter := otel.Meter("supervisor")
	var err error
	if s.turnCounter, err = meter.Int64Counter("supervisor_turns"); err != nil {
		s.logger.Printf("otel counter supervisor_turns: %v", err)
	}
	if s.failureCounter, err = meter.Int64Counter("supervisor_turn_failures"); err != nil {
		s.logger.Printf("otel counter supervisor_turn_failures: %v", err)
	}
	if s.iterationHist, err = meter.Int64Histogram("supervisor_iterations"); err != nil {
		s.logger.Printf("otel histogram supervisor_iterations: %v", err)
	}
	return s, nil
}

// RunTurn executes one turn on threadID. Turns on the same thread are
// serialised; the thread is created on its first turn.
func (s *Supervisor) RunTurn(ctx context.Context, threadID, userRequest string) (res TurnResult, err error) {
	threadID = strings.TrimSpace(threadID)
	userRequest = strings.TrimSpace(userRequest)
	if threadID == "" {
		return TurnResult{}, errors.New("thread id is required")
	}
	if userRequest == "" {
		return TurnResult{}, errors.New("user request is empty")
	}

	unlock, err := s.locker.Lock(ctx, threadID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("lock thread %s: %w", threadID, err)
	}
	defer unlock()

	ctx, span := supervisorTracer.Start(ctx, "supervisor.RunTurn")
	defer span.End()
	span.SetAttributes(attribute.String("thread_id", threadID))

	rec := trace.NewRecorder(threadID, s.sink, s.logger)
	var assistantID string
	defer func() {
		s.record(ctx, res.Iterations, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.fail(ctx, rec, threadID, err)
		}
		if assistantID != "" {
			trace.Commit(context.WithoutCancel(ctx), s.store, assistantID, rec.Events(), s.logger)
		}
	}()

	st, err := s.resume(ctx, threadID, userRequest, rec)
	if err != nil {
		return TurnResult{}, err
	}
	if st.ThreadName == "" {
		st.ThreadName = s.nameThread(ctx, st, rec)
	}

	if err := s.run(ctx, st); err != nil {
		return TurnResult{Iterations: st.Iterations}, err
	}

	userID, replyID, err := s.store.SaveExchange(ctx, threadID, userRequest, st.FinalReport)
	if err != nil {
		return TurnResult{Iterations: st.Iterations}, fmt.Errorf("save messages: %w", err)
	}
	assistantID = replyID

	s.FoldMemory(ctx, st)

	stored := st.FinalReport
	if st.clarification {
		stored = st.PreviousReport
	}
	if err := s.store.SaveThread(ctx, store.Thread{
		ID:            threadID,
		Summary:       st.Summary,
		History:       st.History,
		ReportVersion: st.ReportVersion,
		FinalReport:   stored,
	}); err != nil {
		return TurnResult{Iterations: st.Iterations}, fmt.Errorf("save thread: %w", err)
	}

	res = TurnResult{
		ThreadID:           threadID,
		ThreadName:         st.ThreadName,
		UserMessageID:      userID,
		AssistantMessageID: assistantID,
		FinalReport:        st.FinalReport,
		ReportVersion:      st.ReportVersion,
		Clarification:      st.clarification,
		Iterations:         st.Iterations,
		Notes:              append([]string(nil), st.ResearchNotes...),
	}
	rec.Emit(ctx, trace.KindCustom, NodeSupervisor, "turn_complete", map[string]any{
		"message_id":     assistantID,
		"report_version": st.ReportVersion,
		"clarification":  res.Clarification,
	})
	res.Trace = rec.Events()
	s.publish(ctx, stream.Event{
		ThreadID: threadID,
		Kind:     stream.KindFinal,
		Node:     NodeSupervisor,
		Name:     stream.KindFinal,
		Payload: map[string]any{
			"message_id":     assistantID,
			"final_report":   st.FinalReport,
			"report_version": st.ReportVersion,
			"clarification":  res.Clarification,
		},
	})
	return res, nil
}

// resume seeds a fresh turn from the persisted thread, creating it when new.
func (s *Supervisor) resume(ctx context.Context, threadID, userRequest string, rec *trace.Recorder) (*TurnState, error) {
	created, err := s.store.EnsureThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	th, err := s.store.LoadThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	st := NewTurnState(th, userRequest, rec)
	rec.Emit(ctx, trace.KindStateUpdate, NodeSupervisor, "turn_start", map[string]any{
		"new_thread":     created,
		"report_version": st.ReportVersion,
		"has_summary":    st.Summary != "",
	})
	return st, nil
}

// NewTurnState starts a turn on th with empty turn-scoped accumulators.
func NewTurnState(th store.Thread, userRequest string, rec *trace.Recorder) *TurnState {
	if rec == nil {
		rec = trace.NewRecorder(th.ID, nil, nil)
	}
	return &TurnState{
		ThreadID:       th.ID,
		ThreadName:     th.Name,
		UserRequest:    userRequest,
		ReportVersion:  th.ReportVersion,
		Summary:        th.Summary,
		History:        append([]memory.Message(nil), th.History...),
		PreviousReport: th.FinalReport,
		AnswerFormat:   FormatConcise,
		Trace:          rec,
	}
}

// run drives CLASSIFY and its branches until the turn has an answer.
func (s *Supervisor) run(ctx context.Context, st *TurnState) error {
	for {
		if err := s.Classify(ctx, st); err != nil {
			return err
		}
		switch {
		case st.NextTopic.IsResearch():
			if err := s.Research(ctx, st); err != nil {
				return err
			}
		case st.NextTopic.IsClarify():
			s.AskClarification(ctx, st)
			return nil
		case st.NextTopic.IsFinish() && st.direct && len(st.ResearchNotes) == 0:
			return s.DirectAnswer(ctx, st)
		case st.NextTopic.IsFinish():
			return s.Synthesize(ctx, st)
		default:
			return fmt.Errorf("classifier left no next step")
		}
	}
}

// Classify decides the next step. Once Iterations reaches MaxIterations the
// model is not consulted and the turn is forced to finish.
func (s *Supervisor) Classify(ctx context.Context, st *TurnState) error {
	st.classified++
	st.direct = false
	rec := st.emitter()
	rec.Emit(ctx, trace.KindNodeCall, NodeSupervisor, "classify", map[string]any{"iteration": st.Iterations})

	if st.Iterations >= s.opts.MaxIterations {
		st.NextTopic = Finish()
		rec.Emit(ctx, trace.KindStateUpdate, NodeSupervisor, "forced_finish", map[string]any{
			"iterations": st.Iterations,
			"max":        s.opts.MaxIterations,
		})
		return nil
	}

	ctx, span := supervisorTracer.Start(ctx, "supervisor.Classify")
	defer span.End()
	dec, err := llm.InvokeStructured[Decision](ctx, s.models.Classify, s.classifyPrompt(st), s.opts.StructuredAttempts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("classify: %w", err)
	}
	rec.Emit(ctx, trace.KindReasoning, NodeSupervisor, "decision", map[string]any{
		"next_step":     string(dec.NextStep),
		"topic":         dec.Topic,
		"answer_format": string(dec.AnswerFormat),
		"source":        string(dec.Source),
		"reasoning":     dec.Reasoning,
	})

	if !st.formatSet {
		st.AnswerFormat = dec.AnswerFormat
		st.formatSet = true
	}
	switch dec.NextStep {
	case StepResearch:
		st.NextTopic = ResearchTopic(dec.Topic)
		st.source = dec.Source
		st.Iterations++
	case StepClarify:
		st.NextTopic = Clarify(dec.Reasoning)
	case StepDirectAnswer:
		st.NextTopic = Finish()
		st.direct = true
	default:
		st.NextTopic = Finish()
	}
	rec.Emit(ctx, trace.KindStateUpdate, NodeSupervisor, "next_topic", map[string]any{
		"next_topic": st.NextTopic.String(),
		"iterations": st.Iterations,
	})
	return nil
}

func (s *Supervisor) classifyPrompt(st *TurnState) []llm.Message {
	hint, field := "", ""
	if s.market != nil {
		hint, field = marketSourceHint, marketSourceField
	}
	notes := noneText
	if len(st.ResearchNotes) > 0 {
		notes = strings.Join(st.ResearchNotes, "\n\n")
	}
	return []llm.Message{
		llm.System(fmt.Sprintf(classifySystemPrompt, hint, field)),
		llm.User(fmt.Sprintf(classifyUserTemplate,
			st.UserRequest,
			orNone(st.Summary),
			orNone(memory.FormatHistory(memory.Tail(st.History, s.opts.HistoryWindow))),
			st.Iterations, s.opts.MaxIterations,
			notes,
		)),
	}
}

// Breadth is the per-query result count for format.
func (s *Supervisor) Breadth(format AnswerFormat) int {
	if format == FormatReport {
		return s.opts.ReportBreadth
	}
	return s.opts.ConciseBreadth
}

// Research delegates the current topic and appends its note.
func (s *Supervisor) Research(ctx context.Context, st *TurnState) error {
	topic := st.NextTopic.Topic()
	sub, node := s.web, research.Node
	if st.source == SourceMarket && s.market != nil {
		sub, node = s.market, market.Node
	}
	rec := st.emitter()
	rec.Emit(ctx, trace.KindNodeCall, NodeSupervisor, "delegate", map[string]any{
		"topic":     topic,
		"subgraph":  node,
		"iteration": st.Iterations,
	})
	res, err := sub.Run(ctx, research.Request{Topic: topic, Breadth: s.Breadth(st.AnswerFormat)}, rec)
	if err != nil {
		return fmt.Errorf("research %q: %w", topic, err)
	}
	st.ResearchNotes = append(st.ResearchNotes, FormatNote(topic, res.Summary))
	rec.Emit(ctx, trace.KindStateUpdate, NodeSupervisor, "research_notes", map[string]any{
		"topic": topic,
		"notes": len(st.ResearchNotes),
	})
	s.announceSources(ctx, st, res.Sources)
	return nil
}

// announceSources publishes one display-only event per newly seen URL.
func (s *Supervisor) announceSources(ctx context.Context, st *TurnState, results []search.Result) {
	if st.Trace == nil {
		return
	}
	if st.sources == nil {
		st.sources = search.NewSourceSet()
	}
	for _, r := range results {
		if !st.sources.Add(r.URL) {
			continue
		}
		st.Trace.Notify(ctx, NodeSupervisor, "source", map[string]any{"title": r.Title, "url": r.URL})
	}
}

// Synthesize writes the final report from the ordered notes.
func (s *Supervisor) Synthesize(ctx context.Context, st *TurnState) error {
	rec := st.emitter()
	rec.Emit(ctx, trace.KindNodeCall, NodeSynthesis, "synthesize", map[string]any{
		"notes":      len(st.ResearchNotes),
		"refinement": st.PreviousReport != "",
	})
	format := conciseFormat
	if st.AnswerFormat == FormatReport {
		format = reportFormat
	}
	notes := noneText
	if len(st.ResearchNotes) > 0 {
		notes = strings.Join(st.ResearchNotes, "\n\n")
	}
	user := fmt.Sprintf(synthesisUserTemplate, st.UserRequest, orNone(st.Summary), notes)
	if st.PreviousReport != "" {
		user += fmt.Sprintf(refinementTemplate, st.PreviousReport)
	}
	out, err := llm.Text(ctx, s.models.Synthesis, llm.System(fmt.Sprintf(synthesisSystemPrompt, format)), llm.User(user))
	if err != nil {
		return fmt.Errorf("synthesize report: %w", err)
	}
	if out == "" {
		return errors.New("synthesize report: empty output")
	}
	s.finishReport(ctx, st, NodeSynthesis, out)
	return nil
}

// DirectAnswer answers without research.
func (s *Supervisor) DirectAnswer(ctx context.Context, st *TurnState) error {
	rec := st.emitter()
	rec.Emit(ctx, trace.KindNodeCall, NodeDirect, "direct_answer", nil)
	out, err := llm.Text(ctx, s.models.Synthesis,
		llm.System(directSystemPrompt),
		llm.User(fmt.Sprintf(directUserTemplate,
			orNone(st.Summary),
			orNone(memory.FormatHistory(memory.Tail(st.History, s.opts.HistoryWindow))),
			st.UserRequest,
		)),
	)
	if err != nil {
		return fmt.Errorf("direct answer: %w", err)
	}
	if out == "" {
		return errors.New("direct answer: empty output")
	}
	s.finishReport(ctx, st, NodeDirect, out)
	return nil
}

func (s *Supervisor) finishReport(ctx context.Context, st *TurnState, node, report string) {
	st.FinalReport = report
	st.ReportVersion++
	st.NextTopic = Finish()
	st.emitter().Emit(ctx, trace.KindStateUpdate, node, "final_report", map[string]any{
		"report_version": st.ReportVersion,
		"length":         len(report),
	})
}

// AskClarification ends the turn with the clarifying question as output.
// The report version does not change.
func (s *Supervisor) AskClarification(ctx context.Context, st *TurnState) {
	q := st.NextTopic.Question()
	st.FinalReport = q
	st.clarification = true
	st.NextTopic = Finish()
	st.emitter().Emit(ctx, trace.KindStateUpdate, NodeClarify, "clarification", map[string]any{"question": q})
}

// FoldMemory appends this turn's exchange to history and folds it into the
// summary. A failed fold keeps the history for the next turn.
func (s *Supervisor) FoldMemory(ctx context.Context, st *TurnState) {
	st.History = memory.ReduceCap(st.History, []memory.Message{
		memory.NewMessage(string(llm.RoleUser), st.UserRequest),
		memory.NewMessage(string(llm.RoleAssistant), st.FinalReport),
	}, s.opts.HistoryCap)
	if !s.opts.Summarize {
		return
	}
	rec := st.emitter()
	rec.Emit(ctx, trace.KindNodeCall, NodeMemory, "fold", map[string]any{"history": len(st.History)})
	res, err := s.memory.Fold(ctx, st.Summary, st.History)
	if err != nil {
		s.logger.Printf("memory fold for thread %s: %v", st.ThreadID, err)
		rec.Emit(ctx, trace.KindCustom, NodeMemory, "fold_failed", map[string]any{"error": err.Error()})
		return
	}
	if !res.Folded {
		return
	}
	st.Summary = res.Summary
	st.History = memory.ReduceCap(st.History, res.HistoryUpdate, s.opts.HistoryCap)
	rec.Emit(ctx, trace.KindStateUpdate, NodeMemory, "summary", map[string]any{"length": len(st.Summary)})
}

// fail reports a turn failure on the trace and the stream.
func (s *Supervisor) fail(ctx context.Context, rec *trace.Recorder, threadID string, err error) {
	ctx = context.WithoutCancel(ctx)
	rec.Emit(ctx, trace.KindCustom, NodeSupervisor, stream.KindError, map[string]any{"error": err.Error()})
	s.publish(ctx, stream.Event{
		ThreadID: threadID,
		Kind:     stream.KindError,
		Node:     NodeSupervisor,
		Name:     stream.KindError,
		Payload:  map[string]any{"error": err.Error()},
	})
	s.logger.Printf("turn on thread %s failed: %v", threadID, err)
}

func (s *Supervisor) publish(ctx context.Context, ev stream.Event) {
	ev.Timestamp = s.now().UnixMilli()
	if err := s.sink.Publish(ctx, ev); err != nil {
		s.logger.Printf("publish %s for thread %s: %v", ev.Kind, ev.ThreadID, err)
	}
}

func (s *Supervisor) record(ctx context.Context, iterations int, err error) {
	if s.turnCounter != nil {
		s.turnCounter.Add(ctx, 1)
	}
	if err != nil && s.failureCounter != nil {
		s.failureCounter.Add(ctx, 1)
	}
	if s.iterationHist != nil {
		s.iterationHist.Record(ctx, int64(iterations))
	}
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return noneText
	}
	return s
}
