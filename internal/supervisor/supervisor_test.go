package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/llm/llmtest"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/memory"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/research"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/search"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/store"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/stream"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/trace"
)

const (
	markClassify = "You are the supervisor"
	markSynth    = "You write the final answer"
	markDirect   = "Answer the user's request directly"
	markFold     = "Previous summary:"
)

type fakeResearcher struct {
	mu      sync.Mutex
	topics  []string
	breadth []int
	sources map[string][]search.Result
	err     error
}

func (f *fakeResearcher) Run(_ context.Context, req research.Request, emit trace.Emitter) (research.Result, error) {
	f.mu.Lock()
	f.topics = append(f.topics, req.Topic)
	f.breadth = append(f.breadth, req.Breadth)
	f.mu.Unlock()
	if f.err != nil {
		return research.Result{}, f.err
	}
	emit.Emit(context.Background(), trace.KindNodeCall, research.Node, "generate_queries", map[string]any{"topic": req.Topic})
	return research.Result{Topic: req.Topic, Summary: "summary of " + req.Topic, Sources: f.sources[req.Topic]}, nil
}

type collectSink struct {
	mu     sync.Mutex
	events []stream.Event
}

func (c *collectSink) Publish(_ context.Context, ev stream.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collectSink) named(name string) []stream.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []stream.Event
	for _, ev := range c.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	sup    *Supervisor
	model  *llmtest.Scripted
	web    *fakeResearcher
	market *fakeResearcher
	store  *store.MemoryStore
	sink   *collectSink
}

func newHarness(t *testing.T, model *llmtest.Scripted, opts Options) *harness {
	t.Helper()
	h := &harness{
		model:  model,
		web:    &fakeResearcher{},
		market: &fakeResearcher{},
		store:  store.NewMemoryStore(),
		sink:   &collectSink{},
	}
	sup, err := New(Deps{
		Models: Models{Classify: model},
		Web:    h.web,
		Market: h.market,
		Memory: memory.New(model, nil),
		Store:  h.store,
		Sink:   h.sink,
	}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.sup = sup
	return h
}

func TestDirectFinish(t *testing.T) {
	model := llmtest.New().
		On("classify", markClassify, `{"next_step":"finish","answer_format":"concise","reasoning":"trivial"}`).
		On("synth", markSynth, "4").
		On("fold", markFold, "User asked 2+2.")
	h := newHarness(t, model, Options{Summarize: true})

	res, err := h.sup.RunTurn(context.Background(), "t1", "What is 2+2?")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(h.web.topics) != 0 {
		t.Fatalf("expected no research, got %v", h.web.topics)
	}
	if model.Count("synth") != 1 {
		t.Fatalf("expected one synthesis call, got %d", model.Count("synth"))
	}
	if res.FinalReport != "4" || res.ReportVersion != 1 || res.Iterations != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	th, _ := h.store.LoadThread(context.Background(), "t1")
	if th.ReportVersion != 1 || th.FinalReport != "4" || th.Summary != "User asked 2+2." || len(th.History) != 0 {
		t.Fatalf("unexpected thread %+v", th)
	}
	if th.Name != "What is 2+2?" {
		t.Fatalf("expected fallback thread name, got %q", th.Name)
	}
}

func TestSingleResearchLoop(t *testing.T) {
	model := llmtest.New().
		On("classify", markClassify,
			`{"next_step":"research","topic":"X","answer_format":"report","reasoning":"need data"}`,
			`{"next_step":"finish","answer_format":"concise","reasoning":"enough"}`).
		On("synth", markSynth, "report on X")
	h := newHarness(t, model, Options{})

	st := NewTurnState(store.Thread{ID: "t1"}, "tell me about X", nil)
	if err := h.sup.run(context.Background(), st); err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff([]string{"X"}, h.web.topics); diff != "" {
		t.Fatalf("researcher topics (-want +got):\n%s", diff)
	}
	if st.Iterations != 1 {
		t.Fatalf("expected 1 iteration, got %d", st.Iterations)
	}
	if diff := cmp.Diff([]string{"## Research on: X\nsummary of X"}, st.ResearchNotes); diff != "" {
		t.Fatalf("notes (-want +got):\n%s", diff)
	}
	if h.web.breadth[0] != DefaultReportBreadth {
		t.Fatalf("report format should use report breadth, got %d", h.web.breadth[0])
	}
	if st.AnswerFormat != FormatReport {
		t.Fatalf("answer format is set once by the first decision, got %s", st.AnswerFormat)
	}
	if !st.NextTopic.IsFinish() || st.FinalReport != "report on X" || st.ReportVersion != 1 {
		t.Fatalf("unexpected end state %+v", st)
	}
}

func TestForcedTerminationSkipsModel(t *testing.T) {
	model := llmtest.New().On("classify", markClassify, `{"next_step":"research","topic":"never"}`)
	h := newHarness(t, model, Options{MaxIterations: 3})

	st := NewTurnState(store.Thread{ID: "t1"}, "q", nil)
	st.Iterations = 3
	if err := h.sup.Classify(context.Background(), st); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if st.NextTopic.String() != "FINISH" {
		t.Fatalf("expected FINISH, got %q", st.NextTopic.String())
	}
	if model.Count("classify") != 0 {
		t.Fatal("classifier must not be called at the iteration cap")
	}
}

func TestTerminationWithinMaxIterPlusOne(t *testing.T) {
	for _, limit := range []int{1, 2, 5} {
		model := llmtest.New().
			On("classify", markClassify, `{"next_step":"research","topic":"again","answer_format":"concise"}`).
			On("synth", markSynth, "done")
		h := newHarness(t, model, Options{MaxIterations: limit})

		st := NewTurnState(store.Thread{ID: "t"}, "loop forever", nil)
		prev := 0
		for !st.NextTopic.IsFinish() {
			if err := h.sup.Classify(context.Background(), st); err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if st.Iterations < prev || st.Iterations > limit {
				t.Fatalf("iterations went from %d to %d with max %d", prev, st.Iterations, limit)
			}
			prev = st.Iterations
			if st.NextTopic.IsResearch() {
				if err := h.sup.Research(context.Background(), st); err != nil {
					t.Fatalf("Research: %v", err)
				}
			}
			if st.classified > limit+1 {
				t.Fatalf("did not finish within %d classify steps", limit+1)
			}
		}
		if st.classified != limit+1 || model.Count("classify") != limit || len(h.web.topics) != limit {
			t.Fatalf("max=%d: classify steps=%d model calls=%d research=%d", limit, st.classified, model.Count("classify"), len(h.web.topics))
		}
	}
}

func TestClarification(t *testing.T) {
	model := llmtest.New().
		On("classify", markClassify, `{"next_step":"clarify","reasoning":"What location?"}`).
		On("synth", markSynth, "unused")
	h := newHarness(t, model, Options{})
	ctx := context.Background()
	_, _ = h.store.EnsureThread(ctx, "t1")
	_ = h.store.SaveThread(ctx, store.Thread{ID: "t1", ReportVersion: 2, FinalReport: "old report"})

	res, err := h.sup.RunTurn(ctx, "t1", "what's the weather?")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.FinalReport != "What location?" || !res.Clarification {
		t.Fatalf("unexpected result %+v", res)
	}
	if model.Count("synth") != 0 {
		t.Fatal("clarification must not synthesise")
	}
	th, _ := h.store.LoadThread(ctx, "t1")
	if th.ReportVersion != 2 || th.FinalReport != "old report" {
		t.Fatalf("clarification must not touch the stored report: %+v", th)
	}

	st := NewTurnState(store.Thread{ID: "t2"}, "weather?", nil)
	if err := h.sup.run(ctx, st); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !st.NextTopic.IsFinish() || st.FinalReport != "What location?" || !st.Clarified() {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestNotesKeepDelegationOrder(t *testing.T) {
	model := llmtest.New().
		On("classify", markClassify,
			`{"next_step":"research","topic":"alpha"}`,
			`{"next_step":"research","topic":"beta"}`,
			`{"next_step":"research","topic":"gamma"}`,
			`{"next_step":"finish"}`).
		On("synth", markSynth, "final")
	h := newHarness(t, model, Options{})

	if _, err := h.sup.RunTurn(context.Background(), "t1", "compare things"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	prompt := model.CallsFor("synth")[0].Prompt()
	a := strings.Index(prompt, "## Research on: alpha")
	b := strings.Index(prompt, "## Research on: beta")
	c := strings.Index(prompt, "## Research on: gamma")
	if a < 0 || b < a || c < b {
		t.Fatalf("notes out of order (%d, %d, %d):\n%s", a, b, c, prompt)
	}
}

func TestResumeSeedsStateAndIsolatesTurns(t *testing.T) {
	model := llmtest.New().
		On("classify", markClassify,
			`{"next_step":"research","topic":"first topic"}`,
			`{"next_step":"finish"}`,
			`{"next_step":"research","topic":"second topic"}`,
			`{"next_step":"finish"}`).
		On("synth", markSynth, "report one", "report two").
		On("fold", markFold, "summary one", "summary two")
	h := newHarness(t, model, Options{Summarize: true})
	ctx := context.Background()

	first, err := h.sup.RunTurn(ctx, "t1", "first question")
	if err != nil {
		t.Fatalf("first RunTurn: %v", err)
	}
	second, err := h.sup.RunTurn(ctx, "t1", "second question")
	if err != nil {
		t.Fatalf("second RunTurn: %v", err)
	}
	if first.ReportVersion != 1 || second.ReportVersion != 2 {
		t.Fatalf("report versions %d, %d", first.ReportVersion, second.ReportVersion)
	}
	if diff := cmp.Diff([]string{"## Research on: second topic\nsummary of second topic"}, second.Notes); diff != "" {
		t.Fatalf("second turn notes leaked (-want +got):\n%s", diff)
	}

	classify := model.CallsFor("classify")
	thirdPrompt := classify[2].Prompt()
	if !strings.Contains(thirdPrompt, "Conversation summary:\nsummary one") {
		t.Fatalf("second turn should be seeded with the folded summary:\n%s", thirdPrompt)
	}
	if strings.Contains(thirdPrompt, "first topic") {
		t.Fatalf("second turn classify saw first turn notes:\n%s", thirdPrompt)
	}
	synth := model.CallsFor("synth")[1].Prompt()
	if !strings.Contains(synth, "Previous report (revise it rather than starting over):\nreport one") {
		t.Fatalf("refinement turn should include the previous report:\n%s", synth)
	}
	for _, ev := range second.Trace {
		if ev.Payload["topic"] == "first topic" {
			t.Fatal("trace leaked across turns")
		}
	}
	msgs, _ := h.store.GetThreadMessages(ctx, "t1")
	if len(msgs) != 4 || msgs[2].Content != "second question" || msgs[3].Content != "report two" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestDirectAnswerStillFoldsMemory(t *testing.T) {
	model := llmtest.New().
		On("classify", markClassify, `{"next_step":"direct_answer"}`).
		On("direct", markDirect, "Hello!").
		On("synth", markSynth, "unused").
		On("fold", markFold, "greeted")
	h := newHarness(t, model, Options{Summarize: true})

	res, err := h.sup.RunTurn(context.Background(), "t1", "hi")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.FinalReport != "Hello!" || res.ReportVersion != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if model.Count("synth") != 0 || model.Count("fold") != 1 {
		t.Fatalf("synth=%d fold=%d", model.Count("synth"), model.Count("fold"))
	}
}

func TestFoldFailureKeepsHistory(t *testing.T) {
	model := llmtest.New().
		On("classify", markClassify, `{"next_step":"finish"}`).
		On("synth", markSynth, "answer").
		OnError("fold", markFold, errors.New("summariser down"))
	h := newHarness(t, model, Options{Summarize: true})

	if _, err := h.sup.RunTurn(context.Background(), "t1", "question"); err != nil {
		t.Fatalf("fold failure must not fail the turn: %v", err)
	}
	th, _ := h.store.LoadThread(context.Background(), "t1")
	if len(th.History) != 2 || th.History[0].Content != "question" || th.History[1].Content != "answer" {
		t.Fatalf("history should be kept: %+v", th.History)
	}
}

func TestFailurePublishesErrorAndSavesNothing(t *testing.T) {
	model := llmtest.New().On("classify", markClassify, `{"next_step":"research","topic":"x"}`)
	h := newHarness(t, model, Options{})
	h.web.err = errors.New("search backend down")

	_, err := h.sup.RunTurn(context.Background(), "t1", "q")
	if err == nil || !strings.Contains(err.Error(), "search backend down") {
		t.Fatalf("expected research failure, got %v", err)
	}
	if len(h.sink.named(stream.KindError)) == 0 {
		t.Fatal("expected an error event")
	}
	var terminal bool
	for _, ev := range h.sink.named(stream.KindError) {
		if ev.Kind == stream.KindError {
			terminal = true
		}
	}
	if !terminal {
		t.Fatal("expected a terminal error stream event")
	}
	msgs, _ := h.store.GetThreadMessages(context.Background(), "t1")
	if len(msgs) != 0 {
		t.Fatalf("failed turn must not save messages, got %d", len(msgs))
	}
}

func TestDeletedThreadIsNotRecreatedByTurn(t *testing.T) {
	ctx := context.Background()
	var h *harness
	model := llmtest.New().
		On("classify", markClassify, `{"next_step":"finish"}`).
		On("synth", markSynth, "answer").
		OnFunc("fold", markFold, func(llmtest.Call) (string, error) {
			if err := h.store.DeleteThread(ctx, "t1"); err != nil {
				return "", err
			}
			return "summary", nil
		})
	h = newHarness(t, model, Options{Summarize: true})

	_, err := h.sup.RunTurn(ctx, "t1", "question")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound once the thread is gone, got %v", err)
	}
	if th, err := h.store.LoadThread(ctx, "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("deleted thread came back: summary=%q version=%d err=%v", th.Summary, th.ReportVersion, err)
	}
	if msgs, _ := h.store.GetThreadMessages(ctx, "t1"); len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
}

func TestExchangeNotSavedForDeletedThread(t *testing.T) {
	ctx := context.Background()
	var h *harness
	model := llmtest.New().
		On("classify", markClassify, `{"next_step":"finish"}`).
		OnFunc("synth", markSynth, func(llmtest.Call) (string, error) {
			if err := h.store.DeleteThread(ctx, "t1"); err != nil {
				return "", err
			}
			return "answer", nil
		})
	h = newHarness(t, model, Options{})

	if _, err := h.sup.RunTurn(ctx, "t1", "question"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if msgs, _ := h.store.GetThreadMessages(ctx, "t1"); len(msgs) != 0 {
		t.Fatalf("exchange must be saved whole or not at all, got %+v", msgs)
	}
}

func TestTracePersistedUnderAssistantMessage(t *testing.T) {
	model := llmtest.New().
		On("classify", markClassify, `{"next_step":"research","topic":"x"}`, `{"next_step":"finish"}`).
		On("synth", markSynth, "done")
	h := newHarness(t, model, Options{})
	ctx := context.Background()

	res, err := h.sup.RunTurn(ctx, "t1", "q")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	stored, err := h.store.ListExecutionTrace(ctx, res.AssistantMessageID)
	if err != nil {
		t.Fatalf("ListExecutionTrace: %v", err)
	}
	if diff := cmp.Diff(res.Trace, stored); diff != "" {
		t.Fatalf("stored trace differs (-mem +stored):\n%s", diff)
	}
	var sawResearcher bool
	for _, ev := range stored {
		if ev.Node == research.Node {
			sawResearcher = true
		}
	}
	if !sawResearcher {
		t.Fatal("subgraph events should be part of the turn trace")
	}
	if len(h.sink.named(stream.KindFinal)) != 1 {
		t.Fatal("expected exactly one final event")
	}
}

func TestSourcesAnnouncedOncePerURL(t *testing.T) {
	model := llmtest.New().
		On("classify", markClassify, `{"next_step":"research","topic":"a"}`, `{"next_step":"research","topic":"b"}`, `{"next_step":"finish"}`).
		On("synth", markSynth, "done")
	h := newHarness(t, model, Options{})
	h.web.sources = map[string][]search.Result{
		"a": {{Title: "A", URL: "https://example.com/page?utm_source=x"}, {Title: "B", URL: "https://example.com/other"}},
		"b": {{Title: "A again", URL: "https://example.com/page"}},
	}
	if _, err := h.sup.RunTurn(context.Background(), "t1", "q"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if got := len(h.sink.named("source")); got != 2 {
		t.Fatalf("expected 2 source events, got %d", got)
	}
}

func TestMarketSourceRoutesToMarketSubgraph(t *testing.T) {
	model := llmtest.New().
		On("classify", markClassify, `{"next_step":"research","topic":"election odds","source":"market"}`, `{"next_step":"finish"}`).
		On("synth", markSynth, "done")
	h := newHarness(t, model, Options{})
	if _, err := h.sup.RunTurn(context.Background(), "t1", "who will win?"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(h.market.topics) != 1 || len(h.web.topics) != 0 {
		t.Fatalf("market=%v web=%v", h.market.topics, h.web.topics)
	}
	if !strings.Contains(model.CallsFor("classify")[0].Prompt(), `"source": "web|market"`) {
		t.Fatal("classifier should be offered the market source")
	}
}

func TestDecisionValidation(t *testing.T) {
	cases := []struct {
		in      Decision
		wantErr bool
	}{
		{Decision{NextStep: "RESEARCH", Topic: " t "}, false},
		{Decision{NextStep: "research"}, true},
		{Decision{NextStep: "clarify"}, true},
		{Decision{NextStep: "finish", AnswerFormat: "essay"}, true},
		{Decision{NextStep: "finish", Source: "twitter"}, true},
		{Decision{NextStep: "maybe"}, true},
	}
	for _, c := range cases {
		d := c.in
		err := d.Validate()
		if (err != nil) != c.wantErr {
			t.Fatalf("%+v: err=%v wantErr=%v", c.in, err, c.wantErr)
		}
	}
	d := Decision{NextStep: "Research", Topic: " t "}
	_ = d.Validate()
	if d.NextStep != StepResearch || d.Topic != "t" || d.AnswerFormat != FormatConcise || d.Source != SourceWeb {
		t.Fatalf("defaults not applied: %+v", d)
	}
}

func TestNextTopicEncoding(t *testing.T) {
	for _, n := range []NextTopic{ResearchTopic("tides"), Finish(), Clarify("Where?")} {
		back := ParseNextTopic(n.String())
		if back != n {
			t.Fatalf("%q decoded to %+v", n.String(), back)
		}
	}
	if Clarify("Where?").String() != "CLARIFY:Where?" {
		t.Fatal("unexpected clarify encoding")
	}
}

func TestFallbackName(t *testing.T) {
	long := strings.Repeat("é", 80)
	if got := FallbackName(long); len([]rune(got)) != 60 {
		t.Fatalf("expected 60 runes, got %d", len([]rune(got)))
	}
	if got := FallbackName("  what\nis   this "); got != "what is this" {
		t.Fatalf("unexpected name %q", got)
	}
}
