package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scott-williams-2002/polyplexity-sub000/internal/llm/llmtest"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/research"
)

type gammaStub struct {
	tagCalls    int32
	searchCalls int32
	tagEvents   map[string]string
}

func (g *gammaStub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tags", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&g.tagCalls, 1)
		_, _ = w.Write([]byte(`[{"id":"1","label":"Politics","slug":"politics"},{"id":"2","label":"Elections","slug":"elections"},{"id":"3","label":"Sports","slug":"sports"}]`))
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("closed") != "false" {
			t.Errorf("expected closed=false filter, got %q", r.URL.RawQuery)
		}
		body, ok := g.tagEvents[r.URL.Query().Get("tag_id")]
		if !ok {
			body = "[]"
		}
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("/public-search", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&g.searchCalls, 1)
		_, _ = w.Write([]byte(`{"events":[{"id":"9","slug":"fed-cut","title":"Fed rate cut in March?","volume":"1000","markets":[]}]}`))
	})
	return mux
}

const electionEvents = `[
 {"id":"10","slug":"us-election","title":"US presidential election winner","description":"Who wins the election","volume":5000000,
  "markets":[{"question":"Will the incumbent win?","outcomes":"[\"Yes\",\"No\"]","outcomePrices":"[\"0.42\",\"0.58\"]","volume":"120000"}]},
 {"id":"11","slug":"senate-control","title":"Senate control after election","volume":"250000","markets":[]}
]`

const politicsEvents = `[
 {"id":"11","slug":"senate-control","title":"Senate control after election","volume":"250000","markets":[]},
 {"id":"12","slug":"old","title":"Closed election market","closed":true,"volume":1}
]`

func newStubbedResearcher(t *testing.T, stub *gammaStub, model *llmtest.Scripted) *Researcher {
	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, 2*time.Second)
	return New(client, NewTagCatalog(client, time.Hour), model, Options{MaxTags: 2, TopK: 5})
}

func TestRunApprovesAndSynthesisesMarkets(t *testing.T) {
	stub := &gammaStub{tagEvents: map[string]string{"1": politicsEvents, "2": electionEvents}}
	model := llmtest.New().
		On("tags", "Tag catalogue", `{"slugs":["elections","politics","unknown","sports"],"reasoning":"election topic"}`).
		On("approve", "Candidate events:", `{"approved":["10"],"reasoning":"direct"}`).
		On("synth", "Market data:", "Markets give the incumbent [42%](https://polymarket.com/event/us-election).")
	r := newStubbedResearcher(t, stub, model)

	res, err := r.Run(context.Background(), research.Request{Topic: "who wins the US election"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Summary != "Markets give the incumbent [42%](https://polymarket.com/event/us-election)." {
		t.Fatalf("unexpected summary %q", res.Summary)
	}
	if len(res.Queries) != 2 || res.Queries[0] != "elections" || res.Queries[1] != "politics" {
		t.Fatalf("expected capped known slugs, got %v", res.Queries)
	}
	if len(res.Sources) != 1 || res.Sources[0].URL != "https://polymarket.com/event/us-election" {
		t.Fatalf("unexpected sources %+v", res.Sources)
	}

	candidates := model.CallsFor("approve")[0].Prompt()
	if strings.Contains(candidates, "Closed election market") {
		t.Fatal("closed events must be filtered before evaluation")
	}
	if strings.Count(candidates, "id=11 ") != 1 {
		t.Fatalf("events must be de-duplicated by id:\n%s", candidates)
	}
	synth := model.CallsFor("synth")[0].Prompt()
	for _, want := range []string{
		"--- Market: US presidential election winner ---",
		"Link: [US presidential election winner](https://polymarket.com/event/us-election)",
		"Outcomes: Yes 0.42 | No 0.58",
	} {
		if !strings.Contains(synth, want) {
			t.Fatalf("synthesis input missing %q:\n%s", want, synth)
		}
	}
	if strings.Contains(synth, "Senate control") {
		t.Fatal("unapproved event leaked into synthesis")
	}
}

func TestRunReturnsFixedSummaryWhenNothingApproved(t *testing.T) {
	stub := &gammaStub{tagEvents: map[string]string{"2": electionEvents}}
	model := llmtest.New().
		On("tags", "Tag catalogue", `{"slugs":["elections"]}`).
		On("approve", "Candidate events:", `{"approved":[],"reasoning":"none relevant"}`).
		On("synth", "Market data:", "unused")
	r := newStubbedResearcher(t, stub, model)

	res, err := r.Run(context.Background(), research.Request{Topic: "tides"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Summary != NoMarketsSummary {
		t.Fatalf("unexpected summary %q", res.Summary)
	}
	if model.Count("synth") != 0 {
		t.Fatal("synthesis must be skipped when nothing is approved")
	}
}

func TestRunFallsBackToTextSearch(t *testing.T) {
	stub := &gammaStub{}
	model := llmtest.New().
		On("tags", "Tag catalogue", `{"slugs":["not-a-tag"]}`).
		On("approve", "Candidate events:", `{"approved":["9"]}`).
		On("synth", "Market data:", "Cut odds are low.")
	r := newStubbedResearcher(t, stub, model)

	res, err := r.Run(context.Background(), research.Request{Topic: "fed rate cut"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if atomic.LoadInt32(&stub.searchCalls) != 1 || res.Summary != "Cut odds are low." {
		t.Fatalf("expected text search fallback, calls=%d summary=%q", stub.searchCalls, res.Summary)
	}
}

func TestTagCatalogCaches(t *testing.T) {
	stub := &gammaStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()
	cat := NewTagCatalog(NewClient(srv.URL, time.Second), time.Hour)
	for i := 0; i < 3; i++ {
		tags, err := cat.Tags(context.Background())
		if err != nil || len(tags) != 3 {
			t.Fatalf("Tags: %v %v", tags, err)
		}
	}
	if stub.tagCalls != 1 {
		t.Fatalf("expected 1 catalogue fetch, got %d", stub.tagCalls)
	}
}

func TestRankPrefersRelevanceThenVolume(t *testing.T) {
	events := []Event{
		{ID: "a", Title: "Champions league final winner", Volume: 9e6},
		{ID: "b", Title: "Bitcoin price above 100k by June", Description: "bitcoin price market", Volume: 1000},
		{ID: "c", Title: "Bitcoin ETF approval", Volume: 50},
	}
	ranked, err := Rank("bitcoin price", events, 2)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if len(ranked) != 2 || ranked[0].ID != "b" {
		t.Fatalf("unexpected ranking %+v", ranked)
	}
}

func TestFlexibleDecoding(t *testing.T) {
	var ev Event
	raw := `{"id":"1","volume":"12.5","markets":[{"outcomes":["Yes","No"],"outcomePrices":"[0.1, 0.9]","volume":3}]}`
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Volume != 12.5 || ev.Markets[0].Volume != 3 {
		t.Fatalf("unexpected volumes %+v", ev)
	}
	if got := outcomePairs(ev.Markets[0]); got != "Yes 0.1 | No 0.9" {
		t.Fatalf("unexpected outcomes %q", got)
	}
}
