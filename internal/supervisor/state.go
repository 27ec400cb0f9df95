package supervisor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/scott-williams-2002/polyplexity-sub000/internal/memory"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/search"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/trace"
)

const (
	finishSentinel = "FINISH"
	clarifyPrefix  = "CLARIFY:"
)

type topicKind int

const (
	topicUnset topicKind = iota
	topicResearch
	topicFinish
	topicClarify
)

// NextTopic is what the supervisor does next: research a topic, finish, or
// ask the user a clarifying question.
type NextTopic struct {
	kind  topicKind
	value string
}

func ResearchTopic(topic string) NextTopic { return NextTopic{kind: topicResearch, value: topic} }

func Finish() NextTopic { return NextTopic{kind: topicFinish} }

func Clarify(question string) NextTopic { return NextTopic{kind: topicClarify, value: question} }

// ParseNextTopic reads the string encoding produced by String.
func ParseNextTopic(s string) NextTopic {
	switch {
	case s == "":
		return NextTopic{}
	case s == finishSentinel:
		return Finish()
	case strings.HasPrefix(s, clarifyPrefix):
		return Clarify(strings.TrimPrefix(s, clarifyPrefix))
	default:
		return ResearchTopic(s)
	}
}

func (n NextTopic) IsResearch() bool { return n.kind == topicResearch }
func (n NextTopic) IsFinish() bool   { return n.kind == topicFinish }
func (n NextTopic) IsClarify() bool  { return n.kind == topicClarify }

// Topic is the research topic, or "" for other shapes.
func (n NextTopic) Topic() string {
	if n.kind == topicResearch {
		return n.value
	}
	return ""
}

// Question is the clarification payload, or "" for other shapes.
func (n NextTopic) Question() string {
	if n.kind == topicClarify {
		return n.value
	}
	return ""
}

func (n NextTopic) String() string {
	switch n.kind {
	case topicFinish:
		return finishSentinel
	case topicClarify:
		return clarifyPrefix + n.value
	default:
		return n.value
	}
}

// AnswerFormat selects how broad research is and how long the report gets.
type AnswerFormat string

const (
	FormatConcise AnswerFormat = "concise"
	FormatReport  AnswerFormat = "report"
)

// Step is the classifier's routing decision.
type Step string

const (
	StepResearch     Step = "research"
	StepFinish       Step = "finish"
	StepClarify      Step = "clarify"
	StepDirectAnswer Step = "direct_answer"
)

// Source selects the research subgraph.
type Source string

const (
	SourceWeb    Source = "web"
	SourceMarket Source = "market"
)

// Decision is the structured classifier output.
type Decision struct {
	NextStep     Step         `json:"next_step"`
	Topic        string       `json:"topic"`
	AnswerFormat AnswerFormat `json:"answer_format"`
	Reasoning    string       `json:"reasoning"`
	Source       Source       `json:"source,omitempty"`
}

// Validate normalises casing and defaults and enforces per-step fields.
func (d *Decision) Validate() error {
	d.NextStep = Step(strings.ToLower(strings.TrimSpace(string(d.NextStep))))
	d.Topic = strings.TrimSpace(d.Topic)
	d.Reasoning = strings.TrimSpace(d.Reasoning)

	switch d.NextStep {
	case StepResearch:
		if d.Topic == "" {
			return errors.New("topic is required for research")
		}
	case StepClarify:
		if d.Reasoning == "" {
			return errors.New("reasoning must carry the clarifying question")
		}
	case StepFinish, StepDirectAnswer:
	default:
		return fmt.Errorf("unknown next_step %q", d.NextStep)
	}

	switch AnswerFormat(strings.ToLower(string(d.AnswerFormat))) {
	case "", FormatConcise:
		d.AnswerFormat = FormatConcise
	case FormatReport:
		d.AnswerFormat = FormatReport
	default:
		return fmt.Errorf("unknown answer_format %q", d.AnswerFormat)
	}

	switch Source(strings.ToLower(string(d.Source))) {
	case "", SourceWeb:
		d.Source = SourceWeb
	case SourceMarket:
		d.Source = SourceMarket
	default:
		return fmt.Errorf("unknown source %q", d.Source)
	}
	return nil
}

// TurnState is threaded through every node of one turn. It is created fresh
// per turn; only Summary, History, ReportVersion and FinalReport are seeded
// from the thread.
type TurnState struct {
	ThreadID      string
	ThreadName    string
	UserRequest   string
	ResearchNotes []string
	NextTopic     NextTopic
	Iterations    int
	AnswerFormat  AnswerFormat
	FinalReport   string
	ReportVersion int

	Summary string
	History []memory.Message
	// PreviousReport is the thread's last report, revised on refinement turns.
	PreviousReport string

	// set by Classify for the node that follows it
	source     Source
	direct     bool
	formatSet  bool
	classified int

	clarification bool
	sources       *search.SourceSet

	Trace *trace.Recorder
}

// FormatNote renders one research result as a titled note.
func FormatNote(topic, summary string) string {
	return "## Research on: " + topic + "\n" + summary
}

func (st *TurnState) emitter() trace.Emitter {
	if st.Trace == nil {
		return trace.Discard{}
	}
	return st.Trace
}

// Clarified reports whether the turn ended with a clarifying question.
func (st *TurnState) Clarified() bool { return st.clarification }
