// Package agents implements the question answering pipeline: a planner
// that turns a natural language question into an execution plan, a
// collector that resolves identifiers and fetches the data, and a
// communicator that shapes the final answer.
package agents

import (
	"sidragent/internal/sidra"
)

// Agent names used in execution plans and graph wiring.
const (
	AgentPlanner      = "planner"
	AgentCollector    = "collector"
	AgentCommunicator = "communicator"
)

// Message is one turn of the conversation carried through the pipeline.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// State is the shared pipeline state. Each agent reads what it needs and
// writes its contribution.
type State struct {
	Messages    []Message
	Plan        *ExecutionPlan
	CurrentStep int
	Collection  *CollectionResult
	Answer      string
}

// NewState starts a pipeline run from a user question.
func NewState(question string) State {
	return State{
		Messages: []Message{{Role: "user", Content: question}},
	}
}

// LastUserQuestion returns the most recent user message.
func (s State) LastUserQuestion() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "user" {
			return s.Messages[i].Content
		}
	}
	return ""
}

// AppendMessage returns the state with one more message.
func (s State) AppendMessage(role, content string) State {
	s.Messages = append(s.Messages, Message{Role: role, Content: content})
	return s
}

// NextExecutableStep returns the first plan step at or after CurrentStep
// whose agent has a graph node, with its index. Planner output may contain
// intermediate agents this pipeline does not run (analyst steps); those
// are skipped, not failed.
func (s State) NextExecutableStep() (*PlanStep, int) {
	if s.Plan == nil {
		return nil, -1
	}
	for i := s.CurrentStep; i < len(s.Plan.Steps); i++ {
		switch s.Plan.Steps[i].Agent {
		case AgentCollector, AgentCommunicator:
			return &s.Plan.Steps[i], i
		}
	}
	return nil, -1
}

// CollectionResult carries everything the collector resolved and fetched.
// A failed collection still flows to the communicator so the user gets a
// diagnostic instead of a crash.
type CollectionResult struct {
	Question        string              `json:"question"`
	Concept         string              `json:"concept"`
	SubjectID       string              `json:"subject_id"`
	SubjectName     string              `json:"subject_name"`
	AggregateID     string              `json:"aggregate_id"`
	AggregateName   string              `json:"aggregate_name"`
	PeriodID        string              `json:"period_id"`
	VariableID      string              `json:"variable_id"`
	VariableName    string              `json:"variable_name"`
	Unit            string              `json:"unit"`
	Localities      string              `json:"localities"`
	Classifications map[string][]string `json:"classifications,omitempty"`

	Data []sidra.VariableData `json:"-"`

	Failed        bool   `json:"failed"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Fail marks the collection as failed at a named stage.
func (c *CollectionResult) Fail(stage string, err error) {
	c.Failed = true
	if err != nil {
		c.FailureReason = stage + ": " + err.Error()
		return
	}
	c.FailureReason = stage
}
