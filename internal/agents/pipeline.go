package agents

import (
	"context"
	"fmt"

	"sidragent/internal/knowledge"
	"sidragent/internal/perception"
	"sidragent/internal/sidra"
	"sidragent/internal/workflow"
)

// Pipeline is the compiled question answering graph:
// planner -> collector -> communicator, with routing driven by the plan.
type Pipeline struct {
	runnable *workflow.Runnable[State]
}

// NewPipeline wires the three agents into a workflow graph.
func NewPipeline(llm perception.LLMClient, kb *knowledge.Base, api *sidra.Client, outputDir string, includeMetadata bool) (*Pipeline, error) {
	planner := NewPlanner(llm)
	collector := NewCollector(llm, kb, api)
	communicator := NewCommunicator(outputDir, includeMetadata)

	g := workflow.NewGraph[State]()
	g.AddNode(AgentPlanner, planner.Node())
	g.AddNode(AgentCollector, collector.Node())
	g.AddNode(AgentCommunicator, communicator.Node())

	// After each node, the plan decides where to go next.
	g.AddConditionalEdge(AgentPlanner, routeByPlan)
	g.AddConditionalEdge(AgentCollector, routeByPlan)
	g.AddEdge(AgentCommunicator, workflow.End)

	g.SetEntryPoint(AgentPlanner)

	runnable, err := g.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile pipeline: %w", err)
	}
	return &Pipeline{runnable: runnable}, nil
}

// routeByPlan follows the validated execution plan, skipping steps whose
// agent has no node in this graph.
func routeByPlan(state State) string {
	step, _ := state.NextExecutableStep()
	if step == nil {
		return workflow.End
	}
	return step.Agent
}

// Ask runs the pipeline for one question and returns the final state. The
// answer, when the run completed, is in state.Answer.
func (p *Pipeline) Ask(ctx context.Context, question string) (State, error) {
	if question == "" {
		return State{}, fmt.Errorf("question is empty")
	}
	return p.runnable.Invoke(ctx, NewState(question))
}
