// Package workflow runs agent pipelines as small state graphs. A graph is
// built from named nodes that transform a shared state, wired with plain or
// conditional edges, then compiled and invoked.
package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"sidragent/internal/logging"
)

// End is the terminal pseudo-node. Routing to End stops the run.
const End = "__end__"

// DefaultMaxSteps caps node executions per run so a routing bug cannot
// loop forever.
const DefaultMaxSteps = 50

// NodeFunc transforms the state. It receives the state after the previous
// node and returns the state passed to the next one.
type NodeFunc[S any] func(ctx context.Context, state S) (S, error)

// RouteFunc inspects the state and names the next node (or End).
type RouteFunc[S any] func(state S) string

// Graph is a pipeline under construction.
type Graph[S any] struct {
	nodes       map[string]NodeFunc[S]
	edges       map[string]string
	conditional map[string]RouteFunc[S]
	entryPoint  string
	maxSteps    int
}

// NewGraph creates an empty graph.
func NewGraph[S any]() *Graph[S] {
	return &Graph[S]{
		nodes:       make(map[string]NodeFunc[S]),
		edges:       make(map[string]string),
		conditional: make(map[string]RouteFunc[S]),
		maxSteps:    DefaultMaxSteps,
	}
}

// AddNode registers a named node. Re-registering a name replaces it.
func (g *Graph[S]) AddNode(name string, fn NodeFunc[S]) *Graph[S] {
	g.nodes[name] = fn
	return g
}

// AddEdge wires from to to unconditionally. to may be End.
func (g *Graph[S]) AddEdge(from, to string) *Graph[S] {
	g.edges[from] = to
	return g
}

// AddConditionalEdge wires from through a routing function evaluated on
// the state after from runs. A conditional edge overrides a plain one.
func (g *Graph[S]) AddConditionalEdge(from string, route RouteFunc[S]) *Graph[S] {
	g.conditional[from] = route
	return g
}

// SetEntryPoint names the first node of every run.
func (g *Graph[S]) SetEntryPoint(name string) *Graph[S] {
	g.entryPoint = name
	return g
}

// SetMaxSteps overrides the per-run node execution cap.
func (g *Graph[S]) SetMaxSteps(n int) *Graph[S] {
	if n > 0 {
		g.maxSteps = n
	}
	return g
}

// Compile validates the wiring and returns a runnable pipeline.
func (g *Graph[S]) Compile() (*Runnable[S], error) {
	if g.entryPoint == "" {
		return nil, fmt.Errorf("graph has no entry point")
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return nil, fmt.Errorf("entry point %q is not a registered node", g.entryPoint)
	}
	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return nil, fmt.Errorf("edge from unknown node %q", from)
		}
		if to != End {
			if _, ok := g.nodes[to]; !ok {
				return nil, fmt.Errorf("edge from %q to unknown node %q", from, to)
			}
		}
	}
	for from := range g.conditional {
		if _, ok := g.nodes[from]; !ok {
			return nil, fmt.Errorf("conditional edge from unknown node %q", from)
		}
	}
	for name := range g.nodes {
		_, hasEdge := g.edges[name]
		_, hasCond := g.conditional[name]
		if !hasEdge && !hasCond {
			return nil, fmt.Errorf("node %q has no outgoing edge", name)
		}
	}
	return &Runnable[S]{graph: g}, nil
}

// Runnable is a compiled graph.
type Runnable[S any] struct {
	graph *Graph[S]
}

// Invoke runs the pipeline from the entry point until a route reaches End,
// a node fails, the context is cancelled, or the step cap is hit. The
// state after the last completed node is returned alongside any error.
func (r *Runnable[S]) Invoke(ctx context.Context, state S) (S, error) {
	runID := uuid.NewString()[:8]
	timer := logging.StartTimer(logging.CategoryWorkflow, "Invoke")
	defer timer.Stop()

	logging.Workflow("Run %s starting at node %q", runID, r.graph.entryPoint)

	current := r.graph.entryPoint
	for step := 0; step < r.graph.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return state, fmt.Errorf("run %s cancelled before node %q: %w", runID, current, err)
		}

		node := r.graph.nodes[current]
		logging.WorkflowDebug("Run %s step %d: executing node %q", runID, step, current)

		next, err := node(ctx, state)
		if err != nil {
			return state, fmt.Errorf("node %q failed: %w", current, err)
		}
		state = next

		target, err := r.route(current, state)
		if err != nil {
			return state, fmt.Errorf("run %s: %w", runID, err)
		}
		if target == End {
			logging.Workflow("Run %s finished after node %q (%d steps)", runID, current, step+1)
			return state, nil
		}
		current = target
	}

	return state, fmt.Errorf("run %s exceeded %d steps (routing loop?)", runID, r.graph.maxSteps)
}

func (r *Runnable[S]) route(from string, state S) (string, error) {
	if route, ok := r.graph.conditional[from]; ok {
		target := route(state)
		if target == End {
			return End, nil
		}
		if _, ok := r.graph.nodes[target]; !ok {
			return "", fmt.Errorf("conditional edge from %q routed to unknown node %q", from, target)
		}
		return target, nil
	}
	if target, ok := r.graph.edges[from]; ok {
		return target, nil
	}
	return "", fmt.Errorf("node %q has no outgoing edge", from)
}
