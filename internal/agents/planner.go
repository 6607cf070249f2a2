package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"sidragent/internal/logging"
	"sidragent/internal/perception"
)

// ExecutionPlan is the planner's output: an ordered list of agent steps.
type ExecutionPlan struct {
	Steps []PlanStep `json:"steps"`
}

// PlanStep assigns a task, with extracted parameters, to one agent.
type PlanStep struct {
	Agent      string         `json:"agent"`
	Task       string         `json:"task"`
	Parameters PlanParameters `json:"parameters"`
}

// PlanParameters are the structured facts the planner extracted from the
// question.
type PlanParameters struct {
	Concept   string   `json:"concept"`
	Variables []string `json:"variables"`
	Territory string   `json:"territory"`
	Period    string   `json:"period"`
	Source    string   `json:"source"`
	Operation string   `json:"operation"`
}

// Planner turns a question into an execution plan.
type Planner struct {
	llm perception.LLMClient
}

// NewPlanner creates a planner.
func NewPlanner(llm perception.LLMClient) *Planner {
	return &Planner{llm: llm}
}

const plannerSystemPrompt = `Você é o planejador de um sistema de consulta a estatísticas públicas brasileiras (IBGE).
Sua tarefa é transformar a pergunta do usuário em um plano de execução estruturado.

Agentes disponíveis:
- "collector": localiza a tabela agregada no IBGE e coleta os dados.
- "communicator": formata os dados coletados e responde ao usuário.

Extraia da pergunta:
- concept: o conceito estatístico central (ex: "inflação", "taxa de desocupação", "população").
- variables: variáveis específicas mencionadas, se houver.
- territory: o recorte territorial pedido (ex: "Brasil", "estados", "municípios"). Use "Brasil" se não especificado.
- period: o período pedido (ex: "2023", "último trimestre"). Use "mais recente" se não especificado.
- source: a pesquisa ou fonte, se mencionada (ex: "PNAD", "IPCA", "Censo").
- operation: a operação desejada (ex: "consulta", "série histórica", "comparação").

The response must be a valid JSON object with this exact shape:
{"steps": [{"agent": "collector", "task": "...", "parameters": {"concept": "...", "variables": [], "territory": "...", "period": "...", "source": "...", "operation": "..."}}, {"agent": "communicator", "task": "...", "parameters": {"concept": "", "variables": [], "territory": "", "period": "", "source": "", "operation": ""}}]}

ONLY output the JSON, nothing else.`

const planSchema = `{
  "type": "object",
  "properties": {
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "agent": {"type": "string"},
          "task": {"type": "string"},
          "parameters": {
            "type": "object",
            "properties": {
              "concept": {"type": "string"},
              "variables": {"type": "array", "items": {"type": "string"}},
              "territory": {"type": "string"},
              "period": {"type": "string"},
              "source": {"type": "string"},
              "operation": {"type": "string"}
            }
          }
        },
        "required": ["agent", "task"]
      }
    }
  },
  "required": ["steps"]
}`

// BuildPlan asks the model for a plan and validates it.
func (p *Planner) BuildPlan(ctx context.Context, question string) (*ExecutionPlan, error) {
	timer := logging.StartTimer(logging.CategoryPlanner, "BuildPlan")
	defer timer.Stop()

	logging.Planner("Planning for question: %q", question)

	response, err := p.complete(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("planner model call failed: %w", err)
	}

	plan, err := parsePlan(response)
	if err != nil {
		return nil, err
	}
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}

	logging.Planner("Plan built with %d steps (concept=%q territory=%q period=%q)",
		len(plan.Steps),
		plan.Steps[0].Parameters.Concept,
		plan.Steps[0].Parameters.Territory,
		plan.Steps[0].Parameters.Period)
	return plan, nil
}

// complete prefers schema-enforced completion when the client supports
// it, so the plan shape is guaranteed on capable backends.
func (p *Planner) complete(ctx context.Context, question string) (string, error) {
	if sc, ok := p.llm.(perception.SchemaClient); ok && sc.SchemaCapable() {
		logging.PlannerDebug("Using schema-enforced plan completion")
		return sc.CompleteWithSchema(ctx, plannerSystemPrompt, question, planSchema)
	}
	return p.llm.CompleteWithSystem(ctx, plannerSystemPrompt, question)
}

func parsePlan(response string) (*ExecutionPlan, error) {
	jsonStr := perception.ExtractJSON(response)
	if jsonStr == "" {
		return nil, fmt.Errorf("planner returned no JSON object")
	}

	var plan ExecutionPlan
	if err := json.Unmarshal([]byte(jsonStr), &plan); err != nil {
		return nil, fmt.Errorf("planner returned invalid JSON: %w", err)
	}
	for i := range plan.Steps {
		plan.Steps[i].Agent = strings.ToLower(strings.TrimSpace(plan.Steps[i].Agent))
	}
	return &plan, nil
}

// ValidatePlan enforces the plan contract: at least two steps, starting
// with the collector, ending with the communicator. Intermediate steps
// may name agents this pipeline has no node for (models sometimes emit
// an analyst step); the router skips those at execution time.
func ValidatePlan(plan *ExecutionPlan) error {
	if plan == nil || len(plan.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	if len(plan.Steps) < 2 {
		return fmt.Errorf("plan needs at least collector and communicator steps")
	}
	if plan.Steps[0].Agent != AgentCollector {
		return fmt.Errorf("plan must start with the collector, got %q", plan.Steps[0].Agent)
	}
	if plan.Steps[len(plan.Steps)-1].Agent != AgentCommunicator {
		return fmt.Errorf("plan must end with the communicator, got %q", plan.Steps[len(plan.Steps)-1].Agent)
	}
	return nil
}

// Node adapts the planner to the workflow graph.
func (p *Planner) Node() func(ctx context.Context, state State) (State, error) {
	return func(ctx context.Context, state State) (State, error) {
		question := state.LastUserQuestion()
		if question == "" {
			return state, fmt.Errorf("no user question in state")
		}

		plan, err := p.BuildPlan(ctx, question)
		if err != nil {
			return state, err
		}

		state.Plan = plan
		state.CurrentStep = 0
		planJSON, _ := json.Marshal(plan)
		state = state.AppendMessage("assistant", "plano: "+string(planJSON))
		return state, nil
	}
}
