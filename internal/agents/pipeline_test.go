package agents

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineEndToEnd(t *testing.T) {
	// Two model calls: the plan, then the aggregate choice.
	llm := &scriptedLLM{responses: []string{
		validPlanJSON,
		`{"id": "1419"}`,
	}}

	pipeline, err := NewPipeline(llm, newTestKB(t), newTestAPI(t), t.TempDir(), true)
	require.NoError(t, err)

	state, err := pipeline.Ask(context.Background(), "Qual a inflação atual no Brasil?")
	require.NoError(t, err)

	require.NotNil(t, state.Plan)
	require.NotNil(t, state.Collection)
	assert.False(t, state.Collection.Failed, state.Collection.FailureReason)

	var answer Answer
	require.NoError(t, json.Unmarshal([]byte(state.Answer), &answer))
	assert.Equal(t, "1419", answer.Consulta.AgregadoID)
	assert.Equal(t, 1, answer.TotalLinhas)
}

func TestPipelineSkipsAnalystSteps(t *testing.T) {
	// The model sometimes invents an analyst step between collection and
	// communication. The run must flow past it to the final answer.
	plan := `{
		"steps": [
			{"agent": "collector", "task": "coletar",
			 "parameters": {"concept": "inflação", "variables": [], "territory": "Brasil", "period": "mais recente", "source": "IPCA", "operation": "consulta"}},
			{"agent": "analyst", "task": "analisar tendência",
			 "parameters": {"concept": "", "variables": [], "territory": "", "period": "", "source": "", "operation": ""}},
			{"agent": "communicator", "task": "responder",
			 "parameters": {"concept": "", "variables": [], "territory": "", "period": "", "source": "", "operation": ""}}
		]
	}`
	llm := &scriptedLLM{responses: []string{
		plan,
		`{"id": "1419"}`,
	}}

	pipeline, err := NewPipeline(llm, newTestKB(t), newTestAPI(t), t.TempDir(), false)
	require.NoError(t, err)

	state, err := pipeline.Ask(context.Background(), "Qual a inflação atual no Brasil?")
	require.NoError(t, err)

	require.NotNil(t, state.Collection)
	assert.False(t, state.Collection.Failed, state.Collection.FailureReason)

	var answer Answer
	require.NoError(t, json.Unmarshal([]byte(state.Answer), &answer))
	assert.Equal(t, 1, answer.TotalLinhas)
	assert.Equal(t, len(state.Plan.Steps), state.CurrentStep)
}

func TestPipelineCollectionFailureStillAnswers(t *testing.T) {
	plan := `{
		"steps": [
			{"agent": "collector", "task": "coletar",
			 "parameters": {"concept": "exportação de soja", "variables": [], "territory": "Brasil", "period": "", "source": "", "operation": ""}},
			{"agent": "communicator", "task": "responder",
			 "parameters": {"concept": "", "variables": [], "territory": "", "period": "", "source": "", "operation": ""}}
		]
	}`
	llm := &scriptedLLM{responses: []string{plan}}

	pipeline, err := NewPipeline(llm, newTestKB(t), newTestAPI(t), t.TempDir(), false)
	require.NoError(t, err)

	state, err := pipeline.Ask(context.Background(), "exportação de soja em 2024?")
	require.NoError(t, err)

	require.NotNil(t, state.Collection)
	assert.True(t, state.Collection.Failed)

	var answer ErrorAnswer
	require.NoError(t, json.Unmarshal([]byte(state.Answer), &answer))
	assert.NotEmpty(t, answer.Erro)
	assert.NotEmpty(t, answer.Sugestoes)
}

func TestPipelinePlannerFailureAborts(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"resposta sem json"}}

	pipeline, err := NewPipeline(llm, newTestKB(t), newTestAPI(t), t.TempDir(), false)
	require.NoError(t, err)

	_, err = pipeline.Ask(context.Background(), "inflação?")
	assert.Error(t, err)
}

func TestPipelineRejectsEmptyQuestion(t *testing.T) {
	pipeline, err := NewPipeline(&scriptedLLM{}, newTestKB(t), newTestAPI(t), t.TempDir(), false)
	require.NoError(t, err)

	_, err = pipeline.Ask(context.Background(), "")
	assert.Error(t, err)
}
