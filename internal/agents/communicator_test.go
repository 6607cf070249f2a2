package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sidragent/internal/sidra"
	"sidragent/internal/tabular"
)

func successfulCollection() *CollectionResult {
	return &CollectionResult{
		Question:      "Qual a inflação atual no Brasil?",
		Concept:       "inflação",
		SubjectName:   "Índices de preços",
		AggregateID:   "1419",
		AggregateName: "IPCA - Variação mensal",
		PeriodID:      "202507",
		VariableID:    "63",
		VariableName:  "IPCA - Variação mensal",
		Unit:          "%",
		Localities:    "N1[all]",
		Data: []sidra.VariableData{
			{
				ID: "63", Variavel: "IPCA - Variação mensal", Unidade: "%",
				Resultados: []sidra.ResultSet{
					{
						Series: []sidra.LocalitySeries{
							{
								Localidade: sidra.Locality{ID: "1", Nivel: sidra.IDName{ID: "N1", Nome: "Brasil"}, Nome: "Brasil"},
								Serie:      map[string]string{"202507": "0.26"},
							},
						},
					},
				},
			},
		},
	}
}

func TestRespondSuccess(t *testing.T) {
	dir := t.TempDir()
	comm := NewCommunicator(dir, true)

	payload, err := comm.Respond(successfulCollection())
	require.NoError(t, err)

	var answer Answer
	require.NoError(t, json.Unmarshal([]byte(payload), &answer))

	assert.Equal(t, 1, answer.TotalLinhas)
	assert.Len(t, answer.Previa, 1)
	assert.Equal(t, "0.26", answer.Previa[0].Valor)
	assert.Equal(t, "1419", answer.Consulta.AgregadoID)
	assert.NotEmpty(t, answer.ArquivoMetadados)

	assert.Equal(t, 1, answer.Metadados.RowCount)
	assert.Equal(t, []string{"IPCA - Variação mensal"}, answer.Metadados.Variables)
	require.Len(t, answer.Resumo, len(tabular.Columns))
	assert.Equal(t, "valor", answer.Resumo[len(answer.Resumo)-1].Column)
	assert.Equal(t, 1, answer.Resumo[0].UniqueValues)

	_, err = os.Stat(answer.ArquivoCSV)
	assert.NoError(t, err)
	_, err = os.Stat(answer.ArquivoMetadados)
	assert.NoError(t, err)
}

func TestRespondFailure(t *testing.T) {
	comm := NewCommunicator(t.TempDir(), false)

	result := &CollectionResult{Question: "pergunta"}
	result.Fail("identificação do assunto", nil)

	payload, err := comm.Respond(result)
	require.NoError(t, err)

	var answer ErrorAnswer
	require.NoError(t, json.Unmarshal([]byte(payload), &answer))
	assert.Contains(t, answer.Erro, "identificação do assunto")
	assert.NotEmpty(t, answer.Sugestoes)
}

func TestRespondEmptyDataBecomesFailure(t *testing.T) {
	comm := NewCommunicator(t.TempDir(), false)

	result := successfulCollection()
	result.Data = nil

	payload, err := comm.Respond(result)
	require.NoError(t, err)

	var answer ErrorAnswer
	require.NoError(t, json.Unmarshal([]byte(payload), &answer))
	assert.NotEmpty(t, answer.Erro)
}

func TestRespondNilResult(t *testing.T) {
	comm := NewCommunicator(t.TempDir(), false)
	_, err := comm.Respond(nil)
	assert.Error(t, err)
}

func TestRespondPreviewCapped(t *testing.T) {
	result := successfulCollection()
	series := make(map[string]string)
	for i := 0; i < 30; i++ {
		series[fmt.Sprintf("period%02d", i)] = "1.0"
	}
	result.Data[0].Resultados[0].Series[0].Serie = series

	comm := NewCommunicator(t.TempDir(), false)
	payload, err := comm.Respond(result)
	require.NoError(t, err)

	var answer Answer
	require.NoError(t, json.Unmarshal([]byte(payload), &answer))
	assert.Equal(t, 30, answer.TotalLinhas)
	assert.Len(t, answer.Previa, previewRows)
}

func TestCommunicatorNode(t *testing.T) {
	node := NewCommunicator(t.TempDir(), false).Node()

	state := NewState("Qual a inflação?")
	state.Collection = successfulCollection()
	state.CurrentStep = 1

	state, err := node(context.Background(), state)
	require.NoError(t, err)
	assert.NotEmpty(t, state.Answer)
	assert.Equal(t, 2, state.CurrentStep)
}
