package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"sidragent/internal/logging"
	"sidragent/internal/tabular"
)

// previewRows caps how many observations go into the inline answer; the
// full table lives in the exported CSV.
const previewRows = 20

// Communicator reshapes the collected data into the final answer: a flat
// table exported as CSV plus an inline JSON response with a preview and
// statistics.
type Communicator struct {
	outputDir       string
	includeMetadata bool
}

// NewCommunicator creates a communicator writing exports to outputDir.
func NewCommunicator(outputDir string, includeMetadata bool) *Communicator {
	return &Communicator{outputDir: outputDir, includeMetadata: includeMetadata}
}

// Answer is the successful response payload.
type Answer struct {
	Resposta         string                  `json:"resposta"`
	ArquivoCSV       string                  `json:"arquivo_csv"`
	ArquivoMetadados string                  `json:"arquivo_metadados,omitempty"`
	TotalLinhas      int                     `json:"total_linhas"`
	Previa           []tabular.Row           `json:"previa"`
	Metadados        tabular.Metadata        `json:"metadados"`
	Resumo           []tabular.ColumnSummary `json:"resumo_colunas"`
	Estatisticas     *tabular.Stats          `json:"estatisticas,omitempty"`
	Consulta         QueryDescription        `json:"consulta"`
}

// QueryDescription echoes what was actually queried, so the user can audit
// the resolution chain.
type QueryDescription struct {
	Assunto     string `json:"assunto"`
	Agregado    string `json:"agregado"`
	AgregadoID  string `json:"agregado_id"`
	Periodo     string `json:"periodo"`
	Variavel    string `json:"variavel"`
	Unidade     string `json:"unidade"`
	Localidades string `json:"localidades"`
}

// ErrorAnswer is the failure response payload.
type ErrorAnswer struct {
	Erro      string   `json:"erro"`
	Sugestoes []string `json:"sugestoes"`
}

// Respond builds the answer for a collection result.
func (c *Communicator) Respond(result *CollectionResult) (string, error) {
	timer := logging.StartTimer(logging.CategoryCommunicator, "Respond")
	defer timer.Stop()

	if result == nil {
		return "", fmt.Errorf("no collection result to respond to")
	}
	if result.Failed {
		return c.respondFailure(result)
	}

	frame := tabular.Flatten(result.Data)
	if len(frame.Rows) == 0 {
		result.Fail("formatação", fmt.Errorf("os dados coletados não produziram nenhuma linha"))
		return c.respondFailure(result)
	}

	export, err := tabular.WriteCSV(frame, c.outputDir, result.Question, c.includeMetadata)
	if err != nil {
		return "", fmt.Errorf("csv export failed: %w", err)
	}

	meta := frame.Describe()
	preview := frame.Rows
	if len(preview) > previewRows {
		preview = preview[:previewRows]
	}

	answer := Answer{
		Resposta: fmt.Sprintf(
			"Foram coletadas %d observações de %q (agregado %s, período %s). O arquivo completo está em %s.",
			len(frame.Rows), result.VariableName, result.AggregateID, result.PeriodID, export.CSVPath),
		ArquivoCSV:       export.CSVPath,
		ArquivoMetadados: export.MetadataPath,
		TotalLinhas:      len(frame.Rows),
		Previa:           preview,
		Metadados:        meta,
		Resumo:           frame.Summary(),
		Estatisticas:     meta.ValueStats,
		Consulta: QueryDescription{
			Assunto:     result.SubjectName,
			Agregado:    result.AggregateName,
			AgregadoID:  result.AggregateID,
			Periodo:     result.PeriodID,
			Variavel:    result.VariableName,
			Unidade:     result.Unit,
			Localidades: result.Localities,
		},
	}

	payload, err := json.MarshalIndent(answer, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal answer: %w", err)
	}

	logging.Communicator("Answer ready: %d rows exported to %s", len(frame.Rows), export.CSVPath)
	return string(payload), nil
}

func (c *Communicator) respondFailure(result *CollectionResult) (string, error) {
	answer := ErrorAnswer{
		Erro: fmt.Sprintf("Não foi possível coletar os dados: %s", result.FailureReason),
		Sugestoes: []string{
			"Reformule a pergunta com o conceito estatístico mais explícito (ex: \"taxa de desocupação\" em vez de \"desemprego\").",
			"Especifique o recorte territorial desejado (Brasil, estados ou municípios).",
			"Verifique se a base de conhecimento foi carregada com o catálogo de identificadores.",
		},
	}
	payload, err := json.MarshalIndent(answer, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal error answer: %w", err)
	}

	logging.Communicator("Collection failed, answering with diagnostic: %s", result.FailureReason)
	return string(payload), nil
}

// Node adapts the communicator to the workflow graph.
func (c *Communicator) Node() func(ctx context.Context, state State) (State, error) {
	return func(ctx context.Context, state State) (State, error) {
		answer, err := c.Respond(state.Collection)
		if err != nil {
			return state, err
		}
		state.Answer = answer
		if _, idx := state.NextExecutableStep(); idx >= 0 {
			state.CurrentStep = idx + 1
		} else {
			state.CurrentStep++
		}
		state = state.AppendMessage("assistant", answer)
		return state, nil
	}
}
