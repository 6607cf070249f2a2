package agents

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"sidragent/internal/knowledge"
	"sidragent/internal/logging"
	"sidragent/internal/perception"
	"sidragent/internal/sidra"
)

// maxCandidates caps how many options go into a selection prompt. Small
// models lose accuracy with long lists.
const maxCandidates = 40

// Collector resolves a plan step's parameters into concrete IBGE
// identifiers and fetches the data.
type Collector struct {
	llm perception.LLMClient
	kb  *knowledge.Base
	api *sidra.Client
}

// NewCollector creates a collector.
func NewCollector(llm perception.LLMClient, kb *knowledge.Base, api *sidra.Client) *Collector {
	return &Collector{llm: llm, kb: kb, api: api}
}

// Run executes the collection pipeline for the current plan step. Failures
// in any stage are recorded on the result instead of aborting, so the
// communicator can explain what went wrong.
func (c *Collector) Run(ctx context.Context, question string, params PlanParameters) *CollectionResult {
	timer := logging.StartTimer(logging.CategoryCollector, "Run")
	defer timer.Stop()

	result := &CollectionResult{
		Question: question,
		Concept:  params.Concept,
	}

	logging.Collector("Collecting for concept=%q territory=%q period=%q",
		params.Concept, params.Territory, params.Period)

	if err := c.resolveSubject(ctx, result, params); err != nil {
		result.Fail("identificação do assunto", err)
		return result
	}

	groups, err := c.api.AggregatesBySubject(ctx, result.SubjectID)
	if err != nil {
		result.Fail("listagem de agregados", err)
		return result
	}

	if err := c.selectAggregate(ctx, result, groups, params); err != nil {
		result.Fail("seleção do agregado", err)
		return result
	}

	meta, err := c.api.AggregateMetadata(ctx, result.AggregateID)
	if err != nil {
		result.Fail("metadados do agregado", err)
		return result
	}

	c.selectPeriod(ctx, result, meta, params)
	c.resolveTerritory(ctx, result, meta, params)
	if err := c.selectVariable(ctx, result, meta, params); err != nil {
		result.Fail("seleção da variável", err)
		return result
	}
	c.selectClassifications(result, meta)

	data, err := c.api.FetchData(ctx, sidra.DataRequest{
		AggregateID:     result.AggregateID,
		PeriodID:        result.PeriodID,
		VariableID:      result.VariableID,
		Localities:      result.Localities,
		Classifications: result.Classifications,
	})
	if err != nil {
		result.Fail("coleta dos dados", err)
		return result
	}
	if len(data) == 0 {
		result.Fail("coleta dos dados", fmt.Errorf("a consulta não retornou séries"))
		return result
	}

	result.Data = data
	logging.Collector("Collection complete: aggregate=%s period=%s variable=%s",
		result.AggregateID, result.PeriodID, result.VariableID)
	return result
}

// resolveSubject finds the IBGE subject id for the plan's concept via the
// knowledge base plus a model selection.
func (c *Collector) resolveSubject(ctx context.Context, result *CollectionResult, params PlanParameters) error {
	query := params.Concept
	if query == "" {
		query = result.Question
	}

	matches, err := c.kb.Search(ctx, query, knowledge.TipoAssunto, 5)
	if err != nil {
		return fmt.Errorf("busca na base de conhecimento falhou: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("nenhum assunto encontrado para %q", query)
	}

	// A single candidate needs no model round trip.
	if len(matches) == 1 {
		result.SubjectID = matches[0].IBGEID
		result.SubjectName = matches[0].Nome
		return nil
	}

	task := fmt.Sprintf("Escolha o assunto IBGE que melhor corresponde a %q.", query)
	id, err := c.selectID(ctx, task, knowledge.FormatMatches(matches))
	if err != nil {
		// The top match is the best semantic neighbor anyway.
		logging.CollectorDebug("Subject selection failed (%v), using top match", err)
		id = matches[0].IBGEID
	}

	for _, m := range matches {
		if m.IBGEID == id {
			result.SubjectID = m.IBGEID
			result.SubjectName = m.Nome
			return nil
		}
	}
	result.SubjectID = matches[0].IBGEID
	result.SubjectName = matches[0].Nome
	return nil
}

// selectAggregate picks one aggregate table from the subject's catalog.
func (c *Collector) selectAggregate(ctx context.Context, result *CollectionResult, groups []sidra.ResearchGroup, params PlanParameters) error {
	type candidate struct {
		id, nome, pesquisa string
	}
	var candidates []candidate
	for _, g := range groups {
		for _, agg := range g.Agregados {
			candidates = append(candidates, candidate{id: agg.ID, nome: agg.Nome, pesquisa: g.Nome})
		}
	}
	if len(candidates) == 0 {
		return fmt.Errorf("assunto %s não tem tabelas agregadas", result.SubjectID)
	}
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	if len(candidates) == 1 {
		result.AggregateID = candidates[0].id
		result.AggregateName = candidates[0].nome
		return nil
	}

	var sb strings.Builder
	for _, cand := range candidates {
		fmt.Fprintf(&sb, "%s | %s (%s)\n", cand.id, cand.nome, cand.pesquisa)
	}

	task := fmt.Sprintf("Escolha a tabela agregada do IBGE mais adequada para responder: %q (conceito: %s, fonte sugerida: %s).",
		result.Question, params.Concept, orUnspecified(params.Source))
	id, err := c.selectID(ctx, task, sb.String())
	if err != nil {
		logging.CollectorDebug("Aggregate selection failed (%v), using first candidate", err)
		id = candidates[0].id
	}

	for _, cand := range candidates {
		if cand.id == id {
			result.AggregateID = cand.id
			result.AggregateName = cand.nome
			return nil
		}
	}
	result.AggregateID = candidates[0].id
	result.AggregateName = candidates[0].nome
	return nil
}

// selectPeriod resolves the plan's period against the aggregate's
// available periods. Period ids are opaque strings; the most recent one is
// the fallback.
func (c *Collector) selectPeriod(ctx context.Context, result *CollectionResult, meta *sidra.Metadata, params PlanParameters) {
	periods := meta.Periodos
	if len(periods) == 0 {
		// No period list; the periodicity range still names the latest.
		result.PeriodID = strconv.Itoa(meta.Periodicidade.Fim)
		return
	}

	wanted := strings.TrimSpace(params.Period)
	if wanted != "" && !isLatestAlias(wanted) {
		for _, p := range periods {
			if strings.Contains(p.ID, wanted) || literalsContain(p.Literals, wanted) {
				result.PeriodID = p.ID
				return
			}
		}

		var sb strings.Builder
		for _, p := range recentPeriods(periods, maxCandidates) {
			fmt.Fprintf(&sb, "%s | %s\n", p.ID, strings.Join(p.Literals, ", "))
		}
		task := fmt.Sprintf("Escolha o período que melhor corresponde a %q.", wanted)
		if id, err := c.selectID(ctx, task, sb.String()); err == nil {
			for _, p := range periods {
				if p.ID == id {
					result.PeriodID = id
					return
				}
			}
		}
	}

	// Most recent available period.
	result.PeriodID = periods[len(periods)-1].ID
}

func isLatestAlias(period string) bool {
	switch strings.ToLower(period) {
	case "mais recente", "último", "ultimo", "última", "ultima", "atual", "latest":
		return true
	}
	return false
}

func literalsContain(literals []string, wanted string) bool {
	w := strings.ToLower(wanted)
	for _, l := range literals {
		if strings.Contains(strings.ToLower(l), w) {
			return true
		}
	}
	return false
}

func recentPeriods(periods []sidra.Period, n int) []sidra.Period {
	if len(periods) <= n {
		return periods
	}
	return periods[len(periods)-n:]
}

// resolveTerritory maps the plan's territory to a territorial level the
// aggregate actually publishes. Unknown or unavailable levels fall back to
// the national level.
func (c *Collector) resolveTerritory(ctx context.Context, result *CollectionResult, meta *sidra.Metadata, params PlanParameters) {
	territory := params.Territory
	if territory == "" {
		territory = "Brasil"
	}

	level, err := c.kb.ResolveGeoLevel(ctx, territory)
	if err != nil || level == "" {
		level = "N1"
	}

	if len(meta.NivelTerritorial.Administrativo) > 0 && !containsString(meta.NivelTerritorial.Administrativo, level) {
		logging.CollectorDebug("Level %s not published for aggregate %s, falling back to N1", level, result.AggregateID)
		level = "N1"
	}

	result.Localities = level + "[all]"
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// selectVariable picks the variable to fetch.
func (c *Collector) selectVariable(ctx context.Context, result *CollectionResult, meta *sidra.Metadata, params PlanParameters) error {
	if len(meta.Variaveis) == 0 {
		return fmt.Errorf("agregado %s não tem variáveis", result.AggregateID)
	}

	setVariable := func(v sidra.Variable) {
		result.VariableID = strconv.Itoa(v.ID)
		result.VariableName = v.Nome
		result.Unit = v.Unidade
	}

	if len(meta.Variaveis) == 1 {
		setVariable(meta.Variaveis[0])
		return nil
	}

	var sb strings.Builder
	for _, v := range meta.Variaveis {
		fmt.Fprintf(&sb, "%d | %s (%s)\n", v.ID, v.Nome, v.Unidade)
	}

	hint := params.Concept
	if len(params.Variables) > 0 {
		hint = strings.Join(params.Variables, ", ")
	}
	task := fmt.Sprintf("Escolha a variável mais adequada para %q.", hint)
	id, err := c.selectNumericID(ctx, task, sb.String())
	if err == nil {
		for _, v := range meta.Variaveis {
			if v.ID == id {
				setVariable(v)
				return nil
			}
		}
	}

	setVariable(meta.Variaveis[0])
	return nil
}

// selectClassifications requests all categories of the first
// classification. Pulling every classification would explode the result
// size; the first is the table's primary breakdown.
func (c *Collector) selectClassifications(result *CollectionResult, meta *sidra.Metadata) {
	if len(meta.Classificacoes) == 0 {
		return
	}
	result.Classifications = map[string][]string{
		strconv.Itoa(meta.Classificacoes[0].ID): nil,
	}
}

const selectorSystemPrompt = `Você seleciona identificadores do IBGE a partir de uma lista de candidatos.
Responda com o id do candidato escolhido.
The response must be a valid JSON object: {"id": <id do candidato>}
ONLY output the JSON, nothing else.`

// selectID asks the model to pick one candidate and parses the contract
// reply {"id": ...}.
func (c *Collector) selectID(ctx context.Context, task, candidates string) (string, error) {
	prompt := fmt.Sprintf("%s\n\nCandidatos:\n%s", task, candidates)
	response, err := c.llm.CompleteWithSystem(ctx, selectorSystemPrompt, prompt)
	if err != nil {
		return "", err
	}
	return perception.ParseID(response)
}

// selectNumericID is selectID for catalogs whose ids are integers, such
// as variables.
func (c *Collector) selectNumericID(ctx context.Context, task, candidates string) (int, error) {
	prompt := fmt.Sprintf("%s\n\nCandidatos:\n%s", task, candidates)
	response, err := c.llm.CompleteWithSystem(ctx, selectorSystemPrompt, prompt)
	if err != nil {
		return 0, err
	}
	return perception.ParseNumericID(response)
}

func orUnspecified(s string) string {
	if s == "" {
		return "não especificada"
	}
	return s
}

// Node adapts the collector to the workflow graph. Collection failures do
// not abort the run; the failed result travels to the communicator.
func (c *Collector) Node() func(ctx context.Context, state State) (State, error) {
	return func(ctx context.Context, state State) (State, error) {
		step, idx := state.NextExecutableStep()
		if step == nil || step.Agent != AgentCollector {
			return state, fmt.Errorf("collector invoked without a collector plan step")
		}

		result := c.Run(ctx, state.LastUserQuestion(), step.Parameters)
		state.Collection = result
		state.CurrentStep = idx + 1

		if result.Failed {
			state = state.AppendMessage("assistant", "coleta falhou: "+result.FailureReason)
		} else {
			state = state.AppendMessage("assistant", fmt.Sprintf(
				"coleta concluída: agregado %s, período %s, variável %s",
				result.AggregateID, result.PeriodID, result.VariableID))
		}
		return state, nil
	}
}
