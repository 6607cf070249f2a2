// Package tabular reshapes the hierarchical API data responses into flat
// rows suitable for CSV export and summary statistics.
package tabular

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"sidragent/internal/sidra"
)

// Row is one observation: a variable measured for one locality, period and
// classification category. Valor stays a string because the API publishes
// sentinel tokens ("-", "..", "...", "X") for missing or suppressed values.
type Row struct {
	VariavelID           string `json:"variavel_id"`
	VariavelNome         string `json:"variavel_nome"`
	Unidade              string `json:"unidade"`
	NivelTerritorialID   string `json:"nivel_territorial_id"`
	NivelTerritorialNome string `json:"nivel_territorial_nome"`
	LocalidadeID         string `json:"localidade_id"`
	LocalidadeNome       string `json:"localidade_nome"`
	ClassificacaoID      string `json:"classificacao_id"`
	ClassificacaoNome    string `json:"classificacao_nome"`
	CategoriaID          string `json:"categoria_id"`
	CategoriaNome        string `json:"categoria_nome"`
	Periodo              string `json:"periodo"`
	Valor                string `json:"valor"`
}

// Columns is the CSV header, in Row field order.
var Columns = []string{
	"variavel_id", "variavel_nome", "unidade",
	"nivel_territorial_id", "nivel_territorial_nome",
	"localidade_id", "localidade_nome",
	"classificacao_id", "classificacao_nome",
	"categoria_id", "categoria_nome",
	"periodo", "valor",
}

// Frame is a flat table of observations.
type Frame struct {
	Rows []Row
}

// Flatten walks the hierarchical data response (variable, result set,
// locality series, period) and produces one row per observation. Result
// sets without classifications still produce rows with empty
// classification columns.
func Flatten(data []sidra.VariableData) Frame {
	var rows []Row

	for _, vd := range data {
		for _, rs := range vd.Resultados {
			clfID, clfNome, catID, catNome := classificationColumns(rs.Classificacoes)

			for _, ls := range rs.Series {
				periods := make([]string, 0, len(ls.Serie))
				for p := range ls.Serie {
					periods = append(periods, p)
				}
				sort.Strings(periods)

				for _, periodo := range periods {
					rows = append(rows, Row{
						VariavelID:           vd.ID,
						VariavelNome:         vd.Variavel,
						Unidade:              vd.Unidade,
						NivelTerritorialID:   ls.Localidade.Nivel.ID,
						NivelTerritorialNome: ls.Localidade.Nivel.Nome,
						LocalidadeID:         ls.Localidade.ID,
						LocalidadeNome:       ls.Localidade.Nome,
						ClassificacaoID:      clfID,
						ClassificacaoNome:    clfNome,
						CategoriaID:          catID,
						CategoriaNome:        catNome,
						Periodo:              periodo,
						Valor:                ls.Serie[periodo],
					})
				}
			}
		}
	}

	return Frame{Rows: rows}
}

// classificationColumns flattens the (classification, category) pairs of a
// result set. Multiple classifications are joined with "; " into the same
// columns, matching how the API reports combined slices.
func classificationColumns(clfs []sidra.SeriesClassification) (clfID, clfNome, catID, catNome string) {
	var ids, nomes, catIDs, catNomes []string
	for _, sc := range clfs {
		ids = append(ids, sc.Classificacao.ID)
		nomes = append(nomes, sc.Classificacao.Nome)

		// Categoria maps a single category id to its name.
		keys := make([]string, 0, len(sc.Categoria))
		for k := range sc.Categoria {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			catIDs = append(catIDs, k)
			catNomes = append(catNomes, sc.Categoria[k])
		}
	}
	return strings.Join(ids, "; "), strings.Join(nomes, "; "),
		strings.Join(catIDs, "; "), strings.Join(catNomes, "; ")
}

// Record renders a row as CSV fields in Columns order.
func (r Row) Record() []string {
	return []string{
		r.VariavelID, r.VariavelNome, r.Unidade,
		r.NivelTerritorialID, r.NivelTerritorialNome,
		r.LocalidadeID, r.LocalidadeNome,
		r.ClassificacaoID, r.ClassificacaoNome,
		r.CategoriaID, r.CategoriaNome,
		r.Periodo, r.Valor,
	}
}

// missingTokens are the API's sentinels for unavailable values.
var missingTokens = map[string]bool{
	"": true, "-": true, "..": true, "...": true, "X": true,
}

// NumericValue parses the row's value. ok is false for missing or
// non-numeric values.
func (r Row) NumericValue() (float64, bool) {
	v := strings.TrimSpace(r.Valor)
	if missingTokens[v] {
		return 0, false
	}
	// Some series publish decimal commas.
	v = strings.ReplaceAll(v, ",", ".")
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Stats are descriptive statistics over the frame's numeric values.
type Stats struct {
	Count  int     `json:"count"`
	Sum    float64 `json:"sum"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"std_dev"`
}

// Metadata summarizes a frame: row count, distinct dimension values and
// value statistics.
type Metadata struct {
	RowCount      int            `json:"row_count"`
	Variables     []string       `json:"variables"`
	Localities    int            `json:"localities"`
	Periods       []string       `json:"periods"`
	Categories    int            `json:"categories"`
	MissingValues int            `json:"missing_values"`
	ValueStats    *Stats         `json:"value_stats,omitempty"`
	Units         []string       `json:"units"`
	ByLevel       map[string]int `json:"rows_by_territorial_level"`
}

// Describe computes the frame's metadata.
func (f Frame) Describe() Metadata {
	meta := Metadata{
		RowCount: len(f.Rows),
		ByLevel:  make(map[string]int),
	}

	variables := map[string]bool{}
	localities := map[string]bool{}
	periods := map[string]bool{}
	categories := map[string]bool{}
	units := map[string]bool{}
	var values []float64

	for _, r := range f.Rows {
		variables[r.VariavelNome] = true
		localities[r.LocalidadeID] = true
		periods[r.Periodo] = true
		if r.CategoriaID != "" {
			categories[r.CategoriaID] = true
		}
		if r.Unidade != "" {
			units[r.Unidade] = true
		}
		meta.ByLevel[r.NivelTerritorialID]++

		if v, ok := r.NumericValue(); ok {
			values = append(values, v)
		} else {
			meta.MissingValues++
		}
	}

	meta.Variables = sortedKeys(variables)
	meta.Localities = len(localities)
	meta.Periods = sortedKeys(periods)
	meta.Categories = len(categories)
	meta.Units = sortedKeys(units)

	if len(values) > 0 {
		meta.ValueStats = computeStats(values)
	}
	return meta
}

// ColumnSummary profiles one column: distinct values, a few examples and
// how many cells are empty or missing sentinels.
type ColumnSummary struct {
	Column         string   `json:"column"`
	UniqueValues   int      `json:"unique_values"`
	Examples       []string `json:"examples,omitempty"`
	Missing        int      `json:"missing"`
	MissingPercent float64  `json:"missing_percent"`
}

const summaryExampleLimit = 3

// Summary profiles every column of the frame, in Columns order.
func (f Frame) Summary() []ColumnSummary {
	summaries := make([]ColumnSummary, len(Columns))
	seen := make([]map[string]bool, len(Columns))
	for i, col := range Columns {
		summaries[i].Column = col
		seen[i] = map[string]bool{}
	}

	for _, r := range f.Rows {
		for i, v := range r.Record() {
			if missingTokens[strings.TrimSpace(v)] {
				summaries[i].Missing++
				continue
			}
			if !seen[i][v] {
				seen[i][v] = true
				if len(summaries[i].Examples) < summaryExampleLimit {
					summaries[i].Examples = append(summaries[i].Examples, v)
				}
			}
		}
	}

	for i := range summaries {
		summaries[i].UniqueValues = len(seen[i])
		if n := len(f.Rows); n > 0 {
			summaries[i].MissingPercent = 100 * float64(summaries[i].Missing) / float64(n)
		}
	}
	return summaries
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func computeStats(values []float64) *Stats {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	stats := &Stats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
	}
	for _, v := range sorted {
		stats.Sum += v
	}
	stats.Mean = stats.Sum / float64(stats.Count)

	mid := stats.Count / 2
	if stats.Count%2 == 0 {
		stats.Median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		stats.Median = sorted[mid]
	}

	var variance float64
	for _, v := range sorted {
		d := v - stats.Mean
		variance += d * d
	}
	stats.StdDev = math.Sqrt(variance / float64(stats.Count))
	return stats
}
