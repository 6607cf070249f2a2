package tabular

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sidragent/internal/sidra"
)

func sampleData() []sidra.VariableData {
	return []sidra.VariableData{
		{
			ID:       "63",
			Variavel: "IPCA - Variação mensal",
			Unidade:  "%",
			Resultados: []sidra.ResultSet{
				{
					Classificacoes: []sidra.SeriesClassification{
						{
							Classificacao: sidra.IDName{ID: "315", Nome: "Geral, grupo, subgrupo"},
							Categoria:     map[string]string{"7169": "Índice geral"},
						},
					},
					Series: []sidra.LocalitySeries{
						{
							Localidade: sidra.Locality{
								ID:    "1",
								Nivel: sidra.IDName{ID: "N1", Nome: "Brasil"},
								Nome:  "Brasil",
							},
							Serie: map[string]string{"202506": "0.24", "202507": "0.26"},
						},
						{
							Localidade: sidra.Locality{
								ID:    "33",
								Nivel: sidra.IDName{ID: "N3", Nome: "Unidade da Federação"},
								Nome:  "Rio de Janeiro",
							},
							Serie: map[string]string{"202506": "...", "202507": "0.31"},
						},
					},
				},
			},
		},
	}
}

func TestFlatten(t *testing.T) {
	frame := Flatten(sampleData())
	require.Len(t, frame.Rows, 4)

	want := Row{
		VariavelID:           "63",
		VariavelNome:         "IPCA - Variação mensal",
		Unidade:              "%",
		NivelTerritorialID:   "N1",
		NivelTerritorialNome: "Brasil",
		LocalidadeID:         "1",
		LocalidadeNome:       "Brasil",
		ClassificacaoID:      "315",
		ClassificacaoNome:    "Geral, grupo, subgrupo",
		CategoriaID:          "7169",
		CategoriaNome:        "Índice geral",
		Periodo:              "202506",
		Valor:                "0.24",
	}
	if diff := cmp.Diff(want, frame.Rows[0]); diff != "" {
		t.Errorf("first row mismatch (-want +got):\n%s", diff)
	}

	// Periods come out sorted per locality
	assert.Equal(t, "202506", frame.Rows[0].Periodo)
	assert.Equal(t, "202507", frame.Rows[1].Periodo)
}

func TestFlattenWithoutClassifications(t *testing.T) {
	data := sampleData()
	data[0].Resultados[0].Classificacoes = nil

	frame := Flatten(data)
	require.NotEmpty(t, frame.Rows)
	assert.Empty(t, frame.Rows[0].ClassificacaoID)
	assert.Empty(t, frame.Rows[0].CategoriaNome)
}

func TestFlattenEmpty(t *testing.T) {
	frame := Flatten(nil)
	assert.Empty(t, frame.Rows)
}

func TestNumericValue(t *testing.T) {
	tests := []struct {
		valor  string
		want   float64
		wantOK bool
	}{
		{"0.26", 0.26, true},
		{"1234", 1234, true},
		{"3,14", 3.14, true},
		{"-0.5", -0.5, true},
		{"-", 0, false},
		{"..", 0, false},
		{"...", 0, false},
		{"X", 0, false},
		{"", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		got, ok := Row{Valor: tt.valor}.NumericValue()
		assert.Equal(t, tt.wantOK, ok, tt.valor)
		if ok {
			assert.InDelta(t, tt.want, got, 1e-9, tt.valor)
		}
	}
}

func TestDescribe(t *testing.T) {
	frame := Flatten(sampleData())
	meta := frame.Describe()

	assert.Equal(t, 4, meta.RowCount)
	assert.Equal(t, []string{"IPCA - Variação mensal"}, meta.Variables)
	assert.Equal(t, 2, meta.Localities)
	assert.Equal(t, []string{"202506", "202507"}, meta.Periods)
	assert.Equal(t, 1, meta.Categories)
	assert.Equal(t, 1, meta.MissingValues)
	assert.Equal(t, 2, meta.ByLevel["N1"])
	assert.Equal(t, 2, meta.ByLevel["N3"])

	require.NotNil(t, meta.ValueStats)
	assert.Equal(t, 3, meta.ValueStats.Count)
	assert.InDelta(t, 0.24, meta.ValueStats.Min, 1e-9)
	assert.InDelta(t, 0.31, meta.ValueStats.Max, 1e-9)
	assert.InDelta(t, 0.27, meta.ValueStats.Mean, 1e-9)
	assert.InDelta(t, 0.26, meta.ValueStats.Median, 1e-9)
}

func TestDescribeEmptyFrame(t *testing.T) {
	meta := Frame{}.Describe()
	assert.Equal(t, 0, meta.RowCount)
	assert.Nil(t, meta.ValueStats)
}

func TestSummary(t *testing.T) {
	frame := Flatten(sampleData())
	summaries := frame.Summary()
	require.Len(t, summaries, len(Columns))

	byColumn := map[string]ColumnSummary{}
	for _, s := range summaries {
		byColumn[s.Column] = s
	}

	assert.Equal(t, 1, byColumn["variavel_id"].UniqueValues)
	assert.Equal(t, []string{"63"}, byColumn["variavel_id"].Examples)
	assert.Equal(t, 2, byColumn["periodo"].UniqueValues)
	assert.Equal(t, 2, byColumn["localidade_nome"].UniqueValues)

	valor := byColumn["valor"]
	assert.Equal(t, 1, valor.Missing)
	assert.InDelta(t, 25.0, valor.MissingPercent, 1e-9)
}

func TestSummaryEmptyFrame(t *testing.T) {
	summaries := Frame{}.Summary()
	require.Len(t, summaries, len(Columns))
	assert.Equal(t, 0, summaries[0].UniqueValues)
	assert.Zero(t, summaries[0].MissingPercent)
}

func TestComputeStatsEvenCount(t *testing.T) {
	stats := computeStats([]float64{1, 2, 3, 4})
	assert.InDelta(t, 2.5, stats.Median, 1e-9)
	assert.InDelta(t, 10, stats.Sum, 1e-9)
	assert.InDelta(t, 2.5, stats.Mean, 1e-9)
}

func TestWriteCSV(t *testing.T) {
	dir := t.TempDir()
	frame := Flatten(sampleData())

	result, err := WriteCSV(frame, dir, "inflação mensal no Brasil", true)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Rows)
	assert.Contains(t, filepath.Base(result.CSVPath), "inflacao_mensal_no_brasil_")

	f, err := os.Open(result.CSVPath)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, Columns, records[0])
	assert.Equal(t, "0.24", records[1][12])

	// Metadata sidecar
	require.NotEmpty(t, result.MetadataPath)
	metaBytes, err := os.ReadFile(result.MetadataPath)
	require.NoError(t, err)
	var meta Metadata
	require.NoError(t, json.Unmarshal(metaBytes, &meta))
	assert.Equal(t, 4, meta.RowCount)
}

func TestWriteCSVEmptyFrame(t *testing.T) {
	_, err := WriteCSV(Frame{}, t.TempDir(), "vazio", false)
	assert.Error(t, err)
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Inflação mensal no Brasil", "inflacao_mensal_no_brasil"},
		{"Taxa de desocupação (PNAD)", "taxa_de_desocupacao_pnad"},
		{"", "dados"},
		{"???", "dados"},
		{"  espaços  múltiplos  ", "espacos_multiplos"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.input), tt.input)
	}
}
