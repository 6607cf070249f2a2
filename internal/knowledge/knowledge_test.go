package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"sidragent/internal/embedding"
	"sidragent/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// fakeEngine maps known phrases to fixed unit vectors so semantic ordering
// is deterministic in tests.
type fakeEngine struct {
	vectors map[string][]float32
	def     []float32
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		vectors: make(map[string][]float32),
		def:     []float32{0, 0, 0, 1},
	}
}

func (f *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	for phrase, vec := range f.vectors {
		if strings.Contains(strings.ToLower(text), phrase) {
			return vec, nil
		}
	}
	return f.def, nil
}

func (f *fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEngine) Dimensions() int { return 4 }
func (f *fakeEngine) Name() string    { return "fake" }

// flakyEngine fails batches that contain a marker text.
type flakyEngine struct {
	*fakeEngine
	failOn string
}

func (f *flakyEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if strings.Contains(t, f.failOn) {
			return nil, fmt.Errorf("embedding backend refused %q", f.failOn)
		}
	}
	return f.fakeEngine.EmbedBatch(ctx, texts)
}

// taskRecordingEngine captures the task type of every embedding request.
type taskRecordingEngine struct {
	*fakeEngine
	mu    sync.Mutex
	tasks []string
}

func (e *taskRecordingEngine) record(task string) {
	e.mu.Lock()
	e.tasks = append(e.tasks, task)
	e.mu.Unlock()
}

func (e *taskRecordingEngine) EmbedForTask(ctx context.Context, text, task string) ([]float32, error) {
	e.record(task)
	return e.Embed(ctx, text)
}

func (e *taskRecordingEngine) EmbedBatchForTask(ctx context.Context, texts []string, task string) ([][]float32, error) {
	e.record(task)
	return e.EmbedBatch(ctx, texts)
}

func newTestBase(t *testing.T, engine embedding.Engine) *Base {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "kb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, engine)
}

func writeCatalog(t *testing.T, rows string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identificadores.csv")
	require.NoError(t, os.WriteFile(path, []byte(rows), 0644))
	return path
}

func TestLoadIdentifiersCSV(t *testing.T) {
	engine := newFakeEngine()
	b := newTestBase(t, engine)

	path := writeCatalog(t, strings.Join([]string{
		"tipo,id,nome",
		"assunto,70,Trabalho",
		"assunto,148,Índice Nacional de Preços ao Consumidor Amplo",
		"nivel_territorial,N3,Unidade da Federação",
		",,",
		"variavel,4099,Taxa de desocupação",
	}, "\n"))

	stats, err := b.LoadIdentifiersCSV(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 2, stats.ByTipo["assunto"])
	assert.Equal(t, 1, stats.ByTipo["variavel"])

	count, err := b.Store().CountIdentifiers()
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestLoadIdentifiersCSVReloadOverwrites(t *testing.T) {
	b := newTestBase(t, newFakeEngine())

	path := writeCatalog(t, "tipo,id,nome\nassunto,70,Trabalho\n")
	_, err := b.LoadIdentifiersCSV(context.Background(), path)
	require.NoError(t, err)

	path = writeCatalog(t, "tipo,id,nome\nassunto,70,Trabalho e Rendimento\n")
	_, err = b.LoadIdentifiersCSV(context.Background(), path)
	require.NoError(t, err)

	count, err := b.Store().CountIdentifiers()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	doc, err := b.Store().GetIdentifier("ibge_assunto_70")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Trabalho e Rendimento", doc.Nome)
}

func TestLoadIdentifiersCSVLargeUsesBatches(t *testing.T) {
	b := newTestBase(t, newFakeEngine())

	var sb strings.Builder
	sb.WriteString("tipo,id,nome\n")
	for i := 0; i < 45; i++ {
		fmt.Fprintf(&sb, "variavel,%d,Variável %d\n", i, i)
	}
	path := writeCatalog(t, sb.String())

	stats, err := b.LoadIdentifiersCSV(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 45, stats.Total)
	assert.Equal(t, 3, stats.Batches)
}

func TestLoadIdentifiersCSVCountsFailedBatches(t *testing.T) {
	engine := &flakyEngine{fakeEngine: newFakeEngine(), failOn: "Variável 25"}
	b := newTestBase(t, engine)

	var sb strings.Builder
	sb.WriteString("tipo,id,nome\n")
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&sb, "variavel,%d,Variável %d\n", i, i)
	}
	path := writeCatalog(t, sb.String())

	stats, err := b.LoadIdentifiersCSV(context.Background(), path)
	require.NoError(t, err)

	// The second batch (rows 20-39) fails; the first still loads.
	assert.Equal(t, 40, stats.Total)
	assert.Equal(t, 20, stats.Failed)
	assert.Equal(t, 1, stats.Batches)

	count, err := b.Store().CountIdentifiers()
	require.NoError(t, err)
	assert.Equal(t, 20, count)
}

func TestLoadIdentifiersCSVAllBatchesFailed(t *testing.T) {
	engine := &flakyEngine{fakeEngine: newFakeEngine(), failOn: "Variável"}
	b := newTestBase(t, engine)

	path := writeCatalog(t, "tipo,id,nome\nvariavel,1,Variável 1\nvariavel,2,Variável 2\n")
	stats, err := b.LoadIdentifiersCSV(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, 2, stats.Failed)
}

func TestEmbeddingTaskTypes(t *testing.T) {
	engine := &taskRecordingEngine{fakeEngine: newFakeEngine()}
	engine.vectors["trabalho"] = []float32{1, 0, 0, 0}
	b := newTestBase(t, engine)

	path := writeCatalog(t, "tipo,id,nome\nassunto,70,Trabalho\n")
	_, err := b.LoadIdentifiersCSV(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, engine.tasks, "RETRIEVAL_DOCUMENT")

	if !b.Store().HasVectorSearch() {
		t.Skip("vector search not available")
	}

	_, err = b.Search(context.Background(), "trabalho", "", 3)
	require.NoError(t, err)
	assert.Contains(t, engine.tasks, "RETRIEVAL_QUERY")
}

func TestLoadIdentifiersCSVMissingFile(t *testing.T) {
	b := newTestBase(t, newFakeEngine())
	_, err := b.LoadIdentifiersCSV(context.Background(), "/nonexistent/identificadores.csv")
	assert.Error(t, err)
}

func TestSearchFiltersByTipo(t *testing.T) {
	engine := newFakeEngine()
	engine.vectors["trabalho"] = []float32{1, 0, 0, 0}
	engine.vectors["desocupação"] = []float32{0.9, 0.1, 0, 0}
	b := newTestBase(t, engine)

	path := writeCatalog(t, strings.Join([]string{
		"tipo,id,nome",
		"assunto,70,Trabalho",
		"variavel,4099,Taxa de desocupação",
		"nivel_territorial,N3,Unidade da Federação",
	}, "\n"))
	_, err := b.LoadIdentifiersCSV(context.Background(), path)
	require.NoError(t, err)

	if !b.Store().HasVectorSearch() {
		t.Skip("vector search not available")
	}

	matches, err := b.Search(context.Background(), "trabalho no Brasil", TipoVariavel, 2)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, TipoVariavel, matches[0].Tipo)
	assert.Equal(t, "4099", matches[0].IBGEID)
}

func TestSearchUnfilteredFallback(t *testing.T) {
	engine := newFakeEngine()
	engine.vectors["trabalho"] = []float32{1, 0, 0, 0}
	b := newTestBase(t, engine)

	path := writeCatalog(t, "tipo,id,nome\nassunto,70,Trabalho\n")
	_, err := b.LoadIdentifiersCSV(context.Background(), path)
	require.NoError(t, err)

	if !b.Store().HasVectorSearch() {
		t.Skip("vector search not available")
	}

	// No documents of the requested tipo exist; the unfiltered results
	// come back instead of nothing.
	matches, err := b.Search(context.Background(), "trabalho", TipoVariavel, 3)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, TipoAssunto, matches[0].Tipo)
}

func TestSearchWithoutEngineUsesKeywords(t *testing.T) {
	b := newTestBase(t, nil)
	require.NoError(t, b.Store().StoreIdentifier(store.Document{
		ID: "ibge_assunto_148", Tipo: TipoAssunto, IBGEID: "148",
		Nome: "Inflação", Content: "IBGE identificador do tipo assunto: Inflação (id: 148).",
	}, nil))

	matches, err := b.Search(context.Background(), "dados de inflação", "", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "148", matches[0].IBGEID)
}

func TestFormatMatches(t *testing.T) {
	matches := []store.Match{
		{Document: store.Document{Tipo: TipoAssunto, IBGEID: "70", Nome: "Trabalho"}},
		{Document: store.Document{Tipo: TipoNivelTerritorial, IBGEID: "N3", Nome: "Unidade da Federação"}},
	}
	got := FormatMatches(matches)
	assert.Equal(t, "ASSUNTO: 70 | Trabalho\nNIVEL_TERRITORIAL: N3 | Unidade da Federação", got)

	assert.Equal(t, "(nenhum identificador encontrado)", FormatMatches(nil))
}

func TestDocumentID(t *testing.T) {
	assert.Equal(t, "ibge_assunto_70", DocumentID("assunto", "70"))
	assert.Equal(t, "ibge_nivel_territorial_n3", DocumentID("Nivel Territorial", "N3"))
}

func TestResolveGeoLevel(t *testing.T) {
	b := newTestBase(t, nil)

	tests := []struct {
		desc string
		want string
	}{
		{"Brasil", "N1"},
		{"estado", "N3"},
		{"municípios", "N6"},
		{"região metropolitana", "N7"},
		{"algo desconhecido", "N1"},
	}
	for _, tt := range tests {
		got, err := b.ResolveGeoLevel(context.Background(), tt.desc)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.desc)
	}
}

func TestResolveGeoLevelExplicitCode(t *testing.T) {
	b := newTestBase(t, nil)
	require.NoError(t, b.Store().StoreIdentifier(store.Document{
		ID: DocumentID(TipoNivelTerritorial, "N3"), Tipo: TipoNivelTerritorial,
		IBGEID: "N3", Nome: "Unidade da Federação", Content: "nível N3",
	}, nil))

	got, err := b.ResolveGeoLevel(context.Background(), "n3")
	require.NoError(t, err)
	assert.Equal(t, "N3", got)

	// Codes absent from the catalog pass through unchanged.
	got, err = b.ResolveGeoLevel(context.Background(), "N102")
	require.NoError(t, err)
	assert.Equal(t, "N102", got)
}
