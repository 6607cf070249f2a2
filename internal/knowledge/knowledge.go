// Package knowledge maintains the identifier knowledge base: the catalog of
// IBGE subjects, variables and territorial levels that grounds the agents'
// id resolution. Documents live in the store with their embeddings; search
// goes embedding-first with a keyword fallback.
package knowledge

import (
	"context"
	"fmt"
	"strings"

	"sidragent/internal/embedding"
	"sidragent/internal/logging"
	"sidragent/internal/store"
)

// Known document tipos in the identifiers catalog.
const (
	TipoAssunto          = "assunto"
	TipoVariavel         = "variavel"
	TipoNivelTerritorial = "nivel_territorial"
	TipoClassificacao    = "classificacao"
	TipoPeriodicidade    = "periodicidade"
)

// Base holds the store and the optional embedding engine. With no engine
// the base still answers keyword searches.
type Base struct {
	store  *store.Store
	engine embedding.Engine
}

// New creates a knowledge base. engine may be nil.
func New(s *store.Store, engine embedding.Engine) *Base {
	return &Base{store: s, engine: engine}
}

// Store exposes the underlying store, mainly for stats commands.
func (b *Base) Store() *store.Store {
	return b.store
}

// Search finds identifier documents relevant to the query. When tipo is
// non-empty, results are filtered to that tipo: the search over-fetches and
// filters, then retries unfiltered if nothing of the tipo came back.
func (b *Base) Search(ctx context.Context, query, tipo string, k int) ([]store.Match, error) {
	timer := logging.StartTimer(logging.CategoryKnowledge, "Search")
	defer timer.Stop()

	if k <= 0 {
		k = 5
	}

	logging.Knowledge("Searching knowledge base: query=%q tipo=%q k=%d", query, tipo, k)

	matches, err := b.rawSearch(ctx, query, k*2)
	if err != nil {
		return nil, err
	}

	if tipo == "" {
		if len(matches) > k {
			matches = matches[:k]
		}
		return matches, nil
	}

	filtered := filterByTipo(matches, tipo)
	if len(filtered) == 0 {
		// Nothing of the requested tipo in the top results. Retry without
		// the filter so the caller at least sees neighboring identifiers.
		logging.KnowledgeDebug("No %q matches in top %d, returning unfiltered results", tipo, len(matches))
		if len(matches) > k {
			matches = matches[:k]
		}
		return matches, nil
	}

	if len(filtered) > k {
		filtered = filtered[:k]
	}
	return filtered, nil
}

// rawSearch runs the embedding search (or keyword fallback) over the whole
// catalog.
func (b *Base) rawSearch(ctx context.Context, query string, k int) ([]store.Match, error) {
	if b.engine == nil || !b.store.HasVectorSearch() {
		return b.store.KeywordSearch(query, k)
	}

	queryVec, err := b.embedQuery(ctx, enhanceQuery(query))
	if err != nil {
		logging.Get(logging.CategoryKnowledge).Warn("Query embedding failed, falling back to keywords: %v", err)
		return b.store.KeywordSearch(query, k)
	}

	matches, err := b.store.SemanticSearch(queryVec, k)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return b.store.KeywordSearch(query, k)
	}
	return matches, nil
}

// embedQuery embeds search text, with the query task type on engines that
// support asymmetric retrieval.
func (b *Base) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if te, ok := b.engine.(embedding.TaskEngine); ok {
		return te.EmbedForTask(ctx, text, embedding.TaskForQuery(false))
	}
	return b.engine.Embed(ctx, text)
}

// enhanceQuery prefixes the raw query with catalog context. Identifier
// documents all share this framing, which pulls the query vector into the
// same region of the embedding space.
func enhanceQuery(query string) string {
	return fmt.Sprintf("IBGE identificador %s estatísticas brasileiras %s", query, query)
}

func filterByTipo(matches []store.Match, tipo string) []store.Match {
	out := make([]store.Match, 0, len(matches))
	for _, m := range matches {
		if m.Tipo == tipo {
			out = append(out, m)
		}
	}
	return out
}

// FormatMatches renders matches as one "TIPO: id | nome" line each, the
// shape the selection prompts expect as candidate lists.
func FormatMatches(matches []store.Match) string {
	if len(matches) == 0 {
		return "(nenhum identificador encontrado)"
	}
	var sb strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&sb, "%s: %s | %s\n", strings.ToUpper(m.Tipo), m.IBGEID, m.Nome)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ResolveGeoLevel maps a free-form territory description to an IBGE
// territorial level code (N1, N3, N6, ...). Common names resolve directly;
// anything else goes through the knowledge base.
func (b *Base) ResolveGeoLevel(ctx context.Context, description string) (string, error) {
	desc := strings.ToLower(strings.TrimSpace(description))
	if code, ok := geoLevelAliases[desc]; ok {
		return code, nil
	}

	// An explicit level code resolves by direct catalog lookup.
	if isLevelCode(desc) {
		code := strings.ToUpper(desc)
		if doc, err := b.store.GetIdentifier(DocumentID(TipoNivelTerritorial, code)); err == nil && doc != nil {
			return doc.IBGEID, nil
		}
		return code, nil
	}

	matches, err := b.Search(ctx, description, TipoNivelTerritorial, 1)
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		if m.Tipo == TipoNivelTerritorial {
			return m.IBGEID, nil
		}
	}
	// National level is always a valid query target.
	return "N1", nil
}

// isLevelCode reports whether s already looks like an N-code (n1, n6...).
func isLevelCode(s string) bool {
	if len(s) < 2 || (s[0] != 'n' && s[0] != 'N') {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var geoLevelAliases = map[string]string{
	"brasil":               "N1",
	"brazil":               "N1",
	"nacional":             "N1",
	"país":                 "N1",
	"pais":                 "N1",
	"grande região":        "N2",
	"grande regiao":        "N2",
	"região":               "N2",
	"regiao":               "N2",
	"estado":               "N3",
	"estados":              "N3",
	"uf":                   "N3",
	"unidade da federação": "N3",
	"unidade da federacao": "N3",
	"mesorregião":          "N8",
	"mesorregiao":          "N8",
	"microrregião":         "N9",
	"microrregiao":         "N9",
	"município":            "N6",
	"municipio":            "N6",
	"municípios":           "N6",
	"municipios":           "N6",
	"região metropolitana": "N7",
	"regiao metropolitana": "N7",
}
