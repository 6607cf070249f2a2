package knowledge

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"sidragent/internal/embedding"
	"sidragent/internal/logging"
	"sidragent/internal/store"
)

// embedBatchSize is how many documents go into one embedding request.
const embedBatchSize = 20

// maxConcurrentBatches bounds parallel embedding requests so a local
// Ollama server is not flooded.
const maxConcurrentBatches = 4

// LoadStats summarizes a catalog load. Failed counts documents in batches
// whose embedding or store write failed; those rows are not retried.
type LoadStats struct {
	Total   int
	ByTipo  map[string]int
	Batches int
	Skipped int
	Failed  int
}

// LoadIdentifiersCSV reads the identifiers catalog (columns tipo,id,nome)
// and stores every row with its embedding. Rows with missing fields are
// skipped and counted. Existing documents with the same id are replaced.
func (b *Base) LoadIdentifiersCSV(ctx context.Context, path string) (*LoadStats, error) {
	timer := logging.StartTimer(logging.CategoryKnowledge, "LoadIdentifiersCSV")
	defer timer.Stop()

	logging.Knowledge("Loading identifiers catalog from %s", path)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()

	docs, skipped, err := parseIdentifiersCSV(f)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("catalog %s has no usable rows", path)
	}

	stats := &LoadStats{
		Total:   len(docs),
		ByTipo:  make(map[string]int),
		Skipped: skipped,
	}
	for _, d := range docs {
		stats.ByTipo[d.Tipo]++
	}

	if hc, ok := b.engine.(interface {
		HealthCheck(context.Context) error
	}); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("embedding backend unavailable: %w", err)
		}
	}

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentBatches)

	for start := 0; start < len(docs); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]
		batchNum := start/embedBatchSize + 1

		eg.Go(func() error {
			failBatch := func(err error) {
				logging.Get(logging.CategoryKnowledge).Warn("Batch %d failed, skipping %d documents: %v", batchNum, len(batch), err)
				mu.Lock()
				stats.Failed += len(batch)
				mu.Unlock()
			}

			embeddings := make([][]float32, len(batch))
			if b.engine != nil {
				texts := make([]string, len(batch))
				for i, d := range batch {
					texts[i] = d.Content
				}
				vecs, err := b.embedDocuments(egCtx, texts)
				if err != nil {
					failBatch(err)
					return nil
				}
				embeddings = vecs
			}

			if err := b.store.StoreIdentifierBatch(batch, embeddings); err != nil {
				failBatch(err)
				return nil
			}

			mu.Lock()
			stats.Batches++
			mu.Unlock()
			logging.KnowledgeDebug("Stored batch %d (%d documents)", batchNum, len(batch))
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return stats, err
	}
	if stats.Failed == stats.Total {
		return stats, fmt.Errorf("every batch failed; nothing was loaded")
	}

	logging.Knowledge("Catalog load complete: %d documents in %d batches (%d rows skipped, %d failed)",
		stats.Total, stats.Batches, stats.Skipped, stats.Failed)
	return stats, nil
}

// embedDocuments embeds index-side texts, with the document task type on
// engines that support asymmetric retrieval.
func (b *Base) embedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if te, ok := b.engine.(embedding.TaskEngine); ok {
		return te.EmbedBatchForTask(ctx, texts, embedding.TaskForDocument())
	}
	return b.engine.EmbedBatch(ctx, texts)
}

// parseIdentifiersCSV reads tipo,id,nome rows into documents. The header
// row is detected by its literal column names.
func parseIdentifiersCSV(r io.Reader) ([]store.Document, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var docs []store.Document
	skipped := 0
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("csv parse error: %w", err)
		}
		line++

		if line == 1 && isHeaderRow(record) {
			continue
		}
		if len(record) < 3 {
			skipped++
			continue
		}

		tipo := strings.TrimSpace(record[0])
		id := strings.TrimSpace(record[1])
		nome := strings.TrimSpace(record[2])
		if tipo == "" || id == "" || nome == "" {
			skipped++
			continue
		}

		docs = append(docs, store.Document{
			ID:      DocumentID(tipo, id),
			Tipo:    tipo,
			IBGEID:  id,
			Nome:    nome,
			Content: documentContent(tipo, id, nome),
		})
	}

	return docs, skipped, nil
}

func isHeaderRow(record []string) bool {
	if len(record) < 3 {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(record[0]), "tipo") &&
		strings.EqualFold(strings.TrimSpace(record[1]), "id")
}

// DocumentID builds the deterministic store id for a catalog row, so
// reloads overwrite instead of duplicating.
func DocumentID(tipo, id string) string {
	clean := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
				return r
			default:
				return '_'
			}
		}, s)
	}
	return fmt.Sprintf("ibge_%s_%s", clean(tipo), clean(id))
}

// documentContent is the text that gets embedded. It repeats the catalog
// framing used by enhanceQuery so documents and queries embed comparably.
func documentContent(tipo, id, nome string) string {
	return fmt.Sprintf("IBGE identificador do tipo %s: %s (id: %s). Estatísticas brasileiras oficiais.", tipo, nome, id)
}
