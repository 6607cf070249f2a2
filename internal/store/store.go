// Package store persists the identifier knowledge base in SQLite with
// vector search. The default build uses the pure-Go modernc driver with a
// vec0 compatibility shim; a cgo build tag switches to the real sqlite-vec
// extension.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"sidragent/internal/logging"
)

// Document is one entry of the identifier knowledge base: a subject,
// variable or territorial level from the identifiers catalog.
type Document struct {
	ID      string `json:"id"`      // deterministic, e.g. "ibge_assunto_70"
	Tipo    string `json:"tipo"`    // "assunto", "variavel", "nivel_territorial"
	IBGEID  string `json:"ibge_id"` // the raw catalog id, e.g. "70" or "N3"
	Nome    string `json:"nome"`
	Content string `json:"content"` // the text that was embedded
}

// Match is a search result with its similarity score.
type Match struct {
	Document
	Similarity float64
	Rank       int
}

// Store wraps the SQLite database holding identifiers and their embeddings.
// Embeddings live in the identifiers table; the vec0 virtual table is a
// rebuildable search index over them.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	vecTable  string
	vectorExt bool
}

// New opens (or creates) the store at the given path.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "New")
	defer timer.Stop()

	logging.Store("Opening store at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path, vecTable: vecTableName(path)}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if s.vectorExt {
		if err := s.syncVecIndex(); err != nil {
			db.Close()
			return nil, err
		}
		logging.Store("Vector search enabled (vec0)")
	} else {
		logging.Get(logging.CategoryStore).Warn("vec0 not available; falling back to keyword search")
	}

	return s, nil
}

// vecTableName derives a per-database vec0 table name, so two stores in
// one process never share a virtual table.
func vecTableName(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	h := fnv.New32a()
	h.Write([]byte(abs))
	return fmt.Sprintf("vec_identifiers_%08x", h.Sum32())
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS identifiers (
		id TEXT PRIMARY KEY,
		tipo TEXT NOT NULL,
		ibge_id TEXT NOT NULL,
		nome TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding BLOB,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_identifiers_tipo ON identifiers(tipo);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create identifiers table: %w", err)
	}

	// Databases created before the embedding column existed.
	if _, err := s.db.Exec("ALTER TABLE identifiers ADD COLUMN embedding BLOB"); err != nil {
		if !strings.Contains(err.Error(), "duplicate column") {
			logging.StoreDebug("embedding column migration: %v", err)
		}
	}
	return nil
}

// detectVecExtension probes for vec0 virtual table support.
func (s *Store) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// HasVectorSearch reports whether semantic search is available.
func (s *Store) HasVectorSearch() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectorExt
}

func (s *Store) ensureVecTable() error {
	_, err := s.db.Exec(fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(embedding BLOB, content TEXT, metadata TEXT)", s.vecTable))
	if err != nil {
		return fmt.Errorf("failed to create %s table: %w", s.vecTable, err)
	}
	return nil
}

// syncVecIndex rebuilds the vec0 index from the persisted embeddings when
// it is out of step with the identifiers table. The compat shim keeps vec
// rows in memory only, so a fresh process always rebuilds here.
func (s *Store) syncVecIndex() error {
	if err := s.ensureVecTable(); err != nil {
		return err
	}

	var stored int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM identifiers WHERE embedding IS NOT NULL").Scan(&stored); err != nil {
		return fmt.Errorf("failed to count embeddings: %w", err)
	}
	var indexed int
	if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", s.vecTable)).Scan(&indexed); err != nil {
		return fmt.Errorf("failed to count vec rows: %w", err)
	}
	if indexed == stored {
		return nil
	}

	logging.Store("Rebuilding vector index (%d indexed, %d stored)", indexed, stored)
	if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s", s.vecTable)); err != nil {
		return fmt.Errorf("failed to reset vec index: %w", err)
	}

	rows, err := s.db.Query("SELECT rowid, id, tipo, ibge_id, nome, content, embedding FROM identifiers WHERE embedding IS NOT NULL")
	if err != nil {
		return fmt.Errorf("failed to read embeddings: %w", err)
	}
	defer rows.Close()

	type indexRow struct {
		rowid int64
		doc   Document
		blob  []byte
	}
	var pending []indexRow
	for rows.Next() {
		var r indexRow
		if err := rows.Scan(&r.rowid, &r.doc.ID, &r.doc.Tipo, &r.doc.IBGEID, &r.doc.Nome, &r.doc.Content, &r.blob); err != nil {
			return fmt.Errorf("failed to scan embedding row: %w", err)
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range pending {
		if err := s.insertVecRow(s.db, r.rowid, r.doc, r.blob); err != nil {
			return err
		}
	}
	return nil
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// insertVecRow replaces the vec index entry for one identifier, keyed by
// the identifiers rowid so reloads never duplicate.
func (s *Store) insertVecRow(e execer, rowid int64, doc Document, blob []byte) error {
	meta, err := json.Marshal(vecMetadata{
		DocID:  doc.ID,
		Tipo:   doc.Tipo,
		IBGEID: doc.IBGEID,
		Nome:   doc.Nome,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata for %s: %w", doc.ID, err)
	}

	if _, err := e.Exec(fmt.Sprintf("DELETE FROM %s WHERE rowid = ?", s.vecTable), rowid); err != nil {
		return fmt.Errorf("failed to replace embedding for %s: %w", doc.ID, err)
	}
	if _, err := e.Exec(
		fmt.Sprintf("INSERT INTO %s (rowid, embedding, content, metadata) VALUES (?, ?, ?, ?)", s.vecTable),
		rowid, blob, doc.Content, string(meta),
	); err != nil {
		return fmt.Errorf("failed to insert embedding for %s: %w", doc.ID, err)
	}
	return nil
}

// vecMetadata is the JSON stored in the vec table's metadata column. It
// carries enough to rebuild a Document without joining back to identifiers.
type vecMetadata struct {
	DocID  string `json:"doc_id"`
	Tipo   string `json:"tipo"`
	IBGEID string `json:"ibge_id"`
	Nome   string `json:"nome"`
}

// StoreIdentifier upserts a single document with its embedding. A nil
// embedding stores the document for keyword search only.
func (s *Store) StoreIdentifier(doc Document, embedding []float32) error {
	return s.StoreIdentifierBatch([]Document{doc}, [][]float32{embedding})
}

// StoreIdentifierBatch upserts documents and their embeddings in one
// transaction. len(embeddings) must match len(docs); individual entries may
// be nil.
func (s *Store) StoreIdentifierBatch(docs []Document, embeddings [][]float32) error {
	timer := logging.StartTimer(logging.CategoryStore, "StoreIdentifierBatch")
	defer timer.Stop()

	if len(docs) != len(embeddings) {
		return fmt.Errorf("got %d documents but %d embeddings", len(docs), len(embeddings))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hasVectors := false
	for _, e := range embeddings {
		if len(e) > 0 {
			hasVectors = true
			break
		}
	}
	if hasVectors && s.vectorExt {
		if err := s.ensureVecTable(); err != nil {
			return err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	docStmt, err := tx.Prepare(`
		INSERT INTO identifiers (id, tipo, ibge_id, nome, content, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tipo = excluded.tipo,
			ibge_id = excluded.ibge_id,
			nome = excluded.nome,
			content = excluded.content,
			embedding = excluded.embedding
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer docStmt.Close()

	for i, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document %d has empty id", i)
		}

		var blob []byte
		if len(embeddings[i]) > 0 {
			blob = encodeFloat32SliceToBlob(embeddings[i])
		}
		if _, err := docStmt.Exec(doc.ID, doc.Tipo, doc.IBGEID, doc.Nome, doc.Content, blob); err != nil {
			return fmt.Errorf("failed to insert document %s: %w", doc.ID, err)
		}

		if blob == nil || !s.vectorExt {
			continue
		}

		var rowid int64
		if err := tx.QueryRow("SELECT rowid FROM identifiers WHERE id = ?", doc.ID).Scan(&rowid); err != nil {
			return fmt.Errorf("failed to resolve rowid for %s: %w", doc.ID, err)
		}
		if err := s.insertVecRow(tx, rowid, doc, blob); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	logging.StoreDebug("Stored %d identifiers (vectors=%v)", len(docs), hasVectors && s.vectorExt)
	return nil
}

// SemanticSearch returns the topK documents closest to the query embedding,
// most similar first.
func (s *Store) SemanticSearch(queryEmbedding []float32, topK int) ([]Match, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SemanticSearch")
	defer timer.Stop()

	if topK <= 0 {
		topK = 5
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.vectorExt {
		return nil, fmt.Errorf("vector search not available")
	}

	queryBlob := encodeFloat32SliceToBlob(queryEmbedding)

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT
			content,
			metadata,
			vec_distance_cosine(embedding, ?) AS distance
		FROM %s
		ORDER BY distance ASC
		LIMIT ?
	`, s.vecTable), queryBlob, topK)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil, nil
		}
		return nil, fmt.Errorf("semantic search failed: %w", err)
	}
	defer rows.Close()

	var matches []Match
	rank := 1
	for rows.Next() {
		var content, metaJSON string
		var distance float64
		if err := rows.Scan(&content, &metaJSON, &distance); err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to scan search row: %v", err)
			continue
		}

		var meta vecMetadata
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			logging.Get(logging.CategoryStore).Warn("Bad metadata in vec row: %v", err)
			continue
		}

		matches = append(matches, Match{
			Document: Document{
				ID:      meta.DocID,
				Tipo:    meta.Tipo,
				IBGEID:  meta.IBGEID,
				Nome:    meta.Nome,
				Content: content,
			},
			// Cosine distance is 1 - similarity.
			Similarity: 1.0 - distance,
			Rank:       rank,
		})
		rank++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating search results: %w", err)
	}

	logging.StoreDebug("SemanticSearch returned %d matches", len(matches))
	return matches, nil
}

// KeywordSearch returns documents whose name or content contains any of the
// query's keywords. Used when no embedding engine is available.
func (s *Store) KeywordSearch(query string, topK int) ([]Match, error) {
	timer := logging.StartTimer(logging.CategoryStore, "KeywordSearch")
	defer timer.Stop()

	if topK <= 0 {
		topK = 5
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keywords := extractKeywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}

	conds := make([]string, 0, len(keywords))
	args := make([]interface{}, 0, len(keywords)*2+1)
	for _, kw := range keywords {
		conds = append(conds, "(lower(nome) LIKE ? OR lower(content) LIKE ?)")
		pattern := "%" + strings.ToLower(kw) + "%"
		args = append(args, pattern, pattern)
	}
	args = append(args, topK)

	rows, err := s.db.Query(`
		SELECT id, tipo, ibge_id, nome, content
		FROM identifiers
		WHERE `+strings.Join(conds, " OR ")+`
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	defer rows.Close()

	var matches []Match
	rank := 1
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.Tipo, &m.IBGEID, &m.Nome, &m.Content); err != nil {
			continue
		}
		m.Rank = rank
		rank++
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// GetIdentifier fetches a document by its deterministic id.
func (s *Store) GetIdentifier(id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var doc Document
	err := s.db.QueryRow(`
		SELECT id, tipo, ibge_id, nome, content FROM identifiers WHERE id = ?
	`, id).Scan(&doc.ID, &doc.Tipo, &doc.IBGEID, &doc.Nome, &doc.Content)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// CountIdentifiers returns the number of stored documents.
func (s *Store) CountIdentifiers() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM identifiers").Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// CountByTipo returns document counts grouped by tipo.
func (s *Store) CountByTipo() (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT tipo, COUNT(*) FROM identifiers GROUP BY tipo")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var tipo string
		var n int
		if err := rows.Scan(&tipo, &n); err != nil {
			continue
		}
		counts[tipo] = n
	}
	return counts, rows.Err()
}

// Clear removes all documents and embeddings. Used before a full reload.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM identifiers"); err != nil {
		return fmt.Errorf("failed to clear identifiers: %w", err)
	}
	if s.vectorExt {
		_, _ = s.db.Exec(fmt.Sprintf("DELETE FROM %s", s.vecTable))
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// extractKeywords splits a query into lowercase terms worth matching,
// dropping short stopword-ish tokens.
func extractKeywords(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	keywords := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()")
		if len([]rune(f)) < 4 {
			continue
		}
		keywords = append(keywords, f)
	}
	return keywords
}
