// Package knowledge implements the managed search index behind the rag
// strategy and the local_knowledge agent. Documents are chunks of
// ingested sources grouped by knowledge base and searched with SQLite
// FTS5.
package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Ranking profiles accepted by [Store.Search].
const (
	ProfileDefault = "default"
	ProfileRecent  = "recent"
)

// Document is one searchable chunk.
type Document struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Date  string `json:"date"`
	Chunk string `json:"chunk"`
}

// SearchOptions control a single index query.
type SearchOptions struct {
	// Count caps the number of documents returned. Zero means 5.
	Count int
	// Profile selects the ranking: ProfileDefault orders by relevance,
	// ProfileRecent by date and then relevance.
	Profile string
}

// Store is a SQLite-backed full-text index. It is safe for concurrent use.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	ftsEnabled bool
}

// Open opens (or creates) the index at path. Use ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open knowledge index: %w", err)
	}
	if path == ":memory:" {
		// Each new connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate knowledge schema: %w", err)
	}
	s.tryEnableFTS()
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS documents (
		kb          TEXT NOT NULL,
		source      TEXT NOT NULL,
		title       TEXT NOT NULL,
		url         TEXT NOT NULL,
		date        TEXT NOT NULL DEFAULT '',
		chunk       TEXT NOT NULL,
		ingested_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_kb ON documents(kb);
	CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(kb, source);
	`)
	return err
}

func (s *Store) tryEnableFTS() {
	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
			title,
			chunk,
			content=documents,
			content_rowid=rowid
		)
	`)
	if err != nil {
		s.logger.Warn("FTS5 not available for knowledge index, using LIKE fallback", "error", err)
		return
	}
	s.ftsEnabled = true
	s.rebuildFTS()
}

func (s *Store) rebuildFTS() {
	if !s.ftsEnabled {
		return
	}
	if _, err := s.db.Exec(`INSERT INTO documents_fts(documents_fts) VALUES('rebuild')`); err != nil {
		s.logger.Warn("failed to rebuild knowledge FTS index", "error", err)
		s.ftsEnabled = false
	}
}

// Replace swaps every document previously ingested from source in kb
// for docs, so re-importing a file never duplicates its sections.
func (s *Store) Replace(ctx context.Context, kb, source string, docs []Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE kb = ? AND source = ?`, kb, source); err != nil {
		return fmt.Errorf("delete previous documents: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, d := range docs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (kb, source, title, url, date, chunk, ingested_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			kb, source, d.Title, d.URL, d.Date, d.Chunk, now,
		); err != nil {
			return fmt.Errorf("insert document %q: %w", d.Title, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.rebuildFTS()
	return nil
}

// Count returns the number of documents in kb.
func (s *Store) Count(ctx context.Context, kb string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE kb = ?`, kb).Scan(&n)
	return n, err
}

// Search returns documents in kb matching query. Results may contain
// several chunks from the same URL; callers deduplicate.
func (s *Store) Search(ctx context.Context, kb, query string, opts SearchOptions) ([]Document, error) {
	if opts.Count <= 0 {
		opts.Count = 5
	}
	if s.ftsEnabled {
		docs, err := s.searchFTS(ctx, kb, query, opts)
		if err == nil {
			return docs, nil
		}
		s.logger.Warn("FTS5 search failed, falling back to LIKE", "error", err, "query", query)
	}
	return s.searchLIKE(ctx, kb, query, opts)
}

func (s *Store) searchFTS(ctx context.Context, kb, query string, opts SearchOptions) ([]Document, error) {
	match := sanitizeFTS5Query(query)
	if match == "" {
		return nil, nil
	}

	order := "bm25(documents_fts)"
	if opts.Profile == ProfileRecent {
		order = "documents.date DESC, bm25(documents_fts)"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT documents.title, documents.url, documents.date, documents.chunk
		FROM documents_fts
		JOIN documents ON documents_fts.rowid = documents.rowid
		WHERE documents_fts MATCH ? AND documents.kb = ?
		ORDER BY `+order+`
		LIMIT ?
	`, match, kb, opts.Count)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func (s *Store) searchLIKE(ctx context.Context, kb, query string, opts SearchOptions) ([]Document, error) {
	words := strings.Fields(query)
	if len(words) == 0 {
		return nil, nil
	}

	clauses := make([]string, 0, len(words))
	args := []any{kb}
	for _, w := range words {
		clauses = append(clauses, "(title LIKE ? OR chunk LIKE ?)")
		p := "%" + w + "%"
		args = append(args, p, p)
	}
	order := "rowid"
	if opts.Profile == ProfileRecent {
		order = "date DESC, rowid"
	}
	args = append(args, opts.Count)

	rows, err := s.db.QueryContext(ctx,
		`SELECT title, url, date, chunk FROM documents WHERE kb = ? AND (`+
			strings.Join(clauses, " OR ")+`) ORDER BY `+order+` LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.Title, &d.URL, &d.Date, &d.Chunk); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// sanitizeFTS5Query quotes each word so user text cannot inject FTS5
// syntax. Words are OR-ed; bm25 favors chunks matching more of them.
func sanitizeFTS5Query(query string) string {
	words := strings.Fields(query)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		w = strings.ReplaceAll(w, `"`, `""`)
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " OR ")
}
