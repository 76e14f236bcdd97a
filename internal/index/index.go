// Package index stores passages in SQLite and ranks them with FTS5 BM25.
package index

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cwoolley/passage-search/internal/passages"
	_ "modernc.org/sqlite"
)

// maxLine bounds a single collection line; MS MARCO passages are far shorter.
const maxLine = 1 << 20

// Index is a passage collection backed by an SQLite database.
type Index struct {
	db *sql.DB
}

// Open opens or creates the index database at path. Use ":memory:" for a
// throwaway index.
func Open(path string) (*Index, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across queries.
	db.SetMaxOpenConns(1)

	ix := &Index{db: db}
	if err := ix.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *Index) initialize() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS passages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pid TEXT NOT NULL UNIQUE,
			text TEXT NOT NULL
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS passages_fts USING fts5(
			text,
			content='passages',
			content_rowid='id'
		)`,
		`CREATE TRIGGER IF NOT EXISTS passages_ai AFTER INSERT ON passages BEGIN
			INSERT INTO passages_fts(rowid, text) VALUES (new.id, new.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS passages_ad AFTER DELETE ON passages BEGIN
			INSERT INTO passages_fts(passages_fts, rowid, text) VALUES('delete', old.id, old.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS passages_au AFTER UPDATE ON passages BEGIN
			INSERT INTO passages_fts(passages_fts, rowid, text) VALUES('delete', old.id, old.text);
			INSERT INTO passages_fts(rowid, text) VALUES (new.id, new.text);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := ix.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize index: %w", err)
		}
	}
	return nil
}

// Close releases the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Import reads "pid<TAB>text" lines and upserts them in one transaction.
// Blank lines are skipped. It returns the number of passages written.
func (ix *Index) Import(ctx context.Context, r io.Reader) (int, error) {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO passages(pid, text) VALUES (?, ?)
		ON CONFLICT(pid) DO UPDATE SET text = excluded.text
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare import: %w", err)
	}
	defer stmt.Close()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	count, line := 0, 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		pid, passage, ok := strings.Cut(text, "\t")
		if !ok {
			return 0, fmt.Errorf("line %d: expected id<TAB>text", line)
		}
		pid = strings.TrimSpace(pid)
		if pid == "" {
			return 0, fmt.Errorf("line %d: empty id", line)
		}
		if _, err := stmt.ExecContext(ctx, pid, passage); err != nil {
			return 0, fmt.Errorf("line %d: %w", line, err)
		}
		count++
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("read collection: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	return count, nil
}

// ImportFile imports a collection file from disk.
func (ix *Index) ImportFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open collection: %w", err)
	}
	defer f.Close()
	return ix.Import(ctx, f)
}

// Count returns the number of stored passages.
func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM passages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count passages: %w", err)
	}
	return n, nil
}

// Search returns up to limit passages matching any term of query, best
// BM25 match first.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]passages.Passage, error) {
	match := matchExpr(query)
	if match == "" || limit <= 0 {
		return []passages.Passage{}, nil
	}

	rows, err := ix.db.QueryContext(ctx, `
		SELECT p.pid, p.text
		FROM passages_fts
		JOIN passages p ON p.id = passages_fts.rowid
		WHERE passages_fts MATCH ?
		ORDER BY bm25(passages_fts) ASC
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	defer rows.Close()

	results := []passages.Passage{}
	for rows.Next() {
		var p passages.Passage
		if err := rows.Scan(&p.ID, &p.Passage); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	return results, nil
}

// matchExpr turns free text into an FTS5 expression that ORs every term as
// a quoted string, so user input never reaches the query syntax.
func matchExpr(query string) string {
	var terms []string
	for _, f := range strings.FieldsFunc(query, isSeparator) {
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

func isSeparator(r rune) bool {
	switch r {
	case '"', '\'', '(', ')', '*', ':', '^', '-', '+', '{', '}', ',', '.', '?', '!', ';':
		return true
	}
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
