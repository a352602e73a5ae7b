// Package searchindex implements the full-text search index over cached
// headers and decoded plain-text bodies (spec 4.2), backed by SQLite's
// FTS5 extension the same way the teacher's message store indexes mail.
package searchindex

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aerionmail/mailcore/internal/logging"
	"github.com/aerionmail/mailcore/internal/mail"
)

var log = logging.WithComponent("searchindex")

// Index is a single SQLite-FTS5-backed full-text index shared by every
// folder; documents are distinguished by their (folder, uid) columns.
type Index struct {
	db *sql.DB
}

// Open creates or opens the index database at path, creating its schema
// on first use.
func Open(path string) (*Index, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("searchindex: create dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("searchindex: open: %w", err)
	}
	db.SetMaxOpenConns(4)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("searchindex: ping: %w", err)
	}

	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) migrate() error {
	_, err := idx.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS search_fts USING fts5(
			folder,
			uid UNINDEXED,
			date_unix UNINDEXED,
			subject,
			from_addr,
			to_addr,
			body
		);
	`)
	if err != nil {
		return fmt.Errorf("searchindex: migrate: %w", err)
	}
	return nil
}

func (idx *Index) Close() error {
	return idx.db.Close()
}

// Index upserts the document for (folder, uid). It is idempotent: a
// second call with the same key replaces the previous entry.
func (idx *Index) Index(folder string, uid uint32, header mail.Header, bodyPlain string) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("searchindex: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM search_fts WHERE folder = ? AND uid = ?`, folder, uid); err != nil {
		return fmt.Errorf("searchindex: delete stale doc: %w", err)
	}

	to := joinAddrs(header.To)
	_, err = tx.Exec(
		`INSERT INTO search_fts (folder, uid, date_unix, subject, from_addr, to_addr, body) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		folder, uid, header.Date.Unix(), header.Subject, header.From, to, bodyPlain,
	)
	if err != nil {
		return fmt.Errorf("searchindex: insert: %w", err)
	}

	return tx.Commit()
}

// Remove deletes the document for (folder, uid), if present. Idempotent.
func (idx *Index) Remove(folder string, uid uint32) error {
	_, err := idx.db.Exec(`DELETE FROM search_fts WHERE folder = ? AND uid = ?`, folder, uid)
	if err != nil {
		return fmt.Errorf("searchindex: remove: %w", err)
	}
	return nil
}

func joinAddrs(addrs []string) string {
	out := ""
	for i, a := range addrs {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// Search evaluates a query-grammar string (spec 4.2) and returns hits
// ordered by message wall-clock descending.
func (idx *Index) Search(q mail.SearchQuery) (mail.SearchResult, error) {
	expr, err := compile(q.QueryString)
	if err != nil {
		return mail.SearchResult{}, fmt.Errorf("searchindex: compile query: %w", err)
	}

	max := q.Max
	if max <= 0 {
		max = 50
	}

	rows, err := idx.db.Query(
		`SELECT folder, uid, date_unix, subject, from_addr
		 FROM search_fts
		 WHERE search_fts MATCH ?
		 ORDER BY date_unix DESC
		 LIMIT ? OFFSET ?`,
		expr, max+1, q.Offset,
	)
	if err != nil {
		return mail.SearchResult{}, fmt.Errorf("searchindex: search: %w", err)
	}
	defer rows.Close()

	var hits []mail.SearchHit
	for rows.Next() {
		var (
			folder   string
			uid      uint32
			dateUnix int64
			subject  string
			from     string
		)
		if err := rows.Scan(&folder, &uid, &dateUnix, &subject, &from); err != nil {
			return mail.SearchResult{}, fmt.Errorf("searchindex: scan: %w", err)
		}
		hits = append(hits, mail.SearchHit{
			Folder: folder,
			UID:    uid,
			Header: mail.Header{
				UID:     uid,
				Date:    time.Unix(dateUnix, 0),
				Subject: subject,
				From:    from,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return mail.SearchResult{}, fmt.Errorf("searchindex: rows: %w", err)
	}

	hasMore := len(hits) > max
	if hasMore {
		hits = hits[:max]
	}
	return mail.SearchResult{Hits: hits, HasMore: hasMore}, nil
}
