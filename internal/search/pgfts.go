package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries published_stories using plainto_tsquery and ts_rank,
// with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	where := "s.fts @@ " + tsQuery
	if q.FilterGenre != "" {
		where += fmt.Sprintf(" AND s.genre = $%d", argN)
		args = append(args, q.FilterGenre)
		argN++
	}
	if q.FilterStructure != "" {
		where += fmt.Sprintf(" AND s.structure = $%d", argN)
		args = append(args, q.FilterStructure)
		argN++
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM published_stories s WHERE %s", where)

	dataSQL := fmt.Sprintf(`
		SELECT s.id, s.title,
			ts_headline('english', coalesce(s.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			s.genre, s.structure, s.writer_name, s.word_count
		FROM published_stories s
		WHERE %s
		ORDER BY ts_rank(s.fts, %s) DESC
		LIMIT %d OFFSET %d`,
		tsQuery, where, tsQuery, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Genre, &r.Structure, &r.WriterName, &r.WordCount); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all published stories for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]StoryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, genre, description, structure, writer_name, word_count
		FROM published_stories
	`)
	if err != nil {
		return nil, fmt.Errorf("load published stories: %w", err)
	}
	defer rows.Close()

	records := make([]StoryRecord, 0)
	for rows.Next() {
		var r StoryRecord
		if err := rows.Scan(&r.ID, &r.Title, &r.Genre, &r.Description, &r.Structure, &r.WriterName, &r.WordCount); err != nil {
			return nil, fmt.Errorf("scan published story: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate published stories: %w", err)
	}
	return records, nil
}
