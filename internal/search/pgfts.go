package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over approved drafts using PostgreSQL full-text
// search. It is the fallback whenever Meilisearch is absent or unhealthy.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "d.status = 'approved' AND (d.fts || b.fts) @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.AgeGroup != "" {
		where += " AND b.age_group = $2"
		args = append(args, q.AgeGroup)
	}

	ctx := context.Background()

	var total int
	countSQL := `SELECT count(*) FROM drafts d JOIN briefs b ON b.id = d.brief_id WHERE ` + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT d.id, d.brief_id, d.title, b.topic_key, b.age_group,
			ts_headline('english', d.plain_text, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet
		FROM drafts d
		JOIN briefs b ON b.id = d.brief_id
		WHERE %s
		ORDER BY ts_rank(d.fts || b.fts, plainto_tsquery('english', $1)) DESC, d.approved_at DESC
		LIMIT %d OFFSET %d`, where, normalizeLimit(q.Limit), offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.DraftID, &r.BriefID, &r.Title, &r.TopicKey, &r.AgeGroup, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}
