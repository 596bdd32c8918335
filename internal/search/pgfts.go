package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements annotation search over the postgres mirror as a
// fallback when Meilisearch is unreachable.
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

// annotationTSV matches the expression index over mirror_items.
const annotationTSV = `to_tsvector('simple',
	COALESCE(fields->>'annotationText', '') || ' ' ||
	COALESCE(fields->>'annotationComment', '') || ' ' ||
	COALESCE(fields->>'annotationPageLabel', ''))`

// Search runs plainto_tsquery over the mirrored annotation fields, ranked,
// with ts_headline snippets.
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

	where := fmt.Sprintf("item_type = 'annotation' AND NOT deleted AND %s @@ plainto_tsquery('simple', $1)", annotationTSV)
	args := []any{q.Text}
	argN := 2
	if q.LibraryKey != "" {
		where += fmt.Sprintf(" AND library_key = $%d", argN)
		args = append(args, q.LibraryKey)
		argN++
	}
	if q.ParentKey != "" {
		where += fmt.Sprintf(" AND parent_key = $%d", argN)
		args = append(args, q.ParentKey)
		argN++
	}
	if q.FilterType != "" {
		where += fmt.Sprintf(" AND fields->>'annotationType' = $%d", argN)
		args = append(args, q.FilterType)
		argN++
	}

	countSQL := fmt.Sprintf(`SELECT count(*) FROM mirror_items WHERE %s`, where)

	dataSQL := fmt.Sprintf(`
		SELECT item_key, library_key, parent_key,
			COALESCE(fields->>'annotationType', ''),
			COALESCE(fields->>'annotationText', ''),
			COALESCE(fields->>'annotationComment', ''),
			ts_headline('simple',
				COALESCE(fields->>'annotationText', '') || ' ' || COALESCE(fields->>'annotationComment', ''),
				plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30'),
			COALESCE(fields->>'annotationPageLabel', ''),
			COALESCE(fields->>'annotationSortIndex', '')
		FROM mirror_items
		WHERE %s
		ORDER BY ts_rank(%s, plainto_tsquery('simple', $1)) DESC
		LIMIT %d OFFSET %d`, where, annotationTSV, limit, offset)

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
		if err := rows.Scan(&r.ID, &r.LibraryKey, &r.ParentKey, &r.Type, &r.Text, &r.Comment, &r.Snippet, &r.PageLabel, &r.SortIndex); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all mirrored annotations for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]AnnotationRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT item_key, library_key, parent_key,
			COALESCE(fields->>'annotationType', ''),
			COALESCE(fields->>'annotationText', ''),
			COALESCE(fields->>'annotationComment', ''),
			COALESCE(fields->>'annotationColor', ''),
			COALESCE(fields->>'annotationPageLabel', ''),
			COALESCE(fields->>'annotationSortIndex', '')
		FROM mirror_items
		WHERE item_type = 'annotation' AND NOT deleted
	`)
	if err != nil {
		return nil, fmt.Errorf("load annotations: %w", err)
	}
	defer rows.Close()

	records := make([]AnnotationRecord, 0)
	for rows.Next() {
		var r AnnotationRecord
		if err := rows.Scan(&r.ID, &r.LibraryKey, &r.ParentKey, &r.Type, &r.Text, &r.Comment, &r.Color, &r.PageLabel, &r.SortIndex); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return records, nil
}
