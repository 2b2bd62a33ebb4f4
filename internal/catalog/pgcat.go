package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgCatalog implements Searcher directly over the completion tables, as
// the fallback when Meilisearch is unavailable. It also loads rows for
// rebuilds, since a rebuild must read the authoritative store, never the
// index it is repopulating.
type PgCatalog struct {
	db *sql.DB
}

func NewPgCatalog(db *sql.DB) *PgCatalog {
	return &PgCatalog{db: db}
}

// Healthy always returns true. If Postgres is down the whole service is
// down and the question is moot.
func (p *PgCatalog) Healthy() bool {
	return true
}

const recordColumns = `doc_id, principal, item_ntiid, context_ntiid, site, item_mime_type, completed_date, success`

// Search runs the query as a UNION ALL over the organic and awarded
// tables with the filters pushed into each arm's WHERE clause.
func (p *PgCatalog) Search(q Query) ([]Record, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var conds []string
	var args []any
	addCond := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	addCond("principal", q.Principal)
	addCond("item_ntiid", q.ItemNTIID)
	addCond("context_ntiid", q.ContextNTIID)
	addCond("site", q.Site)

	where := "TRUE"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}

	var arms []string
	if q.Awarded == nil || !*q.Awarded {
		arms = append(arms, fmt.Sprintf(
			`SELECT %s, FALSE AS awarded FROM completed_items WHERE %s`, recordColumns, where))
	}
	if q.Awarded == nil || *q.Awarded {
		arms = append(arms, fmt.Sprintf(
			`SELECT %s, TRUE AS awarded FROM awarded_completed_items WHERE %s`, recordColumns, where))
	}
	union := strings.Join(arms, " UNION ALL ")

	var total int
	countSQL := fmt.Sprintf(`SELECT count(*) FROM (%s) sub`, union)
	if err := p.db.QueryRow(countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count catalog records: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT doc_id, principal, item_ntiid, context_ntiid, site, item_mime_type, completed_date, success, awarded
		FROM (%s) sub
		ORDER BY completed_date DESC, doc_id DESC
		LIMIT %d OFFSET %d`, union, limit, offset)
	rows, err := p.db.Query(dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query catalog records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate catalog records: %w", err)
	}
	return records, total, nil
}

// LoadSiteRecords reads every completion record for one site from the
// authoritative tables, in doc_id order, for a rebuild.
func (p *PgCatalog) LoadSiteRecords(ctx context.Context, site string) ([]Record, error) {
	query := fmt.Sprintf(`
		SELECT doc_id, principal, item_ntiid, context_ntiid, site, item_mime_type, completed_date, success, awarded
		FROM (
			SELECT %s, FALSE AS awarded FROM completed_items WHERE site=$1
			UNION ALL
			SELECT %s, TRUE AS awarded FROM awarded_completed_items WHERE site=$1
		) sub
		ORDER BY awarded, doc_id`, recordColumns, recordColumns)
	rows, err := p.db.QueryContext(ctx, query, site)
	if err != nil {
		return nil, fmt.Errorf("load site records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate site records: %w", err)
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec           Record
		completedDate time.Time
	)
	if err := rows.Scan(&rec.DocID, &rec.Principal, &rec.ItemNTIID,
		&rec.ContextNTIID, &rec.Site, &rec.MimeType, &completedDate,
		&rec.Success, &rec.Awarded); err != nil {
		return Record{}, fmt.Errorf("scan catalog record: %w", err)
	}
	rec.CompletedTime = completedDate.Unix()
	rec.CompletedDay = completedDate.UTC().Format(time.DateOnly)
	if rec.Awarded {
		rec.ID = fmt.Sprintf("a-%d", rec.DocID)
	} else {
		rec.ID = fmt.Sprintf("c-%d", rec.DocID)
	}
	return rec, nil
}
