package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── users ──

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, password_hash, role, site)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (username) DO NOTHING
	`, user.ID, user.Username, user.DisplayName, user.PasswordHash, user.Role, user.Site)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, password_hash, role, site, created_at
		FROM users WHERE username=$1
	`, username).Scan(&user.ID, &user.Username, &user.DisplayName, &user.PasswordHash,
		&user.Role, &user.Site, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UserExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username=$1)`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username=$1`, username)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// ── completion contexts ──

// NextContextOID allocates a surrogate identity ahead of insert, so a
// context without a natural identifier can be keyed by its derived one
// from the start.
func (s *PostgresStore) NextContextOID(ctx context.Context) (int64, error) {
	var oid int64
	err := s.db.QueryRowContext(ctx,
		`SELECT nextval(pg_get_serial_sequence('completion_contexts', 'oid'))`).Scan(&oid)
	if err != nil {
		return 0, fmt.Errorf("allocate context oid: %w", err)
	}
	return oid, nil
}

func (s *PostgresStore) CreateContext(ctx context.Context, cc CompletionContext) (CompletionContext, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO completion_contexts (id, oid, ntiid, context_type, site)
		VALUES ($1,
			COALESCE(NULLIF($2, 0), nextval(pg_get_serial_sequence('completion_contexts', 'oid'))),
			$3, $4, $5)
		ON CONFLICT (ntiid) DO UPDATE SET context_type=EXCLUDED.context_type
		RETURNING oid, created_at
	`, cc.ID, cc.OID, cc.NTIID, cc.ContextType, cc.Site).Scan(&cc.OID, &cc.CreatedAt)
	if err != nil {
		return CompletionContext{}, fmt.Errorf("insert completion context: %w", err)
	}
	return cc, nil
}

func (s *PostgresStore) GetContext(ctx context.Context, ntiid string) (CompletionContext, error) {
	var cc CompletionContext
	err := s.db.QueryRowContext(ctx, `
		SELECT id, oid, ntiid, context_type, site, marked_for_deletion, created_at
		FROM completion_contexts WHERE ntiid=$1
	`, ntiid).Scan(&cc.ID, &cc.OID, &cc.NTIID, &cc.ContextType, &cc.Site,
		&cc.MarkedForDeletion, &cc.CreatedAt)
	if err != nil {
		return CompletionContext{}, err
	}
	return cc, nil
}

func (s *PostgresStore) ListContextsBySite(ctx context.Context, site string) ([]CompletionContext, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, oid, ntiid, context_type, site, marked_for_deletion, created_at
		FROM completion_contexts
		WHERE site=$1
		ORDER BY created_at
	`, site)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	defer rows.Close()

	items := make([]CompletionContext, 0)
	for rows.Next() {
		var cc CompletionContext
		if err := rows.Scan(&cc.ID, &cc.OID, &cc.NTIID, &cc.ContextType, &cc.Site,
			&cc.MarkedForDeletion, &cc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		items = append(items, cc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contexts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListSites(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT site FROM completion_contexts ORDER BY site`)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	sites := make([]string, 0)
	for rows.Next() {
		var site string
		if err := rows.Scan(&site); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

func (s *PostgresStore) MarkContextForDeletion(ctx context.Context, ntiid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE completion_contexts SET marked_for_deletion=TRUE WHERE ntiid=$1`, ntiid)
	if err != nil {
		return fmt.Errorf("mark context for deletion: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteContext(ctx context.Context, ntiid string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM completion_contexts WHERE ntiid=$1`, ntiid)
	if err != nil {
		return fmt.Errorf("delete context: %w", err)
	}
	return nil
}

// ── completable item metadata ──

func (s *PostgresStore) UpsertItem(ctx context.Context, item CompletableItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completable_items (ntiid, mime_type, context_ntiid)
		VALUES ($1, $2, $3)
		ON CONFLICT (ntiid) DO UPDATE SET mime_type=EXCLUDED.mime_type, context_ntiid=EXCLUDED.context_ntiid
	`, item.NTIID, item.MimeType, item.ContextNTIID)
	if err != nil {
		return fmt.Errorf("upsert completable item: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetItem(ctx context.Context, ntiid string) (CompletableItem, error) {
	var item CompletableItem
	err := s.db.QueryRowContext(ctx, `
		SELECT ntiid, mime_type, context_ntiid, created_at
		FROM completable_items WHERE ntiid=$1
	`, ntiid).Scan(&item.NTIID, &item.MimeType, &item.ContextNTIID, &item.CreatedAt)
	if err != nil {
		return CompletableItem{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListItemsByContext(ctx context.Context, contextNTIID string) ([]CompletableItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ntiid, mime_type, context_ntiid, created_at
		FROM completable_items WHERE context_ntiid=$1
		ORDER BY ntiid
	`, contextNTIID)
	if err != nil {
		return nil, fmt.Errorf("list completable items: %w", err)
	}
	defer rows.Close()

	items := make([]CompletableItem, 0)
	for rows.Next() {
		var item CompletableItem
		if err := rows.Scan(&item.NTIID, &item.MimeType, &item.ContextNTIID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan completable item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) DeleteItem(ctx context.Context, ntiid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM completable_items WHERE ntiid=$1`, ntiid)
	if err != nil {
		return fmt.Errorf("delete completable item: %w", err)
	}
	return nil
}

// ── completed item container ──
// One row per (principal, item, context); AddCompletedItem overwrites by
// item identifier, which is the container's keying invariant.

func (s *PostgresStore) AddCompletedItem(ctx context.Context, row CompletedItemRow) (int64, error) {
	var docID int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO completed_items
			(principal, item_ntiid, context_ntiid, completed_date, completed_day, success, site, item_mime_type)
		VALUES ($1, $2, $3, $4, ($4 AT TIME ZONE 'UTC')::date, $5, $6, $7)
		ON CONFLICT (principal, item_ntiid, context_ntiid)
		DO UPDATE SET completed_date=EXCLUDED.completed_date,
			completed_day=EXCLUDED.completed_day,
			success=EXCLUDED.success,
			site=EXCLUDED.site,
			item_mime_type=EXCLUDED.item_mime_type
		RETURNING doc_id
	`, row.Principal, row.ItemNTIID, row.ContextNTIID, row.CompletedDate,
		row.Success, row.Site, row.ItemMimeType).Scan(&docID)
	if err != nil {
		return 0, fmt.Errorf("add completed item: %w", err)
	}
	return docID, nil
}

func (s *PostgresStore) GetCompletedItem(ctx context.Context, principal, itemNTIID, contextNTIID string) (CompletedItemRow, error) {
	var row CompletedItemRow
	err := s.db.QueryRowContext(ctx, `
		SELECT doc_id, principal, item_ntiid, context_ntiid, completed_date, success, site, item_mime_type
		FROM completed_items
		WHERE principal=$1 AND item_ntiid=$2 AND context_ntiid=$3
	`, principal, itemNTIID, contextNTIID).Scan(&row.DocID, &row.Principal,
		&row.ItemNTIID, &row.ContextNTIID, &row.CompletedDate, &row.Success,
		&row.Site, &row.ItemMimeType)
	if err != nil {
		return CompletedItemRow{}, err
	}
	return row, nil
}

func (s *PostgresStore) ListCompletedItems(ctx context.Context, principal, contextNTIID string) ([]CompletedItemRow, error) {
	return s.queryCompletedItems(ctx, `
		SELECT doc_id, principal, item_ntiid, context_ntiid, completed_date, success, site, item_mime_type
		FROM completed_items
		WHERE principal=$1 AND context_ntiid=$2
		ORDER BY item_ntiid
	`, principal, contextNTIID)
}

func (s *PostgresStore) ListContextCompletedItems(ctx context.Context, contextNTIID string) ([]CompletedItemRow, error) {
	return s.queryCompletedItems(ctx, `
		SELECT doc_id, principal, item_ntiid, context_ntiid, completed_date, success, site, item_mime_type
		FROM completed_items
		WHERE context_ntiid=$1
		ORDER BY doc_id
	`, contextNTIID)
}

// ListSiteCompletedItems streams a site's organic completion records in
// doc_id order, for catalog rebuilds.
func (s *PostgresStore) ListSiteCompletedItems(ctx context.Context, site string) ([]CompletedItemRow, error) {
	return s.queryCompletedItems(ctx, `
		SELECT doc_id, principal, item_ntiid, context_ntiid, completed_date, success, site, item_mime_type
		FROM completed_items
		WHERE site=$1
		ORDER BY doc_id
	`, site)
}

// ListPrincipalCompletedItems returns every organic completion a
// principal holds across all contexts, for deletion cleanup.
func (s *PostgresStore) ListPrincipalCompletedItems(ctx context.Context, principal string) ([]CompletedItemRow, error) {
	return s.queryCompletedItems(ctx, `
		SELECT doc_id, principal, item_ntiid, context_ntiid, completed_date, success, site, item_mime_type
		FROM completed_items
		WHERE principal=$1
		ORDER BY doc_id
	`, principal)
}

func (s *PostgresStore) queryCompletedItems(ctx context.Context, query string, args ...any) ([]CompletedItemRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list completed items: %w", err)
	}
	defer rows.Close()

	items := make([]CompletedItemRow, 0)
	for rows.Next() {
		var row CompletedItemRow
		if err := rows.Scan(&row.DocID, &row.Principal, &row.ItemNTIID,
			&row.ContextNTIID, &row.CompletedDate, &row.Success,
			&row.Site, &row.ItemMimeType); err != nil {
			return nil, fmt.Errorf("scan completed item: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completed items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CompletedItemCount(ctx context.Context, principal, contextNTIID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM completed_items WHERE principal=$1 AND context_ntiid=$2
	`, principal, contextNTIID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count completed items: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CompletedLastModified(ctx context.Context, principal, contextNTIID string) (*time.Time, error) {
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT max(completed_date) FROM completed_items
		WHERE principal=$1 AND context_ntiid=$2
	`, principal, contextNTIID).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("completed last modified: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	return &last.Time, nil
}

// ListContextPrincipals returns every principal with at least one
// completion record (organic or awarded) in a context.
func (s *PostgresStore) ListContextPrincipals(ctx context.Context, contextNTIID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT principal FROM completed_items WHERE context_ntiid=$1
		UNION
		SELECT principal FROM awarded_completed_items WHERE context_ntiid=$1
		ORDER BY principal
	`, contextNTIID)
	if err != nil {
		return nil, fmt.Errorf("list context principals: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan principal: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CompletedCountsByDay groups a context's organic completions into
// day-granularity buckets, ascending by day.
func (s *PostgresStore) CompletedCountsByDay(ctx context.Context, contextNTIID string) ([]DayCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT completed_day, count(*)
		FROM completed_items
		WHERE context_ntiid=$1 AND completed_day IS NOT NULL
		GROUP BY completed_day
		ORDER BY completed_day
	`, contextNTIID)
	if err != nil {
		return nil, fmt.Errorf("count completions by day: %w", err)
	}
	defer rows.Close()

	buckets := make([]DayCount, 0)
	for rows.Next() {
		var b DayCount
		if err := rows.Scan(&b.Day, &b.Count); err != nil {
			return nil, fmt.Errorf("scan day bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// RemoveCompletedItem drops one principal's record for one item.
// Idempotent.
func (s *PostgresStore) RemoveCompletedItem(ctx context.Context, principal, itemNTIID, contextNTIID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM completed_items
		WHERE principal=$1 AND item_ntiid=$2 AND context_ntiid=$3
	`, principal, itemNTIID, contextNTIID)
	if err != nil {
		return fmt.Errorf("remove completed item: %w", err)
	}
	return nil
}

// RemovePrincipal drops every completed record a principal holds in one
// context. Idempotent.
func (s *PostgresStore) RemovePrincipal(ctx context.Context, contextNTIID, principal string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM completed_items WHERE context_ntiid=$1 AND principal=$2
	`, contextNTIID, principal)
	if err != nil {
		return fmt.Errorf("remove principal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM awarded_completed_items WHERE context_ntiid=$1 AND principal=$2
	`, contextNTIID, principal)
	if err != nil {
		return fmt.Errorf("remove principal awards: %w", err)
	}
	return nil
}

// RemoveItem drops every principal's completed record for one item in one
// context. Idempotent.
func (s *PostgresStore) RemoveItem(ctx context.Context, contextNTIID, itemNTIID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM completed_items WHERE context_ntiid=$1 AND item_ntiid=$2
	`, contextNTIID, itemNTIID)
	if err != nil {
		return fmt.Errorf("remove item: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM awarded_completed_items WHERE context_ntiid=$1 AND item_ntiid=$2
	`, contextNTIID, itemNTIID)
	if err != nil {
		return fmt.Errorf("remove item awards: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearContext(ctx context.Context, contextNTIID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM completed_items WHERE context_ntiid=$1`, contextNTIID)
	if err != nil {
		return fmt.Errorf("clear context completed items: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearPrincipal(ctx context.Context, contextNTIID, principal string) error {
	return s.RemovePrincipal(ctx, contextNTIID, principal)
}

// ListGhostPrincipals returns principals that hold completed records but
// no longer exist in the user directory.
func (s *PostgresStore) ListGhostPrincipals(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ci.principal
		FROM completed_items ci
		WHERE NOT EXISTS (SELECT 1 FROM users u WHERE u.username = ci.principal)
		ORDER BY ci.principal
	`)
	if err != nil {
		return nil, fmt.Errorf("list ghost principals: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan ghost principal: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *PostgresStore) ClearPrincipalEverywhere(ctx context.Context, principal string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM completed_items WHERE principal=$1`, principal); err != nil {
		return fmt.Errorf("clear principal completed items: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM awarded_completed_items WHERE principal=$1`, principal); err != nil {
		return fmt.Errorf("clear principal awarded items: %w", err)
	}
	return nil
}

// ── awarded item container ──

func (s *PostgresStore) AddAwardedItem(ctx context.Context, row AwardedItemRow) (int64, error) {
	var docID int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO awarded_completed_items
			(principal, item_ntiid, context_ntiid, completed_date, success, awarder, reason, site, item_mime_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (principal, item_ntiid, context_ntiid)
		DO UPDATE SET completed_date=EXCLUDED.completed_date,
			success=EXCLUDED.success,
			awarder=EXCLUDED.awarder,
			reason=EXCLUDED.reason,
			site=EXCLUDED.site,
			item_mime_type=EXCLUDED.item_mime_type
		RETURNING doc_id
	`, row.Principal, row.ItemNTIID, row.ContextNTIID, row.CompletedDate,
		row.Success, row.Awarder, row.Reason, row.Site, row.ItemMimeType).Scan(&docID)
	if err != nil {
		return 0, fmt.Errorf("add awarded item: %w", err)
	}
	return docID, nil
}

func (s *PostgresStore) GetAwardedItem(ctx context.Context, principal, itemNTIID, contextNTIID string) (AwardedItemRow, error) {
	var row AwardedItemRow
	err := s.db.QueryRowContext(ctx, `
		SELECT doc_id, principal, item_ntiid, context_ntiid, completed_date, success, awarder, reason, site, item_mime_type
		FROM awarded_completed_items
		WHERE principal=$1 AND item_ntiid=$2 AND context_ntiid=$3
	`, principal, itemNTIID, contextNTIID).Scan(&row.DocID, &row.Principal,
		&row.ItemNTIID, &row.ContextNTIID, &row.CompletedDate, &row.Success,
		&row.Awarder, &row.Reason, &row.Site, &row.ItemMimeType)
	if err != nil {
		return AwardedItemRow{}, err
	}
	return row, nil
}

func (s *PostgresStore) ListAwardedItems(ctx context.Context, principal, contextNTIID string) ([]AwardedItemRow, error) {
	return s.queryAwardedItems(ctx, `
		SELECT doc_id, principal, item_ntiid, context_ntiid, completed_date, success, awarder, reason, site, item_mime_type
		FROM awarded_completed_items
		WHERE principal=$1 AND context_ntiid=$2
		ORDER BY item_ntiid
	`, principal, contextNTIID)
}

func (s *PostgresStore) ListContextAwardedItems(ctx context.Context, contextNTIID string) ([]AwardedItemRow, error) {
	return s.queryAwardedItems(ctx, `
		SELECT doc_id, principal, item_ntiid, context_ntiid, completed_date, success, awarder, reason, site, item_mime_type
		FROM awarded_completed_items
		WHERE context_ntiid=$1
		ORDER BY doc_id
	`, contextNTIID)
}

func (s *PostgresStore) ListSiteAwardedItems(ctx context.Context, site string) ([]AwardedItemRow, error) {
	return s.queryAwardedItems(ctx, `
		SELECT doc_id, principal, item_ntiid, context_ntiid, completed_date, success, awarder, reason, site, item_mime_type
		FROM awarded_completed_items
		WHERE site=$1
		ORDER BY doc_id
	`, site)
}

func (s *PostgresStore) ListPrincipalAwardedItems(ctx context.Context, principal string) ([]AwardedItemRow, error) {
	return s.queryAwardedItems(ctx, `
		SELECT doc_id, principal, item_ntiid, context_ntiid, completed_date, success, awarder, reason, site, item_mime_type
		FROM awarded_completed_items
		WHERE principal=$1
		ORDER BY doc_id
	`, principal)
}

func (s *PostgresStore) queryAwardedItems(ctx context.Context, query string, args ...any) ([]AwardedItemRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list awarded items: %w", err)
	}
	defer rows.Close()

	items := make([]AwardedItemRow, 0)
	for rows.Next() {
		var row AwardedItemRow
		if err := rows.Scan(&row.DocID, &row.Principal, &row.ItemNTIID,
			&row.ContextNTIID, &row.CompletedDate, &row.Success,
			&row.Awarder, &row.Reason, &row.Site, &row.ItemMimeType); err != nil {
			return nil, fmt.Errorf("scan awarded item: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate awarded items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RemoveAwardedItem(ctx context.Context, principal, itemNTIID, contextNTIID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM awarded_completed_items
		WHERE principal=$1 AND item_ntiid=$2 AND context_ntiid=$3
	`, principal, itemNTIID, contextNTIID)
	if err != nil {
		return fmt.Errorf("remove awarded item: %w", err)
	}
	return nil
}

// ── required / optional item sets ──
// The two key-sets are disjoint: adding to one removes from the other in
// the same transaction.

func (s *PostgresStore) AddRequiredItem(ctx context.Context, contextNTIID, itemNTIID string) error {
	return s.moveItemKey(ctx, contextNTIID, itemNTIID,
		"completable_required", "completable_optional")
}

func (s *PostgresStore) AddOptionalItem(ctx context.Context, contextNTIID, itemNTIID string) error {
	return s.moveItemKey(ctx, contextNTIID, itemNTIID,
		"completable_optional", "completable_required")
}

func (s *PostgresStore) moveItemKey(ctx context.Context, contextNTIID, itemNTIID, into, outOf string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin item key tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE context_ntiid=$1 AND item_ntiid=$2`, outOf),
		contextNTIID, itemNTIID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear %s key: %w", outOf, err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (context_ntiid, item_ntiid) VALUES ($1, $2) ON CONFLICT DO NOTHING`, into),
		contextNTIID, itemNTIID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert %s key: %w", into, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit item key tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveRequiredItem(ctx context.Context, contextNTIID, itemNTIID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM completable_required WHERE context_ntiid=$1 AND item_ntiid=$2`,
		contextNTIID, itemNTIID)
	if err != nil {
		return fmt.Errorf("remove required key: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveOptionalItem(ctx context.Context, contextNTIID, itemNTIID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM completable_optional WHERE context_ntiid=$1 AND item_ntiid=$2`,
		contextNTIID, itemNTIID)
	if err != nil {
		return fmt.Errorf("remove optional key: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequiredKeys(ctx context.Context, contextNTIID string) ([]string, error) {
	return s.itemKeys(ctx, "completable_required", contextNTIID)
}

func (s *PostgresStore) OptionalKeys(ctx context.Context, contextNTIID string) ([]string, error) {
	return s.itemKeys(ctx, "completable_optional", contextNTIID)
}

func (s *PostgresStore) itemKeys(ctx context.Context, table, contextNTIID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT item_ntiid FROM %s WHERE context_ntiid=$1 ORDER BY item_ntiid`, table),
		contextNTIID)
	if err != nil {
		return nil, fmt.Errorf("list %s keys: %w", table, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan %s key: %w", table, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) IsRequired(ctx context.Context, contextNTIID, itemNTIID string) (bool, error) {
	return s.hasItemKey(ctx, "completable_required", contextNTIID, itemNTIID)
}

func (s *PostgresStore) IsOptional(ctx context.Context, contextNTIID, itemNTIID string) (bool, error) {
	return s.hasItemKey(ctx, "completable_optional", contextNTIID, itemNTIID)
}

func (s *PostgresStore) hasItemKey(ctx context.Context, table, contextNTIID, itemNTIID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE context_ntiid=$1 AND item_ntiid=$2)`, table),
		contextNTIID, itemNTIID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check %s key: %w", table, err)
	}
	return exists, nil
}

// ── completion policies ──

func (s *PostgresStore) SetContextPolicy(ctx context.Context, contextNTIID string, percentage float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completion_policies (context_ntiid, percentage)
		VALUES ($1, $2)
		ON CONFLICT (context_ntiid) DO UPDATE SET percentage=EXCLUDED.percentage, updated_at=NOW()
	`, contextNTIID, percentage)
	if err != nil {
		return fmt.Errorf("set context policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetContextPolicy(ctx context.Context, contextNTIID string) (ContextPolicyRow, error) {
	var row ContextPolicyRow
	err := s.db.QueryRowContext(ctx, `
		SELECT context_ntiid, percentage, updated_at
		FROM completion_policies WHERE context_ntiid=$1
	`, contextNTIID).Scan(&row.ContextNTIID, &row.Percentage, &row.UpdatedAt)
	if err != nil {
		return ContextPolicyRow{}, err
	}
	return row, nil
}

func (s *PostgresStore) DeleteContextPolicy(ctx context.Context, contextNTIID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM completion_policies WHERE context_ntiid=$1`, contextNTIID)
	if err != nil {
		return fmt.Errorf("delete context policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetItemPolicy(ctx context.Context, row ItemPolicyRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO item_completion_policies (context_ntiid, item_ntiid, count_threshold, percentage)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (context_ntiid, item_ntiid)
		DO UPDATE SET count_threshold=EXCLUDED.count_threshold,
			percentage=EXCLUDED.percentage, updated_at=NOW()
	`, row.ContextNTIID, row.ItemNTIID, row.Count, row.Percentage)
	if err != nil {
		return fmt.Errorf("set item policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetItemPolicy(ctx context.Context, contextNTIID, itemNTIID string) (ItemPolicyRow, error) {
	var row ItemPolicyRow
	err := s.db.QueryRowContext(ctx, `
		SELECT context_ntiid, item_ntiid, count_threshold, percentage, updated_at
		FROM item_completion_policies
		WHERE context_ntiid=$1 AND item_ntiid=$2
	`, contextNTIID, itemNTIID).Scan(&row.ContextNTIID, &row.ItemNTIID,
		&row.Count, &row.Percentage, &row.UpdatedAt)
	if err != nil {
		return ItemPolicyRow{}, err
	}
	return row, nil
}

func (s *PostgresStore) DeleteItemPolicy(ctx context.Context, contextNTIID, itemNTIID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM item_completion_policies WHERE context_ntiid=$1 AND item_ntiid=$2
	`, contextNTIID, itemNTIID)
	if err != nil {
		return fmt.Errorf("delete item policy: %w", err)
	}
	return nil
}

// ── default-required mime types ──

func (s *PostgresStore) SetDefaultRequiredMimeTypes(ctx context.Context, contextNTIID string, mimeTypes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mime types tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM default_required_mime_types WHERE context_ntiid=$1`, contextNTIID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear mime types: %w", err)
	}
	for _, mt := range mimeTypes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO default_required_mime_types (context_ntiid, mime_type)
			VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, contextNTIID, mt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert mime type: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mime types tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDefaultRequiredMimeTypes(ctx context.Context, contextNTIID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mime_type FROM default_required_mime_types
		WHERE context_ntiid=$1 ORDER BY mime_type
	`, contextNTIID)
	if err != nil {
		return nil, fmt.Errorf("list mime types: %w", err)
	}
	defer rows.Close()

	types := make([]string, 0)
	for rows.Next() {
		var mt string
		if err := rows.Scan(&mt); err != nil {
			return nil, fmt.Errorf("scan mime type: %w", err)
		}
		types = append(types, mt)
	}
	return types, rows.Err()
}

// PurgeContext removes every container, key set, and policy attached to
// a context, then the context row itself, in one transaction.
func (s *PostgresStore) PurgeContext(ctx context.Context, contextNTIID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purge tx: %w", err)
	}
	statements := []string{
		`DELETE FROM completed_items WHERE context_ntiid=$1`,
		`DELETE FROM awarded_completed_items WHERE context_ntiid=$1`,
		`DELETE FROM completable_required WHERE context_ntiid=$1`,
		`DELETE FROM completable_optional WHERE context_ntiid=$1`,
		`DELETE FROM completion_policies WHERE context_ntiid=$1`,
		`DELETE FROM item_completion_policies WHERE context_ntiid=$1`,
		`DELETE FROM default_required_mime_types WHERE context_ntiid=$1`,
		`DELETE FROM completable_items WHERE context_ntiid=$1`,
		`DELETE FROM completion_contexts WHERE ntiid=$1`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, contextNTIID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("purge context: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit purge tx: %w", err)
	}
	return nil
}

var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err is a row-missing condition from either
// this package or database/sql.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, ErrNotFound)
}
