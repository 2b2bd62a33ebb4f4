// Package catalog maintains the secondary index over completion records.
// The index is derived data: every record can be rebuilt from the store,
// so index writes are advisory and rebuilds are idempotent.
package catalog

import (
	"context"
	"fmt"
	"time"

	"waypoint/api/internal/store"
)

// Record is the indexed projection of one completion record. ID is the
// index document key, derived from the record's provenance and surrogate
// doc id so organic and awarded records never collide.
type Record struct {
	ID            string `json:"id"`
	DocID         int64  `json:"docId"`
	Principal     string `json:"principal"`
	ItemNTIID     string `json:"itemNtiid"`
	ContextNTIID  string `json:"contextNtiid"`
	Site          string `json:"site"`
	MimeType      string `json:"itemMimeType"`
	CompletedTime int64  `json:"completedTime"`
	CompletedDay  string `json:"completedDay"`
	Success       bool   `json:"success"`
	Awarded       bool   `json:"awarded"`
}

// Query filters the index. Zero-valued fields are not applied.
type Query struct {
	Principal    string
	ItemNTIID    string
	ContextNTIID string
	Site         string
	Awarded      *bool
	Limit        int
	Offset       int
}

// Searcher executes index queries.
type Searcher interface {
	Search(q Query) ([]Record, int, error)
	Healthy() bool
}

// Indexer pushes records into the index.
type Indexer interface {
	IndexRecords(records []Record) error
	DeleteRecords(ids []string) error
}

// StoreCatalog is the store-backed side of the catalog: the search
// fallback and the record source for rebuilds.
type StoreCatalog interface {
	Search(q Query) ([]Record, int, error)
	LoadSiteRecords(ctx context.Context, site string) ([]Record, error)
}

// SeenSet tracks which record ids a rebuild has already visited, so a
// resumed or repeated rebuild never double-indexes.
type SeenSet interface {
	Contains(ctx context.Context, id string) (bool, error)
	Add(ctx context.Context, id string) error
}

// FromCompletedRow projects a stored organic completion into a Record.
func FromCompletedRow(row store.CompletedItemRow) Record {
	return Record{
		ID:            fmt.Sprintf("c-%d", row.DocID),
		DocID:         row.DocID,
		Principal:     row.Principal,
		ItemNTIID:     row.ItemNTIID,
		ContextNTIID:  row.ContextNTIID,
		Site:          row.Site,
		MimeType:      row.ItemMimeType,
		CompletedTime: row.CompletedDate.Unix(),
		CompletedDay:  row.CompletedDate.UTC().Format(time.DateOnly),
		Success:       row.Success,
	}
}

// FromAwardedRow projects a stored awarded completion into a Record.
func FromAwardedRow(row store.AwardedItemRow) Record {
	rec := FromCompletedRow(row.CompletedItemRow)
	rec.ID = fmt.Sprintf("a-%d", row.DocID)
	rec.Awarded = true
	return rec
}
