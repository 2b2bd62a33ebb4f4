package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"waypoint/api/internal/checkpoint"
	"waypoint/api/internal/store"
)

type fakeIndexer struct {
	indexed [][]Record
	deleted [][]string
	err     error
	healthy bool
}

func (f *fakeIndexer) IndexRecords(records []Record) error {
	if f.err != nil {
		return f.err
	}
	f.indexed = append(f.indexed, records)
	return nil
}

func (f *fakeIndexer) DeleteRecords(ids []string) error {
	f.deleted = append(f.deleted, ids)
	return nil
}

func (f *fakeIndexer) Healthy() bool { return f.healthy }

type fakeStoreCatalog struct {
	records map[string][]Record
	results []Record
	total   int
	err     error
}

func (f *fakeStoreCatalog) Search(Query) ([]Record, int, error) {
	return f.results, f.total, f.err
}

func (f *fakeStoreCatalog) LoadSiteRecords(_ context.Context, site string) ([]Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records[site], nil
}

type fakeSearcher struct {
	healthy bool
	results []Record
	total   int
	err     error
}

func (f *fakeSearcher) Search(Query) ([]Record, int, error) { return f.results, f.total, f.err }
func (f *fakeSearcher) Healthy() bool                       { return f.healthy }

func siteRecords(site string, n int) []Record {
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Record{
			ID:   fmt.Sprintf("c-%d-%s", i, site),
			Site: site,
		})
	}
	return out
}

func TestRebuildIndexesEverySiteOnce(t *testing.T) {
	indexer := &fakeIndexer{healthy: true}
	pg := &fakeStoreCatalog{records: map[string][]Record{
		"alpha": siteRecords("alpha", 3),
		"beta":  siteRecords("beta", 2),
	}}
	svc := NewService(indexer, nil, pg)
	seen := checkpoint.NewMemorySet()

	counts, err := svc.Rebuild(context.Background(), seen, []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if counts["alpha"] != 3 || counts["beta"] != 2 {
		t.Fatalf("unexpected counts %v", counts)
	}
	if len(indexer.indexed) != 2 {
		t.Fatalf("expected one index batch per site, got %d", len(indexer.indexed))
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	indexer := &fakeIndexer{healthy: true}
	pg := &fakeStoreCatalog{records: map[string][]Record{
		"alpha": siteRecords("alpha", 4),
	}}
	svc := NewService(indexer, nil, pg)
	seen := checkpoint.NewMemorySet()
	ctx := context.Background()

	if _, err := svc.Rebuild(ctx, seen, []string{"alpha"}); err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	counts, err := svc.Rebuild(ctx, seen, []string{"alpha"})
	if err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	if counts["alpha"] != 0 {
		t.Fatalf("second pass over the same checkpoint indexed %d records, want 0", counts["alpha"])
	}
	if len(indexer.indexed) != 1 {
		t.Fatalf("expected a single index batch across both passes, got %d", len(indexer.indexed))
	}
}

func TestRebuildResumesAfterPartialPass(t *testing.T) {
	records := siteRecords("alpha", 3)
	pg := &fakeStoreCatalog{records: map[string][]Record{"alpha": records}}
	seen := checkpoint.NewMemorySet()
	ctx := context.Background()

	// Simulate an interrupted pass that only got through the first record.
	if err := seen.Add(ctx, records[0].ID); err != nil {
		t.Fatalf("seed seen set: %v", err)
	}

	indexer := &fakeIndexer{healthy: true}
	svc := NewService(indexer, nil, pg)
	counts, err := svc.Rebuild(ctx, seen, []string{"alpha"})
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if counts["alpha"] != 2 {
		t.Fatalf("resumed rebuild indexed %d records, want the 2 unvisited", counts["alpha"])
	}
}

func TestRebuildContinuesPastFailingSite(t *testing.T) {
	indexer := &fakeIndexer{healthy: true, err: errors.New("index down")}
	pg := &fakeStoreCatalog{records: map[string][]Record{
		"alpha": siteRecords("alpha", 2),
	}}
	svc := NewService(indexer, nil, pg)
	seen := checkpoint.NewMemorySet()

	counts, err := svc.Rebuild(context.Background(), seen, []string{"alpha"})
	if err != nil {
		t.Fatalf("a failing site should be logged, not fatal: %v", err)
	}
	if counts["alpha"] != 0 {
		t.Fatalf("failed site should report 0 indexed, got %d", counts["alpha"])
	}

	// Nothing was marked seen, so a retry after recovery indexes it all.
	indexer.err = nil
	counts, err = svc.Rebuild(context.Background(), seen, []string{"alpha"})
	if err != nil {
		t.Fatalf("retry rebuild: %v", err)
	}
	if counts["alpha"] != 2 {
		t.Fatalf("retry indexed %d records, want 2", counts["alpha"])
	}
}

func TestSearchFallsBackWhenPrimaryUnhealthy(t *testing.T) {
	prime := &fakeSearcher{healthy: false}
	pg := &fakeStoreCatalog{results: siteRecords("alpha", 1), total: 1}
	svc := NewService(nil, prime, pg)

	records, total, err := svc.Search(Query{Site: "alpha"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 1 || len(records) != 1 {
		t.Fatalf("expected store fallback results, got %d/%d", len(records), total)
	}
}

func TestSearchFallsBackOnPrimaryError(t *testing.T) {
	prime := &fakeSearcher{healthy: true, err: errors.New("boom")}
	pg := &fakeStoreCatalog{results: siteRecords("alpha", 2), total: 2}
	svc := NewService(nil, prime, pg)

	records, total, err := svc.Search(Query{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 2 || len(records) != 2 {
		t.Fatalf("expected fallback after primary error, got %d/%d", len(records), total)
	}
}

func TestSearchPrefersHealthyPrimary(t *testing.T) {
	prime := &fakeSearcher{healthy: true, results: siteRecords("alpha", 3), total: 30}
	pg := &fakeStoreCatalog{results: siteRecords("alpha", 1), total: 1}
	svc := NewService(nil, prime, pg)

	_, total, err := svc.Search(Query{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 30 {
		t.Fatalf("expected primary results, got total %d", total)
	}
}

func TestRecordProjection(t *testing.T) {
	when := time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)
	row := store.CompletedItemRow{
		DocID:         42,
		Principal:     "ada",
		ItemNTIID:     "tag:item",
		ContextNTIID:  "tag:ctx",
		CompletedDate: when,
		Success:       true,
		Site:          "alpha",
		ItemMimeType:  "video/mp4",
	}

	rec := FromCompletedRow(row)
	if rec.ID != "c-42" {
		t.Fatalf("organic record id = %q", rec.ID)
	}
	if rec.CompletedDay != "2026-03-14" {
		t.Fatalf("completed day = %q", rec.CompletedDay)
	}
	if rec.CompletedTime != when.Unix() || rec.Awarded {
		t.Fatalf("unexpected projection %+v", rec)
	}

	awarded := FromAwardedRow(store.AwardedItemRow{CompletedItemRow: row, Awarder: "grace"})
	if awarded.ID != "a-42" || !awarded.Awarded {
		t.Fatalf("awarded projection %+v", awarded)
	}
	// Same doc id, distinct index keys.
	if awarded.ID == rec.ID {
		t.Fatalf("organic and awarded records must not collide")
	}
}
