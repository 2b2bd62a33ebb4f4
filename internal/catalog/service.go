package catalog

import (
	"context"
	"log"
)

// Service is the catalog facade: Meilisearch when healthy, Postgres
// otherwise. Index writes are fire-and-forget; the store is the source
// of truth and a rebuild repairs any missed write.
type Service struct {
	meili Indexer
	prime Searcher
	pg    StoreCatalog
}

// NewService creates a catalog service. meili and prime are typically
// the same *Meili and may be nil when Meilisearch is not configured.
func NewService(meili Indexer, prime Searcher, pg StoreCatalog) *Service {
	return &Service{meili: meili, prime: prime, pg: pg}
}

// Search tries the primary index if healthy, otherwise the store.
func (s *Service) Search(q Query) ([]Record, int, error) {
	if s.prime != nil && s.prime.Healthy() {
		records, total, err := s.prime.Search(q)
		if err == nil {
			return records, total, nil
		}
		log.Printf("catalog: primary search error, falling back to store: %v", err)
	}
	return s.pg.Search(q)
}

// Index pushes one record to the primary index, fire-and-forget.
func (s *Service) Index(rec Record) {
	if s.meili == nil || !s.indexerHealthy() {
		return
	}
	go func() {
		if err := s.meili.IndexRecords([]Record{rec}); err != nil {
			log.Printf("catalog: index record %s: %v", rec.ID, err)
		}
	}()
}

// Delete removes records from the primary index, fire-and-forget.
func (s *Service) Delete(ids []string) {
	if s.meili == nil || !s.indexerHealthy() || len(ids) == 0 {
		return
	}
	go func() {
		if err := s.meili.DeleteRecords(ids); err != nil {
			log.Printf("catalog: delete records: %v", err)
		}
	}()
}

func (s *Service) indexerHealthy() bool {
	if h, ok := s.meili.(interface{ Healthy() bool }); ok {
		return h.Healthy()
	}
	return true
}

// Rebuild re-indexes every completion record for the given sites,
// returning per-site counts of records indexed. The seen set makes the
// operation idempotent and resumable: records already visited by an
// earlier pass are skipped, and a record that fails to load or index is
// logged and skipped rather than aborting the site.
func (s *Service) Rebuild(ctx context.Context, seen SeenSet, sites []string) (map[string]int, error) {
	counts := make(map[string]int, len(sites))
	for _, site := range sites {
		counts[site] = 0
		records, err := s.pg.LoadSiteRecords(ctx, site)
		if err != nil {
			log.Printf("catalog: rebuild %s: load: %v", site, err)
			continue
		}

		batch := make([]Record, 0, len(records))
		for _, rec := range records {
			visited, err := seen.Contains(ctx, rec.ID)
			if err != nil {
				return counts, err
			}
			if visited {
				continue
			}
			batch = append(batch, rec)
		}

		if s.meili != nil && len(batch) > 0 {
			if err := s.meili.IndexRecords(batch); err != nil {
				log.Printf("catalog: rebuild %s: index: %v", site, err)
				continue
			}
		}
		for _, rec := range batch {
			if err := seen.Add(ctx, rec.ID); err != nil {
				return counts, err
			}
		}
		counts[site] = len(batch)
	}
	return counts, nil
}
