package catalog

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxCompletions = "waypoint_completed_items"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the completions
// index. An unreachable server is not fatal; the health loop promotes the
// client once the server appears.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("catalog: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxCompletions,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("catalog: create index %s (may already exist): %v", idxCompletions, err)
	}

	index := m.client.Index(idxCompletions)
	filterable := []string{
		"principal", "itemNtiid", "contextNtiid", "site",
		"itemMimeType", "completedDay", "success", "awarded",
	}
	filterableInterface := make([]interface{}, len(filterable))
	for i, v := range filterable {
		filterableInterface[i] = v
	}
	if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
		log.Printf("catalog: update filterable attrs: %v", err)
	}
	sortable := []string{"completedTime"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		log.Printf("catalog: update sortable attrs: %v", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("catalog: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the completions index with the query's filters applied
// server-side, newest completion first.
func (m *Meili) Search(q Query) ([]Record, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 50
	}

	sr := &meili.SearchRequest{
		Limit:  limit,
		Offset: int64(q.Offset),
		Sort:   []string{"completedTime:desc"},
	}

	var filters []string
	if q.Principal != "" {
		filters = append(filters, fmt.Sprintf("principal = %q", q.Principal))
	}
	if q.ItemNTIID != "" {
		filters = append(filters, fmt.Sprintf("itemNtiid = %q", q.ItemNTIID))
	}
	if q.ContextNTIID != "" {
		filters = append(filters, fmt.Sprintf("contextNtiid = %q", q.ContextNTIID))
	}
	if q.Site != "" {
		filters = append(filters, fmt.Sprintf("site = %q", q.Site))
	}
	if q.Awarded != nil {
		filters = append(filters, fmt.Sprintf("awarded = %v", *q.Awarded))
	}
	if len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.Index(idxCompletions).Search("", sr)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	records := make([]Record, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		rec, err := hitToRecord(hit)
		if err != nil {
			log.Printf("catalog: decode hit: %v", err)
			continue
		}
		records = append(records, rec)
	}
	return records, int(resp.EstimatedTotalHits), nil
}

func hitToRecord(hit meili.Hit) (Record, error) {
	raw, err := json.Marshal(hit)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// IndexRecords adds or updates completion records in the index.
func (m *Meili) IndexRecords(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxCompletions).AddDocuments(records, nil)
	return err
}

// DeleteRecords removes records from the index by document id.
func (m *Meili) DeleteRecords(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := m.client.Index(idxCompletions).DeleteDocuments(ids, nil)
	return err
}
