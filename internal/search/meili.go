package search

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxReports = "parley_reports"

// Meili searches a single reports index.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates the client and starts the health monitor. An unreachable
// server is not an error: the instance reports unhealthy until it recovers.
func NewMeili(url, apiKey string) *Meili {
	return newMeili(url, apiKey, 10*time.Second)
}

func newMeili(url, apiKey string, healthInterval time.Duration) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
	}
	if _, err := m.client.Health(); err != nil {
		slog.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}
	go m.healthLoop(healthInterval)
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxReports, PrimaryKey: "id"}); err != nil {
		slog.Debug("create reports index (may already exist)", "error", err)
	}
	index := m.client.Index(idxReports)
	filterable := []interface{}{"resolved", "reasonCode"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		slog.Warn("update filterable attributes", "index", idxReports, "error", err)
	}
	searchable := []string{"reasonCode", "comment"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		slog.Warn("update searchable attributes", "index", idxReports, "error", err)
	}
}

func (m *Meili) healthLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
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
				slog.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]ReportRecord, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}
	req := &meili.SearchRequest{
		IndexUID: idxReports,
		Query:    q.Text,
		Limit:    limit,
	}
	if q.Resolved != nil {
		req.Filter = fmt.Sprintf("resolved = %t", *q.Resolved)
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: []*meili.SearchRequest{req}})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	records := make([]ReportRecord, 0)
	for _, result := range resp.Results {
		for _, hit := range result.Hits {
			raw, err := json.Marshal(hit)
			if err != nil {
				continue
			}
			var record ReportRecord
			if err := json.Unmarshal(raw, &record); err != nil || record.ID == "" {
				continue
			}
			records = append(records, record)
		}
	}
	return records, nil
}

func (m *Meili) IndexReports(records []ReportRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxReports).AddDocuments(records, nil)
	return err
}
