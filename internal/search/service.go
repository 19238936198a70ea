package search

import (
	"context"
	"log/slog"
	"strings"

	"parley/api/internal/store"
)

// Service tries Meilisearch first and falls back to the store.
type Service struct {
	meili    *Meili
	fallback Fallback
}

// NewService creates a search service. meili may be nil.
func NewService(meili *Meili, fallback Fallback) *Service {
	return &Service{meili: meili, fallback: fallback}
}

func (s *Service) Search(ctx context.Context, q Query) ([]ReportRecord, error) {
	if strings.TrimSpace(q.Text) == "" {
		return []ReportRecord{}, nil
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if s.meili != nil && s.meili.Healthy() {
		records, err := s.meili.Search(q)
		if err == nil {
			return records, nil
		}
		slog.Warn("meilisearch error, falling back to store search", "error", err)
	}

	reports, err := s.fallback.SearchReports(ctx, q.Text, q.Resolved, q.Limit)
	if err != nil {
		return nil, err
	}
	return recordFromReports(reports), nil
}

// IndexReport pushes a filed or resolved report to the index without
// blocking the caller.
func (s *Service) IndexReport(report store.Report) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := RecordFromReport(report)
	go func() {
		if err := s.meili.IndexReports([]ReportRecord{record}); err != nil {
			slog.Warn("index report", "report_id", record.ID, "error", err)
		}
	}()
}

// ReportLister pages through every report for a reindex.
type ReportLister interface {
	ListReports(ctx context.Context, filter store.ReportFilter) ([]store.Report, error)
}

// ReindexAll loads every report and pushes it to Meilisearch.
func (s *Service) ReindexAll(ctx context.Context, lister ReportLister) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	const batch = 500
	for offset := 0; ; offset += batch {
		reports, err := lister.ListReports(ctx, store.ReportFilter{Limit: batch, Offset: offset})
		if err != nil {
			slog.Warn("reindex reports: load failed", "offset", offset, "error", err)
			return
		}
		if err := s.meili.IndexReports(recordFromReports(reports)); err != nil {
			slog.Warn("reindex reports: push failed", "offset", offset, "error", err)
			return
		}
		if len(reports) < batch {
			return
		}
	}
}

func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}
