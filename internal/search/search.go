// Package search indexes moderation reports for staff search. Meilisearch is
// preferred; when it is unconfigured or unhealthy the store's own text
// search answers instead.
package search

import (
	"context"
	"time"

	"parley/api/internal/store"
)

type Query struct {
	Text     string
	Resolved *bool
	Limit    int
}

// ReportRecord is the indexed form of a report.
type ReportRecord struct {
	ID               string `json:"id"`
	ReasonCode       string `json:"reasonCode"`
	Comment          string `json:"comment"`
	ReportedByHandle string `json:"reportedByHandle"`
	SubjectThreadID  string `json:"subjectThreadId,omitempty"`
	SubjectMessageID string `json:"subjectMessageId,omitempty"`
	Resolved         bool   `json:"resolved"`
	CreatedAt        int64  `json:"createdAt"`
}

// Fallback is the store-side search used when no index is available.
type Fallback interface {
	SearchReports(ctx context.Context, query string, resolved *bool, limit int) ([]store.Report, error)
}

func RecordFromReport(report store.Report) ReportRecord {
	record := ReportRecord{
		ID:               report.ID,
		ReasonCode:       report.ReasonCode,
		Comment:          report.Comment,
		ReportedByHandle: report.ReportedByHandle,
		Resolved:         report.Resolved,
		CreatedAt:        report.CreatedAt.Unix(),
	}
	if report.SubjectThreadID != nil {
		record.SubjectThreadID = *report.SubjectThreadID
	}
	if report.SubjectMessageID != nil {
		record.SubjectMessageID = *report.SubjectMessageID
	}
	return record
}

func recordFromReports(reports []store.Report) []ReportRecord {
	records := make([]ReportRecord, 0, len(reports))
	for _, report := range reports {
		records = append(records, RecordFromReport(report))
	}
	return records
}

// CreatedTime converts the indexed timestamp back.
func (r ReportRecord) CreatedTime() time.Time {
	return time.Unix(r.CreatedAt, 0).UTC()
}
