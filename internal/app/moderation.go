package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"parley/api/internal/email"
	"parley/api/internal/logging"
	"parley/api/internal/rbac"
	"parley/api/internal/search"
	"parley/api/internal/store"
	"parley/api/internal/util"
)

const maxReportComment = 1000

type FileReportInput struct {
	ReasonCode       string `json:"reasonCode"`
	Comment          string `json:"comment"`
	SubjectMessageID string `json:"subjectMessageId"`
	SubjectThreadID  string `json:"subjectThreadId"`
}

// FileReport records an issue report. Any authenticated actor may report,
// but only about a thread it can see; duplicates are accepted.
func (s *Service) FileReport(ctx context.Context, session Session, input FileReportInput) (store.Report, error) {
	if !rbac.Can(session.Role, rbac.ActionReport) {
		return store.Report{}, forbidden()
	}
	reason := strings.TrimSpace(input.ReasonCode)
	if reason == "" || len(reason) > 64 {
		return store.Report{}, validationError("reasonCode is required")
	}
	comment := strings.TrimSpace(input.Comment)
	if utf8.RuneCountInString(comment) > maxReportComment {
		return store.Report{}, validationError("comment must be at most 1000 characters")
	}
	threadID := strings.TrimSpace(input.SubjectThreadID)
	messageID := strings.TrimSpace(input.SubjectMessageID)
	if messageID != "" && threadID == "" {
		return store.Report{}, validationError("subjectThreadId is required with subjectMessageId")
	}

	report := store.Report{
		ID:               util.NewID("rpt"),
		ReasonCode:       reason,
		Comment:          comment,
		ReportedByHandle: session.Handle,
	}
	if threadID != "" {
		thread, err := s.authorizeThread(ctx, session, rbac.ActionRead, threadID)
		if err != nil {
			return store.Report{}, err
		}
		report.SubjectThreadID = &thread.ID
		if messageID != "" {
			if err := s.requireMessageInThread(ctx, thread.ID, messageID); err != nil {
				return store.Report{}, err
			}
			report.SubjectMessageID = &messageID
		}
	}

	created, err := withStore(ctx, s, "insert_report", func(ctx context.Context) (store.Report, error) {
		return s.store.InsertReport(ctx, report)
	})
	if err != nil {
		return store.Report{}, translate(err)
	}
	slog.Info("report filed", "report_id", created.ID, "reason", created.ReasonCode)
	s.search.IndexReport(created)
	s.alertModerators(created)
	return created, nil
}

// alertModerators mails the moderation inbox in the background.
func (s *Service) alertModerators(report store.Report) {
	if s.alerts == nil || !s.alerts.IsConfigured() {
		return
	}
	alert := email.ReportAlert{
		ReportID:         report.ID,
		ReasonCode:       report.ReasonCode,
		ReportedByHandle: report.ReportedByHandle,
		FiledAt:          report.CreatedAt,
	}
	if report.SubjectThreadID != nil {
		alert.ThreadID = *report.SubjectThreadID
	}
	if report.SubjectMessageID != nil {
		alert.MessageID = *report.SubjectMessageID
	}
	go func() {
		if err := s.alerts.SendReportAlert(alert); err != nil {
			slog.Warn("send report alert", "report_id", alert.ReportID, "error", err)
		}
	}()
}

func (s *Service) requireMessageInThread(ctx context.Context, threadID, messageID string) error {
	messages, err := withStore(ctx, s, "list_messages", func(ctx context.Context) ([]store.Message, error) {
		return s.store.ListMessages(ctx, threadID, store.MessageFilter{})
	})
	if err != nil {
		return translate(err)
	}
	for _, msg := range messages {
		if msg.ID == messageID {
			return nil
		}
	}
	return notFound()
}

func (s *Service) ResolveReport(ctx context.Context, session Session, reportID string) (store.Report, error) {
	if err := s.requireModerator(ctx, session, "report.resolve", "report", reportID); err != nil {
		return store.Report{}, err
	}
	resolved, err := withStore(ctx, s, "resolve_report", func(ctx context.Context) (store.Report, error) {
		return s.store.ResolveReport(ctx, reportID, session.ActorID)
	})
	if errors.Is(err, store.ErrConflict) {
		return store.Report{}, domainError(http.StatusConflict, "REPORT_ALREADY_RESOLVED", "Report is already resolved", nil)
	}
	if err != nil {
		return store.Report{}, translate(err)
	}
	logging.Audit.Info("report resolved", "report_id", resolved.ID, "moderator_id", session.ActorID)
	s.search.IndexReport(resolved)
	return resolved, nil
}

type ListReportsInput struct {
	Resolved *bool
	Limit    int
	Offset   int
}

func (s *Service) ListReports(ctx context.Context, session Session, input ListReportsInput) ([]store.Report, error) {
	if err := s.requireModerator(ctx, session, "report.list", "report", "*"); err != nil {
		return nil, err
	}
	limit, offset, err := pageBounds(input.Limit, input.Offset)
	if err != nil {
		return nil, err
	}
	reports, err := withStore(ctx, s, "list_reports", func(ctx context.Context) ([]store.Report, error) {
		return s.store.ListReports(ctx, store.ReportFilter{Resolved: input.Resolved, Limit: limit, Offset: offset})
	})
	if err != nil {
		return nil, translate(err)
	}
	return reports, nil
}

func (s *Service) SearchReports(ctx context.Context, session Session, query string, resolved *bool, limit int) ([]search.ReportRecord, error) {
	if err := s.requireModerator(ctx, session, "report.search", "report", "*"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, validationError("q is required")
	}
	if limit < 0 || limit > maxPageSize {
		return nil, validationError("limit must be between 1 and 100")
	}
	records, err := s.search.Search(ctx, search.Query{Text: query, Resolved: resolved, Limit: limit})
	if err != nil {
		return nil, translate(err)
	}
	return records, nil
}

// SetActorDeactivated soft-deactivates or restores an actor. Moderators
// cannot deactivate themselves.
func (s *Service) SetActorDeactivated(ctx context.Context, session Session, actorID string, deactivated bool) (store.Actor, error) {
	action := "actor.deactivate"
	if !deactivated {
		action = "actor.reactivate"
	}
	if err := s.requireModerator(ctx, session, action, "actor", actorID); err != nil {
		return store.Actor{}, err
	}
	if actorID == session.ActorID {
		return store.Actor{}, validationError("moderators cannot deactivate themselves")
	}
	if err := withStoreErr(ctx, s, "set_actor_deactivated", func(ctx context.Context) error {
		return s.store.SetActorDeactivated(ctx, actorID, deactivated)
	}); err != nil {
		return store.Actor{}, translate(err)
	}
	actor, err := withStore(ctx, s, "get_actor", func(ctx context.Context) (store.Actor, error) {
		return s.store.GetActor(ctx, actorID)
	})
	if err != nil {
		return store.Actor{}, translate(err)
	}
	return actor, nil
}
