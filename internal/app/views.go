package app

import (
	"time"

	"parley/api/internal/search"
	"parley/api/internal/store"
)

// Views never carry email or credential fields; an actor is only ever seen
// through its id and handle.

func actorView(actor store.Actor) map[string]any {
	view := map[string]any{
		"id":         actor.ID,
		"role":       actor.Role,
		"handle":     actor.Handle,
		"department": actor.Department,
		"createdAt":  actor.CreatedAt.UTC().Format(time.RFC3339),
		"active":     actor.Active(),
	}
	if actor.CohortYear != nil {
		view["cohortYear"] = *actor.CohortYear
	}
	return view
}

func responderView(item ResponderListing) map[string]any {
	view := map[string]any{
		"id":           item.Actor.ID,
		"handle":       item.Actor.Handle,
		"department":   item.Actor.Department,
		"availability": item.Availability,
	}
	if item.Actor.LastActiveAt != nil {
		view["lastActiveAt"] = item.Actor.LastActiveAt.UTC().Format(time.RFC3339)
	}
	return view
}

func threadView(thread store.Thread) map[string]any {
	view := map[string]any{
		"id":              thread.ID,
		"requesterId":     thread.RequesterID,
		"subject":         thread.Subject,
		"department":      thread.Department,
		"status":          thread.Status,
		"requesterUnread": thread.RequesterUnread,
		"responderUnread": thread.ResponderUnread,
		"messageCount":    thread.MessageCount,
		"createdAt":       thread.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt":       thread.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"lastMessageAt":   thread.LastMessageAt.UTC().Format(time.RFC3339Nano),
	}
	if thread.ResponderID != "" {
		view["responderId"] = thread.ResponderID
	}
	return view
}

func threadViews(threads []store.Thread) []map[string]any {
	items := make([]map[string]any, 0, len(threads))
	for _, thread := range threads {
		items = append(items, threadView(thread))
	}
	return items
}

func messageView(msg store.Message) map[string]any {
	return map[string]any{
		"id":             msg.ID,
		"threadId":       msg.ThreadID,
		"seq":            msg.Seq,
		"from":           msg.From,
		"text":           msg.Text,
		"kind":           msg.Kind,
		"deliveryStatus": msg.DeliveryStatus,
		"timestamp":      msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func reportView(report store.Report) map[string]any {
	view := map[string]any{
		"id":               report.ID,
		"reasonCode":       report.ReasonCode,
		"comment":          report.Comment,
		"reportedByHandle": report.ReportedByHandle,
		"createdAt":        report.CreatedAt.UTC().Format(time.RFC3339),
		"resolved":         report.Resolved,
	}
	if report.SubjectThreadID != nil {
		view["subjectThreadId"] = *report.SubjectThreadID
	}
	if report.SubjectMessageID != nil {
		view["subjectMessageId"] = *report.SubjectMessageID
	}
	if report.ResolvedBy != nil {
		view["resolvedBy"] = *report.ResolvedBy
	}
	if report.ResolvedAt != nil {
		view["resolvedAt"] = report.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return view
}

func reportRecordView(record search.ReportRecord) map[string]any {
	view := map[string]any{
		"id":               record.ID,
		"reasonCode":       record.ReasonCode,
		"comment":          record.Comment,
		"reportedByHandle": record.ReportedByHandle,
		"createdAt":        record.CreatedTime().Format(time.RFC3339),
		"resolved":         record.Resolved,
	}
	if record.SubjectThreadID != "" {
		view["subjectThreadId"] = record.SubjectThreadID
	}
	if record.SubjectMessageID != "" {
		view["subjectMessageId"] = record.SubjectMessageID
	}
	return view
}

func sessionView(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"actorId":      session.ActorID,
		"handle":       session.Handle,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.UTC().Format(time.RFC3339),
	}
}
