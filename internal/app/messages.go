package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"parley/api/internal/metrics"
	"parley/api/internal/notify"
	"parley/api/internal/rbac"
	"parley/api/internal/store"
	"parley/api/internal/util"
)

const maxMessageLength = 2000

// validateText bounds text to 1..2000 characters. Whitespace counts.
func validateText(text string) error {
	if text == "" {
		return validationError("text must not be empty")
	}
	if utf8.RuneCountInString(text) > maxMessageLength {
		return validationError("text must be at most 2000 characters")
	}
	return nil
}

type AppendMessageInput struct {
	Text string `json:"text"`
	Kind string `json:"kind"`
}

// AppendMessage adds a message to the caller's side of a thread. The id is
// assigned before the store is called so that a retried append is
// recognised by the store instead of appended twice.
func (s *Service) AppendMessage(ctx context.Context, session Session, threadID string, input AppendMessageInput) (store.Message, error) {
	if err := validateText(input.Text); err != nil {
		return store.Message{}, err
	}
	kind := store.KindText
	if strings.TrimSpace(input.Kind) != "" {
		parsed, err := store.ParseMessageKind(strings.TrimSpace(input.Kind))
		if err != nil {
			return store.Message{}, validationError("kind must be text, file, image or system")
		}
		kind = parsed
	}

	thread, err := s.authorizeThread(ctx, session, rbac.ActionAppend, threadID)
	if err != nil {
		return store.Message{}, err
	}
	if thread.Status == store.StatusArchived {
		return store.Message{}, threadArchived()
	}
	if !s.limiter.allow(session.ActorID) {
		return store.Message{}, rateLimited()
	}

	msg := store.Message{
		ID:       util.NewID("msg"),
		ThreadID: thread.ID,
		From:     session.Role,
		Text:     input.Text,
		Kind:     kind,
	}
	type appended struct {
		msg    store.Message
		thread store.Thread
	}
	result, err := withStore(ctx, s, "append_message", func(ctx context.Context) (appended, error) {
		m, t, err := s.store.AppendMessage(ctx, msg)
		return appended{msg: m, thread: t}, err
	})
	if err != nil {
		return store.Message{}, translate(err)
	}

	metrics.MessagesAppended.WithLabelValues(string(session.Role)).Inc()
	slog.Debug("message appended", "thread_id", thread.ID, "seq", result.msg.Seq, "from", session.Role)
	s.touch(ctx, session.ActorID)
	s.publish(notify.Event{ThreadID: thread.ID, Kind: notify.EventMessage, Seq: result.msg.Seq, At: result.msg.CreatedAt})
	return result.msg, nil
}

type GetMessagesInput struct {
	Limit    int
	Offset   int
	Kind     string
	FromTime *time.Time
	ToTime   *time.Time
}

// GetMessages returns messages oldest first.
func (s *Service) GetMessages(ctx context.Context, session Session, threadID string, input GetMessagesInput) ([]store.Message, error) {
	limit, offset, err := pageBounds(input.Limit, input.Offset)
	if err != nil {
		return nil, err
	}
	filter := store.MessageFilter{
		Limit:    limit,
		Offset:   offset,
		FromTime: input.FromTime,
		ToTime:   input.ToTime,
	}
	if input.Kind != "" {
		kind, err := store.ParseMessageKind(input.Kind)
		if err != nil {
			return nil, validationError("kind must be text, file, image or system")
		}
		filter.Kind = &kind
	}
	if filter.FromTime != nil && filter.ToTime != nil && filter.ToTime.Before(*filter.FromTime) {
		return nil, validationError("toTime must not be before fromTime")
	}

	thread, err := s.authorizeThread(ctx, session, rbac.ActionRead, threadID)
	if err != nil {
		return nil, err
	}
	messages, err := withStore(ctx, s, "list_messages", func(ctx context.Context) ([]store.Message, error) {
		return s.store.ListMessages(ctx, thread.ID, filter)
	})
	if err != nil {
		return nil, translate(err)
	}
	return messages, nil
}

// MarkRead zeroes the caller's unread counter and returns what it was.
// Only messages from the other side change delivery status.
func (s *Service) MarkRead(ctx context.Context, session Session, threadID string, messageIDs []string) (int, error) {
	thread, err := s.authorizeThread(ctx, session, rbac.ActionMarkRead, threadID)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	previous, err := withStore(ctx, s, "mark_read", func(ctx context.Context) (int, error) {
		return s.store.MarkRead(ctx, thread.ID, session.Role, ids)
	})
	if errors.Is(err, store.ErrNotFound) {
		return 0, notFound()
	}
	if err != nil {
		return 0, translate(err)
	}
	s.touch(ctx, session.ActorID)
	if previous > 0 || len(ids) > 0 {
		s.publish(notify.Event{ThreadID: thread.ID, Kind: notify.EventRead, At: s.now().UTC()})
	}
	return previous, nil
}
