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

const (
	defaultSeedText  = "Hi, I'd like to talk about something."
	maxSubjectLength = 200
	defaultPageSize  = 20
	maxPageSize      = 100
)

type Availability string

const (
	AvailabilityOnline         Availability = "online"
	AvailabilityRecentlyActive Availability = "recently_active"
	AvailabilityToday          Availability = "today"
	AvailabilityOffline        Availability = "offline"
)

// availabilityAt buckets the time since lastActive.
func availabilityAt(lastActive *time.Time, now time.Time) Availability {
	if lastActive == nil {
		return AvailabilityOffline
	}
	idle := now.Sub(*lastActive)
	switch {
	case idle < 5*time.Minute:
		return AvailabilityOnline
	case idle < 30*time.Minute:
		return AvailabilityRecentlyActive
	case idle < 24*time.Hour:
		return AvailabilityToday
	default:
		return AvailabilityOffline
	}
}

type CreateThreadInput struct {
	ResponderID  string `json:"responderId"`
	Subject      string `json:"subject"`
	Department   string `json:"department"`
	FirstMessage string `json:"firstMessage"`
}

// CreateThread opens a thread between the calling requester and a
// responder. When the pair already has a non-archived thread the result is a
// THREAD_ALREADY_EXISTS error carrying its id.
func (s *Service) CreateThread(ctx context.Context, session Session, input CreateThreadInput) (store.Thread, error) {
	if !rbac.Can(session.Role, rbac.ActionCreate) {
		return store.Thread{}, forbidden()
	}
	subject := strings.TrimSpace(input.Subject)
	if subject == "" {
		return store.Thread{}, validationError("subject is required")
	}
	if utf8.RuneCountInString(subject) > maxSubjectLength {
		return store.Thread{}, validationError("subject must be at most 200 characters")
	}
	seedText := input.FirstMessage
	if strings.TrimSpace(seedText) == "" {
		seedText = defaultSeedText
	}
	if err := validateText(seedText); err != nil {
		return store.Thread{}, err
	}

	responderID := strings.TrimSpace(input.ResponderID)
	if responderID == "" {
		return store.Thread{}, invalidParticipant("responderId is required")
	}
	responder, err := withStore(ctx, s, "get_actor", func(ctx context.Context) (store.Actor, error) {
		return s.store.GetActor(ctx, responderID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return store.Thread{}, invalidParticipant("responderId does not name a responder")
	}
	if err != nil {
		return store.Thread{}, translate(err)
	}
	if responder.Role != store.RoleResponder || !responder.Active() {
		return store.Thread{}, invalidParticipant("responderId does not name a responder")
	}

	department := strings.TrimSpace(input.Department)
	if department == "" {
		department = responder.Department
	}
	thread := store.Thread{
		ID:              util.NewID("thr"),
		RequesterID:     session.ActorID,
		ResponderID:     responder.ID,
		Subject:         subject,
		Department:      department,
		Status:          store.StatusWaiting,
		RequesterUnread: 0,
		ResponderUnread: 1,
	}
	seed := store.Message{
		ID:   util.NewID("msg"),
		From: store.RoleRequester,
		Text: seedText,
		Kind: store.KindText,
	}

	created, err := withStore(ctx, s, "create_thread", func(ctx context.Context) (store.Thread, error) {
		return s.store.CreateThread(ctx, thread, seed)
	})
	var conflict *store.ConflictError
	if errors.As(err, &conflict) && conflict.ExistingID == thread.ID {
		// An earlier attempt committed before the retry.
		created, err = withStore(ctx, s, "get_thread", func(ctx context.Context) (store.Thread, error) {
			return s.store.GetThread(ctx, thread.ID)
		})
	} else if errors.As(err, &conflict) {
		metrics.ThreadsCreated.WithLabelValues("existing").Inc()
		slog.Info("thread already exists for pair", "existing_id", conflict.ExistingID, "requester_id", session.ActorID)
		return store.Thread{}, threadAlreadyExists(conflict.ExistingID)
	}
	if err != nil {
		return store.Thread{}, translate(err)
	}
	metrics.ThreadsCreated.WithLabelValues("created").Inc()
	slog.Info("thread created", "thread_id", created.ID)
	s.touch(ctx, session.ActorID)
	s.publish(notify.Event{ThreadID: created.ID, Kind: notify.EventMessage, Seq: 1, At: created.CreatedAt})
	return created, nil
}

type ListThreadsInput struct {
	Limit     int
	Offset    int
	OrderBy   string
	Ascending bool
}

// ListThreads returns the caller's side of its threads. Moderators list all
// threads under the audited capability.
func (s *Service) ListThreads(ctx context.Context, session Session, input ListThreadsInput) ([]store.Thread, error) {
	if !rbac.Can(session.Role, rbac.ActionRead) {
		return nil, forbidden()
	}
	order, err := store.ParseThreadOrder(input.OrderBy)
	if err != nil {
		return nil, validationError("orderBy must be createdAt, updatedAt or lastMessageAt")
	}
	limit, offset, err := pageBounds(input.Limit, input.Offset)
	if err != nil {
		return nil, err
	}
	filter := store.ThreadFilter{
		ActorID:   session.ActorID,
		Side:      session.Role,
		Limit:     limit,
		Offset:    offset,
		OrderBy:   order,
		Ascending: input.Ascending,
	}
	if session.Role == store.RoleModerator {
		filter.ActorID = ""
		filter.Side = ""
		filter.AllThreads = true
		metrics.ModeratorAccesses.WithLabelValues("thread.list").Inc()
		s.audit(ctx, session.ActorID, "thread.list", "thread", "*")
	}

	threads, err := withStore(ctx, s, "list_threads", func(ctx context.Context) ([]store.Thread, error) {
		return s.store.ListThreads(ctx, filter)
	})
	if err != nil {
		return nil, translate(err)
	}
	return threads, nil
}

func (s *Service) GetThread(ctx context.Context, session Session, threadID string) (store.Thread, error) {
	return s.authorizeThread(ctx, session, rbac.ActionRead, threadID)
}

type ResponderListing struct {
	Actor        store.Actor
	Availability Availability
}

// ListAvailableResponders lists active responders, most recently active
// first, with their availability tier.
func (s *Service) ListAvailableResponders(ctx context.Context, department string) ([]ResponderListing, error) {
	responders, err := withStore(ctx, s, "list_responders", func(ctx context.Context) ([]store.Actor, error) {
		return s.store.ListResponders(ctx, strings.TrimSpace(department))
	})
	if err != nil {
		return nil, translate(err)
	}
	now := s.now()
	items := make([]ResponderListing, 0, len(responders))
	for _, responder := range responders {
		items = append(items, ResponderListing{
			Actor:        responder,
			Availability: availabilityAt(responder.LastActiveAt, now),
		})
	}
	return items, nil
}

// TransitionThread applies an explicit status change. Requesters hold no
// update-status right.
func (s *Service) TransitionThread(ctx context.Context, session Session, threadID, target string) (store.Thread, error) {
	to, err := store.ParseThreadStatus(strings.TrimSpace(target))
	if err != nil || to == store.StatusWaiting {
		return store.Thread{}, validationError("status must be active, resolved or archived")
	}
	thread, err := s.authorizeThread(ctx, session, rbac.ActionUpdateStatus, threadID)
	if err != nil {
		return store.Thread{}, err
	}
	if !thread.Status.CanTransition(to) {
		return store.Thread{}, translate(store.ErrInvalidTransition)
	}

	updated, err := withStore(ctx, s, "transition_thread", func(ctx context.Context) (store.Thread, error) {
		return s.store.TransitionThread(ctx, thread.ID, to)
	})
	if err != nil {
		return store.Thread{}, translate(err)
	}
	slog.Info("thread status changed", "thread_id", updated.ID, "from", thread.Status, "to", updated.Status, "actor_id", session.ActorID)
	s.publish(notify.Event{ThreadID: updated.ID, Kind: notify.EventStatus, Status: string(updated.Status), At: updated.UpdatedAt})
	return updated, nil
}

func pageBounds(limit, offset int) (int, int, error) {
	if limit == 0 {
		limit = defaultPageSize
	}
	if limit < 0 || limit > maxPageSize {
		return 0, 0, validationError("limit must be between 1 and 100")
	}
	if offset < 0 {
		return 0, 0, validationError("offset must not be negative")
	}
	return limit, offset, nil
}

// publish sends a change event in the background. The durable write has
// already happened; a failed publish is only logged.
func (s *Service) publish(event notify.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.notifier.Publish(ctx, event); err != nil {
			metrics.NotifyFailures.Inc()
			slog.Warn("publish thread event", "thread_id", event.ThreadID, "kind", event.Kind, "error", err)
		}
	}()
}

// touch records activity for availability tiers. Failures are not surfaced.
func (s *Service) touch(ctx context.Context, actorID string) {
	if err := withStoreErr(ctx, s, "touch_actor", func(ctx context.Context) error {
		return s.store.TouchActor(ctx, actorID, s.now().UTC())
	}); err != nil {
		slog.Warn("touch actor", "actor_id", actorID, "error", err)
	}
}

// SubscribeThread streams change events for a thread the caller can read.
// The channel closes when ctx is done.
func (s *Service) SubscribeThread(ctx context.Context, session Session, threadID string) (<-chan notify.Event, error) {
	thread, err := s.authorizeThread(ctx, session, rbac.ActionRead, threadID)
	if err != nil {
		return nil, err
	}
	events, err := s.notifier.Subscribe(ctx, thread.ID)
	if err != nil {
		slog.Warn("subscribe thread events", "thread_id", thread.ID, "error", err)
		return nil, unavailable()
	}
	return events, nil
}
