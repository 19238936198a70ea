package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local store with the same contract as
// PostgresStore. It backs development runs without DATABASE_URL and the
// service tests. A single mutex makes every operation atomic, which gives
// the same per-thread append serialization the row lock gives in Postgres.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	actors   map[string]Actor
	handles  map[string]string
	emails   map[string]string
	threads  map[string]Thread
	messages map[string][]Message
	msgIndex map[string]Message
	reports  map[string]Report
	audit    []AuditEvent
	refresh  map[string]refreshSession
	revoked  map[string]time.Time
}

type refreshSession struct {
	actorID   string
	expiresAt time.Time
	revoked   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		actors:   map[string]Actor{},
		handles:  map[string]string{},
		emails:   map[string]string{},
		threads:  map[string]Thread{},
		messages: map[string][]Message{},
		msgIndex: map[string]Message{},
		reports:  map[string]Report{},
		refresh:  map[string]refreshSession{},
		revoked:  map[string]time.Time{},
	}
}

// WithClock replaces the timestamp source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) InsertActor(ctx context.Context, actor Actor) error {
	if err := ctx.Err(); err != nil {
		return classify("insert actor", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.handles[actor.Handle]; taken {
		return fmt.Errorf("insert actor: %w", ErrHandleTaken)
	}
	if _, exists := s.actors[actor.ID]; exists {
		return fmt.Errorf("insert actor: %w", ErrConflict)
	}
	email := strings.ToLower(actor.Email)
	if email != "" {
		if _, taken := s.emails[email]; taken {
			return fmt.Errorf("insert actor: %w", ErrConflict)
		}
		s.emails[email] = actor.ID
	}
	actor.Email = email
	if actor.CreatedAt.IsZero() {
		actor.CreatedAt = s.now().UTC()
	}
	s.handles[actor.Handle] = actor.ID
	s.actors[actor.ID] = actor
	return nil
}

func (s *MemoryStore) GetActor(_ context.Context, actorID string) (Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	actor, ok := s.actors[actorID]
	if !ok {
		return Actor{}, fmt.Errorf("get actor: %w", ErrNotFound)
	}
	return actor, nil
}

func (s *MemoryStore) GetActorByEmail(_ context.Context, email string) (Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.emails[strings.ToLower(email)]
	if !ok {
		return Actor{}, fmt.Errorf("get actor by email: %w", ErrNotFound)
	}
	return s.actors[id], nil
}

func (s *MemoryStore) ListResponders(_ context.Context, department string) ([]Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Actor, 0)
	for _, actor := range s.actors {
		if actor.Role != RoleResponder || !actor.Active() {
			continue
		}
		if department != "" && actor.Department != department {
			continue
		}
		items = append(items, actor)
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].LastActiveAt, items[j].LastActiveAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return items[i].Handle < items[j].Handle
	})
	return items, nil
}

func (s *MemoryStore) TouchActor(_ context.Context, actorID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	actor, ok := s.actors[actorID]
	if !ok {
		return nil
	}
	if actor.LastActiveAt == nil || actor.LastActiveAt.Before(at) {
		stamp := at
		actor.LastActiveAt = &stamp
		s.actors[actorID] = actor
	}
	return nil
}

func (s *MemoryStore) SetActorDeactivated(_ context.Context, actorID string, deactivated bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	actor, ok := s.actors[actorID]
	if !ok {
		return fmt.Errorf("set actor deactivated: %w", ErrNotFound)
	}
	switch {
	case deactivated && actor.DeactivatedAt == nil:
		stamp := s.now().UTC()
		actor.DeactivatedAt = &stamp
	case !deactivated:
		actor.DeactivatedAt = nil
	}
	s.actors[actorID] = actor
	return nil
}

func (s *MemoryStore) openThreadLocked(requesterID, responderID string) (Thread, bool) {
	for _, thread := range s.threads {
		if thread.RequesterID == requesterID && thread.ResponderID == responderID && thread.Status != StatusArchived {
			return thread, true
		}
	}
	return Thread{}, false
}

func (s *MemoryStore) CreateThread(ctx context.Context, thread Thread, seed Message) (Thread, error) {
	if err := ctx.Err(); err != nil {
		return Thread{}, classify("create thread", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.openThreadLocked(thread.RequesterID, thread.ResponderID); ok {
		return Thread{}, &ConflictError{ExistingID: existing.ID}
	}
	if _, exists := s.threads[thread.ID]; exists {
		return Thread{}, fmt.Errorf("create thread: %w", ErrConflict)
	}

	now := s.now().UTC()
	thread.MessageCount = 1
	thread.CreatedAt = now
	thread.UpdatedAt = now
	thread.LastMessageAt = now
	s.threads[thread.ID] = thread

	seed.ThreadID = thread.ID
	seed.Seq = 1
	seed.DeliveryStatus = DeliverySent
	seed.CreatedAt = now
	s.messages[thread.ID] = []Message{seed}
	s.msgIndex[seed.ID] = seed
	return thread, nil
}

func (s *MemoryStore) GetThread(_ context.Context, threadID string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return Thread{}, fmt.Errorf("get thread: %w", ErrNotFound)
	}
	return thread, nil
}

func (s *MemoryStore) ListThreads(_ context.Context, filter ThreadFilter) ([]Thread, error) {
	s.mu.Lock()
	items := make([]Thread, 0)
	for _, thread := range s.threads {
		switch {
		case filter.AllThreads:
		case filter.Side == RoleRequester && thread.RequesterID == filter.ActorID:
		case filter.Side == RoleResponder && thread.ResponderID == filter.ActorID:
		default:
			continue
		}
		items = append(items, thread)
	}
	s.mu.Unlock()

	key := func(t Thread) time.Time {
		switch filter.OrderBy {
		case OrderUpdatedAt:
			return t.UpdatedAt
		case OrderLastMessageAt:
			return t.LastMessageAt
		default:
			return t.CreatedAt
		}
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := key(items[i]), key(items[j])
		if a.Equal(b) {
			if filter.Ascending {
				return items[i].ID < items[j].ID
			}
			return items[i].ID > items[j].ID
		}
		if filter.Ascending {
			return a.Before(b)
		}
		return a.After(b)
	})
	return page(items, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg Message) (Message, Thread, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, Thread{}, classify("append message", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.msgIndex[msg.ID]; ok {
		if existing.ThreadID != msg.ThreadID {
			return Message{}, Thread{}, fmt.Errorf("append message: %w", ErrConflict)
		}
		return existing, s.threads[msg.ThreadID], nil
	}

	thread, ok := s.threads[msg.ThreadID]
	if !ok {
		return Message{}, Thread{}, fmt.Errorf("append message: %w", ErrNotFound)
	}
	if thread.Status == StatusArchived {
		return Message{}, Thread{}, fmt.Errorf("append message: %w", ErrArchived)
	}

	now := s.now().UTC()
	if now.Before(thread.LastMessageAt) {
		now = thread.LastMessageAt
	}
	thread.MessageCount++
	if msg.From == RoleResponder {
		thread.RequesterUnread++
		if thread.Status == StatusWaiting {
			thread.Status = StatusActive
		}
	} else {
		thread.ResponderUnread++
	}
	thread.LastMessageAt = now
	thread.UpdatedAt = now
	s.threads[thread.ID] = thread

	msg.Seq = thread.MessageCount
	msg.CreatedAt = now
	msg.DeliveryStatus = DeliverySent
	s.messages[thread.ID] = append(s.messages[thread.ID], msg)
	s.msgIndex[msg.ID] = msg
	return msg, thread, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, threadID string, filter MessageFilter) ([]Message, error) {
	s.mu.Lock()
	log := s.messages[threadID]
	items := make([]Message, 0, len(log))
	for _, msg := range log {
		if filter.Kind != nil && msg.Kind != *filter.Kind {
			continue
		}
		if filter.FromTime != nil && msg.CreatedAt.Before(*filter.FromTime) {
			continue
		}
		if filter.ToTime != nil && msg.CreatedAt.After(*filter.ToTime) {
			continue
		}
		items = append(items, msg)
	}
	s.mu.Unlock()
	return page(items, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) MarkRead(_ context.Context, threadID string, side Role, messageIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return 0, fmt.Errorf("mark read: %w", ErrNotFound)
	}
	previous := thread.UnreadFor(side)
	if side == RoleRequester {
		thread.RequesterUnread = 0
	} else {
		thread.ResponderUnread = 0
	}
	s.threads[threadID] = thread

	if len(messageIDs) > 0 {
		wanted := make(map[string]struct{}, len(messageIDs))
		for _, id := range messageIDs {
			wanted[id] = struct{}{}
		}
		log := s.messages[threadID]
		for i := range log {
			if _, ok := wanted[log[i].ID]; ok && log[i].From == side.Other() {
				log[i].DeliveryStatus = DeliveryRead
				s.msgIndex[log[i].ID] = log[i]
			}
		}
	}
	return previous, nil
}

func (s *MemoryStore) TransitionThread(_ context.Context, threadID string, to ThreadStatus) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return Thread{}, fmt.Errorf("transition thread: %w", ErrNotFound)
	}
	if !thread.Status.CanTransition(to) {
		return Thread{}, fmt.Errorf("transition thread: %w", ErrInvalidTransition)
	}
	thread.Status = to
	thread.UpdatedAt = s.now().UTC()
	s.threads[threadID] = thread
	return thread, nil
}

func (s *MemoryStore) InsertReport(_ context.Context, report Report) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reports[report.ID]; exists {
		return Report{}, fmt.Errorf("insert report: %w", ErrConflict)
	}
	report.CreatedAt = s.now().UTC()
	report.Resolved = false
	report.ResolvedBy = nil
	report.ResolvedAt = nil
	s.reports[report.ID] = report
	return report, nil
}

func (s *MemoryStore) GetReport(_ context.Context, reportID string) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.reports[reportID]
	if !ok {
		return Report{}, fmt.Errorf("get report: %w", ErrNotFound)
	}
	return report, nil
}

func (s *MemoryStore) ResolveReport(_ context.Context, reportID, moderatorID string) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.reports[reportID]
	if !ok {
		return Report{}, fmt.Errorf("resolve report: %w", ErrNotFound)
	}
	if report.Resolved {
		return Report{}, fmt.Errorf("resolve report: %w", ErrConflict)
	}
	now := s.now().UTC()
	report.Resolved = true
	report.ResolvedBy = &moderatorID
	report.ResolvedAt = &now
	s.reports[reportID] = report
	return report, nil
}

func (s *MemoryStore) ListReports(_ context.Context, filter ReportFilter) ([]Report, error) {
	s.mu.Lock()
	items := make([]Report, 0, len(s.reports))
	for _, report := range s.reports {
		if filter.Resolved != nil && report.Resolved != *filter.Resolved {
			continue
		}
		items = append(items, report)
	}
	s.mu.Unlock()
	sortReports(items)
	return page(items, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) SearchReports(_ context.Context, query string, resolved *bool, limit int) ([]Report, error) {
	terms := strings.Fields(strings.ToLower(query))
	s.mu.Lock()
	items := make([]Report, 0)
	for _, report := range s.reports {
		if resolved != nil && report.Resolved != *resolved {
			continue
		}
		haystack := strings.ToLower(report.ReasonCode + " " + report.Comment)
		matched := len(terms) > 0
		for _, term := range terms {
			if !strings.Contains(haystack, term) {
				matched = false
				break
			}
		}
		if matched {
			items = append(items, report)
		}
	}
	s.mu.Unlock()
	sortReports(items)
	return page(items, limit, 0), nil
}

func sortReports(items []Report) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

func (s *MemoryStore) InsertAuditEvent(_ context.Context, event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = int64(len(s.audit) + 1)
	event.CreatedAt = s.now().UTC()
	s.audit = append(s.audit, event)
	return nil
}

// AuditEvents returns a copy of the recorded audit trail.
func (s *MemoryStore) AuditEvents() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEvent(nil), s.audit...)
}

func (s *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash, actorID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[tokenHash] = refreshSession{actorID: actorID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.refresh[tokenHash]
	if !ok || session.revoked || !session.expiresAt.After(s.now()) {
		return "", fmt.Errorf("lookup refresh session: %w", ErrNotFound)
	}
	return session.actorID, nil
}

func (s *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.refresh[tokenHash]; ok {
		session.revoked = true
		s.refresh[tokenHash] = session
	}
	return nil
}

func (s *MemoryStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = exp
	return nil
}

func (s *MemoryStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
