package app

import (
	"context"

	"parley/api/internal/metrics"
	"parley/api/internal/rbac"
	"parley/api/internal/store"
)

// authorizeThread is the single gate in front of every thread operation.
// The role capability is checked first, so a denial is Forbidden whether the
// thread exists or not. A thread the caller does not participate in answers
// NotFound, exactly like a missing one. Moderators pass on the audited
// moderator capability.
func (s *Service) authorizeThread(ctx context.Context, session Session, action rbac.Action, threadID string) (store.Thread, error) {
	if !rbac.Can(session.Role, action) {
		return store.Thread{}, forbidden()
	}
	thread, err := withStore(ctx, s, "get_thread", func(ctx context.Context) (store.Thread, error) {
		return s.store.GetThread(ctx, threadID)
	})
	if err != nil {
		return store.Thread{}, translate(err)
	}

	if session.Role == store.RoleModerator {
		metrics.ModeratorAccesses.WithLabelValues(string(action)).Inc()
		s.audit(ctx, session.ActorID, "thread."+string(action), "thread", thread.ID)
		return thread, nil
	}
	if !rbac.Participates(session.Role, session.ActorID, thread) {
		return store.Thread{}, notFound()
	}
	return thread, nil
}

// requireModerator gates the moderation surface and records the use.
func (s *Service) requireModerator(ctx context.Context, session Session, action, resourceType, resourceID string) error {
	if !rbac.Can(session.Role, rbac.ActionModerate) {
		return forbidden()
	}
	metrics.ModeratorAccesses.WithLabelValues(action).Inc()
	s.audit(ctx, session.ActorID, action, resourceType, resourceID)
	return nil
}
