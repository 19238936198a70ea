package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"parley/api/internal/auth"
	"parley/api/internal/authpw"
	"parley/api/internal/config"
	"parley/api/internal/email"
	"parley/api/internal/identity"
	"parley/api/internal/logging"
	"parley/api/internal/notify"
	"parley/api/internal/search"
	"parley/api/internal/store"
	"parley/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	ActorID      string
	Handle       string
	Role         store.Role
	JTI          string
	ExpiresAt    time.Time
}

// Store is the durable state the service runs on. PostgresStore and
// MemoryStore both implement it.
type Store interface {
	Ping(ctx context.Context) error

	InsertActor(ctx context.Context, actor store.Actor) error
	GetActor(ctx context.Context, actorID string) (store.Actor, error)
	GetActorByEmail(ctx context.Context, email string) (store.Actor, error)
	ListResponders(ctx context.Context, department string) ([]store.Actor, error)
	TouchActor(ctx context.Context, actorID string, at time.Time) error
	SetActorDeactivated(ctx context.Context, actorID string, deactivated bool) error

	CreateThread(ctx context.Context, thread store.Thread, seed store.Message) (store.Thread, error)
	GetThread(ctx context.Context, threadID string) (store.Thread, error)
	ListThreads(ctx context.Context, filter store.ThreadFilter) ([]store.Thread, error)
	TransitionThread(ctx context.Context, threadID string, to store.ThreadStatus) (store.Thread, error)

	AppendMessage(ctx context.Context, msg store.Message) (store.Message, store.Thread, error)
	ListMessages(ctx context.Context, threadID string, filter store.MessageFilter) ([]store.Message, error)
	MarkRead(ctx context.Context, threadID string, side store.Role, messageIDs []string) (int, error)

	InsertReport(ctx context.Context, report store.Report) (store.Report, error)
	GetReport(ctx context.Context, reportID string) (store.Report, error)
	ResolveReport(ctx context.Context, reportID, moderatorID string) (store.Report, error)
	ListReports(ctx context.Context, filter store.ReportFilter) ([]store.Report, error)
	SearchReports(ctx context.Context, query string, resolved *bool, limit int) ([]store.Report, error)
	InsertAuditEvent(ctx context.Context, event store.AuditEvent) error

	SaveRefreshSession(ctx context.Context, tokenHash, actorID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// refreshStore holds refresh sessions. The data store satisfies it; Redis
// replaces it when configured.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, actorID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// reportAlerter tells the moderation inbox about new reports.
type reportAlerter interface {
	IsConfigured() bool
	SendReportAlert(alert email.ReportAlert) error
}

// Deps are the optional collaborators. Nil fields get in-process defaults.
type Deps struct {
	Sessions refreshStore
	Notifier notify.Notifier
	Search   *search.Service
	// Redis is pinged by the readiness probe when set.
	Redis  pinger
	Alerts reportAlerter
}

type Service struct {
	cfg      config.Config
	store    Store
	sessions refreshStore
	notifier notify.Notifier
	search   *search.Service
	redis    pinger
	alerts   reportAlerter
	issuer   *identity.Issuer
	staff    *authpw.Service
	limiter  *limiterPool
	now      func() time.Time
}

func New(cfg config.Config, data Store, deps Deps) (*Service, error) {
	issuer, err := identity.NewIssuer(cfg.HandleMin, cfg.HandleMax, cfg.HandleAttempts)
	if err != nil {
		return nil, fmt.Errorf("configure handle issuer: %w", err)
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	svc := &Service{
		cfg:      cfg,
		store:    data,
		sessions: deps.Sessions,
		notifier: deps.Notifier,
		search:   deps.Search,
		redis:    deps.Redis,
		alerts:   deps.Alerts,
		issuer:   issuer,
		staff:    authpw.NewService(data),
		limiter:  newLimiterPool(cfg.AppendRPS, cfg.AppendBurst),
		now:      time.Now,
	}
	if svc.sessions == nil {
		svc.sessions = data
	}
	if svc.notifier == nil {
		svc.notifier = notify.NewLocalNotifier()
	}
	if svc.search == nil {
		svc.search = search.NewService(nil, data)
	}
	return svc, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingRedis(ctx context.Context) (bool, error) {
	if s.redis == nil {
		return false, nil
	}
	return true, s.redis.Ping(ctx)
}

// Bootstrap creates the configured moderator account when it does not exist.
func (s *Service) Bootstrap(ctx context.Context) error {
	email := strings.ToLower(strings.TrimSpace(s.cfg.ModeratorEmail))
	if email == "" || s.cfg.ModeratorPassword == "" {
		return nil
	}
	if _, err := s.store.GetActorByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	actor, err := s.CreateModerator(ctx, email, s.cfg.ModeratorPassword)
	if err != nil {
		return fmt.Errorf("bootstrap moderator: %w", err)
	}
	slog.Info("bootstrap moderator created", "actor_id", actor.ID, "handle", actor.Handle)
	return nil
}

type RegisterInput struct {
	Role       string `json:"role"`
	Department string `json:"department"`
	CohortYear *int   `json:"cohortYear"`
}

// Register creates a requester or responder and signs it in. The handle is
// reserved by the actor insert itself, so two concurrent registrations can
// never end up with the same handle.
func (s *Service) Register(ctx context.Context, input RegisterInput) (store.Actor, Session, error) {
	role, err := store.ParseRole(strings.TrimSpace(input.Role))
	if err != nil || !role.Participant() {
		return store.Actor{}, Session{}, validationError("role must be requester or responder")
	}
	department := strings.TrimSpace(input.Department)
	if len(department) > 100 {
		return store.Actor{}, Session{}, validationError("department must be at most 100 characters")
	}
	if input.CohortYear != nil && (*input.CohortYear < 1900 || *input.CohortYear > 2200) {
		return store.Actor{}, Session{}, validationError("cohortYear is out of range")
	}

	actor := store.Actor{
		ID:         util.NewID("act"),
		Role:       role,
		Department: department,
		CohortYear: input.CohortYear,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.issueHandle(ctx, &actor); err != nil {
		return store.Actor{}, Session{}, err
	}

	session, err := s.issueSession(ctx, actor)
	if err != nil {
		return store.Actor{}, Session{}, err
	}
	slog.Info("actor registered", "actor_id", actor.ID, "role", actor.Role)
	return actor, session, nil
}

// CreateModerator adds a staff account with a bcrypt password.
func (s *Service) CreateModerator(ctx context.Context, email, password string) (store.Actor, error) {
	hash, err := s.staff.HashPassword(password)
	if err != nil {
		return store.Actor{}, validationError(err.Error())
	}
	actor := store.Actor{
		ID:           util.NewID("mod"),
		Role:         store.RoleModerator,
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if actor.Email == "" {
		return store.Actor{}, validationError("email is required")
	}
	if err := s.issueHandle(ctx, &actor); err != nil {
		return store.Actor{}, err
	}
	return actor, nil
}

func (s *Service) issueHandle(ctx context.Context, actor *store.Actor) error {
	handle, err := s.issuer.Issue(ctx, actor.Role, func(ctx context.Context, handle string) error {
		candidate := *actor
		candidate.Handle = handle
		return withStoreErr(ctx, s, "insert_actor", func(ctx context.Context) error {
			return s.store.InsertActor(ctx, candidate)
		})
	})
	if err != nil {
		return translate(err)
	}
	actor.Handle = handle
	return nil
}

func (s *Service) ModeratorSignIn(ctx context.Context, email, password string) (Session, error) {
	actor, err := withStore(ctx, s, "moderator_sign_in", func(ctx context.Context) (store.Actor, error) {
		return s.staff.SignIn(ctx, email, password)
	})
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	if err != nil {
		return Session{}, translate(err)
	}
	s.audit(ctx, actor.ID, "moderator.sign_in", "actor", actor.ID)
	return s.issueSession(ctx, actor)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, unauthorized()
	}
	tokenHash := auth.HashToken(refreshToken)
	actorID, err := withStore(ctx, s, "lookup_refresh", func(ctx context.Context) (string, error) {
		return s.sessions.LookupRefreshSession(ctx, tokenHash)
	})
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, unauthorized()
	}
	if err != nil {
		return Session{}, translate(err)
	}
	actor, err := s.activeActor(ctx, actorID)
	if errors.Is(err, auth.ErrInvalidToken) {
		return Session{}, unauthorized()
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, translate(err)
	}
	return s.issueSession(ctx, actor)
}

func (s *Service) issueSession(ctx context.Context, actor store.Actor) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:    actor.ID,
		Handle: actor.Handle,
		Role:   string(actor.Role),
		JTI:    jti,
		Exp:    expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.ShortID()
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := withStoreErr(ctx, s, "save_refresh", func(ctx context.Context) error {
		return s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), actor.ID, refreshExpires)
	}); err != nil {
		return Session{}, translate(err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		ActorID:      actor.ID,
		Handle:       actor.Handle,
		Role:         actor.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken verifies an access token and reloads the actor so that
// deactivation takes effect before the token expires.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := withStore(ctx, s, "check_revoked", func(ctx context.Context) (bool, error) {
		return s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	})
	if err != nil {
		return Session{}, translate(err)
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	actor, err := s.activeActor(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	if string(actor.Role) != claims.Role {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		ActorID:   actor.ID,
		Handle:    actor.Handle,
		Role:      actor.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) activeActor(ctx context.Context, actorID string) (store.Actor, error) {
	actor, err := withStore(ctx, s, "get_actor", func(ctx context.Context) (store.Actor, error) {
		return s.store.GetActor(ctx, actorID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return store.Actor{}, auth.ErrInvalidToken
	}
	if err != nil {
		return store.Actor{}, translate(err)
	}
	if !actor.Active() {
		return store.Actor{}, auth.ErrInvalidToken
	}
	return actor, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			slog.Warn("revoke access token", "actor_id", session.ActorID, "error", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			slog.Warn("revoke refresh token", "actor_id", session.ActorID, "error", err)
		}
	}
	return nil
}

// audit records a use of the moderator capability in the store and the
// audit log. A store failure is logged; the audit log line is always written.
func (s *Service) audit(ctx context.Context, actorID, action, resourceType, resourceID string) {
	logging.Audit.Info("moderator capability used",
		"actor_id", actorID,
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
	)
	if err := withStoreErr(ctx, s, "insert_audit", func(ctx context.Context) error {
		return s.store.InsertAuditEvent(ctx, store.AuditEvent{
			ActorID:      actorID,
			Action:       action,
			ResourceType: resourceType,
			ResourceID:   resourceID,
		})
	}); err != nil {
		slog.Error("persist audit event", "actor_id", actorID, "action", action, "error", err)
	}
}
