package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

const actorColumns = `id, role, department, cohort_year, handle, COALESCE(email, ''), COALESCE(password_hash, ''), last_active_at, deactivated_at, created_at`

func scanActor(scan func(...any) error) (Actor, error) {
	var item Actor
	var role string
	var cohort sql.NullInt64
	if err := scan(&item.ID, &role, &item.Department, &cohort, &item.Handle, &item.Email, &item.PasswordHash, &item.LastActiveAt, &item.DeactivatedAt, &item.CreatedAt); err != nil {
		return Actor{}, err
	}
	item.Role = Role(role)
	if cohort.Valid {
		year := int(cohort.Int64)
		item.CohortYear = &year
	}
	return item, nil
}

// InsertActor stores a new actor. The handle unique constraint is the
// reservation: a collision returns ErrHandleTaken and nothing is written.
func (s *PostgresStore) InsertActor(ctx context.Context, actor Actor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actors (id, role, department, cohort_year, handle, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
	`, actor.ID, string(actor.Role), actor.Department, actor.CohortYear, actor.Handle, actor.Email, actor.PasswordHash, actor.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "actors_handle_key" {
			return fmt.Errorf("insert actor: %w", ErrHandleTaken)
		}
		return classify("insert actor", err)
	}
	return nil
}

func (s *PostgresStore) GetActor(ctx context.Context, actorID string) (Actor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE id=$1`, actorID)
	actor, err := scanActor(row.Scan)
	if err != nil {
		return Actor{}, classify("get actor", err)
	}
	return actor, nil
}

func (s *PostgresStore) GetActorByEmail(ctx context.Context, email string) (Actor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE email=$1`, strings.ToLower(email))
	actor, err := scanActor(row.Scan)
	if err != nil {
		return Actor{}, classify("get actor by email", err)
	}
	return actor, nil
}

func (s *PostgresStore) ListResponders(ctx context.Context, department string) ([]Actor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+actorColumns+`
		FROM actors
		WHERE role='responder'
			AND deactivated_at IS NULL
			AND ($1 = '' OR department = $1)
		ORDER BY last_active_at DESC NULLS LAST, handle ASC
	`, department)
	if err != nil {
		return nil, classify("list responders", err)
	}
	defer rows.Close()

	items := make([]Actor, 0)
	for rows.Next() {
		actor, err := scanActor(rows.Scan)
		if err != nil {
			return nil, classify("scan responder", err)
		}
		items = append(items, actor)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate responders", err)
	}
	return items, nil
}

func (s *PostgresStore) TouchActor(ctx context.Context, actorID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE actors SET last_active_at=$2
		WHERE id=$1 AND (last_active_at IS NULL OR last_active_at < $2)
	`, actorID, at)
	return classify("touch actor", err)
}

func (s *PostgresStore) SetActorDeactivated(ctx context.Context, actorID string, deactivated bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE actors
		SET deactivated_at = CASE WHEN $2 THEN COALESCE(deactivated_at, NOW()) ELSE NULL END
		WHERE id=$1
	`, actorID, deactivated)
	if err != nil {
		return classify("set actor deactivated", err)
	}
	return requireAffected("set actor deactivated", result)
}

const threadColumns = `id, requester_id, COALESCE(responder_id, ''), subject, department, status, requester_unread, responder_unread, message_seq, created_at, updated_at, last_message_at`

func scanThread(scan func(...any) error) (Thread, error) {
	var item Thread
	var status string
	if err := scan(&item.ID, &item.RequesterID, &item.ResponderID, &item.Subject, &item.Department, &status, &item.RequesterUnread, &item.ResponderUnread, &item.MessageCount, &item.CreatedAt, &item.UpdatedAt, &item.LastMessageAt); err != nil {
		return Thread{}, err
	}
	item.Status = ThreadStatus(status)
	return item, nil
}

// CreateThread inserts a thread together with its seed message. The partial
// unique index threads_open_pair_key rejects a second non-archived thread for
// the pair; the returned ConflictError names the thread that holds the slot.
func (s *PostgresStore) CreateThread(ctx context.Context, thread Thread, seed Message) (Thread, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Thread{}, classify("begin create thread", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO threads (id, requester_id, responder_id, subject, department, status, requester_unread, responder_unread, message_seq, created_at, updated_at, last_message_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, 1, clock_timestamp(), clock_timestamp(), clock_timestamp())
		RETURNING `+threadColumns,
		thread.ID, thread.RequesterID, thread.ResponderID, thread.Subject, thread.Department, string(thread.Status), thread.RequesterUnread, thread.ResponderUnread)
	created, err := scanThread(row.Scan)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "threads_open_pair_key" {
			_ = tx.Rollback()
			existing, findErr := s.FindOpenThread(ctx, thread.RequesterID, thread.ResponderID)
			if findErr != nil {
				return Thread{}, findErr
			}
			return Thread{}, &ConflictError{ExistingID: existing.ID}
		}
		return Thread{}, classify("insert thread", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, seq, sender_role, body, kind, delivery_status, created_at)
		VALUES ($1, $2, 1, $3, $4, $5, 'sent', $6)
	`, seed.ID, created.ID, string(seed.From), seed.Text, string(seed.Kind), created.CreatedAt); err != nil {
		return Thread{}, classify("insert seed message", err)
	}

	if err := tx.Commit(); err != nil {
		return Thread{}, classify("commit create thread", err)
	}
	return created, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id=$1`, threadID)
	thread, err := scanThread(row.Scan)
	if err != nil {
		return Thread{}, classify("get thread", err)
	}
	return thread, nil
}

func (s *PostgresStore) FindOpenThread(ctx context.Context, requesterID, responderID string) (Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE requester_id=$1 AND COALESCE(responder_id, '')=$2 AND status <> 'archived'
	`, requesterID, responderID)
	thread, err := scanThread(row.Scan)
	if err != nil {
		return Thread{}, classify("find open thread", err)
	}
	return thread, nil
}

var threadOrderColumns = map[ThreadOrder]string{
	OrderCreatedAt:     "created_at",
	OrderUpdatedAt:     "updated_at",
	OrderLastMessageAt: "last_message_at",
}

func (s *PostgresStore) ListThreads(ctx context.Context, filter ThreadFilter) ([]Thread, error) {
	column, ok := threadOrderColumns[filter.OrderBy]
	if !ok {
		column = "created_at"
	}
	direction := "DESC"
	if filter.Ascending {
		direction = "ASC"
	}

	var where string
	args := []any{filter.Limit, filter.Offset}
	switch {
	case filter.AllThreads:
		where = "TRUE"
	case filter.Side == RoleRequester:
		where = "requester_id = $3"
		args = append(args, filter.ActorID)
	case filter.Side == RoleResponder:
		where = "responder_id = $3"
		args = append(args, filter.ActorID)
	default:
		return []Thread{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE `+where+`
		ORDER BY `+column+` `+direction+`, id `+direction+`
		LIMIT NULLIF($1, 0) OFFSET $2
	`, args...)
	if err != nil {
		return nil, classify("list threads", err)
	}
	defer rows.Close()

	items := make([]Thread, 0)
	for rows.Next() {
		thread, err := scanThread(rows.Scan)
		if err != nil {
			return nil, classify("scan thread", err)
		}
		items = append(items, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate threads", err)
	}
	return items, nil
}

// AppendMessage commits one message and the counter/status bookkeeping in a
// single transaction. The UPDATE on the thread row takes its row lock, so
// concurrent appends to one thread serialize on it and each sees the
// previous append's message_seq. A message id that already exists in the
// thread is returned as-is, which makes retries after a lost commit
// acknowledgement safe.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) (Message, Thread, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, Thread{}, classify("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, msg.ID).Scan)
	switch {
	case err == nil:
		if existing.ThreadID != msg.ThreadID {
			return Message{}, Thread{}, fmt.Errorf("append message: %w", ErrConflict)
		}
		thread, err := scanThread(tx.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id=$1`, msg.ThreadID).Scan)
		if err != nil {
			return Message{}, Thread{}, classify("reload thread", err)
		}
		return existing, thread, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Message{}, Thread{}, classify("check message id", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE threads
		SET message_seq = message_seq + 1,
			requester_unread = requester_unread + CASE WHEN $2 = 'responder' THEN 1 ELSE 0 END,
			responder_unread = responder_unread + CASE WHEN $2 = 'requester' THEN 1 ELSE 0 END,
			status = CASE WHEN status = 'waiting' AND $2 = 'responder' THEN 'active' ELSE status END,
			last_message_at = clock_timestamp(),
			updated_at = clock_timestamp()
		WHERE id = $1 AND status <> 'archived'
		RETURNING `+threadColumns,
		msg.ThreadID, string(msg.From))
	thread, err := scanThread(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		var status string
		lookupErr := tx.QueryRowContext(ctx, `SELECT status FROM threads WHERE id=$1`, msg.ThreadID).Scan(&status)
		if lookupErr != nil {
			return Message{}, Thread{}, classify("append message", lookupErr)
		}
		return Message{}, Thread{}, fmt.Errorf("append message: %w", ErrArchived)
	}
	if err != nil {
		return Message{}, Thread{}, classify("bump thread", err)
	}

	msg.Seq = thread.MessageCount
	msg.CreatedAt = thread.LastMessageAt
	msg.DeliveryStatus = DeliverySent
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, seq, sender_role, body, kind, delivery_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.ID, msg.ThreadID, msg.Seq, string(msg.From), msg.Text, string(msg.Kind), string(msg.DeliveryStatus), msg.CreatedAt); err != nil {
		return Message{}, Thread{}, classify("insert message", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, Thread{}, classify("commit append", err)
	}
	return msg, thread, nil
}

const messageColumns = `id, thread_id, seq, sender_role, body, kind, delivery_status, created_at`

func scanMessage(scan func(...any) error) (Message, error) {
	var item Message
	var from, kind, delivery string
	if err := scan(&item.ID, &item.ThreadID, &item.Seq, &from, &item.Text, &kind, &delivery, &item.CreatedAt); err != nil {
		return Message{}, err
	}
	item.From = Role(from)
	item.Kind = MessageKind(kind)
	item.DeliveryStatus = DeliveryStatus(delivery)
	return item, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, threadID string, filter MessageFilter) ([]Message, error) {
	conditions := []string{"thread_id = $1"}
	args := []any{threadID}
	if filter.Kind != nil {
		args = append(args, string(*filter.Kind))
		conditions = append(conditions, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.FromTime != nil {
		args = append(args, *filter.FromTime)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.ToTime != nil {
		args = append(args, *filter.ToTime)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM messages
		WHERE %s
		ORDER BY seq ASC
		LIMIT NULLIF($%d, 0) OFFSET $%d
	`, messageColumns, strings.Join(conditions, " AND "), len(args)-1, len(args)), args...)
	if err != nil {
		return nil, classify("list messages", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, classify("scan message", err)
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate messages", err)
	}
	return items, nil
}

// MarkRead zeroes side's counter and returns the value it held. Only
// messages sent by the other side are flipped to read.
func (s *PostgresStore) MarkRead(ctx context.Context, threadID string, side Role, messageIDs []string) (int, error) {
	column := "requester_unread"
	if side == RoleResponder {
		column = "responder_unread"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("begin mark read", err)
	}
	defer func() { _ = tx.Rollback() }()

	var previous int
	if err := tx.QueryRowContext(ctx, `SELECT `+column+` FROM threads WHERE id=$1 FOR UPDATE`, threadID).Scan(&previous); err != nil {
		return 0, classify("lock thread for read", err)
	}
	if previous != 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE threads SET `+column+`=0 WHERE id=$1`, threadID); err != nil {
			return 0, classify("reset unread", err)
		}
	}
	if len(messageIDs) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET delivery_status='read'
			WHERE thread_id=$1 AND sender_role=$2 AND id = ANY($3) AND delivery_status <> 'read'
		`, threadID, string(side.Other()), messageIDs); err != nil {
			return 0, classify("mark messages read", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, classify("commit mark read", err)
	}
	return previous, nil
}

func (s *PostgresStore) TransitionThread(ctx context.Context, threadID string, to ThreadStatus) (Thread, error) {
	var allowedFrom []string
	for _, from := range []ThreadStatus{StatusWaiting, StatusActive, StatusResolved, StatusArchived} {
		if from.CanTransition(to) {
			allowedFrom = append(allowedFrom, string(from))
		}
	}
	if len(allowedFrom) == 0 {
		return Thread{}, fmt.Errorf("transition thread: %w", ErrInvalidTransition)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE threads SET status=$2, updated_at=clock_timestamp()
		WHERE id=$1 AND status = ANY($3)
		RETURNING `+threadColumns,
		threadID, string(to), allowedFrom)
	thread, err := scanThread(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetThread(ctx, threadID); getErr != nil {
			return Thread{}, getErr
		}
		return Thread{}, fmt.Errorf("transition thread: %w", ErrInvalidTransition)
	}
	if err != nil {
		return Thread{}, classify("transition thread", err)
	}
	return thread, nil
}

const reportColumns = `id, subject_message_id, subject_thread_id, reason_code, COALESCE(comment, ''), reported_by_handle, created_at, resolved, resolved_by, resolved_at`

func scanReport(scan func(...any) error) (Report, error) {
	var item Report
	if err := scan(&item.ID, &item.SubjectMessageID, &item.SubjectThreadID, &item.ReasonCode, &item.Comment, &item.ReportedByHandle, &item.CreatedAt, &item.Resolved, &item.ResolvedBy, &item.ResolvedAt); err != nil {
		return Report{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertReport(ctx context.Context, report Report) (Report, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO reports (id, subject_message_id, subject_thread_id, reason_code, comment, reported_by_handle)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING `+reportColumns,
		report.ID, report.SubjectMessageID, report.SubjectThreadID, report.ReasonCode, report.Comment, report.ReportedByHandle)
	created, err := scanReport(row.Scan)
	if err != nil {
		return Report{}, classify("insert report", err)
	}
	return created, nil
}

func (s *PostgresStore) GetReport(ctx context.Context, reportID string) (Report, error) {
	report, err := scanReport(s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id=$1`, reportID).Scan)
	if err != nil {
		return Report{}, classify("get report", err)
	}
	return report, nil
}

// ResolveReport sets the resolution fields once. A second resolution
// returns ErrConflict.
func (s *PostgresStore) ResolveReport(ctx context.Context, reportID, moderatorID string) (Report, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE reports SET resolved=TRUE, resolved_by=$2, resolved_at=NOW()
		WHERE id=$1 AND resolved=FALSE
		RETURNING `+reportColumns,
		reportID, moderatorID)
	report, err := scanReport(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetReport(ctx, reportID); getErr != nil {
			return Report{}, getErr
		}
		return Report{}, fmt.Errorf("resolve report: %w", ErrConflict)
	}
	if err != nil {
		return Report{}, classify("resolve report", err)
	}
	return report, nil
}

func (s *PostgresStore) ListReports(ctx context.Context, filter ReportFilter) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reportColumns+`
		FROM reports
		WHERE ($1::boolean IS NULL OR resolved = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($2, 0) OFFSET $3
	`, filter.Resolved, filter.Limit, filter.Offset)
	if err != nil {
		return nil, classify("list reports", err)
	}
	return collectReports(rows)
}

// SearchReports is the full-text fallback used when the search index is down.
// The resolved filter is applied before the limit.
func (s *PostgresStore) SearchReports(ctx context.Context, query string, resolved *bool, limit int) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reportColumns+`
		FROM reports
		WHERE fts @@ plainto_tsquery('english', $1)
			AND ($2::boolean IS NULL OR resolved = $2)
		ORDER BY ts_rank(fts, plainto_tsquery('english', $1)) DESC, created_at DESC
		LIMIT NULLIF($3, 0)
	`, query, resolved, limit)
	if err != nil {
		return nil, classify("search reports", err)
	}
	return collectReports(rows)
}

func collectReports(rows *sql.Rows) ([]Report, error) {
	defer rows.Close()
	items := make([]Report, 0)
	for rows.Next() {
		report, err := scanReport(rows.Scan)
		if err != nil {
			return nil, classify("scan report", err)
		}
		items = append(items, report)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate reports", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (actor_id, action, resource_type, resource_id)
		VALUES ($1, $2, $3, $4)
	`, event.ActorID, event.Action, event.ResourceType, event.ResourceID)
	return classify("insert audit event", err)
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, actorID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, actor_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET actor_id=EXCLUDED.actor_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, actorID, expiresAt)
	return classify("save refresh session", err)
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var actorID string
	err := s.db.QueryRowContext(ctx, `
		SELECT actor_id
		FROM refresh_sessions
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`, tokenHash).Scan(&actorID)
	if err != nil {
		return "", classify("lookup refresh session", err)
	}
	return actorID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	return classify("revoke refresh session", err)
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	return classify("revoke access token", err)
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, classify("check revoked token", err)
	}
	return revoked, nil
}

func requireAffected(op string, result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
