package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"parley/api/internal/auth"
	"parley/api/internal/metrics"
	"parley/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, metrics: metrics.Handler()}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/actors" {
		var body RegisterInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		actor, session, err := s.service.Register(r.Context(), body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"actor":   actorView(actor),
			"session": sessionView(session),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/moderator/signin" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.ModeratorSignIn(r.Context(), body.Email, body.Password)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionView(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionView(session))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"actorId":       session.ActorID,
			"handle":        session.Handle,
			"role":          session.Role,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/responders" {
		items, err := s.service.ListAvailableResponders(r.Context(), r.URL.Query().Get("department"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		views := make([]map[string]any, 0, len(items))
		for _, item := range items {
			views = append(views, responderView(item))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": views})
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "threads" {
		s.handleThreads(w, r, session, parts[2:])
		return
	}

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "reports" {
		s.handleReports(w, r, session, parts[2:])
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "actors" && r.Method == http.MethodPost &&
		(parts[3] == "deactivate" || parts[3] == "reactivate") {
		actor, err := s.service.SetActorDeactivated(r.Context(), session, parts[2], parts[3] == "deactivate")
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, actorView(actor))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		slog.Warn("readiness: database ping failed", "error", err)
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error"}
	}
	if configured, err := s.service.PingRedis(ctx); configured {
		if err != nil {
			slog.Warn("readiness: redis ping failed", "error", err)
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{"status": "error"}
		} else {
			checks["redis"] = map[string]any{"status": "ok"}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleThreads serves /api/threads and everything below it; rest is the
// path after "threads".
func (s *HTTPServer) handleThreads(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) == 0 {
		if r.Method == http.MethodGet {
			query := r.URL.Query()
			limit, offset, err := pagingParams(query.Get("limit"), query.Get("offset"))
			if err != nil {
				writeServiceError(w, err)
				return
			}
			threads, err := s.service.ListThreads(r.Context(), session, ListThreadsInput{
				Limit:     limit,
				Offset:    offset,
				OrderBy:   query.Get("orderBy"),
				Ascending: query.Get("ascending") == "true",
			})
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": threadViews(threads)})
			return
		}

		if r.Method == http.MethodPost {
			var body CreateThreadInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			thread, err := s.service.CreateThread(r.Context(), session, body)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, threadView(thread))
			return
		}

		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	threadID := rest[0]

	if len(rest) == 1 && r.Method == http.MethodGet {
		thread, err := s.service.GetThread(r.Context(), session, threadID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, threadView(thread))
		return
	}

	if len(rest) == 2 && rest[1] == "messages" && r.Method == http.MethodGet {
		input, err := messageQuery(r)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		messages, err := s.service.GetMessages(r.Context(), session, threadID, input)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(messages))
		for _, msg := range messages {
			items = append(items, messageView(msg))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	if len(rest) == 2 && rest[1] == "messages" && r.Method == http.MethodPost {
		var body AppendMessageInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		msg, err := s.service.AppendMessage(r.Context(), session, threadID, body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, messageView(msg))
		return
	}

	if len(rest) == 2 && rest[1] == "read" && r.Method == http.MethodPost {
		var body struct {
			MessageIDs []string `json:"messageIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		resetCount, err := s.service.MarkRead(r.Context(), session, threadID, body.MessageIDs)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"resetCount": resetCount})
		return
	}

	if len(rest) == 2 && rest[1] == "status" && r.Method == http.MethodPost {
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		thread, err := s.service.TransitionThread(r.Context(), session, threadID, body.Status)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, threadView(thread))
		return
	}

	if len(rest) == 2 && rest[1] == "events" && r.Method == http.MethodGet {
		s.streamEvents(w, r, session, threadID)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// streamEvents writes thread change events as Server-Sent Events until the
// client goes away.
func (s *HTTPServer) streamEvents(w http.ResponseWriter, r *http.Request, session Session, threadID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}
	events, err := s.service.SubscribeThread(r.Context(), session, threadID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(25 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, payload)
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) handleReports(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodPost {
		var body FileReportInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		report, err := s.service.FileReport(r.Context(), session, body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, reportView(report))
		return
	}

	if len(rest) == 0 && r.Method == http.MethodGet {
		query := r.URL.Query()
		limit, offset, err := pagingParams(query.Get("limit"), query.Get("offset"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		resolved, err := boolParam(query.Get("resolved"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		reports, err := s.service.ListReports(r.Context(), session, ListReportsInput{Resolved: resolved, Limit: limit, Offset: offset})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(reports))
		for _, report := range reports {
			items = append(items, reportView(report))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	if len(rest) == 1 && rest[0] == "search" && r.Method == http.MethodGet {
		query := r.URL.Query()
		limit, _, err := pagingParams(query.Get("limit"), "")
		if err != nil {
			writeServiceError(w, err)
			return
		}
		resolved, err := boolParam(query.Get("resolved"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		records, err := s.service.SearchReports(r.Context(), session, query.Get("q"), resolved, limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(records))
		for _, record := range records {
			items = append(items, reportRecordView(record))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	if len(rest) == 2 && rest[1] == "resolve" && r.Method == http.MethodPost {
		report, err := s.service.ResolveReport(r.Context(), session, rest[0])
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reportView(report))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeServiceError(w, err)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.ShortID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		slog.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError && code == "SERVER_ERROR" {
		slog.Error("unhandled service error", "error", err)
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func pagingParams(limitRaw, offsetRaw string) (int, int, error) {
	limit, offset := 0, 0
	var err error
	if limitRaw != "" {
		if limit, err = strconv.Atoi(limitRaw); err != nil {
			return 0, 0, validationError("limit must be an integer")
		}
	}
	if offsetRaw != "" {
		if offset, err = strconv.Atoi(offsetRaw); err != nil {
			return 0, 0, validationError("offset must be an integer")
		}
	}
	return limit, offset, nil
}

func boolParam(raw string) (*bool, error) {
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, validationError("resolved must be true or false")
	}
	return &value, nil
}

func messageQuery(r *http.Request) (GetMessagesInput, error) {
	query := r.URL.Query()
	limit, offset, err := pagingParams(query.Get("limit"), query.Get("offset"))
	if err != nil {
		return GetMessagesInput{}, err
	}
	input := GetMessagesInput{Limit: limit, Offset: offset, Kind: query.Get("kind")}
	for name, target := range map[string]**time.Time{"fromTime": &input.FromTime, "toTime": &input.ToTime} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return GetMessagesInput{}, validationError(name + " must be an RFC 3339 timestamp")
		}
		*target = &parsed
	}
	return input, nil
}

// mapError is the only place service errors become HTTP statuses. Anything
// outside the domain taxonomy is reported without detail.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(translate(err), &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
