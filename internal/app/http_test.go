package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"parley/api/internal/store"
)

// pingStore lets tests fail the readiness probe.
type pingStore struct {
	*store.MemoryStore
	pingFn func(context.Context) error
}

func (p *pingStore) Ping(ctx context.Context) error {
	if p.pingFn != nil {
		return p.pingFn(ctx)
	}
	return nil
}

func newTestServer(t *testing.T) (*HTTPServer, *Service) {
	t.Helper()
	svc, _ := newTestService(t)
	return NewHTTPServer(svc, "*"), svc
}

func doJSON(t *testing.T, server *HTTPServer, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 && strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	rr, payload := doJSON(t, server, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK || payload["ok"] != true {
		t.Fatalf("expected healthy, got %d %v", rr.Code, payload)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}

// pingFunc stands in for the Redis client in readiness tests.
type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReadyEndpoint(t *testing.T) {
	const detail = "dial tcp 10.1.2.3:5432: connect: connection refused (user=parley_admin)"
	tests := []struct {
		name    string
		pingFn  func(context.Context) error
		redisFn pingFunc
		status  int
		failing string
	}{
		{name: "database up", status: http.StatusOK},
		{name: "database down", pingFn: func(context.Context) error { return errors.New(detail) }, status: http.StatusServiceUnavailable, failing: "database"},
		{name: "redis up", redisFn: func(context.Context) error { return nil }, status: http.StatusOK},
		{name: "redis down", redisFn: func(context.Context) error { return errors.New(detail) }, status: http.StatusServiceUnavailable, failing: "redis"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			deps := Deps{}
			if tc.redisFn != nil {
				deps.Redis = tc.redisFn
			}
			svc, err := New(testConfig(), &pingStore{MemoryStore: store.NewMemoryStore(), pingFn: tc.pingFn}, deps)
			if err != nil {
				t.Fatalf("new service: %v", err)
			}
			rr, payload := doJSON(t, NewHTTPServer(svc, "*"), http.MethodGet, "/api/ready", "", "")
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d body=%s", tc.status, rr.Code, rr.Body.String())
			}
			checks := payload["checks"].(map[string]any)
			if _, ok := checks["database"]; !ok {
				t.Fatalf("expected database check, got %v", payload)
			}
			if _, ok := checks["redis"]; ok != (tc.redisFn != nil) {
				t.Fatalf("redis check present = %v, want %v", ok, tc.redisFn != nil)
			}
			if tc.failing != "" {
				check := checks[tc.failing].(map[string]any)
				if check["status"] != "error" {
					t.Fatalf("expected %s check to fail, got %v", tc.failing, check)
				}
			}
			for _, leak := range []string{"10.1.2.3", "parley_admin", "connection refused"} {
				if strings.Contains(rr.Body.String(), leak) {
					t.Fatalf("readiness body exposes %q: %s", leak, rr.Body.String())
				}
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "parley_handle_collisions_total") {
		t.Fatal("expected parley collectors in metrics output")
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server, _ := newTestServer(t)
	for _, path := range []string{"/api/threads", "/api/responders", "/api/reports"} {
		rr, payload := doJSON(t, server, http.MethodGet, path, "", "")
		if rr.Code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
			t.Fatalf("%s: expected 401, got %d %v", path, rr.Code, payload)
		}
	}
	rr, _ := doJSON(t, server, http.MethodGet, "/api/threads", "not-a-token", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rr.Code)
	}
}

func registerOverHTTP(t *testing.T, server *HTTPServer, role string) (string, string) {
	t.Helper()
	rr, payload := doJSON(t, server, http.MethodPost, "/api/actors", "", `{"role":"`+role+`","department":"Computing"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", role, rr.Code, rr.Body.String())
	}
	actor := payload["actor"].(map[string]any)
	session := payload["session"].(map[string]any)
	if _, leaked := actor["email"]; leaked {
		t.Fatal("actor view must not carry email")
	}
	return actor["id"].(string), session["token"].(string)
}

func TestThreadConversationOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)
	_, requesterToken := registerOverHTTP(t, server, "requester")
	responderID, responderToken := registerOverHTTP(t, server, "responder")

	rr, thread := doJSON(t, server, http.MethodPost, "/api/threads", requesterToken, `{"responderId":"`+responderID+`","subject":"Help"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create thread: %d %s", rr.Code, rr.Body.String())
	}
	threadID := thread["id"].(string)
	if thread["status"] != "waiting" || thread["responderUnread"] != float64(1) {
		t.Fatalf("unexpected thread: %v", thread)
	}

	rr, payload := doJSON(t, server, http.MethodPost, "/api/threads", requesterToken, `{"responderId":"`+responderID+`","subject":"Again"}`)
	if rr.Code != http.StatusConflict || payload["code"] != "THREAD_ALREADY_EXISTS" {
		t.Fatalf("expected 409 THREAD_ALREADY_EXISTS, got %d %v", rr.Code, payload)
	}
	if payload["details"].(map[string]any)["existingId"] != threadID {
		t.Fatalf("expected existingId %s, got %v", threadID, payload["details"])
	}

	rr, msg := doJSON(t, server, http.MethodPost, "/api/threads/"+threadID+"/messages", responderToken, `{"text":"Sure, what's the question?"}`)
	if rr.Code != http.StatusCreated || msg["seq"] != float64(2) {
		t.Fatalf("append: %d %v", rr.Code, msg)
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/threads/"+threadID+"/messages?limit=10", requesterToken, "")
	if rr.Code != http.StatusOK || len(payload["items"].([]any)) != 2 {
		t.Fatalf("list messages: %d %v", rr.Code, payload)
	}

	for pass, want := range []float64{1, 0} {
		rr, payload = doJSON(t, server, http.MethodPost, "/api/threads/"+threadID+"/read", requesterToken, `{}`)
		if rr.Code != http.StatusOK || payload["resetCount"] != want {
			t.Fatalf("mark read pass %d: %d %v", pass, rr.Code, payload)
		}
	}

	rr, payload = doJSON(t, server, http.MethodPost, "/api/threads/"+threadID+"/messages", requesterToken, `{"text":""}`)
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error, got %d %v", rr.Code, payload)
	}

	rr, payload = doJSON(t, server, http.MethodPost, "/api/threads/"+threadID+"/status", responderToken, `{"status":"archived"}`)
	if rr.Code != http.StatusOK || payload["status"] != "archived" {
		t.Fatalf("archive: %d %v", rr.Code, payload)
	}
	rr, payload = doJSON(t, server, http.MethodPost, "/api/threads/"+threadID+"/messages", requesterToken, `{"text":"late"}`)
	if rr.Code != http.StatusConflict || payload["code"] != "THREAD_ARCHIVED" {
		t.Fatalf("expected THREAD_ARCHIVED, got %d %v", rr.Code, payload)
	}
}

func TestNonParticipantResponsesAreIndistinguishable(t *testing.T) {
	server, _ := newTestServer(t)
	_, requesterToken := registerOverHTTP(t, server, "requester")
	responderID, _ := registerOverHTTP(t, server, "responder")
	_, outsiderToken := registerOverHTTP(t, server, "requester")

	rr, thread := doJSON(t, server, http.MethodPost, "/api/threads", requesterToken, `{"responderId":"`+responderID+`","subject":"Private"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create thread: %d %s", rr.Code, rr.Body.String())
	}
	threadID := thread["id"].(string)

	tests := []struct {
		name   string
		method string
		suffix string
		body   string
		status int
	}{
		{name: "get thread", method: http.MethodGet, suffix: "", status: http.StatusNotFound},
		{name: "get messages", method: http.MethodGet, suffix: "/messages", status: http.StatusNotFound},
		{name: "append", method: http.MethodPost, suffix: "/messages", body: `{"text":"guess"}`, status: http.StatusNotFound},
		{name: "mark read", method: http.MethodPost, suffix: "/read", body: `{}`, status: http.StatusNotFound},
		{name: "change status", method: http.MethodPost, suffix: "/status", body: `{"status":"resolved"}`, status: http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			existing, _ := doJSON(t, server, tc.method, "/api/threads/"+threadID+tc.suffix, outsiderToken, tc.body)
			missing, _ := doJSON(t, server, tc.method, "/api/threads/thr_does_not_exist"+tc.suffix, outsiderToken, tc.body)
			if existing.Code != tc.status || missing.Code != tc.status {
				t.Fatalf("expected %d for both, got existing=%d missing=%d", tc.status, existing.Code, missing.Code)
			}
			if existing.Body.String() != missing.Body.String() {
				t.Fatalf("responses differ:\nexisting %s\nmissing  %s", existing.Body.String(), missing.Body.String())
			}
		})
	}
}

func TestModeratorRoutesOverHTTP(t *testing.T) {
	server, svc := newTestServer(t)
	if _, err := svc.CreateModerator(context.Background(), "mod@example.edu", testModeratorPassword); err != nil {
		t.Fatalf("create moderator: %v", err)
	}
	requesterID, requesterToken := registerOverHTTP(t, server, "requester")

	rr, _ := doJSON(t, server, http.MethodGet, "/api/reports", requesterToken, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("requester listing reports: expected 403, got %d", rr.Code)
	}

	rr, payload := doJSON(t, server, http.MethodPost, "/api/moderator/signin", "", `{"email":"mod@example.edu","password":"`+testModeratorPassword+`"}`)
	if rr.Code != http.StatusOK || payload["role"] != "moderator" {
		t.Fatalf("moderator sign in: %d %v", rr.Code, payload)
	}
	moderatorToken := payload["token"].(string)

	rr, payload = doJSON(t, server, http.MethodPost, "/api/actors/"+requesterID+"/deactivate", moderatorToken, "")
	if rr.Code != http.StatusOK || payload["active"] != false {
		t.Fatalf("deactivate: %d %v", rr.Code, payload)
	}
	rr, _ = doJSON(t, server, http.MethodGet, "/api/threads", requesterToken, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("deactivated actor: expected 401, got %d", rr.Code)
	}
}
