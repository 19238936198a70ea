package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"parley/api/internal/store"
)

type fakeFallback struct {
	searchFn func(ctx context.Context, query string, resolved *bool, limit int) ([]store.Report, error)
	calls    atomic.Int32
}

func (f *fakeFallback) SearchReports(ctx context.Context, query string, resolved *bool, limit int) ([]store.Report, error) {
	f.calls.Add(1)
	return f.searchFn(ctx, query, resolved, limit)
}

func sampleReports() []store.Report {
	threadID := "thr_1"
	return []store.Report{
		{ID: "rep_1", ReasonCode: "harassment", Comment: "rude replies", ReportedByHandle: "Seeker1001", SubjectThreadID: &threadID, CreatedAt: time.Unix(100, 0)},
		{ID: "rep_2", ReasonCode: "harassment", ReportedByHandle: "Guide2002", Resolved: true, CreatedAt: time.Unix(50, 0)},
	}
}

func TestSearchWithoutMeiliUsesFallback(t *testing.T) {
	fallback := &fakeFallback{searchFn: func(_ context.Context, query string, resolved *bool, limit int) ([]store.Report, error) {
		if query != "harassment" || limit != 20 || resolved == nil || *resolved {
			t.Fatalf("unexpected fallback args %q %v %d", query, resolved, limit)
		}
		return sampleReports()[:1], nil
	}}
	svc := NewService(nil, fallback)

	open := false
	records, err := svc.Search(context.Background(), Query{Text: "harassment", Resolved: &open})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(records) != 1 || records[0].ID != "rep_1" || records[0].SubjectThreadID != "thr_1" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestSearchBlankQueryShortCircuits(t *testing.T) {
	fallback := &fakeFallback{searchFn: func(context.Context, string, *bool, int) ([]store.Report, error) {
		return nil, errors.New("should not be called")
	}}
	records, err := NewService(nil, fallback).Search(context.Background(), Query{Text: "   "})
	if err != nil || len(records) != 0 || fallback.calls.Load() != 0 {
		t.Fatalf("blank query should return nothing without searching: %v %v", records, err)
	}
}

func TestSearchFallbackErrorPropagates(t *testing.T) {
	fallback := &fakeFallback{searchFn: func(context.Context, string, *bool, int) ([]store.Report, error) {
		return nil, store.ErrUnavailable
	}}
	if _, err := NewService(nil, fallback).Search(context.Background(), Query{Text: "spam"}); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

// meiliStub answers the endpoints the client touches. Settings and index
// calls get an enqueued task.
func meiliStub(t *testing.T, healthy bool) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/health":
			if !healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"message":"down","code":"internal","type":"internal","link":""}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"available"}`))
		case "/multi-search":
			hit := RecordFromReport(sampleReports()[0])
			payload, _ := json.Marshal(map[string]any{
				"results": []map[string]any{{
					"indexUid":           idxReports,
					"hits":               []ReportRecord{hit},
					"query":              "harassment",
					"processingTimeMs":   1,
					"limit":              20,
					"offset":             0,
					"estimatedTotalHits": 1,
				}},
			})
			_, _ = w.Write(payload)
		default:
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"taskUid":1,"indexUid":"parley_reports","status":"enqueued","type":"indexCreation","enqueuedAt":"2026-01-01T00:00:00Z"}`))
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSearchPrefersHealthyMeili(t *testing.T) {
	server := meiliStub(t, true)
	m := newMeili(server.URL, "key", time.Hour)
	t.Cleanup(m.Close)
	if !m.Healthy() {
		t.Fatal("expected healthy meili")
	}

	fallback := &fakeFallback{searchFn: func(context.Context, string, *bool, int) ([]store.Report, error) {
		return nil, errors.New("fallback should not run")
	}}
	records, err := NewService(m, fallback).Search(context.Background(), Query{Text: "harassment"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(records) != 1 || records[0].ID != "rep_1" || records[0].ReasonCode != "harassment" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if fallback.calls.Load() != 0 {
		t.Fatal("fallback was called while meili is healthy")
	}
}

func TestSearchSkipsUnhealthyMeili(t *testing.T) {
	server := meiliStub(t, false)
	m := newMeili(server.URL, "key", time.Hour)
	t.Cleanup(m.Close)
	if m.Healthy() {
		t.Fatal("expected unhealthy meili")
	}

	fallback := &fakeFallback{searchFn: func(context.Context, string, *bool, int) ([]store.Report, error) {
		return sampleReports(), nil
	}}
	records, err := NewService(m, fallback).Search(context.Background(), Query{Text: "harassment"})
	if err != nil || len(records) != 2 {
		t.Fatalf("expected fallback results, got %v %v", records, err)
	}
}
