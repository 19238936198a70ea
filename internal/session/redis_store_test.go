package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"parley/api/internal/store"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	rs, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	return rs, s
}

func TestNewRedisStore(t *testing.T) {
	rs, _ := setupTestRedis(t)
	if err := rs.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := rs.SaveRefreshSession(ctx, "hash-1", "act_123", time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	actorID, err := rs.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if actorID != "act_123" {
		t.Errorf("expected act_123, got %s", actorID)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	ctx := context.Background()

	if err := rs.SaveRefreshSession(ctx, "expiring", "act_456", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	s.FastForward(2 * time.Second)

	_, err := rs.LookupRefreshSession(ctx, "expiring")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired token, got %v", err)
	}
}

func TestSaveRejectsPastExpiry(t *testing.T) {
	rs, _ := setupTestRedis(t)
	if err := rs.SaveRefreshSession(context.Background(), "old", "act_1", time.Now().Add(-time.Minute)); err == nil {
		t.Fatal("expected error for past expiry")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := rs.SaveRefreshSession(ctx, "token-1", "act_1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	if err := rs.SaveRefreshSession(ctx, "token-2", "act_2", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save 2: %v", err)
	}
	if err := rs.RevokeRefreshSession(ctx, "token-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := rs.LookupRefreshSession(ctx, "token-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected revoked token to be gone, got %v", err)
	}
	actorID, err := rs.LookupRefreshSession(ctx, "token-2")
	if err != nil || actorID != "act_2" {
		t.Fatalf("token-2 should survive: %q %v", actorID, err)
	}
	if err := rs.RevokeRefreshSession(ctx, "never-existed"); err != nil {
		t.Fatalf("revoking a missing token should not error: %v", err)
	}
}

func TestRedisDownIsUnavailable(t *testing.T) {
	rs, s := setupTestRedis(t)
	s.Close()
	_, err := rs.LookupRefreshSession(context.Background(), "any")
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
