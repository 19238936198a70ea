package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"parley/api/internal/session"
	"parley/api/internal/store"
)

func TestSessionLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	actor, issued := registerActor(t, svc, store.RoleResponder, "Law")

	if actor.Handle == "" || issued.Handle != actor.Handle {
		t.Fatalf("expected issued handle on session, got actor=%q session=%q", actor.Handle, issued.Handle)
	}
	current, err := svc.SessionFromToken(ctx, issued.Token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if current.ActorID != actor.ID || current.Role != store.RoleResponder {
		t.Fatalf("unexpected session: %+v", current)
	}

	refreshed, err := svc.Refresh(ctx, issued.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.RefreshToken == issued.RefreshToken {
		t.Fatal("expected refresh token rotation")
	}
	_, err = svc.Refresh(ctx, issued.RefreshToken)
	requireCode(t, err, "UNAUTHORIZED")

	if err := svc.Logout(ctx, refreshed, refreshed.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, refreshed.Token); err == nil {
		t.Fatal("expected revoked token to be rejected")
	}
	_, err = svc.Refresh(ctx, refreshed.RefreshToken)
	requireCode(t, err, "UNAUTHORIZED")
}

func TestRefreshSessionsInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sessions := session.NewRedisStoreWithClient(client)
	svc, err := New(testConfig(), store.NewMemoryStore(), Deps{
		Sessions: sessions,
		Redis:    sessions,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	_, issued := registerActor(t, svc, store.RoleRequester, "")

	if keys := mr.Keys(); len(keys) != 1 {
		t.Fatalf("expected one refresh key in redis, got %v", keys)
	}
	if _, err := svc.Refresh(ctx, issued.RefreshToken); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	_, err = svc.Refresh(ctx, issued.RefreshToken)
	requireCode(t, err, "UNAUTHORIZED")

	configured, err := svc.PingRedis(ctx)
	if !configured || err != nil {
		t.Fatalf("expected healthy redis, configured=%v err=%v", configured, err)
	}
}

func TestBootstrapCreatesModeratorOnce(t *testing.T) {
	cfg := testConfig()
	cfg.ModeratorEmail = "staff@example.edu"
	cfg.ModeratorPassword = testModeratorPassword
	mem := store.NewMemoryStore()
	svc, err := New(cfg, mem, Deps{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := svc.Bootstrap(ctx); err != nil {
			t.Fatalf("bootstrap %d: %v", i, err)
		}
	}
	actor, err := mem.GetActorByEmail(ctx, "staff@example.edu")
	if err != nil {
		t.Fatalf("lookup moderator: %v", err)
	}
	if actor.Role != store.RoleModerator || actor.Handle == "" {
		t.Fatalf("unexpected moderator: %+v", actor)
	}
	if _, err := svc.ModeratorSignIn(ctx, cfg.ModeratorEmail, cfg.ModeratorPassword); err != nil {
		t.Fatalf("sign in: %v", err)
	}
}
