package authpw

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"parley/api/internal/store"
)

type fakeStaffStore struct {
	getActorByEmailFn func(ctx context.Context, email string) (store.Actor, error)
}

func (f *fakeStaffStore) GetActorByEmail(ctx context.Context, email string) (store.Actor, error) {
	return f.getActorByEmailFn(ctx, email)
}

func newTestService(t *testing.T, actors ...store.Actor) *Service {
	t.Helper()
	byEmail := map[string]store.Actor{}
	for _, actor := range actors {
		byEmail[actor.Email] = actor
	}
	return newServiceWithCost(&fakeStaffStore{
		getActorByEmailFn: func(_ context.Context, email string) (store.Actor, error) {
			actor, ok := byEmail[email]
			if !ok {
				return store.Actor{}, store.ErrNotFound
			}
			return actor, nil
		},
	}, bcrypt.MinCost)
}

func TestHashPassword(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.HashPassword("short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	hash, err := svc.HashPassword("correct horse battery")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte("correct horse battery")) != nil {
		t.Fatal("hash does not verify")
	}
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()
	hashSvc := newTestService(t)
	hash, err := hashSvc.HashPassword("correct horse battery")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	deactivatedAt := time.Now()

	svc := newTestService(t,
		store.Actor{ID: "mod_1", Role: store.RoleModerator, Email: "mod@example.edu", PasswordHash: hash},
		store.Actor{ID: "mod_2", Role: store.RoleModerator, Email: "gone@example.edu", PasswordHash: hash, DeactivatedAt: &deactivatedAt},
		store.Actor{ID: "act_3", Role: store.RoleResponder, Email: "guide@example.edu", PasswordHash: hash},
	)

	t.Run("valid credentials", func(t *testing.T) {
		actor, err := svc.SignIn(ctx, " MOD@example.edu ", "correct horse battery")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if actor.ID != "mod_1" {
			t.Fatalf("expected mod_1, got %s", actor.ID)
		}
	})

	cases := []struct {
		name     string
		email    string
		password string
	}{
		{name: "wrong password", email: "mod@example.edu", password: "wrong horse battery"},
		{name: "unknown email", email: "nobody@example.edu", password: "correct horse battery"},
		{name: "deactivated", email: "gone@example.edu", password: "correct horse battery"},
		{name: "not a moderator", email: "guide@example.edu", password: "correct horse battery"},
		{name: "missing fields", email: "", password: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.SignIn(ctx, tc.email, tc.password); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestSignInPassesThroughOutages(t *testing.T) {
	svc := newServiceWithCost(&fakeStaffStore{
		getActorByEmailFn: func(context.Context, string) (store.Actor, error) {
			return store.Actor{}, store.ErrUnavailable
		},
	}, bcrypt.MinCost)
	if _, err := svc.SignIn(context.Background(), "mod@example.edu", "whatever-long-pass"); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
