// Package authpw provides email/password sign-in for moderator staff
// accounts. Requesters and responders never hold credentials here.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"parley/api/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = errors.New("password must be at least 12 characters")
)

const minPasswordLength = 12

// StaffStore is the slice of the actor store sign-in needs.
type StaffStore interface {
	GetActorByEmail(ctx context.Context, email string) (store.Actor, error)
}

type Service struct {
	store StaffStore
	cost  int
	// dummyHash is compared against when the email is unknown so that both
	// paths spend one bcrypt comparison.
	dummyHash []byte
}

func NewService(staff StaffStore) *Service {
	return newServiceWithCost(staff, bcrypt.DefaultCost)
}

func newServiceWithCost(staff StaffStore, cost int) *Service {
	dummy, _ := bcrypt.GenerateFromPassword([]byte("parley-dummy-password"), cost)
	return &Service{store: staff, cost: cost, dummyHash: dummy}
}

// HashPassword validates and hashes a new staff password.
func (s *Service) HashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// SignIn returns the moderator actor for valid credentials. Unknown emails,
// wrong passwords, non-moderator accounts and deactivated accounts all
// return ErrInvalidCredentials. Store outages are returned as-is.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.Actor, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return store.Actor{}, ErrInvalidCredentials
	}

	actor, err := s.store.GetActorByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return store.Actor{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.Actor{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(actor.PasswordHash), []byte(password)); err != nil {
		return store.Actor{}, ErrInvalidCredentials
	}
	if actor.Role != store.RoleModerator || !actor.Active() {
		return store.Actor{}, ErrInvalidCredentials
	}
	return actor, nil
}
