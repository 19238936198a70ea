// Package identity issues pseudonymous handles. A handle is a role prefix
// followed by a number drawn from a bounded range, for example "Seeker4821".
package identity

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"

	"parley/api/internal/metrics"
	"parley/api/internal/store"
)

var ErrHandleSpaceExhausted = errors.New("handle space exhausted")

var prefixes = map[store.Role]string{
	store.RoleRequester: "Seeker",
	store.RoleResponder: "Guide",
	store.RoleModerator: "Moderator",
}

// ReserveFunc claims handle atomically, typically by inserting the actor row
// under a unique constraint. It returns an error wrapping store.ErrHandleTaken
// when the handle is already issued.
type ReserveFunc func(ctx context.Context, handle string) error

type Issuer struct {
	min      int
	max      int
	attempts int
	intN     func(n int) int
}

func NewIssuer(min, max, attempts int) (*Issuer, error) {
	if min < 0 || max < min {
		return nil, fmt.Errorf("invalid handle range [%d, %d]", min, max)
	}
	if attempts < 1 {
		return nil, fmt.Errorf("invalid handle attempt ceiling %d", attempts)
	}
	return &Issuer{min: min, max: max, attempts: attempts, intN: rand.Intn}, nil
}

// Candidate returns a handle for role using a random suffix.
func (i *Issuer) Candidate(role store.Role) (string, error) {
	prefix, ok := prefixes[role]
	if !ok {
		return "", fmt.Errorf("no handle prefix for role %q", role)
	}
	suffix := i.min + i.intN(i.max-i.min+1)
	return prefix + strconv.Itoa(suffix), nil
}

// Issue draws candidates until reserve accepts one. Collisions are retried up
// to the attempt ceiling; any other reserve error is returned immediately.
func (i *Issuer) Issue(ctx context.Context, role store.Role, reserve ReserveFunc) (string, error) {
	for attempt := 0; attempt < i.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		handle, err := i.Candidate(role)
		if err != nil {
			return "", err
		}
		err = reserve(ctx, handle)
		if err == nil {
			return handle, nil
		}
		if !errors.Is(err, store.ErrHandleTaken) {
			return "", err
		}
		metrics.HandleCollisions.Inc()
	}
	metrics.HandleExhaustions.Inc()
	return "", fmt.Errorf("%w after %d attempts for %s", ErrHandleSpaceExhausted, i.attempts, role)
}
