// Package lock defines the reference-counted distributed lock that
// serializes live sync operations on an external account.
//
// A lock has one owner token and a remaining count. The owner may re-lock
// (refreshing TTL and count) and each Unlock by the owner decrements the
// count; the lock disappears at zero or when its TTL lapses, whichever comes
// first. A count above one lets a parent operation hand the lock to several
// child operations that each release it once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidArgument is returned for a non-positive TTL or count.
var ErrInvalidArgument = errors.New("invalid lock argument")

// Locker is a reference-counted, owner-token lock keyed by account id.
type Locker interface {
	// Lock acquires or refreshes the lock for owner. It returns false when
	// another owner holds it.
	Lock(ctx context.Context, key string, ttl time.Duration, owner string, count int) (bool, error)
	// Unlock releases one count if owner holds the lock. It is a no-op for
	// any other owner.
	Unlock(ctx context.Context, key, owner string) error
	// IsLocked reports whether an owner other than exceptOwner holds the
	// lock. An empty exceptOwner matches any owner.
	IsLocked(ctx context.Context, key, exceptOwner string) (bool, error)
}

// Acquire locks key for owner with a count of one.
func Acquire(ctx context.Context, l Locker, key string, ttl time.Duration, owner string) (bool, error) {
	return l.Lock(ctx, key, ttl, owner, 1)
}

// ValidateArgs checks Lock arguments.
func ValidateArgs(key string, ttl time.Duration, owner string, count int) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: key is required", ErrInvalidArgument)
	case owner == "":
		return fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	case ttl <= 0:
		return fmt.Errorf("%w: ttl must be positive, got %v", ErrInvalidArgument, ttl)
	case count <= 0:
		return fmt.Errorf("%w: count must be positive, got %d", ErrInvalidArgument, count)
	}
	return nil
}
