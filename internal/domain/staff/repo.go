package staff

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type UserRepository interface {
	// Create fails with ErrDuplicateUsername when the username is taken.
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	List(ctx context.Context, limit, offset int) ([]*User, int, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error
	// EndSessions invalidates every token issued at or before at.
	EndSessions(ctx context.Context, id uuid.UUID, at time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type ResetTokenRepository interface {
	Create(ctx context.Context, t *ResetToken) error
	// Consume marks an unused, unexpired token as used and returns its owner.
	// Any other token yields ErrInvalidResetToken.
	Consume(ctx context.Context, tokenHash string, now time.Time) (uuid.UUID, error)
}
