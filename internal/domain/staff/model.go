package staff

import (
	"time"

	"github.com/google/uuid"

	"github.com/easygopharm/intake/internal/platform/auth"
)

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

// User is a staff account. PasswordHash never leaves the service.
type User struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	Name         string    `db:"name" json:"name"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         auth.Role `db:"role" json:"role"`
	Status       Status    `db:"status" json:"status"`
	Email        *string   `db:"email" json:"email,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
	// SessionsValidAfter rejects tokens issued at or before it.
	SessionsValidAfter *time.Time `db:"sessions_valid_after" json:"-"`
}

func (u *User) IsActive() bool {
	return u.Status == StatusActive
}

// Actor is the identity a session for u acts as.
func (u *User) Actor() auth.Actor {
	return auth.Actor{
		UserID:   u.ID.String(),
		Username: u.Username,
		Name:     u.Name,
		Role:     u.Role,
	}
}

// ResetToken is a single-use password reset grant. Only the SHA-256 of the
// code sent to the user is stored.
type ResetToken struct {
	UserID    uuid.UUID  `db:"user_id"`
	TokenHash string     `db:"token_hash"`
	ExpiresAt time.Time  `db:"expires_at"`
	UsedAt    *time.Time `db:"used_at"`
}

// ProvisionInput is what an administrator submits to create an account.
type ProvisionInput struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
	Email    string `json:"email,omitempty"`
}

// Session is a freshly issued bearer token.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
