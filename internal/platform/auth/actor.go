package auth

import (
	"context"
	"fmt"
)

// Role is a staff privilege tier. Guest is never persisted; it is the role of
// an unauthenticated caller.
type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleDoctor     Role = "DOCTOR"
	RolePharmacist Role = "PHARMACIST"
	RoleGuest      Role = "GUEST"
)

// StaffRoles are the roles that can be assigned to an account.
var StaffRoles = []Role{RoleSuperAdmin, RoleDoctor, RolePharmacist}

// ParseRole rejects anything outside StaffRoles.
func ParseRole(s string) (Role, error) {
	for _, r := range StaffRoles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Actor is the identity a request acts as. The zero value is a guest.
type Actor struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	Role     Role   `json:"role"`
}

// Guest is the actor for requests without a session.
var Guest = Actor{Role: RoleGuest}

func (a Actor) IsAuthenticated() bool {
	return a.UserID != "" && a.Role != RoleGuest && a.Role != ""
}

func (a Actor) IsSuperAdmin() bool {
	return a.IsAuthenticated() && a.Role == RoleSuperAdmin
}

// IsStaff reports whether the actor holds any assignable role.
func (a Actor) IsStaff() bool {
	if !a.IsAuthenticated() {
		return false
	}
	for _, r := range StaffRoles {
		if a.Role == r {
			return true
		}
	}
	return false
}

// DisplayName is what audit entries record for this actor.
func (a Actor) DisplayName(fallback string) string {
	if a.Name != "" {
		return a.Name
	}
	if a.Username != "" {
		return a.Username
	}
	return fallback
}

type contextKey string

const (
	actorKey    contextKey = "actor"
	tokenIDKey  contextKey = "token_id"
	tokenExpKey contextKey = "token_exp"
)

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the request actor, or Guest when none was set.
func ActorFromContext(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey).(Actor); ok {
		return a
	}
	return Guest
}
