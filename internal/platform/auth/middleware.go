package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const issuer = "easygopharm-intake"

type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	// IssuedAtMicros refines iat, which only has second precision.
	IssuedAtMicros int64 `json:"iat_us,omitempty"`
}

// IssuedAtTime is the most precise issue time the token carries.
func (c *Claims) IssuedAtTime() time.Time {
	if c.IssuedAtMicros != 0 {
		return time.UnixMicro(c.IssuedAtMicros)
	}
	if c.IssuedAt != nil {
		return c.IssuedAt.Time
	}
	return time.Time{}
}

// ErrSessionEnded is returned by an ActorResolver when the account behind a
// token is gone, deactivated, or has ended its sessions since the token was
// issued.
var ErrSessionEnded = errors.New("session has ended")

// ActorResolver loads the current identity behind a verified token. Claims
// only say who the token was issued to; the account store decides who that
// is now.
type ActorResolver interface {
	ResolveActor(ctx context.Context, userID string, issuedAt time.Time) (Actor, error)
}

// TokenIssuer signs and verifies HS256 session tokens.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewTokenIssuer(signingKey []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{key: signingKey, ttl: ttl, now: time.Now}
}

// Issue returns a signed token for the actor and the token's expiry.
func (t *TokenIssuer) Issue(a Actor) (string, time.Time, error) {
	if !a.IsStaff() {
		return "", time.Time{}, fmt.Errorf("cannot issue a session for role %q", a.Role)
	}
	now := t.now()
	exp := now.Add(t.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   a.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Username:       a.Username,
		Name:           a.Name,
		Role:           a.Role,
		IssuedAtMicros: now.UnixMicro(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse validates signature, issuer and expiry.
func (t *TokenIssuer) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Authenticate resolves the request actor. Requests without an Authorization
// header continue as Guest; a present but invalid or ended session is a 401.
// With a resolver the actor comes from the account store, not the claims.
func Authenticate(tokens *TokenIssuer, revoked *TokenRevocationStore, resolver ActorResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), Guest)))
				return next(c)
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims, err := tokens.Parse(strings.TrimSpace(parts[1]))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if revoked != nil && revoked.IsRevoked(claims.ID) {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrSessionEnded.Error())
			}

			actor := Actor{
				UserID:   claims.Subject,
				Username: claims.Username,
				Name:     claims.Name,
				Role:     claims.Role,
			}
			if resolver != nil {
				actor, err = resolver.ResolveActor(c.Request().Context(), claims.Subject, claims.IssuedAtTime())
				if errors.Is(err, ErrSessionEnded) {
					return echo.NewHTTPError(http.StatusUnauthorized, ErrSessionEnded.Error())
				}
				if err != nil {
					return fmt.Errorf("resolve session: %w", err)
				}
			}

			ctx := WithActor(c.Request().Context(), actor)
			ctx = context.WithValue(ctx, tokenIDKey, claims.ID)
			ctx = context.WithValue(ctx, tokenExpKey, claims.ExpiresAt.Time)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// TokenFromContext returns the jti and expiry of the session token, if any.
func TokenFromContext(ctx context.Context) (string, time.Time, bool) {
	jti, ok := ctx.Value(tokenIDKey).(string)
	if !ok || jti == "" {
		return "", time.Time{}, false
	}
	exp, _ := ctx.Value(tokenExpKey).(time.Time)
	return jti, exp, true
}
