package staff

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/easygopharm/intake/internal/platform/auth"
	"github.com/easygopharm/intake/internal/platform/notification"
)

const (
	minPasswordLen = 6
	// bcrypt ignores everything past 72 bytes.
	maxPasswordLen = 72
	resetTokenTTL  = 30 * time.Minute
)

// Auditor records who did what.
type Auditor interface {
	Record(ctx context.Context, action, actor string)
}

// Notifier delivers messages without blocking the caller.
type Notifier interface {
	Dispatch(msg notification.Message)
}

// TxRunner runs fn in one transaction. Repositories join it through ctx.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Service struct {
	users    UserRepository
	resets   ResetTokenRepository
	tx       TxRunner
	tokens   *auth.TokenIssuer
	revoked  *auth.TokenRevocationStore
	audit    Auditor
	notifier Notifier
	logger   zerolog.Logger
	cost     int
	now      func() time.Time
}

func NewService(users UserRepository, resets ResetTokenRepository, tx TxRunner, tokens *auth.TokenIssuer,
	revoked *auth.TokenRevocationStore, audit Auditor, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		users:    users,
		resets:   resets,
		tx:       tx,
		tokens:   tokens,
		revoked:  revoked,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With().Str("component", "staff").Logger(),
		cost:     bcrypt.DefaultCost,
		now:      time.Now,
	}
}

// -- Sessions --

// Login checks the credentials and issues a session token. Failed attempts
// are not audited.
func (s *Service) Login(ctx context.Context, username, password string) (*User, *Session, error) {
	username = normalizeUsername(username)
	if username == "" || password == "" {
		return nil, nil, ErrInvalidCredentials
	}

	u, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("look up user: %w", err)
	}
	if !u.IsActive() {
		return nil, nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, nil, ErrInvalidCredentials
	}

	token, exp, err := s.tokens.Issue(u.Actor())
	if err != nil {
		return nil, nil, err
	}

	s.audit.Record(ctx, "User logged in: "+u.Username, u.Actor().DisplayName(u.Username))
	return u, &Session{Token: token, ExpiresAt: exp}, nil
}

// CurrentUser resolves the account behind actor. Guests, deleted and
// deactivated accounts are unauthenticated.
func (s *Service) CurrentUser(ctx context.Context, actor auth.Actor) (*User, error) {
	if !actor.IsAuthenticated() {
		return nil, ErrUnauthenticated
	}
	id, err := uuid.Parse(actor.UserID)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if !u.IsActive() {
		return nil, ErrUnauthenticated
	}
	return u, nil
}

// ResolveActor implements auth.ActorResolver. A token is honored only while
// its account exists, is active, and has not ended its sessions since the
// token was issued.
func (s *Service) ResolveActor(ctx context.Context, userID string, issuedAt time.Time) (auth.Actor, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return auth.Guest, auth.ErrSessionEnded
	}
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return auth.Guest, auth.ErrSessionEnded
		}
		return auth.Guest, fmt.Errorf("look up session user: %w", err)
	}
	if !u.IsActive() {
		return auth.Guest, auth.ErrSessionEnded
	}
	if u.SessionsValidAfter != nil && !issuedAt.After(*u.SessionsValidAfter) {
		return auth.Guest, auth.ErrSessionEnded
	}
	return u.Actor(), nil
}

// Logout revokes the session token carried by ctx.
func (s *Service) Logout(ctx context.Context) error {
	jti, exp, ok := auth.TokenFromContext(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	s.revoked.Revoke(jti, exp)
	return nil
}

// -- Administration --

func (s *Service) Provision(ctx context.Context, actor auth.Actor, in ProvisionInput) (*User, error) {
	if !actor.IsSuperAdmin() {
		return nil, ErrForbidden
	}

	username := normalizeUsername(in.Username)
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, invalid("name", "is required")
	}
	if username == "" {
		return nil, invalid("username", "is required")
	}
	role, err := auth.ParseRole(in.Role)
	if err != nil {
		return nil, invalid("role", err.Error())
	}
	if err := checkPassword(in.Password); err != nil {
		return nil, err
	}

	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return nil, invalid("username", ErrDuplicateUsername.Error())
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("look up user: %w", err)
	}

	hash, err := s.hash(in.Password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	u := &User{
		ID:           uuid.New(),
		Username:     username,
		Name:         name,
		PasswordHash: hash,
		Role:         role,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if email := strings.TrimSpace(in.Email); email != "" {
		u.Email = &email
	}

	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, ErrDuplicateUsername) {
			return nil, invalid("username", ErrDuplicateUsername.Error())
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.audit.Record(ctx, fmt.Sprintf("Provisioned staff: %s (%s)", u.Username, u.Role), actor.DisplayName("Admin"))
	return u, nil
}

func (s *Service) ListUsers(ctx context.Context, actor auth.Actor, limit, offset int) ([]*User, int, error) {
	if !actor.IsSuperAdmin() {
		return nil, 0, ErrForbidden
	}
	return s.users.List(ctx, limit, offset)
}

// DeleteUser removes an account. Its sessions end with it because
// ResolveActor no longer finds the account.
func (s *Service) DeleteUser(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	if !actor.IsSuperAdmin() {
		return ErrForbidden
	}
	if actor.UserID == id.String() {
		return invalid("id", "you cannot delete your own account")
	}

	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.users.Delete(ctx, id); err != nil {
		return err
	}

	s.audit.Record(ctx, "Deleted staff account: "+u.Username, actor.DisplayName("Admin"))
	return nil
}

// -- Credentials --

// ChangePassword rotates the actor's own password.
func (s *Service) ChangePassword(ctx context.Context, actor auth.Actor, current, next string) error {
	u, err := s.CurrentUser(ctx, actor)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(current)); err != nil {
		return invalid("current_password", "is incorrect")
	}
	if err := checkPassword(next); err != nil {
		return err
	}

	hash, err := s.hash(next)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, u.ID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	s.audit.Record(ctx, "Password updated for user: "+u.Username, actor.DisplayName(u.Username))
	return nil
}

// RequestPasswordReset mails a reset code to the account's registered address.
// It reports success whether or not the account exists.
func (s *Service) RequestPasswordReset(ctx context.Context, username string) error {
	u, err := s.users.GetByUsername(ctx, normalizeUsername(username))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("look up user: %w", err)
	}
	if !u.IsActive() || u.Email == nil || *u.Email == "" {
		s.logger.Info().Str("username", u.Username).Msg("password reset requested for an account that cannot receive it")
		return nil
	}

	raw, err := newResetCode()
	if err != nil {
		return err
	}
	t := &ResetToken{
		UserID:    u.ID,
		TokenHash: hashResetCode(raw),
		ExpiresAt: s.now().Add(resetTokenTTL),
	}
	if err := s.resets.Create(ctx, t); err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}

	s.notifier.Dispatch(notification.Message{
		NotificationType: notification.PasswordReset,
		Type:             notification.TypeAccount,
		Email:            *u.Email,
		Name:             u.Name,
		Data:             map[string]any{"token": raw},
	})
	return nil
}

// ResetPassword sets a new password using a code from RequestPasswordReset.
// Existing sessions for the account are ended.
func (s *Service) ResetPassword(ctx context.Context, code, next string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrInvalidResetToken
	}
	if err := checkPassword(next); err != nil {
		return err
	}

	hash, err := s.hash(next)
	if err != nil {
		return err
	}

	// The code is burned only if the new password lands.
	var username string
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		now := s.now()
		userID, err := s.resets.Consume(ctx, hashResetCode(code), now)
		if err != nil {
			return err
		}
		u, err := s.users.GetByID(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrInvalidResetToken
			}
			return err
		}
		if err := s.users.UpdatePassword(ctx, u.ID, hash); err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		if err := s.users.EndSessions(ctx, u.ID, now.UTC().Truncate(time.Microsecond)); err != nil {
			return fmt.Errorf("end sessions: %w", err)
		}
		username = u.Username
		return nil
	})
	if err != nil {
		return err
	}

	s.audit.Record(ctx, "External password reset for user: "+username, "System")
	return nil
}

// -- Seeding --

type seedAccount struct {
	username string
	name     string
	role     auth.Role
}

var defaultAccounts = []seedAccount{
	{"admin", "System Administrator", auth.RoleSuperAdmin},
	{"doctor", "Dr. Sarah Bennett", auth.RoleDoctor},
	{"pharm", "James Wilson, RPh", auth.RolePharmacist},
}

// Seed creates the default accounts that do not exist yet and returns the
// usernames it created.
func (s *Service) Seed(ctx context.Context, password string) ([]string, error) {
	if err := checkPassword(password); err != nil {
		return nil, fmt.Errorf("seed password: %w", err)
	}

	var created []string
	for _, acct := range defaultAccounts {
		_, err := s.users.GetByUsername(ctx, acct.username)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return created, fmt.Errorf("look up %s: %w", acct.username, err)
		}

		hash, err := s.hash(password)
		if err != nil {
			return created, err
		}
		now := s.now().UTC()
		u := &User{
			ID:           uuid.New(),
			Username:     acct.username,
			Name:         acct.name,
			PasswordHash: hash,
			Role:         acct.role,
			Status:       StatusActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.users.Create(ctx, u); err != nil {
			if errors.Is(err, ErrDuplicateUsername) {
				continue
			}
			return created, fmt.Errorf("create %s: %w", acct.username, err)
		}
		s.audit.Record(ctx, fmt.Sprintf("Provisioned staff: %s (%s)", u.Username, u.Role), "System")
		created = append(created, acct.username)
	}
	return created, nil
}

func (s *Service) hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

func checkPassword(pw string) error {
	if len(pw) < minPasswordLen {
		return invalid("password", fmt.Sprintf("must be at least %d characters", minPasswordLen))
	}
	if len(pw) > maxPasswordLen {
		return invalid("password", fmt.Sprintf("must be at most %d bytes", maxPasswordLen))
	}
	return nil
}

func normalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func newResetCode() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate reset code: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func hashResetCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
