package auth

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/numio/server/internal/apperr"
	"github.com/numio/server/internal/model"
	"github.com/numio/server/internal/repo"
)

// Gateway failure modes.
var (
	ErrInvalidCredentials = apperr.Unauthorized("INVALID_CREDENTIALS", "incorrect email or password")
	ErrEmailNotVerified   = apperr.Validation("EMAIL_NOT_VERIFIED", "email has not been verified")
	ErrAccountLocked      = apperr.Unauthorized("ACCOUNT_LOCKED", "account is locked")
	ErrInvalidSession     = apperr.Unauthorized("INVALID_SESSION", "session is invalid or expired")
	ErrMissingBearer      = apperr.Unauthorized("MISSING_BEARER", "missing bearer token")
	ErrInsufficientRole   = apperr.Forbidden("INSUFFICIENT_ROLE", "insufficient permissions")
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const (
	minPasswordLen = 8
	emailTokenTTL  = 24 * time.Hour
)

// dummyStoredForm is verified against when a login targets an unknown email so
// the response time does not reveal whether the account exists. It is a
// well-formed salt:key pair that matches no password.
const dummyStoredForm = "00000000000000000000000000000000:" +
	"0000000000000000000000000000000000000000000000000000000000000000" +
	"0000000000000000000000000000000000000000000000000000000000000000"

// TokenPair is the credentials handed to a client at login, OTP success, or
// refresh. ExpiresIn is the access-token lifetime in seconds.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

// Identity is the resolved caller of an authenticated request.
type Identity struct {
	User      model.User
	SessionID string
}

// ClientMeta is creation metadata recorded on new sessions.
type ClientMeta struct {
	UserAgent string
	IPAddress string
}

// Service is the auth gateway. It orchestrates the hasher, token codec, OTP
// engine and repositories to implement register/login/refresh/logout and the
// OTP flow, and produces the identity context consumed by everything else.
type Service struct {
	users       repo.UserRepo
	sessions    repo.SessionRepo
	emailTokens repo.EmailTokenRepo
	otp         *OtpEngine
	hasher      Hasher
	tokens      *TokenCodec
	refreshTTL  time.Duration
	logger      *slog.Logger
}

// NewService creates the auth gateway.
func NewService(
	users repo.UserRepo,
	sessions repo.SessionRepo,
	emailTokens repo.EmailTokenRepo,
	otp *OtpEngine,
	hasher Hasher,
	tokens *TokenCodec,
	refreshTTL time.Duration,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:       users,
		sessions:    sessions,
		emailTokens: emailTokens,
		otp:         otp,
		hasher:      hasher,
		tokens:      tokens,
		refreshTTL:  refreshTTL,
		logger:      logger,
	}
}

// Register creates a new unverified account and returns the user together with
// the email verification token the caller must deliver.
func (s *Service) Register(ctx context.Context, email, phone, password string) (model.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return model.User{}, "", apperr.Validation("CREDENTIALS_REQUIRED", "email and password are required")
	}
	if !emailPattern.MatchString(email) {
		return model.User{}, "", apperr.Validation("EMAIL_INVALID", "email is not valid")
	}
	if len(password) < minPasswordLen {
		return model.User{}, "", apperr.Validation("PASSWORD_TOO_SHORT", "password must be at least 8 characters")
	}

	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return model.User{}, "", err
	}

	user, err := s.users.Create(ctx, model.User{
		Email:        email,
		Phone:        strings.TrimSpace(phone),
		PasswordHash: passwordHash,
		Status:       model.UserActive,
		Role:         model.RoleUser,
	})
	if err != nil {
		return model.User{}, "", err
	}

	token, err := NewOpaqueSecret()
	if err != nil {
		return model.User{}, "", err
	}
	if _, err := s.emailTokens.Create(ctx, user.ID, token, time.Now().Add(emailTokenTTL)); err != nil {
		return model.User{}, "", err
	}

	s.logger.Info("user registered", "user_id", user.ID)
	return user, token, nil
}

// VerifyEmail consumes a verification token exactly once and marks the owning
// user's email verified.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		return apperr.Validation("EMAIL_TOKEN_REQUIRED", "verification token is required")
	}
	rec, err := s.emailTokens.FindByToken(ctx, token)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return apperr.Validation("EMAIL_TOKEN_INVALID", "verification token is not valid")
		}
		return err
	}
	if time.Now().After(rec.ExpiresAt) {
		if err := s.emailTokens.Delete(ctx, rec.ID); err != nil {
			return err
		}
		return apperr.Validation("EMAIL_TOKEN_EXPIRED", "verification token has expired")
	}

	user, err := s.users.GetByID(ctx, rec.UserID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	user.EmailVerifiedAt = &now
	if _, err := s.users.Update(ctx, user); err != nil {
		return err
	}
	return s.emailTokens.Delete(ctx, rec.ID)
}

// Login authenticates an email/password pair and issues a session. Password
// verification runs even for unknown emails to keep the timing uniform.
func (s *Service) Login(ctx context.Context, email, password string, meta ClientMeta) (model.User, TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return model.User{}, TokenPair{}, apperr.Validation("CREDENTIALS_REQUIRED", "email and password are required")
	}

	user, lookupErr := s.users.GetByEmail(ctx, email)
	storedForm := dummyStoredForm
	exists := false
	if lookupErr == nil {
		storedForm = user.PasswordHash
		exists = true
	} else if !apperr.IsKind(lookupErr, apperr.KindNotFound) {
		return model.User{}, TokenPair{}, lookupErr
	}

	if !s.hasher.Verify(password, storedForm) || !exists {
		return model.User{}, TokenPair{}, ErrInvalidCredentials
	}
	if user.EmailVerifiedAt == nil {
		return model.User{}, TokenPair{}, ErrEmailNotVerified
	}
	if !user.IsActive() {
		return model.User{}, TokenPair{}, ErrAccountLocked
	}

	pair, err := s.IssueSession(ctx, user, meta)
	if err != nil {
		return model.User{}, TokenPair{}, err
	}
	s.logger.Info("login succeeded", "user_id", user.ID)
	return user, pair, nil
}

// IssueSession creates a session for the user and mints the access/refresh
// token pair, exactly as a password login would.
func (s *Service) IssueSession(ctx context.Context, user model.User, meta ClientMeta) (TokenPair, error) {
	// Every issuance path verifies a contact first; refuse to mint otherwise.
	if !user.HasVerifiedContact() {
		return TokenPair{}, apperr.Unauthorized("CONTACT_UNVERIFIED", "account has no verified contact")
	}

	secret, err := NewOpaqueSecret()
	if err != nil {
		return TokenPair{}, err
	}
	secretHash, err := s.hasher.Hash(secret)
	if err != nil {
		return TokenPair{}, err
	}

	session, err := s.sessions.Create(ctx, model.Session{
		UserID:           user.ID,
		RefreshTokenHash: secretHash,
		UserAgent:        meta.UserAgent,
		IPAddress:        meta.IPAddress,
		ExpiresAt:        time.Now().Add(s.refreshTTL),
	})
	if err != nil {
		return TokenPair{}, err
	}

	accessToken, err := s.tokens.Issue(user.ID, user.Role, session.ID)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: ComposeRefreshToken(session.ID, secret),
		ExpiresIn:    int(s.tokens.TTL().Seconds()),
	}, nil
}

// Refresh rotates a refresh token: the presented secret is single-use, and any
// mismatch is treated as a theft/replay signal that destroys the session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	sessionID, secret, ok := SplitRefreshToken(refreshToken)
	if !ok {
		return TokenPair{}, ErrInvalidSession
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return TokenPair{}, ErrInvalidSession
		}
		return TokenPair{}, err
	}

	if time.Now().After(session.ExpiresAt) {
		if err := s.sessions.Delete(ctx, session.ID); err != nil {
			return TokenPair{}, err
		}
		return TokenPair{}, ErrInvalidSession
	}

	if !s.hasher.Verify(secret, session.RefreshTokenHash) {
		// Possible reuse of an already-rotated secret. Destroying the whole
		// session revokes whatever credential the thief rotated to.
		s.logger.Warn("refresh secret mismatch, deleting session", "session_id", session.ID)
		if err := s.sessions.Delete(ctx, session.ID); err != nil {
			return TokenPair{}, err
		}
		return TokenPair{}, ErrInvalidSession
	}

	user, err := s.users.GetByID(ctx, session.UserID)
	if err != nil || !user.IsActive() {
		if delErr := s.sessions.Delete(ctx, session.ID); delErr != nil {
			return TokenPair{}, delErr
		}
		if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
			return TokenPair{}, err
		}
		return TokenPair{}, ErrInvalidSession
	}

	newSecret, err := NewOpaqueSecret()
	if err != nil {
		return TokenPair{}, err
	}
	newHash, err := s.hasher.Hash(newSecret)
	if err != nil {
		return TokenPair{}, err
	}
	err = s.sessions.RotateSecret(ctx, session.ID, session.RefreshTokenHash, newHash, time.Now().Add(s.refreshTTL))
	switch {
	case errors.Is(err, repo.ErrSecretStale):
		// A concurrent refresh rotated first. Same theft signal as a stale
		// secret: destroy the session.
		s.logger.Warn("concurrent refresh detected, deleting session", "session_id", session.ID)
		if delErr := s.sessions.Delete(ctx, session.ID); delErr != nil {
			return TokenPair{}, delErr
		}
		return TokenPair{}, ErrInvalidSession
	case err != nil && apperr.IsKind(err, apperr.KindNotFound):
		return TokenPair{}, ErrInvalidSession
	case err != nil:
		return TokenPair{}, err
	}

	accessToken, err := s.tokens.Issue(user.ID, user.Role, session.ID)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: ComposeRefreshToken(session.ID, newSecret),
		ExpiresIn:    int(s.tokens.TTL().Seconds()),
	}, nil
}

// Logout revokes the session a refresh token points at. It is idempotent:
// malformed or unknown tokens are a no-op success.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	sessionID, _, ok := SplitRefreshToken(refreshToken)
	if !ok {
		return nil
	}
	return s.sessions.Delete(ctx, sessionID)
}

// RequestOtp starts an OTP challenge for the phone. The plaintext code is
// returned so the boundary can expose it in dev mode; production delivery is
// an external concern.
func (s *Service) RequestOtp(ctx context.Context, phone string) (string, time.Duration, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", 0, apperr.Validation("PHONE_REQUIRED", "phone number is required")
	}
	code, err := s.otp.Request(ctx, phone)
	if err != nil {
		return "", 0, err
	}
	return code, s.otp.TTL(), nil
}

// VerifyOtp settles an OTP challenge. The first-ever success for an unknown
// phone provisions a new active user with the phone verified; afterwards it
// hands off to session issuance exactly as a password login would.
func (s *Service) VerifyOtp(ctx context.Context, phone, code string, meta ClientMeta) (model.User, TokenPair, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" || code == "" {
		return model.User{}, TokenPair{}, apperr.Validation("OTP_INPUT_REQUIRED", "phone and otp are required")
	}

	if _, err := s.otp.Verify(ctx, phone, code); err != nil {
		return model.User{}, TokenPair{}, err
	}

	now := time.Now().UTC()
	user, err := s.users.GetByPhone(ctx, phone)
	switch {
	case err != nil && apperr.IsKind(err, apperr.KindNotFound):
		user, err = s.users.Create(ctx, model.User{
			Phone:           phone,
			PhoneVerifiedAt: &now,
			Status:          model.UserActive,
			Role:            model.RoleUser,
		})
		if err != nil {
			return model.User{}, TokenPair{}, err
		}
		s.logger.Info("user provisioned via otp", "user_id", user.ID)
	case err != nil:
		return model.User{}, TokenPair{}, err
	case !user.IsActive():
		return model.User{}, TokenPair{}, ErrAccountLocked
	case user.PhoneVerifiedAt == nil:
		user.PhoneVerifiedAt = &now
		user, err = s.users.Update(ctx, user)
		if err != nil {
			return model.User{}, TokenPair{}, err
		}
	}

	pair, err := s.IssueSession(ctx, user, meta)
	if err != nil {
		return model.User{}, TokenPair{}, err
	}
	return user, pair, nil
}

// Authenticate resolves a bearer header into an identity. Token validity is
// necessary but not sufficient: the referenced user must still be ACTIVE.
func (s *Service) Authenticate(ctx context.Context, bearerHeader string) (Identity, error) {
	token, ok := bearerToken(bearerHeader)
	if !ok {
		return Identity{}, ErrMissingBearer
	}

	claims, err := s.tokens.Verify(token)
	if err != nil {
		return Identity{}, err
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return Identity{}, apperr.Unauthorized("ACCOUNT_INVALID", "account is not valid")
		}
		return Identity{}, err
	}
	if !user.IsActive() {
		return Identity{}, apperr.Unauthorized("ACCOUNT_INVALID", "account is not valid")
	}

	return Identity{User: user, SessionID: claims.SessionID}, nil
}

// Authorize authenticates the bearer and additionally checks the user's role
// against the allow-list. Failing the role check is Forbidden, distinct from
// Unauthorized.
func (s *Service) Authorize(ctx context.Context, bearerHeader string, roles ...model.Role) (Identity, error) {
	identity, err := s.Authenticate(ctx, bearerHeader)
	if err != nil {
		return Identity{}, err
	}
	for _, role := range roles {
		if identity.User.Role == role {
			return identity, nil
		}
	}
	return Identity{}, ErrInsufficientRole
}

// EnsureSeedAdmin creates the initial SUPER_ADMIN account on first start so a
// fresh deployment is administrable. Both contacts are marked verified.
func (s *Service) EnsureSeedAdmin(ctx context.Context, email, phone, password string) error {
	exists, err := s.users.HasRole(ctx, model.RoleSuperAdmin)
	if err != nil || exists {
		return err
	}
	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.users.Create(ctx, model.User{
		Email:           strings.ToLower(email),
		EmailVerifiedAt: &now,
		Phone:           phone,
		PhoneVerifiedAt: &now,
		PasswordHash:    passwordHash,
		Status:          model.UserActive,
		Role:            model.RoleSuperAdmin,
	})
	if err != nil {
		return err
	}
	s.logger.Info("seeded super admin", "email", email)
	return nil
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// MaskPhone masks a phone number for logging (e.g. +49******89).
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}
