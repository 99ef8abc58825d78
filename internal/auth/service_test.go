package auth

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numio/server/internal/apperr"
	"github.com/numio/server/internal/model"
	"github.com/numio/server/internal/repo"
	"github.com/numio/server/internal/store"
)

type serviceEnv struct {
	svc         *Service
	users       repo.UserRepo
	sessions    repo.SessionRepo
	emailTokens repo.EmailTokenRepo
	codec       *TokenCodec
}

func newTestService(t *testing.T, accessTTL time.Duration) *serviceEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	users := repo.NewUserRepo(st)
	sessions := repo.NewSessionRepo(st)
	emailTokens := repo.NewEmailTokenRepo(st)
	otps := repo.NewOtpRepo(st)

	hasher := NewPBKDF2Hasher()
	codec := NewTokenCodec(testSecret, accessTTL)
	engine := NewOtpEngine(otps, hasher, defaultOtpConfig(), slog.Default())
	svc := NewService(users, sessions, emailTokens, engine, hasher, codec, time.Hour, slog.Default())

	return &serviceEnv{svc: svc, users: users, sessions: sessions, emailTokens: emailTokens, codec: codec}
}

// registerVerified registers a user and completes email verification.
func (e *serviceEnv) registerVerified(t *testing.T, email, password string) model.User {
	t.Helper()
	ctx := context.Background()
	user, token, err := e.svc.Register(ctx, email, "", password)
	require.NoError(t, err)
	require.NoError(t, e.svc.VerifyEmail(ctx, token))
	verified, err := e.users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	return verified
}

func TestRegister_Validation(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	_, _, err := env.svc.Register(ctx, "", "", "Passw0rd!")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, _, err = env.svc.Register(ctx, "not-an-email", "", "Passw0rd!")
	assert.Equal(t, "EMAIL_INVALID", apperr.CodeOf(err))

	_, _, err = env.svc.Register(ctx, "a@x.com", "", "short")
	assert.Equal(t, "PASSWORD_TOO_SHORT", apperr.CodeOf(err))
}

func TestRegister_DuplicateEmailAndPhone(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	_, _, err := env.svc.Register(ctx, "a@x.com", "+15550001111", "Passw0rd!")
	require.NoError(t, err)

	_, _, err = env.svc.Register(ctx, "A@X.com", "", "Passw0rd!")
	assert.Equal(t, "EMAIL_TAKEN", apperr.CodeOf(err))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, _, err = env.svc.Register(ctx, "b@x.com", "+15550001111", "Passw0rd!")
	assert.Equal(t, "PHONE_TAKEN", apperr.CodeOf(err))
}

func TestVerifyEmail_TokenConsumedOnce(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	_, token, err := env.svc.Register(ctx, "a@x.com", "", "Passw0rd!")
	require.NoError(t, err)

	require.NoError(t, env.svc.VerifyEmail(ctx, token))

	err = env.svc.VerifyEmail(ctx, token)
	assert.Equal(t, "EMAIL_TOKEN_INVALID", apperr.CodeOf(err))
}

func TestVerifyEmail_ExpiredToken(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	user, _, err := env.svc.Register(ctx, "a@x.com", "", "Passw0rd!")
	require.NoError(t, err)

	_, err = env.emailTokens.Create(ctx, user.ID, "stale-token", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	err = env.svc.VerifyEmail(ctx, "stale-token")
	assert.Equal(t, "EMAIL_TOKEN_EXPIRED", apperr.CodeOf(err))

	// The expired token is consumed on the failed lookup.
	_, err = env.emailTokens.FindByToken(ctx, "stale-token")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	// The user's email stays unverified.
	got, err := env.users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, got.EmailVerifiedAt)
}

func TestLogin_RequiresVerifiedEmail(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	_, _, err := env.svc.Register(ctx, "a@x.com", "", "Passw0rd!")
	require.NoError(t, err)

	_, _, err = env.svc.Login(ctx, "a@x.com", "Passw0rd!", ClientMeta{})
	assert.ErrorIs(t, err, ErrEmailNotVerified)
}

func TestLogin_WrongPasswordAndUnknownEmail(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "Passw0rd!")

	_, _, err := env.svc.Login(ctx, "a@x.com", "WrongPass!", ClientMeta{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Unknown email yields the identical failure.
	_, _, err = env.svc.Login(ctx, "nobody@x.com", "Passw0rd!", ClientMeta{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_LockedAccount(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	user := env.registerVerified(t, "a@x.com", "Passw0rd!")

	user.Status = model.UserLocked
	_, err := env.users.Update(ctx, user)
	require.NoError(t, err)

	_, _, err = env.svc.Login(ctx, "a@x.com", "Passw0rd!", ClientMeta{})
	assert.ErrorIs(t, err, ErrAccountLocked)
}

func TestAuthenticate_AccessToken(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	user := env.registerVerified(t, "a@x.com", "Passw0rd!")

	_, pair, err := env.svc.Login(ctx, "a@x.com", "Passw0rd!", ClientMeta{})
	require.NoError(t, err)

	identity, err := env.svc.Authenticate(ctx, "Bearer "+pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, identity.User.ID)
	assert.NotEmpty(t, identity.SessionID)

	_, err = env.svc.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrMissingBearer)

	_, err = env.svc.Authenticate(ctx, "Bearer not.a.token")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestAuthenticate_ExpiredToken(t *testing.T) {
	env := newTestService(t, -time.Minute)
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "Passw0rd!")

	_, pair, err := env.svc.Login(ctx, "a@x.com", "Passw0rd!", ClientMeta{})
	require.NoError(t, err)

	_, err = env.svc.Authenticate(ctx, "Bearer "+pair.AccessToken)
	require.Error(t, err)
	assert.Equal(t, CodeTokenExpired, apperr.CodeOf(err))
}

func TestAuthenticate_UserLockedAfterIssuance(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	user := env.registerVerified(t, "a@x.com", "Passw0rd!")

	_, pair, err := env.svc.Login(ctx, "a@x.com", "Passw0rd!", ClientMeta{})
	require.NoError(t, err)

	// Locking the account revokes access before the token expires.
	user.Status = model.UserLocked
	_, err = env.users.Update(ctx, user)
	require.NoError(t, err)

	_, err = env.svc.Authenticate(ctx, "Bearer "+pair.AccessToken)
	assert.Equal(t, "ACCOUNT_INVALID", apperr.CodeOf(err))
}

func TestAuthorize_RoleGate(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "Passw0rd!")

	_, pair, err := env.svc.Login(ctx, "a@x.com", "Passw0rd!", ClientMeta{})
	require.NoError(t, err)

	_, err = env.svc.Authorize(ctx, "Bearer "+pair.AccessToken, model.RoleAdmin, model.RoleSuperAdmin)
	assert.ErrorIs(t, err, ErrInsufficientRole)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	identity, err := env.svc.Authorize(ctx, "Bearer "+pair.AccessToken, model.RoleUser)
	require.NoError(t, err)
	assert.Equal(t, model.RoleUser, identity.User.Role)
}

func TestRefresh_RotationAndReplayDetection(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "Passw0rd!")

	_, pair0, err := env.svc.Login(ctx, "a@x.com", "Passw0rd!", ClientMeta{})
	require.NoError(t, err)

	pair1, err := env.svc.Refresh(ctx, pair0.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair0.RefreshToken, pair1.RefreshToken)

	pair2, err := env.svc.Refresh(ctx, pair1.RefreshToken)
	require.NoError(t, err)

	// Replaying the original token destroys the session.
	_, err = env.svc.Refresh(ctx, pair0.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidSession)

	// So even the latest rotation no longer works.
	_, err = env.svc.Refresh(ctx, pair2.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidSession)

	sessionID, _, ok := SplitRefreshToken(pair0.RefreshToken)
	require.True(t, ok)
	_, err = env.sessions.GetByID(ctx, sessionID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRefresh_SessionBindingSurvivesRotation(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "Passw0rd!")

	_, pair0, err := env.svc.Login(ctx, "a@x.com", "Passw0rd!", ClientMeta{})
	require.NoError(t, err)
	sid0, _, ok := SplitRefreshToken(pair0.RefreshToken)
	require.True(t, ok)

	pair1, err := env.svc.Refresh(ctx, pair0.RefreshToken)
	require.NoError(t, err)
	sid1, _, ok := SplitRefreshToken(pair1.RefreshToken)
	require.True(t, ok)
	assert.Equal(t, sid0, sid1, "rotation keeps the same session id")

	claims, err := env.codec.Verify(pair1.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, sid0, claims.SessionID)
}

func TestRefresh_ConcurrentRotationSingleWinner(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "Passw0rd!")

	_, pair, err := env.svc.Login(ctx, "a@x.com", "Passw0rd!", ClientMeta{})
	require.NoError(t, err)

	// Two clients present the same refresh token at once. The rotation is a
	// compare-and-swap, so exactly one wins; the other observes the rotation
	// and destroys the session.
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := env.svc.Refresh(ctx, pair.RefreshToken)
			results <- err
		}()
	}
	errA, errB := <-results, <-results

	successes := 0
	for _, err := range []error{errA, errB} {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrInvalidSession)
		}
	}
	assert.Equal(t, 1, successes, "exactly one concurrent refresh may succeed")

	sessionID, _, ok := SplitRefreshToken(pair.RefreshToken)
	require.True(t, ok)
	_, err = env.sessions.GetByID(ctx, sessionID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRefresh_ExpiredSessionDeleted(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "Passw0rd!")

	_, pair, err := env.svc.Login(ctx, "a@x.com", "Passw0rd!", ClientMeta{})
	require.NoError(t, err)
	sessionID, _, ok := SplitRefreshToken(pair.RefreshToken)
	require.True(t, ok)

	// Age the session past its expiry, keeping the secret valid.
	sess, err := env.sessions.GetByID(ctx, sessionID)
	require.NoError(t, err)
	require.NoError(t, env.sessions.RotateSecret(ctx, sessionID,
		sess.RefreshTokenHash, sess.RefreshTokenHash, time.Now().Add(-time.Minute)))

	_, err = env.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = env.sessions.GetByID(ctx, sessionID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRefresh_MalformedAndUnknown(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	_, err := env.svc.Refresh(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = env.svc.Refresh(ctx, "unknown-session.secret")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestRefresh_UserLockedDeletesSession(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	user := env.registerVerified(t, "a@x.com", "Passw0rd!")

	_, pair, err := env.svc.Login(ctx, "a@x.com", "Passw0rd!", ClientMeta{})
	require.NoError(t, err)

	user.Status = model.UserLocked
	_, err = env.users.Update(ctx, user)
	require.NoError(t, err)

	_, err = env.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidSession)

	sessionID, _, _ := SplitRefreshToken(pair.RefreshToken)
	_, err = env.sessions.GetByID(ctx, sessionID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestLogout_Idempotent(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "Passw0rd!")

	_, pair, err := env.svc.Login(ctx, "a@x.com", "Passw0rd!", ClientMeta{})
	require.NoError(t, err)

	require.NoError(t, env.svc.Logout(ctx, pair.RefreshToken))
	require.NoError(t, env.svc.Logout(ctx, pair.RefreshToken))
	require.NoError(t, env.svc.Logout(ctx, "malformed"))
	require.NoError(t, env.svc.Logout(ctx, ""))

	_, err = env.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestVerifyOtp_ProvisionsUser(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	code, ttl, err := env.svc.RequestOtp(ctx, "+15559998888")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	user, pair, err := env.svc.VerifyOtp(ctx, "+15559998888", code, ClientMeta{})
	require.NoError(t, err)
	assert.Equal(t, "+15559998888", user.Phone)
	assert.NotNil(t, user.PhoneVerifiedAt)
	assert.Equal(t, model.RoleUser, user.Role)
	assert.True(t, user.IsActive())

	identity, err := env.svc.Authenticate(ctx, "Bearer "+pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, identity.User.ID)
}

func TestVerifyOtp_ExistingUserGetsPhoneVerified(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	_, _, err := env.svc.Register(ctx, "a@x.com", "+15559998888", "Passw0rd!")
	require.NoError(t, err)

	code, _, err := env.svc.RequestOtp(ctx, "+15559998888")
	require.NoError(t, err)

	user, _, err := env.svc.VerifyOtp(ctx, "+15559998888", code, ClientMeta{})
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", user.Email)
	assert.NotNil(t, user.PhoneVerifiedAt)
}

func TestVerifyOtp_LockedUserRejected(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	code, _, err := env.svc.RequestOtp(ctx, "+15559998888")
	require.NoError(t, err)
	user, _, err := env.svc.VerifyOtp(ctx, "+15559998888", code, ClientMeta{})
	require.NoError(t, err)

	user.Status = model.UserLocked
	_, err = env.users.Update(ctx, user)
	require.NoError(t, err)

	code, _, err = env.svc.RequestOtp(ctx, "+15559998888")
	require.NoError(t, err)
	_, _, err = env.svc.VerifyOtp(ctx, "+15559998888", code, ClientMeta{})
	assert.ErrorIs(t, err, ErrAccountLocked)
}

func TestIssueSession_RequiresVerifiedContact(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	user, _, err := env.svc.Register(ctx, "a@x.com", "", "Passw0rd!")
	require.NoError(t, err)

	_, err = env.svc.IssueSession(ctx, user, ClientMeta{})
	assert.Equal(t, "CONTACT_UNVERIFIED", apperr.CodeOf(err))
}

func TestEnsureSeedAdmin(t *testing.T) {
	env := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	require.NoError(t, env.svc.EnsureSeedAdmin(ctx, "admin@example.com", "+15550000000", "ChangeMe123!"))
	// Second call is a no-op.
	require.NoError(t, env.svc.EnsureSeedAdmin(ctx, "admin@example.com", "+15550000000", "ChangeMe123!"))

	admin, err := env.users.GetByEmail(ctx, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.RoleSuperAdmin, admin.Role)
	assert.NotNil(t, admin.EmailVerifiedAt)
	assert.NotNil(t, admin.PhoneVerifiedAt)

	_, pair, err := env.svc.Login(ctx, "admin@example.com", "ChangeMe123!", ClientMeta{})
	require.NoError(t, err)
	_, err = env.svc.Authorize(ctx, "Bearer "+pair.AccessToken, model.RoleSuperAdmin)
	assert.NoError(t, err)
}
