package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/numio/server/internal/apperr"
	"github.com/numio/server/internal/model"
	"github.com/numio/server/internal/store"
)

// EmailTokenRepo defines the interface for email verification token storage.
// Tokens are consumed (deleted) exactly once.
type EmailTokenRepo interface {
	Create(ctx context.Context, userID, token string, expiresAt time.Time) (model.EmailVerificationToken, error)
	FindByToken(ctx context.Context, token string) (model.EmailVerificationToken, error)
	Delete(ctx context.Context, id string) error
}

type emailTokenRepo struct {
	store *store.Store
}

// NewEmailTokenRepo creates a new EmailTokenRepo instance.
func NewEmailTokenRepo(s *store.Store) EmailTokenRepo {
	return &emailTokenRepo{store: s}
}

var errEmailTokenNotFound = apperr.NotFound("EMAIL_TOKEN_NOT_FOUND", "verification token not found")

// Create inserts a new verification token for the user.
func (r *emailTokenRepo) Create(_ context.Context, userID, token string, expiresAt time.Time) (model.EmailVerificationToken, error) {
	rec := model.EmailVerificationToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     token,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
	err := r.store.Update(func(st *store.State) error {
		st.EmailTokens = append(st.EmailTokens, rec)
		return nil
	})
	if err != nil {
		return model.EmailVerificationToken{}, err
	}
	return rec, nil
}

// FindByToken retrieves a verification token by its opaque value.
func (r *emailTokenRepo) FindByToken(_ context.Context, token string) (model.EmailVerificationToken, error) {
	var rec model.EmailVerificationToken
	found := false
	r.store.View(func(st *store.State) {
		for _, t := range st.EmailTokens {
			if t.Token == token {
				rec = t
				found = true
				return
			}
		}
	})
	if !found {
		return model.EmailVerificationToken{}, errEmailTokenNotFound
	}
	return rec, nil
}

// Delete removes the token. Deleting an unknown id is a no-op.
func (r *emailTokenRepo) Delete(_ context.Context, id string) error {
	return r.store.Update(func(st *store.State) error {
		for i, t := range st.EmailTokens {
			if t.ID == id {
				st.EmailTokens = append(st.EmailTokens[:i], st.EmailTokens[i+1:]...)
				return nil
			}
		}
		return nil
	})
}
