package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/numio/server/internal/apperr"
	"github.com/numio/server/internal/model"
	"github.com/numio/server/internal/store"
)

// OtpRepo defines the interface for OTP challenge repository operations.
// Challenge records are append-only apart from status/attempt updates; they
// are never deleted so the send-rate window can be counted from them.
type OtpRepo interface {
	Create(ctx context.Context, challenge model.OtpChallenge) (model.OtpChallenge, error)
	CountSince(ctx context.Context, phone string, since time.Time) (int, error)
	FindLatestByPhone(ctx context.Context, phone string) (model.OtpChallenge, error)
	FindPendingByPhone(ctx context.Context, phone string) (model.OtpChallenge, error)
	MarkStatus(ctx context.Context, id string, status model.OtpStatus) error
	IncrementAttempt(ctx context.Context, id string) (int, error)
}

type otpRepo struct {
	store *store.Store
}

// NewOtpRepo creates a new OtpRepo instance.
func NewOtpRepo(s *store.Store) OtpRepo {
	return &otpRepo{store: s}
}

var errChallengeNotFound = apperr.NotFound("OTP_CHALLENGE_NOT_FOUND", "otp challenge not found")

// Create inserts a new challenge, assigning id and creation timestamp.
func (r *otpRepo) Create(_ context.Context, challenge model.OtpChallenge) (model.OtpChallenge, error) {
	challenge.ID = uuid.NewString()
	challenge.CreatedAt = time.Now().UTC()
	err := r.store.Update(func(st *store.State) error {
		st.OtpChallenges = append(st.OtpChallenges, challenge)
		return nil
	})
	if err != nil {
		return model.OtpChallenge{}, err
	}
	return challenge, nil
}

// CountSince counts challenges created for the phone at or after since.
func (r *otpRepo) CountSince(_ context.Context, phone string, since time.Time) (int, error) {
	count := 0
	r.store.View(func(st *store.State) {
		for _, c := range st.OtpChallenges {
			if c.Phone == phone && !c.CreatedAt.Before(since) {
				count++
			}
		}
	})
	return count, nil
}

// FindLatestByPhone returns the most recently created challenge for the phone,
// regardless of status.
func (r *otpRepo) FindLatestByPhone(_ context.Context, phone string) (model.OtpChallenge, error) {
	var latest model.OtpChallenge
	found := false
	r.store.View(func(st *store.State) {
		for _, c := range st.OtpChallenges {
			if c.Phone != phone {
				continue
			}
			if !found || c.CreatedAt.After(latest.CreatedAt) {
				latest = c
				found = true
			}
		}
	})
	if !found {
		return model.OtpChallenge{}, errChallengeNotFound
	}
	return latest, nil
}

// FindPendingByPhone returns the most recently created PENDING challenge.
func (r *otpRepo) FindPendingByPhone(_ context.Context, phone string) (model.OtpChallenge, error) {
	var latest model.OtpChallenge
	found := false
	r.store.View(func(st *store.State) {
		for _, c := range st.OtpChallenges {
			if c.Phone != phone || c.Status != model.OtpPending {
				continue
			}
			if !found || c.CreatedAt.After(latest.CreatedAt) {
				latest = c
				found = true
			}
		}
	})
	if !found {
		return model.OtpChallenge{}, errChallengeNotFound
	}
	return latest, nil
}

// MarkStatus transitions the challenge out of PENDING. Terminal statuses are
// never overwritten.
func (r *otpRepo) MarkStatus(_ context.Context, id string, status model.OtpStatus) error {
	return r.store.Update(func(st *store.State) error {
		for i, c := range st.OtpChallenges {
			if c.ID != id {
				continue
			}
			if c.Status != model.OtpPending {
				return apperr.Conflict("OTP_CHALLENGE_TERMINAL", "otp challenge already settled")
			}
			st.OtpChallenges[i].Status = status
			return nil
		}
		return errChallengeNotFound
	})
}

// IncrementAttempt bumps the attempt counter and returns the new value.
func (r *otpRepo) IncrementAttempt(_ context.Context, id string) (int, error) {
	count := 0
	err := r.store.Update(func(st *store.State) error {
		for i, c := range st.OtpChallenges {
			if c.ID == id {
				st.OtpChallenges[i].AttemptCount++
				count = st.OtpChallenges[i].AttemptCount
				return nil
			}
		}
		return errChallengeNotFound
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
