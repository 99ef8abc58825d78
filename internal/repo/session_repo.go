package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/numio/server/internal/apperr"
	"github.com/numio/server/internal/model"
	"github.com/numio/server/internal/store"
)

// SessionRepo defines the interface for login session repository operations.
// A session holds the hash of its single currently valid refresh secret;
// RotateSecret replaces it so the previous secret can never verify again.
type SessionRepo interface {
	Create(ctx context.Context, session model.Session) (model.Session, error)
	GetByID(ctx context.Context, id string) (model.Session, error)
	RotateSecret(ctx context.Context, id, expectedHash, newHash string, expiresAt time.Time) error
	Delete(ctx context.Context, id string) error
}

// ErrSecretStale reports a rotation that lost the race: the stored hash no
// longer matches what the caller verified against.
var ErrSecretStale = apperr.Conflict("SESSION_SECRET_STALE", "refresh secret was rotated concurrently")

type sessionRepo struct {
	store *store.Store
}

// NewSessionRepo creates a new SessionRepo instance.
func NewSessionRepo(s *store.Store) SessionRepo {
	return &sessionRepo{store: s}
}

var errSessionNotFound = apperr.NotFound("SESSION_NOT_FOUND", "session not found")

// Create inserts a new session, assigning id and creation timestamp.
func (r *sessionRepo) Create(_ context.Context, session model.Session) (model.Session, error) {
	session.ID = uuid.NewString()
	session.CreatedAt = time.Now().UTC()
	err := r.store.Update(func(st *store.State) error {
		st.Sessions = append(st.Sessions, session)
		return nil
	})
	if err != nil {
		return model.Session{}, err
	}
	return session, nil
}

// GetByID retrieves a session by ID.
func (r *sessionRepo) GetByID(_ context.Context, id string) (model.Session, error) {
	var session model.Session
	found := false
	r.store.View(func(st *store.State) {
		for _, s := range st.Sessions {
			if s.ID == id {
				session = s
				found = true
				return
			}
		}
	})
	if !found {
		return model.Session{}, errSessionNotFound
	}
	return session, nil
}

// RotateSecret is a compare-and-swap: it replaces the stored refresh-secret
// hash and extends the expiry only if the stored hash still equals
// expectedHash, all inside one store transaction. Two concurrent rotations of
// one session therefore serialize; the loser gets ErrSecretStale.
func (r *sessionRepo) RotateSecret(_ context.Context, id, expectedHash, newHash string, expiresAt time.Time) error {
	return r.store.Update(func(st *store.State) error {
		for i, s := range st.Sessions {
			if s.ID == id {
				if s.RefreshTokenHash != expectedHash {
					return ErrSecretStale
				}
				st.Sessions[i].RefreshTokenHash = newHash
				st.Sessions[i].ExpiresAt = expiresAt
				return nil
			}
		}
		return errSessionNotFound
	})
}

// Delete removes the session. Deleting an unknown id is a no-op.
func (r *sessionRepo) Delete(_ context.Context, id string) error {
	return r.store.Update(func(st *store.State) error {
		for i, s := range st.Sessions {
			if s.ID == id {
				st.Sessions = append(st.Sessions[:i], st.Sessions[i+1:]...)
				return nil
			}
		}
		return nil
	})
}
