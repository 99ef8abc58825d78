package repo

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/numio/server/internal/apperr"
	"github.com/numio/server/internal/model"
	"github.com/numio/server/internal/store"
)

// UserRepo defines the interface for user repository operations.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (model.User, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByPhone(ctx context.Context, phone string) (model.User, error)
	Create(ctx context.Context, user model.User) (model.User, error)
	Update(ctx context.Context, user model.User) (model.User, error)
	HasRole(ctx context.Context, role model.Role) (bool, error)
}

type userRepo struct {
	store *store.Store
}

// NewUserRepo creates a new UserRepo instance.
func NewUserRepo(s *store.Store) UserRepo {
	return &userRepo{store: s}
}

var errUserNotFound = apperr.NotFound("USER_NOT_FOUND", "user not found")

// GetByID retrieves a user by ID.
func (r *userRepo) GetByID(_ context.Context, id string) (model.User, error) {
	var user model.User
	found := false
	r.store.View(func(st *store.State) {
		for _, u := range st.Users {
			if u.ID == id {
				user = u
				found = true
				return
			}
		}
	})
	if !found {
		return model.User{}, errUserNotFound
	}
	return user, nil
}

// GetByEmail retrieves a user by email. Emails compare case-insensitively.
func (r *userRepo) GetByEmail(_ context.Context, email string) (model.User, error) {
	email = strings.ToLower(email)
	var user model.User
	found := false
	r.store.View(func(st *store.State) {
		for _, u := range st.Users {
			if u.Email != "" && strings.ToLower(u.Email) == email {
				user = u
				found = true
				return
			}
		}
	})
	if !found {
		return model.User{}, errUserNotFound
	}
	return user, nil
}

// GetByPhone retrieves a user by phone number.
func (r *userRepo) GetByPhone(_ context.Context, phone string) (model.User, error) {
	var user model.User
	found := false
	r.store.View(func(st *store.State) {
		for _, u := range st.Users {
			if u.Phone != "" && u.Phone == phone {
				user = u
				found = true
				return
			}
		}
	})
	if !found {
		return model.User{}, errUserNotFound
	}
	return user, nil
}

// Create inserts a new user, assigning id and timestamps. Email and phone
// uniqueness is enforced inside the same store transaction.
func (r *userRepo) Create(_ context.Context, user model.User) (model.User, error) {
	now := time.Now().UTC()
	user.ID = uuid.NewString()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.Status == "" {
		user.Status = model.UserActive
	}
	if user.Role == "" {
		user.Role = model.RoleUser
	}

	err := r.store.Update(func(st *store.State) error {
		for _, u := range st.Users {
			if user.Email != "" && u.Email != "" && strings.EqualFold(u.Email, user.Email) {
				return apperr.Conflict("EMAIL_TAKEN", "email already registered")
			}
			if user.Phone != "" && u.Phone == user.Phone {
				return apperr.Conflict("PHONE_TAKEN", "phone already registered")
			}
		}
		st.Users = append(st.Users, user)
		return nil
	})
	if err != nil {
		return model.User{}, err
	}
	return user, nil
}

// Update replaces the stored record for the user's id.
func (r *userRepo) Update(_ context.Context, user model.User) (model.User, error) {
	user.UpdatedAt = time.Now().UTC()
	err := r.store.Update(func(st *store.State) error {
		for i, u := range st.Users {
			if u.ID == user.ID {
				st.Users[i] = user
				return nil
			}
		}
		return errUserNotFound
	})
	if err != nil {
		return model.User{}, err
	}
	return user, nil
}

// HasRole reports whether any user carries the given role.
func (r *userRepo) HasRole(_ context.Context, role model.Role) (bool, error) {
	found := false
	r.store.View(func(st *store.State) {
		for _, u := range st.Users {
			if u.Role == role {
				found = true
				return
			}
		}
	})
	return found, nil
}
