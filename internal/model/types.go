package model

import "time"

// Role is the authorization role attached to a user.
type Role string

const (
	RoleUser       Role = "USER"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

// UserStatus is the account lifecycle state.
type UserStatus string

const (
	UserActive UserStatus = "ACTIVE"
	UserLocked UserStatus = "LOCKED"
)

// OtpStatus is the lifecycle state of a single OTP challenge.
// PENDING is the only non-terminal state.
type OtpStatus string

const (
	OtpPending OtpStatus = "PENDING"
	OtpUsed    OtpStatus = "USED"
	OtpExpired OtpStatus = "EXPIRED"
)

// User is an identity record. Email and phone are both optional but at least
// one must be verified before the account is usable for login.
type User struct {
	ID              string     `json:"id"`
	Email           string     `json:"email,omitempty"`
	EmailVerifiedAt *time.Time `json:"emailVerifiedAt,omitempty"`
	Phone           string     `json:"phone,omitempty"`
	PhoneVerifiedAt *time.Time `json:"phoneVerifiedAt,omitempty"`
	PasswordHash    string     `json:"passwordHash,omitempty"`
	Status          UserStatus `json:"status"`
	Role            Role       `json:"role"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IsActive reports whether the account may authenticate.
func (u User) IsActive() bool {
	return u.Status == UserActive
}

// HasVerifiedContact reports whether at least one of email/phone is verified.
func (u User) HasVerifiedContact() bool {
	return u.EmailVerifiedAt != nil || u.PhoneVerifiedAt != nil
}

// Session is one logged-in device/browser. RefreshTokenHash always holds the
// hash of the single currently valid refresh secret; rotation replaces it.
type Session struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	RefreshTokenHash string    `json:"refreshTokenHash"`
	UserAgent        string    `json:"userAgent,omitempty"`
	IPAddress        string    `json:"ipAddress,omitempty"`
	ExpiresAt        time.Time `json:"expiresAt"`
	CreatedAt        time.Time `json:"createdAt"`
}

// OtpChallenge is one OTP send/verify lifecycle for a phone number.
// Records are never deleted; they back the send-rate window accounting.
type OtpChallenge struct {
	ID           string    `json:"id"`
	Phone        string    `json:"phone"`
	CodeHash     string    `json:"codeHash"`
	Status       OtpStatus `json:"status"`
	ExpiresAt    time.Time `json:"expiresAt"`
	AttemptCount int       `json:"attemptCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// EmailVerificationToken is an opaque single-use token proving email ownership.
type EmailVerificationToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}
