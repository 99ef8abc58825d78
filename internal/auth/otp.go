package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/numio/server/internal/apperr"
	"github.com/numio/server/internal/model"
	"github.com/numio/server/internal/repo"
)

// OTP failure modes.
var (
	ErrOtpTooManyRequests   = apperr.RateLimited("OTP_TOO_MANY_REQUESTS", "too many otp requests for this phone")
	ErrOtpCooldownActive    = apperr.RateLimited("OTP_COOLDOWN_ACTIVE", "please wait before requesting another otp")
	ErrOtpNoActiveChallenge = apperr.Validation("OTP_NO_ACTIVE_CHALLENGE", "no active otp request for this phone")
	ErrOtpExpired           = apperr.Validation("OTP_EXPIRED", "otp has expired")
	ErrOtpAttemptsExhausted = apperr.Validation("OTP_ATTEMPTS_EXHAUSTED", "too many incorrect otp attempts")
	ErrOtpIncorrect         = apperr.Validation("OTP_INCORRECT", "incorrect otp")
)

// OtpConfig carries the throttling and lifetime knobs of the challenge engine.
type OtpConfig struct {
	Length       int
	TTL          time.Duration
	MaxAttempts  int
	SendCooldown time.Duration
	Window       time.Duration
	MaxPerWindow int
}

// OtpEngine creates, throttles, and verifies phone one-time passcodes.
type OtpEngine struct {
	otps   repo.OtpRepo
	hasher Hasher
	cfg    OtpConfig
	logger *slog.Logger
}

// NewOtpEngine creates a new OTP challenge engine.
func NewOtpEngine(otps repo.OtpRepo, hasher Hasher, cfg OtpConfig, logger *slog.Logger) *OtpEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &OtpEngine{otps: otps, hasher: hasher, cfg: cfg, logger: logger}
}

// TTL returns the configured challenge lifetime.
func (e *OtpEngine) TTL() time.Duration {
	return e.cfg.TTL
}

// Request creates a new PENDING challenge for the phone after checking the
// trailing rate window and the per-phone send cooldown. The plaintext code is
// returned to the caller, which decides how it is delivered; only its hash is
// persisted.
func (e *OtpEngine) Request(ctx context.Context, phone string) (string, error) {
	now := time.Now()

	count, err := e.otps.CountSince(ctx, phone, now.Add(-e.cfg.Window))
	if err != nil {
		return "", err
	}
	if count >= e.cfg.MaxPerWindow {
		e.logger.Warn("otp rate window exceeded", "phone", MaskPhone(phone), "count", count)
		return "", ErrOtpTooManyRequests
	}

	// Cooldown measures from the latest send regardless of its status.
	last, err := e.otps.FindLatestByPhone(ctx, phone)
	if err == nil && now.Sub(last.CreatedAt) < e.cfg.SendCooldown {
		return "", ErrOtpCooldownActive
	} else if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		return "", err
	}

	code, err := NewOtpCode(e.cfg.Length)
	if err != nil {
		return "", err
	}
	codeHash, err := e.hasher.Hash(code)
	if err != nil {
		return "", err
	}

	_, err = e.otps.Create(ctx, model.OtpChallenge{
		Phone:        phone,
		CodeHash:     codeHash,
		Status:       model.OtpPending,
		ExpiresAt:    now.Add(e.cfg.TTL),
		AttemptCount: 0,
	})
	if err != nil {
		return "", err
	}

	e.logger.Info("otp challenge created", "phone", MaskPhone(phone))
	return code, nil
}

// Verify checks the candidate code against the most recent PENDING challenge
// for the phone. Late attempts lazily mark the challenge EXPIRED; a wrong code
// bumps the attempt counter; once the counter reaches the cap even a correct
// code fails until a resend. A match settles the challenge as USED.
func (e *OtpEngine) Verify(ctx context.Context, phone, code string) (model.OtpChallenge, error) {
	challenge, err := e.otps.FindPendingByPhone(ctx, phone)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return model.OtpChallenge{}, ErrOtpNoActiveChallenge
		}
		return model.OtpChallenge{}, err
	}

	if time.Now().After(challenge.ExpiresAt) {
		if err := e.otps.MarkStatus(ctx, challenge.ID, model.OtpExpired); err != nil {
			return model.OtpChallenge{}, err
		}
		return model.OtpChallenge{}, ErrOtpExpired
	}

	// The record stays PENDING but is dead; only a resend recovers.
	if challenge.AttemptCount >= e.cfg.MaxAttempts {
		return model.OtpChallenge{}, ErrOtpAttemptsExhausted
	}

	if !e.hasher.Verify(code, challenge.CodeHash) {
		if _, err := e.otps.IncrementAttempt(ctx, challenge.ID); err != nil {
			return model.OtpChallenge{}, err
		}
		return model.OtpChallenge{}, ErrOtpIncorrect
	}

	if err := e.otps.MarkStatus(ctx, challenge.ID, model.OtpUsed); err != nil {
		return model.OtpChallenge{}, err
	}
	challenge.Status = model.OtpUsed

	e.logger.Info("otp challenge verified", "phone", MaskPhone(phone))
	return challenge, nil
}
