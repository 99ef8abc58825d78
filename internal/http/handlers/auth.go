package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/numio/server/internal/apperr"
	"github.com/numio/server/internal/auth"
	"github.com/numio/server/internal/middleware"
	"github.com/numio/server/internal/model"
)

// AuthHandler handles the authentication endpoints.
type AuthHandler struct {
	svc     *auth.Service
	logger  *slog.Logger
	devMode bool
}

// NewAuthHandler creates a new auth handler. In dev mode responses include the
// email verification token and the plaintext OTP for local testing.
func NewAuthHandler(svc *auth.Service, logger *slog.Logger, devMode bool) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{svc: svc, logger: logger, devMode: devMode}
}

type registerRequest struct {
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
	Password string `json:"password"`
}

type registerResponse struct {
	Message           string `json:"message"`
	VerificationToken string `json:"verification_token,omitempty"`
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int           `json:"expires_in"`
	User         *userResponse `json:"user,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type otpSendRequest struct {
	Phone string `json:"phone"`
}

type otpSendResponse struct {
	Message    string `json:"message"`
	TTLSeconds int    `json:"ttl_seconds"`
	DevOTP     string `json:"dev_otp,omitempty"`
}

type otpVerifyRequest struct {
	Phone string `json:"phone"`
	OTP   string `json:"otp"`
}

// userResponse is the user object in API responses.
type userResponse struct {
	ID              string     `json:"id"`
	Email           string     `json:"email,omitempty"`
	Phone           string     `json:"phone,omitempty"`
	Role            model.Role `json:"role"`
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty"`
	PhoneVerifiedAt *time.Time `json:"phone_verified_at,omitempty"`
}

func newUserResponse(u model.User) *userResponse {
	return &userResponse{
		ID:              u.ID,
		Email:           u.Email,
		Phone:           u.Phone,
		Role:            u.Role,
		EmailVerifiedAt: u.EmailVerifiedAt,
		PhoneVerifiedAt: u.PhoneVerifiedAt,
	}
}

// HandleRegister handles POST /auth/register.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}

	_, token, err := h.svc.Register(r.Context(), req.Email, req.Phone, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := registerResponse{Message: "registered, please verify your email"}
	if h.devMode {
		resp.VerificationToken = token
	}
	writeJSON(w, http.StatusCreated, resp)
}

// HandleVerifyEmail handles POST /auth/verify-email.
func (h *AuthHandler) HandleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.VerifyEmail(r.Context(), req.Token); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "email verified"})
}

// HandleLogin handles POST /auth/login.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, pair, err := h.svc.Login(r.Context(), req.Email, req.Password, clientMeta(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		User:         newUserResponse(user),
	})
}

// HandleRefresh handles POST /auth/refresh.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		h.writeError(w, apperr.Validation("REFRESH_TOKEN_REQUIRED", "refresh token is required"))
		return
	}

	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
	})
}

// HandleLogout handles POST /auth/logout. Always succeeds.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleOtpSend handles POST /auth/otp/send.
func (h *AuthHandler) HandleOtpSend(w http.ResponseWriter, r *http.Request) {
	var req otpSendRequest
	if !h.decode(w, r, &req) {
		return
	}

	code, ttl, err := h.svc.RequestOtp(r.Context(), req.Phone)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := otpSendResponse{Message: "otp sent", TTLSeconds: int(ttl.Seconds())}
	if h.devMode {
		resp.DevOTP = code
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleOtpVerify handles POST /auth/otp/verify.
func (h *AuthHandler) HandleOtpVerify(w http.ResponseWriter, r *http.Request) {
	var req otpVerifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, pair, err := h.svc.VerifyOtp(r.Context(), req.Phone, req.OTP, clientMeta(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		User:         newUserResponse(user),
	})
}

// HandleMe handles GET /auth/me (protected).
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		h.writeError(w, apperr.Unauthorized("UNAUTHORIZED", "invalid or expired token"))
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(identity.User))
}

func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, apperr.Validation("BODY_INVALID", "invalid request body"))
		return false
	}
	return true
}

// writeError maps a classified error to its status class. Unauthorized errors
// are always reported with one generic message so signature, format and
// expiry failures are indistinguishable to the client.
func (h *AuthHandler) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	code := apperr.CodeOf(err)

	switch kind {
	case apperr.KindUnauthorized:
		h.logger.Debug("request unauthorized", "code", code)
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "invalid or expired credentials", "code": "UNAUTHORIZED",
		})
		return
	case apperr.KindInternal:
		h.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal error", "code": "INTERNAL",
		})
		return
	}

	var appErr *apperr.Error
	message := "request failed"
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	writeJSON(w, kind.HTTPStatus(), map[string]string{"error": message, "code": code})
}

func clientMeta(r *http.Request) auth.ClientMeta {
	return auth.ClientMeta{
		UserAgent: r.UserAgent(),
		IPAddress: middleware.ClientIP(r),
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
