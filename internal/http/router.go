package http

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/numio/server/internal/auth"
	"github.com/numio/server/internal/http/handlers"
	"github.com/numio/server/internal/middleware"
)

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(authHandler *handlers.AuthHandler, svc *auth.Service, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", handlers.Health)

	// Per-IP limiter for the OTP endpoints; the per-phone cooldown and window
	// are enforced inside the OTP engine.
	otpLimiter := middleware.NewRateLimiter(10*time.Minute, 20)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.HandleRegister)
		r.Post("/verify-email", authHandler.HandleVerifyEmail)
		r.Post("/login", authHandler.HandleLogin)
		r.Post("/refresh", authHandler.HandleRefresh)
		r.Post("/logout", authHandler.HandleLogout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(otpLimiter))
			r.Post("/otp/send", authHandler.HandleOtpSend)
			r.Post("/otp/verify", authHandler.HandleOtpVerify)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(svc, logger))
			r.Get("/me", authHandler.HandleMe)
		})
	})

	return r
}
