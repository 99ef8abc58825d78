package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the application configuration, loaded from the environment.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	DataFile string `env:"DATA_FILE" envDefault:"data/state.json"`
	DevMode  bool   `env:"DEV_MODE" envDefault:"false"`

	JWTSecret              string `env:"JWT_SECRET,required"`
	AccessTokenTTLSeconds  int    `env:"ACCESS_TOKEN_TTL_SECONDS" envDefault:"900"`
	RefreshTokenTTLSeconds int    `env:"REFRESH_TOKEN_TTL_SECONDS" envDefault:"2592000"`

	OTPLength              int `env:"OTP_LENGTH" envDefault:"6"`
	OTPTTLSeconds          int `env:"OTP_TTL_SECONDS" envDefault:"300"`
	OTPMaxAttempts         int `env:"OTP_MAX_ATTEMPTS" envDefault:"5"`
	OTPSendCooldownSeconds int `env:"OTP_SEND_COOLDOWN_SECONDS" envDefault:"60"`
	OTPWindowMinutes       int `env:"OTP_WINDOW_MINUTES" envDefault:"10"`
	OTPMaxPerWindow        int `env:"OTP_MAX_PER_WINDOW" envDefault:"5"`

	AdminEmail    string `env:"ADMIN_EMAIL" envDefault:"admin@example.com"`
	AdminPhone    string `env:"ADMIN_PHONE" envDefault:"+84900000000"`
	AdminPassword string `env:"ADMIN_PASSWORD" envDefault:"ChangeMe123!"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if len(cfg.JWTSecret) < 16 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 16 characters")
	}
	if cfg.OTPLength < 4 || cfg.OTPLength > 10 {
		return nil, fmt.Errorf("OTP_LENGTH must be between 4 and 10")
	}
	return cfg, nil
}

// AccessTokenTTL returns the access token lifetime.
func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLSeconds) * time.Second
}

// RefreshTokenTTL returns the refresh session lifetime.
func (c *Config) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLSeconds) * time.Second
}

// OTPTTL returns the challenge lifetime.
func (c *Config) OTPTTL() time.Duration {
	return time.Duration(c.OTPTTLSeconds) * time.Second
}

// OTPSendCooldown returns the minimum delay between sends to one phone.
func (c *Config) OTPSendCooldown() time.Duration {
	return time.Duration(c.OTPSendCooldownSeconds) * time.Second
}

// OTPWindow returns the trailing rate-limit window for sends.
func (c *Config) OTPWindow() time.Duration {
	return time.Duration(c.OTPWindowMinutes) * time.Minute
}
