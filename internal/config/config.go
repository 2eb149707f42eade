package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port                int    `env:"PORT" envDefault:"8080"`
	DatabaseURL         string `env:"DATABASE_URL,required"`
	RedisURL            string `env:"REDIS_URL,required"`
	WalletJWTSecret     string `env:"WALLET_JWT_SECRET,required"`
	PairingTTLSeconds   int    `env:"PAIRING_TTL_SECONDS" envDefault:"1209600"`
	JoinWindowSeconds   int    `env:"JOIN_WINDOW_SECONDS" envDefault:"600"`
	SignatureTTLSeconds int    `env:"SIGNATURE_TTL_SECONDS" envDefault:"90"`
	LogLevel            string `env:"LOG_LEVEL" envDefault:"info"`
}

// PairingTTL is how long a resolved pairing may stay inactive before the
// cleanup job removes it.
func (c *Config) PairingTTL() time.Duration {
	return time.Duration(c.PairingTTLSeconds) * time.Second
}

// JoinWindow is how long an unresolved pairing waits for a target to join.
func (c *Config) JoinWindow() time.Duration {
	return time.Duration(c.JoinWindowSeconds) * time.Second
}

// SignatureTTL is the server-side retention for unprocessed signature requests.
func (c *Config) SignatureTTL() time.Duration {
	return time.Duration(c.SignatureTTLSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if isProduction {
		if err := validateSecret("WALLET_JWT_SECRET", c.WalletJWTSecret); err != nil {
			return err
		}
		if len(c.RedisURL) >= 8 && c.RedisURL[:8] == "redis://" {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
