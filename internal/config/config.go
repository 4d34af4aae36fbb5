package config

import (
	"encoding/hex"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	FormsDir           string   `mapstructure:"FORMS_DIR"`
	DefaultLanguage    string   `mapstructure:"DEFAULT_LANGUAGE"`
	SupportedLanguages []string `mapstructure:"SUPPORTED_LANGUAGES"`
	DefaultLocation    string   `mapstructure:"DEFAULT_LOCATION"`
	LocationScoped     bool     `mapstructure:"LOCATION_SCOPED_OVERRIDES"`

	HIPAAEncryptionKey string   `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	HIPAAKeyVersion    int      `mapstructure:"HIPAA_KEY_VERSION"`
	HIPAAPreviousKeys  []string `mapstructure:"HIPAA_PREVIOUS_KEYS"`

	RateLimitMax    int64         `mapstructure:"RATE_LIMIT_MAX"`
	RateLimitWindow time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	MinFillSeconds  int           `mapstructure:"MIN_FILL_SECONDS"`
	FormTokenSecret string        `mapstructure:"FORM_TOKEN_SECRET"`
	ClientHashSalt  string        `mapstructure:"CLIENT_HASH_SALT"`

	PracticeName string `mapstructure:"PRACTICE_NAME"`
	NotifyEmail  string `mapstructure:"NOTIFY_EMAIL"`
	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`

	AdminAPIKey         string        `mapstructure:"ADMIN_API_KEY"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	BodyLimit           string        `mapstructure:"BODY_LIMIT"`
	SubmissionBodyLimit string        `mapstructure:"SUBMISSION_BODY_LIMIT"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	TrustProxy          bool          `mapstructure:"TRUST_PROXY"`
	TLSEnabled          bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile         string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile          string        `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"FORMS_DIR", "DEFAULT_LANGUAGE", "SUPPORTED_LANGUAGES", "DEFAULT_LOCATION", "LOCATION_SCOPED_OVERRIDES",
	"HIPAA_ENCRYPTION_KEY", "HIPAA_KEY_VERSION", "HIPAA_PREVIOUS_KEYS",
	"RATE_LIMIT_MAX", "RATE_LIMIT_WINDOW", "MIN_FILL_SECONDS", "FORM_TOKEN_SECRET", "CLIENT_HASH_SALT",
	"PRACTICE_NAME", "NOTIFY_EMAIL", "SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
	"ADMIN_API_KEY", "CORS_ORIGINS", "BODY_LIMIT", "SUBMISSION_BODY_LIMIT",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "TRUST_PROXY",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

// Load reads the configuration from the environment and an optional .env
// file in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_LANGUAGE", "de")
	v.SetDefault("SUPPORTED_LANGUAGES", "de,en")
	v.SetDefault("HIPAA_KEY_VERSION", 1)
	v.SetDefault("RATE_LIMIT_MAX", 5)
	v.SetDefault("RATE_LIMIT_WINDOW", "1h")
	v.SetDefault("MIN_FILL_SECONDS", 5)
	v.SetDefault("PRACTICE_NAME", "Praxis")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("SUBMISSION_BODY_LIMIT", "10M")
	v.SetDefault("RATE_LIMIT_RPS", 2)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.SupportedLanguages = splitList(cfg.SupportedLanguages)
	cfg.HIPAAPreviousKeys = splitList(cfg.HIPAAPreviousKeys)
	return cfg, nil
}

// splitList flattens comma separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// MinFillTime returns MIN_FILL_SECONDS as a duration.
func (c *Config) MinFillTime() time.Duration {
	return time.Duration(c.MinFillSeconds) * time.Second
}

// NotificationsEnabled reports whether new service requests are mailed to
// the practice.
func (c *Config) NotificationsEnabled() bool {
	return c.NotifyEmail != ""
}

// Validate checks that the configuration is safe to serve with. In
// production the encryption key and the abuse guard secrets are required.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Env != "development" && c.Env != "production" && c.Env != "test" {
		return fmt.Errorf("ENV must be \"development\", \"production\" or \"test\", got %q", c.Env)
	}

	if c.IsProduction() {
		if c.HIPAAEncryptionKey == "" {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
		}
		if c.FormTokenSecret == "" {
			return fmt.Errorf("FORM_TOKEN_SECRET is required in production")
		}
		if c.ClientHashSalt == "" {
			return fmt.Errorf("CLIENT_HASH_SALT is required in production")
		}
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}
	if c.HIPAAKeyVersion < 1 {
		return fmt.Errorf("HIPAA_KEY_VERSION must be at least 1, got %d", c.HIPAAKeyVersion)
	}

	if c.AdminAPIKey != "" && len(c.AdminAPIKey) < 16 {
		return fmt.Errorf("ADMIN_API_KEY must be at least 16 characters")
	}
	if c.RateLimitMax < 1 {
		return fmt.Errorf("RATE_LIMIT_MAX must be positive, got %d", c.RateLimitMax)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow)
	}
	if c.MinFillSeconds < 0 {
		return fmt.Errorf("MIN_FILL_SECONDS must not be negative, got %d", c.MinFillSeconds)
	}

	if !contains(c.SupportedLanguages, c.DefaultLanguage) {
		return fmt.Errorf("DEFAULT_LANGUAGE %q is not in SUPPORTED_LANGUAGES %v", c.DefaultLanguage, c.SupportedLanguages)
	}

	if c.NotificationsEnabled() {
		if _, err := mail.ParseAddress(c.NotifyEmail); err != nil {
			return fmt.Errorf("NOTIFY_EMAIL is not a valid address: %w", err)
		}
		if c.SMTPHost == "" || c.SMTPFrom == "" {
			return fmt.Errorf("SMTP_HOST and SMTP_FROM are required when NOTIFY_EMAIL is set")
		}
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}

// Warnings lists settings that are acceptable for development only.
func (c *Config) Warnings() []string {
	var w []string
	if c.HIPAAEncryptionKey == "" {
		w = append(w, "HIPAA_ENCRYPTION_KEY is not set; submissions are sealed with an ephemeral key and unreadable after restart")
	}
	if c.FormTokenSecret == "" {
		w = append(w, "FORM_TOKEN_SECRET is not set; form tokens use a random per-process secret")
	}
	if c.ClientHashSalt == "" {
		w = append(w, "CLIENT_HASH_SALT is not set; client hashes change on restart")
	}
	if c.AdminAPIKey == "" {
		w = append(w, "ADMIN_API_KEY is not set; the admin API rejects every request")
	}
	if c.RedisURL == "" {
		w = append(w, "REDIS_URL is not set; rate limit counters are per process")
	}
	return w
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
