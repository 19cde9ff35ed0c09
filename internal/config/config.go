// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Region is the only region R2 accepts for SigV4 scopes.
const Region = "auto"

// ErrConfiguration marks a configuration fault. The service must not accept
// requests while this error is outstanding.
var ErrConfiguration = errors.New("configuration fault")

// Config holds all runtime configuration for the service.
type Config struct {
	Port        string
	AppEnv      string
	JWTSecret   string
	DatabaseURL string // empty disables tileset metadata endpoints

	LogLevel  string
	LogFormat string

	// Object storage (Cloudflare R2, S3-compatible)
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	Endpoint        string // optional service host override, defaults to {account}.r2.cloudflarestorage.com
	PublicBaseURL   string // browser-accessible base for unauthenticated tile reads

	UploadTokenSecret string
	UploadTokenTTL    time.Duration

	SignRateLimit        int   // signing requests per minute per client IP
	MultipartMaxPartSize int64 // bytes
}

// Load reads configuration from a .env file (if present) and environment variables.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found, reading from environment")
	}

	bucket := getEnv("CLOUDFLARE_R2_BUCKET_NAME", "map-stats-tiles-prod")
	jwtSecret := getEnv("JWT_SECRET", "change_me_in_production")

	return &Config{
		Port:        getEnv("PORT", "8080"),
		AppEnv:      getEnv("APP_ENV", "development"),
		JWTSecret:   jwtSecret,
		DatabaseURL: getEnv("DATABASE_URL", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		AccountID:       getEnv("CLOUDFLARE_R2_ACCOUNT_ID", ""),
		AccessKeyID:     getEnv("CLOUDFLARE_R2_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("CLOUDFLARE_R2_SECRET_ACCESS_KEY", ""),
		Bucket:          bucket,
		Region:          Region,
		Endpoint:        getEnv("R2_ENDPOINT", ""),
		PublicBaseURL:   strings.TrimRight(getEnv("R2_PUBLIC_URL", "https://"+bucket+".r2.dev"), "/"),

		UploadTokenSecret: getEnv("UPLOAD_TOKEN_SECRET", jwtSecret),
		UploadTokenTTL:    getDuration("UPLOAD_TOKEN_TTL", 15*time.Minute),

		SignRateLimit:        getInt("SIGN_RATE_LIMIT", 600),
		MultipartMaxPartSize: int64(getInt("MULTIPART_MAX_PART_SIZE", 100<<20)),
	}
}

// Validate reports every missing object-store setting as a single
// configuration fault.
func (c *Config) Validate() error {
	var missing []string
	if c.AccountID == "" && c.Endpoint == "" {
		missing = append(missing, "CLOUDFLARE_R2_ACCOUNT_ID")
	}
	if c.AccessKeyID == "" {
		missing = append(missing, "CLOUDFLARE_R2_ACCESS_KEY_ID")
	}
	if c.SecretAccessKey == "" {
		missing = append(missing, "CLOUDFLARE_R2_SECRET_ACCESS_KEY")
	}
	if c.Bucket == "" {
		missing = append(missing, "CLOUDFLARE_R2_BUCKET_NAME")
	}
	if c.Region == "" {
		missing = append(missing, "region")
	}
	if c.IsProduction() && c.JWTSecret == "change_me_in_production" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

// StorageHost returns the host the object-store client talks to.
func (c *Config) StorageHost() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return c.AccountID + ".r2.cloudflarestorage.com"
}

// SigningHost is the virtual-hosted bucket host presigned URLs are built for.
func (c *Config) SigningHost() string {
	return c.Bucket + "." + c.StorageHost()
}

// IsProduction returns true when the app is running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring non-integer setting")
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring invalid duration setting")
		return fallback
	}
	return d
}
