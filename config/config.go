package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
	DNS      DNSConfig
	Email    EmailConfig
	Saga     SagaConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	// EmbeddedWorker runs the job worker inside the API process. Always on
	// for the memory backend, whose state is not shared between processes.
	EmbeddedWorker bool
}

// StorageConfig selects the event store / projection backend.
type StorageConfig struct {
	Backend string // "postgres" (default) or "memory" for local development
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/orgforge?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	// Pool sizing, zero keeps the pgxpool defaults.
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the audit archive bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	AuditBucket          string
	PresignExpireMinutes int
}

// DNSConfig configures public name (subdomain) registration.
type DNSConfig struct {
	Provider     string // "route53" or "memory"
	BaseDomain   string // tenants get <name>.<BaseDomain>
	RecordType   string
	RecordTarget string
	RecordTTL    int
}

// EmailConfig for invitation delivery.
type EmailConfig struct {
	Provider    string // "smtp" or "log"
	FromAddress string
	FromName    string
	SMTPHost    string
	SMTPPort    int
	SMTPUser    string
	SMTPPass    string
}

// SagaConfig tunes the provisioning orchestrator.
type SagaConfig struct {
	StepTimeout      time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	MaxRetryElapsed  time.Duration
	MaxRetries       uint64
	LeaseTTL         time.Duration
	InvitationTTL    time.Duration
	InvitationSecret string
	AcceptURL        string // invitation link base, id and token are appended as query params
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	jwtSecret := getEnv("JWT_SECRET", "change-me-in-production")
	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
			EmbeddedWorker:     getEnvBool("EMBEDDED_WORKER", false),
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(getEnv("STORAGE_BACKEND", "postgres")),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "orgforge"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),

			MaxConns:        getEnvInt("DB_MAX_CONNS", 0),
			MinConns:        getEnvInt("DB_MIN_CONNS", 0),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 0),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      jwtSecret,
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			AuditBucket:          getEnv("AWS_S3_AUDIT_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		DNS: DNSConfig{
			Provider:     strings.ToLower(getEnv("DNS_PROVIDER", "route53")),
			BaseDomain:   getEnv("DNS_BASE_DOMAIN", "tenants.example.com"),
			RecordType:   strings.ToUpper(getEnv("DNS_RECORD_TYPE", "CNAME")),
			RecordTarget: getEnv("DNS_RECORD_TARGET", "app.example.com"),
			RecordTTL:    getEnvInt("DNS_RECORD_TTL", 300),
		},
		Email: EmailConfig{
			Provider:    strings.ToLower(getEnv("EMAIL_PROVIDER", "smtp")),
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", "noreply@example.com"),
			FromName:    getEnv("EMAIL_FROM_NAME", "OrgForge"),
			SMTPHost:    getEnv("SMTP_HOST", ""),
			SMTPPort:    getEnvInt("SMTP_PORT", 587),
			SMTPUser:    getEnv("SMTP_USER", ""),
			SMTPPass:    getEnv("SMTP_PASS", ""),
		},
		Saga: SagaConfig{
			StepTimeout:      getEnvDuration("SAGA_STEP_TIMEOUT", 30*time.Second),
			InitialBackoff:   getEnvDuration("SAGA_INITIAL_BACKOFF", 500*time.Millisecond),
			MaxBackoff:       getEnvDuration("SAGA_MAX_BACKOFF", 30*time.Second),
			MaxRetryElapsed:  getEnvDuration("SAGA_MAX_RETRY_ELAPSED", 5*time.Minute),
			MaxRetries:       uint64(getEnvInt("SAGA_MAX_RETRIES", 5)),
			LeaseTTL:         getEnvDuration("SAGA_LEASE_TTL", 10*time.Minute),
			InvitationTTL:    getEnvDuration("INVITATION_TTL", 7*24*time.Hour),
			InvitationSecret: getEnv("INVITATION_SECRET", jwtSecret),
			AcceptURL:        getEnv("INVITATION_ACCEPT_URL", "http://localhost:3000/invitations/accept"),
		},
	}
	if cfg.Storage.Backend != "postgres" && cfg.Storage.Backend != "memory" {
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == "memory" {
		cfg.Server.EmbeddedWorker = true
	}
	if cfg.DNS.Provider != "route53" && cfg.DNS.Provider != "memory" {
		return nil, fmt.Errorf("unknown DNS_PROVIDER %q", cfg.DNS.Provider)
	}
	if cfg.Email.Provider != "smtp" && cfg.Email.Provider != "log" {
		return nil, fmt.Errorf("unknown EMAIL_PROVIDER %q", cfg.Email.Provider)
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
