package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr           string
	DatabaseURL    string
	MigrationsDir  string
	TokenSecret    string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	CORSOrigin     string
	MeiliURL       string
	MeiliMasterKey string
	// Redis backs refresh tokens and thread change notifications.
	RedisURL string
	// Every store call gets StoreTimeout; Unavailable is retried StoreRetries times.
	StoreTimeout time.Duration
	StoreRetries int
	// Handle issuance range and attempt ceiling.
	HandleMin      int
	HandleMax      int
	HandleAttempts int
	// Per-actor append rate limit.
	AppendRPS    float64
	AppendBurst  int
	AuditLogPath string
	// SMTP delivery of report alerts; empty host disables it.
	SMTPHost      string
	SMTPPort      string
	SMTPUsername  string
	SMTPPassword  string
	SMTPFrom      string
	ReportAlertTo []string
	// Optional bootstrap moderator account.
	ModeratorEmail    string
	ModeratorPassword string
}

func Load() Config {
	return Config{
		Addr:              getenv("API_ADDR", ":8787"),
		DatabaseURL:       getenv("DATABASE_URL", ""),
		MigrationsDir:     getenv("MIGRATIONS_DIR", "./db/migrations"),
		TokenSecret:       getenv("PARLEY_TOKEN_SECRET", "parley-dev-secret"),
		AccessTTL:         time.Duration(getenvInt("PARLEY_ACCESS_TTL_SECONDS", 900)) * time.Second,
		RefreshTTL:        time.Duration(getenvInt("PARLEY_REFRESH_TTL_SECONDS", 2592000)) * time.Second,
		CORSOrigin:        getenv("PARLEY_CORS_ORIGIN", "*"),
		MeiliURL:          getenv("MEILI_URL", ""),
		MeiliMasterKey:    getenv("MEILI_MASTER_KEY", "parley-meili-key"),
		RedisURL:          getenv("REDIS_URL", ""),
		StoreTimeout:      time.Duration(getenvInt("PARLEY_STORE_TIMEOUT_MS", 3000)) * time.Millisecond,
		StoreRetries:      getenvInt("PARLEY_STORE_RETRIES", 2),
		HandleMin:         getenvInt("PARLEY_HANDLE_MIN", 1000),
		HandleMax:         getenvInt("PARLEY_HANDLE_MAX", 9999),
		HandleAttempts:    getenvInt("PARLEY_HANDLE_ATTEMPTS", 64),
		AppendRPS:         getenvFloat("PARLEY_APPEND_RPS", 5),
		AppendBurst:       getenvInt("PARLEY_APPEND_BURST", 10),
		AuditLogPath:      getenv("AUDIT_LOG_PATH", ""),
		SMTPHost:          getenv("SMTP_HOST", ""),
		SMTPPort:          getenv("SMTP_PORT", "587"),
		SMTPUsername:      getenv("SMTP_USERNAME", ""),
		SMTPPassword:      getenv("SMTP_PASSWORD", ""),
		SMTPFrom:          getenv("SMTP_FROM", ""),
		ReportAlertTo:     getenvList("PARLEY_REPORT_ALERT_TO"),
		ModeratorEmail:    getenv("PARLEY_MODERATOR_EMAIL", ""),
		ModeratorPassword: getenv("PARLEY_MODERATOR_PASSWORD", ""),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// getenvList splits a comma-separated value, dropping empty entries.
func getenvList(key string) []string {
	var items []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
