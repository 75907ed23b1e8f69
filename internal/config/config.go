package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort        string
	CORSAllowedOrigin string

	// Logging
	LogLevel string

	// SOS / OTP
	OTPTTL        time.Duration
	OTPBcryptCost int

	// Persistence retry
	PersistMaxAttempts    int
	PersistInitialBackoff time.Duration
	PersistMaxBackoff     time.Duration
	PersistAttemptTimeout time.Duration

	// Prediction
	PredictionAPIKey  string
	PredictionBaseURL string
	PredictionModel   string
	PredictionTimeout time.Duration

	// OTP email (Resend)
	ResendAPIKey     string
	OTPEmailFrom     string
	OTPEmailFromName string

	// Escalation
	EscalationWebhookURL string

	// Workers
	ExpirySweepInterval  time.Duration
	PendingFlushInterval time.Duration
	AuditRetentionDays   int
	AuditQueueSize       int

	// Social graph
	FriendsCacheTTL time.Duration

	// Rate Limit
	EventRatePerSec      int
	EventBurst           int
	PredictionRatePerMin int

	// Transport
	WSSendBuffer      int
	FanoutConcurrency int
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.OTPTTL = getEnvDuration("OTP_TTL", 10*time.Minute)
	cfg.OTPBcryptCost = getEnvInt("OTP_BCRYPT_COST", 10)
	cfg.PersistMaxAttempts = getEnvInt("PERSIST_MAX_ATTEMPTS", 5)
	cfg.PersistInitialBackoff = getEnvDuration("PERSIST_INITIAL_BACKOFF", 200*time.Millisecond)
	cfg.PersistMaxBackoff = getEnvDuration("PERSIST_MAX_BACKOFF", 5*time.Second)
	cfg.PersistAttemptTimeout = getEnvDuration("PERSIST_ATTEMPT_TIMEOUT", 5*time.Second)
	cfg.PredictionAPIKey = getEnvString("PREDICTION_API_KEY", "")
	cfg.PredictionBaseURL = getEnvString("PREDICTION_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai/")
	cfg.PredictionModel = getEnvString("PREDICTION_MODEL", "gemini-2.0-flash")
	cfg.PredictionTimeout = getEnvDuration("PREDICTION_TIMEOUT", 15*time.Second)
	cfg.ResendAPIKey = getEnvString("RESEND_API_KEY", "")
	cfg.OTPEmailFrom = getEnvString("OTP_EMAIL_FROM", "alerts@safetrack.local")
	cfg.OTPEmailFromName = getEnvString("OTP_EMAIL_FROM_NAME", "SafeTrack")
	cfg.EscalationWebhookURL = getEnvString("ESCALATION_WEBHOOK_URL", "")
	cfg.ExpirySweepInterval = getEnvDuration("EXPIRY_SWEEP_INTERVAL", time.Minute)
	cfg.PendingFlushInterval = getEnvDuration("PENDING_FLUSH_INTERVAL", 30*time.Second)
	cfg.AuditRetentionDays = getEnvInt("AUDIT_RETENTION_DAYS", 90)
	cfg.AuditQueueSize = getEnvInt("AUDIT_QUEUE_SIZE", 1024)
	cfg.FriendsCacheTTL = getEnvDuration("FRIENDS_CACHE_TTL", 30*time.Second)
	cfg.EventRatePerSec = getEnvInt("EVENT_RATE_PER_SEC", 10)
	cfg.EventBurst = getEnvInt("EVENT_BURST", 20)
	cfg.PredictionRatePerMin = getEnvInt("PREDICTION_RATE_PER_MIN", 6)
	cfg.WSSendBuffer = getEnvInt("WS_SEND_BUFFER", 64)
	cfg.FanoutConcurrency = getEnvInt("FANOUT_CONCURRENCY", 16)

	return cfg, nil
}

// PredictionEnabled は経路予測APIの認証情報が設定されているかを返す。
func (c *Config) PredictionEnabled() bool {
	return c.PredictionAPIKey != ""
}

// EmailEnabled はOTPのメール送信が設定されているかを返す。
func (c *Config) EmailEnabled() bool {
	return c.ResendAPIKey != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
