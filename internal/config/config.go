package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // distrolessイメージにはゾーン情報が無い

	"github.com/joho/godotenv"
)

// 会話状態の保存先。
const (
	StateBackendPostgres = "postgres"
	StateBackendRedis    = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// LINE
	LineChannelSecret      string
	LineChannelAccessToken string
	LineBotBasicID         string

	// Server
	ServerPort string

	// Logging
	LogLevel string

	// Timezone
	Timezone string
	Location *time.Location

	// Conversation
	InviteCodeTTL time.Duration
	StateTTL      time.Duration
	StateBackend  string
	RedisURL      string

	// OCR
	OCREndpoint string
	OCRTimeout  time.Duration
	OCRMaxSize  int64

	// Reminder
	ReminderEnabled     bool
	ReminderTickTimeout time.Duration

	// Rate Limit
	RateLimitEvents int

	// Cleanup
	CleanupInterval time.Duration
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに .env があれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".env の読み込みに失敗しました: %w", err)
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.LineChannelSecret = os.Getenv("LINE_CHANNEL_SECRET")
	if cfg.LineChannelSecret == "" {
		missing = append(missing, "LINE_CHANNEL_SECRET")
	}

	cfg.LineChannelAccessToken = os.Getenv("LINE_CHANNEL_ACCESS_TOKEN")
	if cfg.LineChannelAccessToken == "" {
		missing = append(missing, "LINE_CHANNEL_ACCESS_TOKEN")
	}

	cfg.StateBackend = strings.ToLower(getEnvString("STATE_BACKEND", StateBackendPostgres))
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.StateBackend == StateBackendRedis && cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if cfg.StateBackend != StateBackendPostgres && cfg.StateBackend != StateBackendRedis {
		return nil, fmt.Errorf("STATE_BACKEND must be %q or %q: got %q",
			StateBackendPostgres, StateBackendRedis, cfg.StateBackend)
	}

	cfg.Timezone = getEnvString("TIMEZONE", "Asia/Taipei")
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.LineBotBasicID = getEnvString("LINE_BOT_BASIC_ID", "")
	cfg.InviteCodeTTL = getEnvDuration("INVITE_CODE_TTL", 60*time.Minute)
	cfg.StateTTL = getEnvDuration("STATE_TTL", 24*time.Hour)
	cfg.OCREndpoint = getEnvString("OCR_ENDPOINT", "")
	cfg.OCRTimeout = getEnvDuration("OCR_TIMEOUT", 15*time.Second)
	cfg.OCRMaxSize = getEnvInt64("OCR_MAX_SIZE", 10<<20)
	cfg.ReminderEnabled = getEnvBool("REMINDER_ENABLED", true)
	cfg.ReminderTickTimeout = getEnvDuration("REMINDER_TICK_TIMEOUT", 50*time.Second)
	cfg.RateLimitEvents = getEnvInt("RATE_LIMIT_EVENTS", 60)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)

	return cfg, nil
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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
