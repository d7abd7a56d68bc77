// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// 永続化ドライバ
const (
	StorageDriverPostgres = "postgres"
	StorageDriverBadger   = "badger"
	StorageDriverMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	StorageDriver string
	DatabaseURL   string
	BadgerPath    string

	// Sources
	SourcesFile  string
	FeedCacheTTL time.Duration

	// Fetch
	FetchTimeout           time.Duration
	FetchMaxSize           int64
	FetchMaxConcurrent     int
	FetchMaxRetries        int
	FetchMaxItemsPerSource int

	// Task
	TaskMaxInFlightPerUser int
	TaskWorkers            int
	TaskStaleAfter         time.Duration
	ScheduleInterval       time.Duration

	// Scoring
	ScoreNoise    float64
	ScoreLocation *time.Location

	// Generation
	ScriptAPIURL      string
	ScriptAPIKey      string
	TTSAPIURL         string
	TTSAPIKey         string
	GenerationTimeout time.Duration
	DefaultLanguage   string
	DefaultVoice      string

	// Rate Limit
	RateLimitGeneral int

	// Server
	ServerPort string
	LogLevel   string
}

// LoadDotEnv は.envファイルを読み込み、未設定の環境変数のみを補う。
// ファイルが存在しない場合は何もしない。
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.StorageDriver = getEnvString("STORAGE_DRIVER", StorageDriverPostgres)
	switch cfg.StorageDriver {
	case StorageDriverPostgres, StorageDriverBadger, StorageDriverMemory:
	default:
		return nil, fmt.Errorf("unsupported STORAGE_DRIVER: %q", cfg.StorageDriver)
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.StorageDriver == StorageDriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variables are not set: %v", []string{"DATABASE_URL"})
	}
	cfg.BadgerPath = getEnvString("BADGER_PATH", "./data/badger")

	cfg.SourcesFile = os.Getenv("SOURCES_FILE")
	cfg.FeedCacheTTL = getEnvDuration("FEED_CACHE_TTL", 300*time.Second)

	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchMaxConcurrent = getEnvInt("FETCH_MAX_CONCURRENT", 6)
	cfg.FetchMaxRetries = getEnvInt("FETCH_MAX_RETRIES", 2)
	cfg.FetchMaxItemsPerSource = getEnvInt("FETCH_MAX_ITEMS_PER_SOURCE", 20)

	cfg.TaskMaxInFlightPerUser = getEnvInt("TASK_MAX_INFLIGHT_PER_USER", 1)
	cfg.TaskWorkers = getEnvInt("TASK_WORKERS", 4)
	cfg.TaskStaleAfter = getEnvDuration("TASK_STALE_AFTER", 30*time.Minute)
	cfg.ScheduleInterval = getEnvDuration("SCHEDULE_INTERVAL", time.Minute)

	cfg.ScoreNoise = getEnvFloat("SCORE_NOISE", 0.3)
	tz := getEnvString("SCORE_TIMEZONE", "Asia/Tokyo")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid SCORE_TIMEZONE %q: %w", tz, err)
	}
	cfg.ScoreLocation = loc

	cfg.ScriptAPIURL = os.Getenv("SCRIPT_API_URL")
	cfg.ScriptAPIKey = os.Getenv("SCRIPT_API_KEY")
	cfg.TTSAPIURL = os.Getenv("TTS_API_URL")
	cfg.TTSAPIKey = os.Getenv("TTS_API_KEY")
	cfg.GenerationTimeout = getEnvDuration("GENERATION_TIMEOUT", 90*time.Second)
	cfg.DefaultLanguage = getEnvString("DEFAULT_LANGUAGE", "ja")
	cfg.DefaultVoice = getEnvString("DEFAULT_VOICE", "default")

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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
