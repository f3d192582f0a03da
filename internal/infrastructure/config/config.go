package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 儲存批次工作、管理 API 及外部相依的執行設定。
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	DB       DBConfig       `yaml:"db"`
	Auth     AuthConfig     `yaml:"auth"`
	Email    EmailConfig    `yaml:"email"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Queue    QueueConfig    `yaml:"queue"`
	Digest   DigestConfig   `yaml:"digest"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Notifier NotifierConfig `yaml:"notifier"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type DBConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	MaxIdleTime  time.Duration `yaml:"max_idle_time"`
}

type AuthConfig struct {
	TokenTTL time.Duration `yaml:"token_ttl"`
	Secret   string        `yaml:"secret"`
}

// EmailConfig 寄信服務設定；provider 為 http（JSON + Bearer）或 sendgrid。
type EmailConfig struct {
	Provider string        `yaml:"provider"`
	APIURL   string        `yaml:"api_url"`
	APIKey   string        `yaml:"api_key"`
	From     string        `yaml:"from"`
	FromName string        `yaml:"from_name"`
	Timeout  time.Duration `yaml:"timeout"`
}

type AlertsConfig struct {
	SymbolInterval    time.Duration `yaml:"symbol_interval"`
	Timezone          string        `yaml:"timezone"`
	EarningsMatchMode string        `yaml:"earnings_match_mode"`
}

type QueueConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	SendInterval time.Duration `yaml:"send_interval"`
}

type DigestConfig struct {
	Timezone string `yaml:"timezone"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Console    bool   `yaml:"console"`
	File       bool   `yaml:"file"`
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

type NotifierConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Prefix  string `yaml:"prefix"`
}

// ConfigurationError 啟動時缺少必要設定，屬於致命錯誤。
type ConfigurationError struct {
	Missing []string
	Invalid []string
}

func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, ", "))
	}
	return "configuration error: " + strings.Join(parts, "; ")
}

// earningsMatchModes 可接受的財報日比較方式，空字串沿用 exact。
var earningsMatchModes = map[string]bool{"": true, "exact": true, "within": true}

// Requirement 描述某個指令需要的設定。
type Requirement int

const (
	NeedDB Requirement = iota
	NeedEmail
	NeedAuth
)

// Require 檢查指令所需設定與列舉值，缺少或不合法時回傳 ConfigurationError。
func (c Config) Require(reqs ...Requirement) error {
	var missing, invalid []string
	if mode := strings.ToLower(strings.TrimSpace(c.Alerts.EarningsMatchMode)); !earningsMatchModes[mode] {
		invalid = append(invalid, fmt.Sprintf("EARNINGS_MATCH_MODE=%q (want exact or within)", c.Alerts.EarningsMatchMode))
	}
	for _, r := range reqs {
		switch r {
		case NeedDB:
			if c.DB.DSN == "" {
				missing = append(missing, "DB_DSN")
			}
		case NeedEmail:
			if c.Email.APIKey == "" {
				missing = append(missing, "EMAIL_API_KEY")
			}
			if c.Email.From == "" {
				missing = append(missing, "EMAIL_FROM")
			}
		case NeedAuth:
			if c.Auth.Secret == "" {
				missing = append(missing, "AUTH_SECRET")
			}
		}
	}
	if len(missing) > 0 || len(invalid) > 0 {
		return &ConfigurationError{Missing: missing, Invalid: invalid}
	}
	return nil
}

// Location 解析時區，無法解析時退回 UTC。
func Location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LoadFromFile 從 YAML 組態檔載入設定。
func LoadFromFile(path string) (Config, error) {
	// 嘗試載入 .env 檔案（如果存在）
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg = applyDefaults(cfg)
	cfg = applyEnv(cfg)
	return cfg, nil
}

func applyDefaults(cfg Config) Config {
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.DB.MaxOpenConns == 0 {
		cfg.DB.MaxOpenConns = 5
	}
	if cfg.DB.MaxIdleConns == 0 {
		cfg.DB.MaxIdleConns = 2
	}
	if cfg.DB.MaxIdleTime == 0 {
		cfg.DB.MaxIdleTime = 15 * time.Minute
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 12 * time.Hour
	}
	if cfg.Email.Provider == "" {
		cfg.Email.Provider = "http"
	}
	if cfg.Email.APIURL == "" {
		cfg.Email.APIURL = "https://api.resend.com/emails"
	}
	if cfg.Email.Timeout == 0 {
		cfg.Email.Timeout = 10 * time.Second
	}
	if cfg.Alerts.SymbolInterval == 0 {
		cfg.Alerts.SymbolInterval = 200 * time.Millisecond
	}
	if cfg.Alerts.Timezone == "" {
		cfg.Alerts.Timezone = "Asia/Taipei"
	}
	if cfg.Alerts.EarningsMatchMode == "" {
		cfg.Alerts.EarningsMatchMode = "exact"
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 50
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.BackoffBase == 0 {
		cfg.Queue.BackoffBase = time.Minute
	}
	if cfg.Queue.BackoffMax == 0 {
		cfg.Queue.BackoffMax = time.Hour
	}
	if cfg.Queue.SendInterval == 0 {
		cfg.Queue.SendInterval = 100 * time.Millisecond
	}
	if cfg.Digest.Timezone == "" {
		cfg.Digest.Timezone = cfg.Alerts.Timezone
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if !cfg.Log.Console && !cfg.Log.File {
		cfg.Log.Console = true
	}
	if cfg.Log.FilePath == "" {
		cfg.Log.FilePath = "logs/alertctl.log"
	}
	if cfg.Log.MaxSize == 0 {
		cfg.Log.MaxSize = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 7
	}
	if cfg.Log.MaxAge == 0 {
		cfg.Log.MaxAge = 30
	}
	if cfg.Metrics.Job == "" {
		cfg.Metrics.Job = "earnings_alerts"
	}
	return cfg
}

func applyEnv(cfg Config) Config {
	if val := os.Getenv("HTTP_ADDR"); val != "" {
		cfg.HTTP.Addr = val
	}
	if val := os.Getenv("PORT"); val != "" {
		cfg.HTTP.Addr = ":" + val
	}
	if val := os.Getenv("DB_DSN"); val != "" {
		cfg.DB.DSN = val
	}
	if val := os.Getenv("AUTH_SECRET"); val != "" {
		cfg.Auth.Secret = val
	}
	if val := os.Getenv("EMAIL_PROVIDER"); val != "" {
		cfg.Email.Provider = val
	}
	if val := os.Getenv("EMAIL_API_URL"); val != "" {
		cfg.Email.APIURL = val
	}
	if val := os.Getenv("EMAIL_API_KEY"); val != "" {
		cfg.Email.APIKey = val
	}
	if val := os.Getenv("EMAIL_FROM"); val != "" {
		cfg.Email.From = val
	}
	if val := os.Getenv("ALERTS_TIMEZONE"); val != "" {
		cfg.Alerts.Timezone = val
	}
	if val := os.Getenv("EARNINGS_MATCH_MODE"); val != "" {
		cfg.Alerts.EarningsMatchMode = val
	}
	if val := os.Getenv("DIGEST_TIMEZONE"); val != "" {
		cfg.Digest.Timezone = val
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("PUSHGATEWAY_URL"); val != "" {
		cfg.Metrics.PushgatewayURL = val
	}
	if val := os.Getenv("TELEGRAM_TOKEN"); val != "" {
		cfg.Notifier.Telegram.Token = val
	}
	if val := os.Getenv("TELEGRAM_CHAT_ID"); val != "" {
		if id, err := strconv.ParseInt(val, 10, 64); err == nil {
			cfg.Notifier.Telegram.ChatID = id
		}
	}
	if val := os.Getenv("TELEGRAM_ENABLED"); val != "" {
		cfg.Notifier.Telegram.Enabled = (val == "true")
	}
	if val := os.Getenv("QUEUE_BACKOFF_BASE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Queue.BackoffBase = d
		}
	}
	return cfg
}
