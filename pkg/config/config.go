package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// Config 应用配置结构
type Config struct {
	// 环境配置
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	Port        string `env:"PORT" envDefault:"3000"`

	// 数据库配置
	DatabaseDriver string `env:"DATABASE_DRIVER"` // postgres | sqlite | memory，留空时自动选择
	PostgresDSN    string `env:"POSTGRES_DSN"`
	SQLitePath     string `env:"SQLITE_PATH"`
	AutoMigrate    bool   `env:"AUTO_MIGRATE" envDefault:"false"`

	// JWT配置
	JWTSecret string `env:"JWT_SECRET" envDefault:"your-secret-key-change-in-production"`

	// CORS配置
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// 日志与调试
	Debug     bool   `env:"DEBUG" envDefault:"false"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	// 邀请链接
	PublicBaseURL  string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:3000"`
	InviteTTLHours int    `env:"INVITE_TTL_HOURS" envDefault:"216"`

	// 调度参数
	DefaultDeadlineHours  int  `env:"DEFAULT_DEADLINE_HOURS" envDefault:"72"`
	MaxReproposals        int  `env:"MAX_REPROPOSALS" envDefault:"2"`
	RemindCooldownMinutes int  `env:"REMIND_COOLDOWN_MINUTES" envDefault:"60"`
	FanoutConcurrency     int  `env:"FANOUT_CONCURRENCY" envDefault:"8"`
	BillingEnforced       bool `env:"BILLING_ENFORCED" envDefault:"false"`

	// 支付回调（Paddle 风格签名）
	BillingWebhookSecret string `env:"BILLING_WEBHOOK_SECRET"`
	BillingProPriceID    string `env:"BILLING_PRO_PRICE_ID"`
	BillingPowerPriceID  string `env:"BILLING_POWER_PRICE_ID"`

	// 外部日历服务（可选）
	CalendarEndpoint string `env:"CALENDAR_ENDPOINT"`
}

// LoadConfig 加载配置（.env 文件 + 环境变量）
func LoadConfig() (*Config, error) {
	// 根据环境加载对应的 .env 文件，已存在的环境变量优先
	switch os.Getenv("ENVIRONMENT") {
	case "production":
		loadEnvFile(".env.production")
	default:
		loadEnvFile(".env.local")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	// Trim whitespace to avoid trailing spaces/newlines from env sources
	cfg.PostgresDSN = strings.TrimSpace(cfg.PostgresDSN)
	cfg.SQLitePath = strings.TrimSpace(cfg.SQLitePath)
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	for i, origin := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	if cfg.IsProduction() {
		// 生产环境关闭调试
		cfg.Debug = false
	}
	return cfg, nil
}

// loadEnvFile 加载 .env 文件，文件不存在时静默返回
func loadEnvFile(filename string) {
	if _, err := os.Stat(filename); err != nil {
		return
	}
	_ = godotenv.Load(filename)
}

// Cached config (initialized once per cold start)
var (
	cachedConfig *Config
	cachedErr    error
	configOnce   sync.Once
)

// GetCached returns the process-wide cached Config.
func GetCached() (*Config, error) {
	configOnce.Do(func() {
		cachedConfig, cachedErr = LoadConfig()
	})
	return cachedConfig, cachedErr
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	if c.IsProduction() && (c.JWTSecret == "" || c.JWTSecret == defaultJWTSecret) {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}

	switch c.ResolvedDriver() {
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("DATABASE_DRIVER=postgres requires POSTGRES_DSN")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("DATABASE_DRIVER=sqlite requires SQLITE_PATH")
		}
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("production requires POSTGRES_DSN or SQLITE_PATH; the memory store loses data on restart")
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}

	if c.InviteTTLHours <= 0 || c.DefaultDeadlineHours <= 0 {
		return fmt.Errorf("INVITE_TTL_HOURS and DEFAULT_DEADLINE_HOURS must be positive")
	}
	if c.MaxReproposals < 0 {
		return fmt.Errorf("MAX_REPROPOSALS must not be negative")
	}
	if c.RemindCooldownMinutes <= 0 {
		return fmt.Errorf("REMIND_COOLDOWN_MINUTES must be positive")
	}
	if c.FanoutConcurrency <= 0 {
		return fmt.Errorf("FANOUT_CONCURRENCY must be positive")
	}
	return nil
}

// ResolvedDriver 返回实际使用的数据库驱动：PostgreSQL > SQLite > memory
func (c *Config) ResolvedDriver() string {
	if d := strings.ToLower(strings.TrimSpace(c.DatabaseDriver)); d != "" {
		return d
	}
	switch {
	case c.PostgresDSN != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}

// IsProduction 检查是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment 检查是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) InviteTTL() time.Duration {
	return time.Duration(c.InviteTTLHours) * time.Hour
}

func (c *Config) DefaultDeadline() time.Duration {
	return time.Duration(c.DefaultDeadlineHours) * time.Hour
}

func (c *Config) RemindCooldown() time.Duration {
	return time.Duration(c.RemindCooldownMinutes) * time.Minute
}
