package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Realtime   RealtimeConfig
	RateLimit  RateLimitConfig
	AI         AIConfig
	Moderation ModerationConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{Server: server}
	for _, section := range []any{&cfg.Storage, &cfg.Realtime, &cfg.RateLimit, &cfg.AI, &cfg.Moderation} {
		if err := env.Parse(section); err != nil {
			return nil, fmt.Errorf("parse env: %w", err)
		}
	}
	if cfg.AI.Model == "" {
		// 兼容旧的 Model 变量名。
		cfg.AI.Model = strings.TrimSpace(os.Getenv("Model"))
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORAGE_DRIVER=%s", DriverSQLite)
		}
	default:
		return fmt.Errorf("invalid STORAGE_DRIVER value: %q", c.Storage.Driver)
	}
	if c.Storage.PurgeInterval <= 0 {
		return fmt.Errorf("PURGE_INTERVAL must be positive")
	}
	if c.Realtime.Buffer < 1 {
		return fmt.Errorf("REALTIME_BUFFER must be at least 1")
	}
	if c.RateLimit.SourceRate <= 0 || c.RateLimit.ActionRate <= 0 || c.RateLimit.SourceBurst < 1 || c.RateLimit.ActionBurst < 1 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.Moderation.LLMEnabled && !c.AI.Enabled() {
		return fmt.Errorf("MODERATION_LLM_ENABLED requires ARK credentials and ARK_MODEL")
	}
	return nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
	// PublicURL is the externally reachable origin used in negotiated push URLs.
	PublicURL       string
	Origins         string
	ShutdownTimeout time.Duration
}

type serverEnv struct {
	PublicURL       string        `env:"PUBLIC_URL"`
	Origins         string        `env:"ORIGIN_URL"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	var raw serverEnv
	if err := env.Parse(&raw); err != nil {
		return ServerConfig{}, fmt.Errorf("parse env: %w", err)
	}
	addr, err := parseAddr(os.Getenv("PORT"))
	if err != nil {
		return ServerConfig{}, err
	}

	publicURL := strings.TrimRight(strings.TrimSpace(raw.PublicURL), "/")
	if publicURL == "" {
		host := addr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		publicURL = "http://" + host
	}

	return ServerConfig{
		Addr:            addr,
		PublicURL:       publicURL,
		Origins:         strings.TrimSpace(raw.Origins),
		ShutdownTimeout: raw.ShutdownTimeout,
	}, nil
}

func parseAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// StorageConfig 描述会话存储配置。
type StorageConfig struct {
	Driver        string        `env:"STORAGE_DRIVER" envDefault:"memory"`
	SQLitePath    string        `env:"SQLITE_PATH" envDefault:"kudos.db"`
	PurgeInterval time.Duration `env:"PURGE_INTERVAL" envDefault:"10m"`
}

// RealtimeConfig 描述推送配置。Secret 为空时不签发订阅地址，客户端只能轮询。
type RealtimeConfig struct {
	Enabled  bool          `env:"REALTIME_ENABLED" envDefault:"true"`
	Secret   string        `env:"REALTIME_SECRET"`
	TokenTTL time.Duration `env:"REALTIME_TOKEN_TTL" envDefault:"1h"`
	Buffer   int           `env:"REALTIME_BUFFER" envDefault:"32"`
}

// RateLimitConfig 描述准入限流配置。
type RateLimitConfig struct {
	SourceRate    float64       `env:"RATE_IP_RPS" envDefault:"5"`
	SourceBurst   int           `env:"RATE_IP_BURST" envDefault:"10"`
	ActionRate    float64       `env:"RATE_KEY_RPS" envDefault:"2"`
	ActionBurst   int           `env:"RATE_KEY_BURST" envDefault:"5"`
	IdleTTL       time.Duration `env:"RATE_IDLE_TTL" envDefault:"10m"`
	SweepInterval time.Duration `env:"RATE_SWEEP_INTERVAL" envDefault:"1m"`
}

// ModerationConfig 控制是否用大模型复核便签内容。
type ModerationConfig struct {
	LLMEnabled bool `env:"MODERATION_LLM_ENABLED" envDefault:"false"`
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string   `env:"ARK_API_KEY"`
	AccessKey   string   `env:"ARK_ACCESS_KEY"`
	SecretKey   string   `env:"ARK_SECRET_KEY"`
	Model       string   `env:"ARK_MODEL"`
	BaseURL     string   `env:"ARK_BASE_URL" envDefault:"https://ark.cn-beijing.volces.com/api/v3"`
	Region      string   `env:"ARK_REGION" envDefault:"cn-beijing"`
	Temperature *float64 `env:"ARK_TEMPERATURE"`
	TopP        *float64 `env:"ARK_TOP_P"`
	MaxTokens   *int     `env:"ARK_MAX_TOKENS"`
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}
