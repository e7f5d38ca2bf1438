package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 全局配置结构
// 进程启动时构建一次，之后以指针形式传入各组件，业务代码不再读取环境变量
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Email    EmailConfig    `mapstructure:"email"`
	Business BusinessConfig `mapstructure:"business"`
	Plans    []PlanConfig   `mapstructure:"plans"`
}

type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	Env        string `mapstructure:"env"`
	AdminToken string `mapstructure:"admin_token"`
	WorkerID   int64  `mapstructure:"worker_id"` // 雪花算法节点ID，多实例部署时各不相同
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	Entitlement string `mapstructure:"entitlement"`
	Referral    string `mapstructure:"referral"`
}

// Enabled 未配置 broker 时不投递 Kafka 消息
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// VerifySignatures 未配置签名密钥时进入不校验模式（仅限本地开发）
func (s StripeConfig) VerifySignatures() bool {
	return strings.TrimSpace(s.WebhookSecret) != ""
}

type EmailConfig struct {
	ResendAPIKey string `mapstructure:"resend_api_key"`
	From         string `mapstructure:"from"`
	BaseURL      string `mapstructure:"base_url"`
}

// Enabled 未配置 API key 时静默关闭邮件
func (e EmailConfig) Enabled() bool {
	return strings.TrimSpace(e.ResendAPIKey) != ""
}

type BusinessConfig struct {
	MaxRetryCount        int    `mapstructure:"max_retry_count"`
	OutboxIntervalMillis int    `mapstructure:"outbox_interval_millis"`
	OutboxBatchSize      int    `mapstructure:"outbox_batch_size"`
	EventRetentionDays   int    `mapstructure:"event_retention_days"`
	DefaultPlan          string `mapstructure:"default_plan"`
	RetryMalformedEvents bool   `mapstructure:"retry_malformed_events"`
}

// PlanConfig 外部价格 ID 到内部权益的映射
type PlanConfig struct {
	PriceID      string `mapstructure:"price_id"`
	Name         string `mapstructure:"name"`
	DisplayName  string `mapstructure:"display_name"`
	DisplayPrice string `mapstructure:"display_price"`
	Credits      int64  `mapstructure:"credits"`
	Interval     string `mapstructure:"interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", "prod")
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.worker_id", 1)

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.database", "creditsync")
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 5)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic.entitlement", "billing.entitlement")
	v.SetDefault("kafka.topic.referral", "billing.referral")

	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.webhook_secret", "")

	v.SetDefault("email.resend_api_key", "")
	v.SetDefault("email.from", "")
	v.SetDefault("email.base_url", "https://api.resend.com")

	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.outbox_interval_millis", 500)
	v.SetDefault("business.outbox_batch_size", 100)
	v.SetDefault("business.event_retention_days", 30)
	v.SetDefault("business.default_plan", "")
	v.SetDefault("business.retry_malformed_events", true)
}

// LoadConfig 加载配置
// path 为空时只读取默认值和环境变量；环境变量优先级高于文件（mysql.host -> MYSQL_HOST）
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 处理方与邮件服务沿用约定俗成的变量名
	_ = v.BindEnv("stripe.secret_key", "STRIPE_SECRET_KEY")
	_ = v.BindEnv("stripe.webhook_secret", "STRIPE_WEBHOOK_SECRET")
	_ = v.BindEnv("email.resend_api_key", "RESEND_API_KEY")
	_ = v.BindEnv("email.from", "EMAIL_FROM")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置的基本合法性
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port 必须大于0")
	}
	if strings.TrimSpace(c.MySQL.Host) == "" || strings.TrimSpace(c.MySQL.Database) == "" {
		return errors.New("mysql.host 和 mysql.database 不能为空")
	}
	if c.Business.MaxRetryCount <= 0 {
		return errors.New("business.max_retry_count 必须大于0")
	}

	names := make(map[string]bool, len(c.Plans))
	priceIDs := make(map[string]bool, len(c.Plans))
	for i, p := range c.Plans {
		if strings.TrimSpace(p.PriceID) == "" || strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("plans[%d]: price_id 和 name 不能为空", i)
		}
		if priceIDs[p.PriceID] {
			return fmt.Errorf("plans[%d]: price_id 重复: %s", i, p.PriceID)
		}
		if p.Credits <= 0 {
			return fmt.Errorf("plans[%d]: credits 必须大于0", i)
		}
		if p.Interval != "monthly" && p.Interval != "yearly" {
			return fmt.Errorf("plans[%d]: interval 只能是 monthly 或 yearly", i)
		}
		priceIDs[p.PriceID] = true
		names[p.Name] = true
	}

	if dp := c.Business.DefaultPlan; dp != "" && len(c.Plans) > 0 && !names[dp] {
		return fmt.Errorf("business.default_plan 未在 plans 中定义: %s", dp)
	}
	return nil
}
