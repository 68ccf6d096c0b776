package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Business  BusinessConfig  `mapstructure:"business"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"` // mysql | postgres
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Postgres PostgresConfig `mapstructure:"postgres"`
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

func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers       []string         `mapstructure:"brokers"`
	Topic         KafkaTopicConfig `mapstructure:"topic"`
	ConsumerGroup string           `mapstructure:"consumer_group"`
}

type KafkaTopicConfig struct {
	TransactionEvent string `mapstructure:"transaction_event"`
	AutoWithdrawal   string `mapstructure:"auto_withdrawal"`
}

type ProviderConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	AppID       string        `mapstructure:"app_id"`
	AppSecret   string        `mapstructure:"app_secret"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ProductCode string        `mapstructure:"product_code"`
	Currency    string        `mapstructure:"currency"`
}

type SchedulerConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Timezone        string `mapstructure:"timezone"`
	PreviousDayCron string `mapstructure:"previous_day_cron"`
	CurrentDayCron  string `mapstructure:"current_day_cron"`
}

type WebhookConfig struct {
	SignatureEnabled bool          `mapstructure:"signature_enabled"`
	Secret           string        `mapstructure:"secret"`
	MaxSkew          time.Duration `mapstructure:"max_skew"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type BusinessConfig struct {
	MaxRetryCount     int           `mapstructure:"max_retry_count"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	WithdrawalTimeout time.Duration `mapstructure:"withdrawal_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.mysql.max_open_conns", 50)
	v.SetDefault("database.mysql.max_idle_conns", 10)
	v.SetDefault("database.postgres.max_open_conns", 50)
	v.SetDefault("database.postgres.max_idle_conns", 10)
	v.SetDefault("database.mysql.host", "127.0.0.1")
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.postgres.dsn", "")
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("kafka.topic.transaction_event", "card.transaction.event")
	v.SetDefault("kafka.topic.auto_withdrawal", "card.auto.withdrawal")
	v.SetDefault("kafka.consumer_group", "cardledger-withdrawal")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.app_id", "")
	v.SetDefault("provider.app_secret", "")
	v.SetDefault("provider.product_code", "")
	v.SetDefault("provider.timeout", 15*time.Second)
	v.SetDefault("provider.currency", "USD")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.timezone", "Asia/Shanghai")
	v.SetDefault("scheduler.previous_day_cron", "5 0 * * *")
	v.SetDefault("scheduler.current_day_cron", "0 13 * * *")
	v.SetDefault("webhook.signature_enabled", false)
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.max_skew", 300*time.Second)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("business.max_retry_count", 3)
	v.SetDefault("business.lock_ttl", 30*time.Second)
	v.SetDefault("business.withdrawal_timeout", 20*time.Second)
	v.SetDefault("log.level", "info")
}

// Load 读取配置文件，环境变量 CARDLEDGER_* 覆盖同名配置项
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CARDLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return cfg, nil
}

// LoadConfig 加载配置文件，失败直接退出
func LoadConfig(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	GlobalConfig = cfg
	return cfg
}
