package config

import (
	"fmt"
	"strings"
	"time"

	"crowdvault/internal/model"
	"crowdvault/pkg/config"
)

// CustodyConfig custody 核心配置
type CustodyConfig struct {
	MaxRecordSize  int           `yaml:"max_record_size"`
	FaucetEnabled  bool          `yaml:"faucet_enabled"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// OutboxConfig outbox dispatcher 配置
type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

// ConsumerConfig 审计消费者配置
type ConsumerConfig struct {
	Queue      string        `yaml:"queue"`
	MaxRetries int64         `yaml:"max_retries"`
	DedupTTL   time.Duration `yaml:"dedup_ttl"`
}

type Config struct {
	Log      config.LogConfig    `yaml:"log"`
	DB       config.DBConfig     `yaml:"db"`
	MQ       config.MQConfig     `yaml:"mq"`
	Redis    config.RedisConfig  `yaml:"redis"`
	JWT      config.JWTConfig    `yaml:"jwt"`
	Server   config.ServerConfig `yaml:"server"`
	OTel     config.OTelConfig   `yaml:"otel"`
	Custody  CustodyConfig       `yaml:"custody"`
	Outbox   OutboxConfig        `yaml:"outbox"`
	Consumer ConsumerConfig      `yaml:"consumer"`
}

// Load 按 CONFIG_ENV 加载分层配置，并用环境变量覆盖
func Load() (*Config, error) {
	return LoadFrom(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
}

func LoadFrom(env, dir string) (*Config, error) {
	merged, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := config.Decode(merged, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖
	config.OverrideLogFromEnv(&cfg.Log)
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideOTelFromEnv(&cfg.OTel)

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.JWT.TTL == 0 {
		c.JWT.TTL = 24 * time.Hour
	}
	if c.Custody.MaxRecordSize == 0 {
		c.Custody.MaxRecordSize = model.DefaultMaxRecordSize
	}
	if c.Custody.IdempotencyTTL == 0 {
		c.Custody.IdempotencyTTL = 24 * time.Hour
	}
	if c.Outbox.Interval == 0 {
		c.Outbox.Interval = time.Second
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.MaxRetries == 0 {
		c.Outbox.MaxRetries = 5
	}
	if c.Consumer.Queue == "" {
		c.Consumer.Queue = "crowdvault.audit"
	}
	if c.Consumer.MaxRetries == 0 {
		c.Consumer.MaxRetries = 3
	}
	if c.Consumer.DedupTTL == 0 {
		c.Consumer.DedupTTL = 24 * time.Hour
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = "crowdvault"
	}
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" || strings.HasPrefix(c.JWT.Secret, "${") {
		return fmt.Errorf("jwt.secret is required")
	}
	if c.Custody.MaxRecordSize < model.RecordSpace("", "") {
		return fmt.Errorf("custody.max_record_size %d is smaller than an empty project record", c.Custody.MaxRecordSize)
	}
	return nil
}
