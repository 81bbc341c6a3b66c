package main

import (
	"fmt"
	"os"
	"time"

	"agentbox/internal/common/cache"
	"agentbox/internal/common/db"
	"agentbox/internal/common/mq"
	"agentbox/internal/common/storage"
	"agentbox/internal/sandbox/runtime"
	"agentbox/internal/sandbox/service"
	"agentbox/internal/sandbox/workspace"
	"agentbox/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8086"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleConnTimeout = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second

	defaultImage         = "python:3.12-slim"
	defaultIdleTimeout   = time.Hour
	defaultCPULimit      = 1.0
	defaultMemoryLimitMB = 512
	defaultPoolSize      = 100
	defaultSweepInterval = time.Minute
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// DatabaseConfig holds the record store settings. Driver selects between
// mysql and postgres.
type DatabaseConfig struct {
	Driver             string        `yaml:"driver"`
	DSN                string        `yaml:"dsn"`
	MaxOpenConnections int           `yaml:"maxOpenConnections"`
	MaxIdleConnections int           `yaml:"maxIdleConnections"`
	ConnMaxLifetime    time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime    time.Duration `yaml:"connMaxIdleTime"`
}

// KafkaSection holds producer settings plus the lifecycle topic.
type KafkaSection struct {
	mq.KafkaConfig `yaml:",inline"`
	LifecycleTopic string `yaml:"lifecycleTopic"`
}

// IsEnabled reports whether event publishing is configured at all.
func (k KafkaSection) IsEnabled() bool {
	return len(k.Brokers) > 0
}

// SandboxConfig holds sandbox resource defaults and pool tuning.
type SandboxConfig struct {
	Image         string        `yaml:"image"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	CPULimit      float64       `yaml:"cpuLimit"`
	MemoryLimitMB int64         `yaml:"memoryLimitMB"`
	PoolSize      int           `yaml:"poolSize"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// AppConfig holds the sandbox-service configuration.
type AppConfig struct {
	Server ServerConfig  `yaml:"server"`
	Logger logger.Config `yaml:"logger"`

	Database  DatabaseConfig       `yaml:"database"`
	Redis     cache.RedisConfig    `yaml:"redis"`
	Kafka     KafkaSection         `yaml:"kafka"`
	Storage   storage.MinioConfig  `yaml:"storage"`
	Docker    runtime.DockerConfig `yaml:"docker"`
	Workspace workspace.Config     `yaml:"workspace"`
	Sandbox   SandboxConfig        `yaml:"sandbox"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleConnTimeout
	}

	dbDefaults := db.DefaultMySQLConfig()
	if cfg.Database.MaxOpenConnections == 0 {
		cfg.Database.MaxOpenConnections = dbDefaults.MaxOpenConnections
	}
	if cfg.Database.MaxIdleConnections == 0 {
		cfg.Database.MaxIdleConnections = dbDefaults.MaxIdleConnections
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = dbDefaults.ConnMaxLifetime
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = dbDefaults.ConnMaxIdleTime
	}

	if cfg.Redis.Addr != "" {
		applyRedisDefaults(&cfg.Redis)
	}

	if cfg.Workspace.RootDir == "" {
		ws := workspace.DefaultConfig()
		cfg.Workspace.RootDir = ws.RootDir
	}
	if cfg.Workspace.ContainerPath == "" {
		cfg.Workspace.ContainerPath = workspace.DefaultContainerPath
	}
	if cfg.Workspace.ArchiveBucket == "" {
		cfg.Workspace.ArchiveBucket = workspace.DefaultConfig().ArchiveBucket
	}

	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = defaultImage
	}
	if cfg.Sandbox.IdleTimeout == 0 {
		cfg.Sandbox.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Sandbox.CPULimit == 0 {
		cfg.Sandbox.CPULimit = defaultCPULimit
	}
	if cfg.Sandbox.MemoryLimitMB == 0 {
		cfg.Sandbox.MemoryLimitMB = defaultMemoryLimitMB
	}
	if cfg.Sandbox.PoolSize == 0 {
		cfg.Sandbox.PoolSize = defaultPoolSize
	}
	if cfg.Sandbox.SweepInterval == 0 {
		cfg.Sandbox.SweepInterval = defaultSweepInterval
	}
	if cfg.Kafka.LifecycleTopic == "" {
		cfg.Kafka.LifecycleTopic = service.DefaultLifecycleTopic
	}
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

func (c DatabaseConfig) open() (db.Database, error) {
	switch c.Driver {
	case "postgres", "postgresql":
		return db.NewPostgreSQLWithConfig(&db.PostgreSQLConfig{
			DSN:                c.DSN,
			MaxOpenConnections: c.MaxOpenConnections,
			MaxIdleConnections: c.MaxIdleConnections,
			ConnMaxLifetime:    c.ConnMaxLifetime,
			ConnMaxIdleTime:    c.ConnMaxIdleTime,
		})
	case "mysql", "":
		return db.NewMySQLWithConfig(&db.MySQLConfig{
			DSN:                c.DSN,
			MaxOpenConnections: c.MaxOpenConnections,
			MaxIdleConnections: c.MaxIdleConnections,
			ConnMaxLifetime:    c.ConnMaxLifetime,
			ConnMaxIdleTime:    c.ConnMaxIdleTime,
		})
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", c.Driver)
	}
}
