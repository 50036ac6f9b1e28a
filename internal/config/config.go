package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/qiniu/clusterupgrade/internal/upgrade/cluster"
	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
	"github.com/qiniu/clusterupgrade/internal/upgrade/transfer"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DefaultPaths are tried in order when no config file is given.
var DefaultPaths = []string{
	"config/clusterupgrade.yml", // 部署环境：相对于工作目录
	"./clusterupgrade.yml",      // 当前目录
}

type Config struct {
	Logging  LoggingConfig         `yaml:"logging"`
	Images   model.VersionImageMap `yaml:"images"`
	Runtime  RuntimeConfig         `yaml:"runtime"`
	Cluster  ClusterConfig         `yaml:"cluster"`
	Transfer transfer.Options      `yaml:"transfer"`
	Verify   VerifyConfig          `yaml:"verify"`
	Upgrade  UpgradeConfig         `yaml:"upgrade"`
	Database DatabaseConfig        `yaml:"database"`
	Redis    RedisConfig           `yaml:"redis"`
	Metrics  MetricsConfig         `yaml:"metrics"`
	Server   ServerConfig          `yaml:"server"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// RuntimeConfig 容器运行时配置
type RuntimeConfig struct {
	Host         string `yaml:"host"`         // 为空时使用 DOCKER_HOST
	UtilityImage string `yaml:"utilityImage"` // 读取版本、复制数据卷使用的镜像
}

// ClusterConfig 临时数据库实例配置
type ClusterConfig struct {
	Readiness      ReadinessConfig `yaml:"readiness"`
	SourcePassword string          `yaml:"sourcePassword"` // 源集群 postgres 用户密码，trust 认证时为空
	ConnectTimeout string          `yaml:"connectTimeout"`
}

type ReadinessConfig struct {
	MaxAttempts int    `yaml:"maxAttempts"`
	Interval    string `yaml:"interval"` // e.g. "100ms"
	Timeout     string `yaml:"timeout"`  // e.g. "60s"
	Settle      string `yaml:"settle"`
}

type VerifyConfig struct {
	Strict    bool `yaml:"strict"`    // 目标端对象多于源端时视为失败
	PostCheck bool `yaml:"postCheck"` // 交换后在正式数据卷上再次校验
}

type UpgradeConfig struct {
	LockTTL string `yaml:"lockTTL"`
	Timeout string `yaml:"timeout"` // 单次升级总时长上限，为空表示不限
}

type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// GetDSN 生成 lib/pq 连接串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // node exporter textfile 路径
	PushURL  string `yaml:"pushURL"`  // Pushgateway 地址
	Job      string `yaml:"job"`
}

type ServerConfig struct {
	BindAddr string `yaml:"bindAddr"`
	Bearer   string `yaml:"bearer"`
}

// Load reads path, or the first existing DefaultPaths entry when path is
// empty. Environment values seed every field and the file overrides them.
func Load(path string) (*Config, error) {
	cfg := fromEnv()

	if path == "" {
		for _, p := range DefaultPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				log.Info().Str("path", p).Msg("Found config file")
				break
			}
		}
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, err
		}
	} else {
		log.Warn().Msg("Config file not found, using environment and defaults")
	}

	fillDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Images: model.VersionImageMap{},
		Runtime: RuntimeConfig{
			Host:         getEnv("CLUSTERUPGRADE_DOCKER_HOST", ""),
			UtilityImage: getEnv("CLUSTERUPGRADE_UTILITY_IMAGE", "alpine:3.19"),
		},
		Cluster: ClusterConfig{
			Readiness: ReadinessConfig{
				MaxAttempts: getEnvInt("READINESS_MAX_ATTEMPTS", 600),
				Interval:    getEnv("READINESS_INTERVAL", "100ms"),
				Timeout:     getEnv("READINESS_TIMEOUT", "60s"),
				Settle:      getEnv("READINESS_SETTLE", ""),
			},
			SourcePassword: getEnv("SOURCE_PASSWORD", ""),
			ConnectTimeout: getEnv("CONNECT_TIMEOUT", "10s"),
		},
		Transfer: transfer.DefaultOptions(),
		Upgrade: UpgradeConfig{
			LockTTL: getEnv("UPGRADE_LOCK_TTL", "10m"),
			Timeout: getEnv("UPGRADE_TIMEOUT", ""),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "clusterupgrade"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_LOCK_PREFIX", "clusterupgrade:lock"),
		},
		Metrics: MetricsConfig{
			Textfile: getEnv("METRICS_TEXTFILE", ""),
			PushURL:  getEnv("METRICS_PUSH_URL", ""),
			Job:      getEnv("METRICS_JOB", "clusterupgrade"),
		},
		Server: ServerConfig{
			BindAddr: getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
			Bearer:   getEnv("SERVER_BEARER_TOKEN", ""),
		},
	}
}

// fill reasonable defaults when fields omitted in file
func fillDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Images == nil {
		cfg.Images = model.VersionImageMap{}
	}
	if cfg.Runtime.UtilityImage == "" {
		cfg.Runtime.UtilityImage = "alpine:3.19"
	}
	if cfg.Cluster.Readiness.MaxAttempts == 0 {
		cfg.Cluster.Readiness.MaxAttempts = 600
	}
	if cfg.Cluster.Readiness.Interval == "" {
		cfg.Cluster.Readiness.Interval = "100ms"
	}
	if cfg.Cluster.Readiness.Timeout == "" {
		cfg.Cluster.Readiness.Timeout = "60s"
	}
	if cfg.Cluster.ConnectTimeout == "" {
		cfg.Cluster.ConnectTimeout = "10s"
	}
	defaults := transfer.DefaultOptions()
	if cfg.Transfer.ChunkSize == 0 {
		cfg.Transfer.ChunkSize = defaults.ChunkSize
	}
	if cfg.Transfer.ReportEvery == 0 {
		cfg.Transfer.ReportEvery = defaults.ReportEvery
	}
	if cfg.Transfer.TailLines == 0 {
		cfg.Transfer.TailLines = defaults.TailLines
	}
	if cfg.Transfer.Command.DumpTool == "" {
		cfg.Transfer.Command.DumpTool = defaults.Command.DumpTool
	}
	if cfg.Transfer.Command.RestoreTool == "" {
		cfg.Transfer.Command.RestoreTool = defaults.Command.RestoreTool
	}
	if cfg.Upgrade.LockTTL == "" {
		cfg.Upgrade.LockTTL = "10m"
	}
	if cfg.Metrics.Job == "" {
		cfg.Metrics.Job = "clusterupgrade"
	}
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	for v, img := range c.Images {
		if v <= 0 || img == "" {
			return fmt.Errorf("invalid image entry %d=%q", v, img)
		}
	}
	for name, s := range map[string]string{
		"cluster.readiness.interval": c.Cluster.Readiness.Interval,
		"cluster.readiness.timeout":  c.Cluster.Readiness.Timeout,
		"cluster.readiness.settle":   c.Cluster.Readiness.Settle,
		"cluster.connectTimeout":     c.Cluster.ConnectTimeout,
		"upgrade.lockTTL":            c.Upgrade.LockTTL,
		"upgrade.timeout":            c.Upgrade.Timeout,
	} {
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if c.Transfer.ChunkSize < 0 || c.Transfer.BytesPerSecond < 0 {
		return fmt.Errorf("transfer chunkSize and bytesPerSecond must not be negative")
	}
	return nil
}

// ReadinessPolicy converts the readiness section.
func (c *Config) ReadinessPolicy() cluster.ReadinessPolicy {
	r := c.Cluster.Readiness
	def := cluster.DefaultReadinessPolicy()
	return cluster.ReadinessPolicy{
		MaxAttempts: r.MaxAttempts,
		Interval:    ParseDuration(r.Interval, def.Interval),
		Timeout:     ParseDuration(r.Timeout, def.Timeout),
		Settle:      ParseDuration(r.Settle, 0),
	}
}

// ApplyImageOverrides merges "<version>=<image>" flags into Images.
func (c *Config) ApplyImageOverrides(overrides []string) error {
	for _, o := range overrides {
		v, img, err := model.ParseImageOverride(o)
		if err != nil {
			return err
		}
		c.Images[v] = img
	}
	return nil
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	log.Info().Str("config_file", filePath).Msg("Configuration loaded successfully")
	return nil
}

// ParseDuration returns d when s is empty or invalid.
func ParseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
