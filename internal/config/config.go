package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Index    IndexConfig    `json:"index" yaml:"index"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Cluster  ClusterConfig  `json:"cluster" yaml:"cluster"`
}

type ServerConfig struct {
	BindAddr string `json:"bindAddr" yaml:"bindAddr"`
	Bearer   string `json:"bearer" yaml:"bearer"`
}

type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// IndexConfig points at the Postgres egress index.
type IndexConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	SSLMode  string `json:"sslmode" yaml:"sslmode"`
}

// DSN renders the pgx connection string.
func (c *IndexConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// PipelineConfig gathers the per-stage tunables.
type PipelineConfig struct {
	// ConfigAPIBase is the config plane base URL (strategies, assign
	// rules, user groups, CMDB facts).
	ConfigAPIBase    string         `json:"configApiBase" yaml:"configApiBase"`
	ConfigAPIBearer  string         `json:"configApiBearer" yaml:"configApiBearer"`
	ConfigAPITimeout model.Duration `json:"configApiTimeout" yaml:"configApiTimeout"`
	CacheRefresh     model.Duration `json:"cacheRefresh" yaml:"cacheRefresh"`

	// GatewayURL is the metric aggregation gateway queried by access.
	GatewayURL   string         `json:"gatewayUrl" yaml:"gatewayUrl"`
	QueryTimeout model.Duration `json:"queryTimeout" yaml:"queryTimeout"`

	// NoticeURL is the notification gateway behind the "notice" plugin.
	NoticeURL string `json:"noticeUrl" yaml:"noticeUrl"`

	// StreamPrefix namespaces the Redis Streams used between stages.
	StreamPrefix     string `json:"streamPrefix" yaml:"streamPrefix"`
	StreamPartitions int    `json:"streamPartitions" yaml:"streamPartitions"`
	StreamMaxLen     int64  `json:"streamMaxLen" yaml:"streamMaxLen"`

	// Token bucket admission control.
	TokenPerWindow int            `json:"tokenPerWindow" yaml:"tokenPerWindow"`
	TokenWindow    model.Duration `json:"tokenWindow" yaml:"tokenWindow"`

	AccessWorkers   int `json:"accessWorkers" yaml:"accessWorkers"`
	DetectWorkers   int `json:"detectWorkers" yaml:"detectWorkers"`
	TriggerWorkers  int `json:"triggerWorkers" yaml:"triggerWorkers"`
	AlertShards     int `json:"alertShards" yaml:"alertShards"`
	DispatchWorkers int `json:"dispatchWorkers" yaml:"dispatchWorkers"`

	// NoDataOffset is the intra-minute second the no-data checker fires.
	NoDataOffset  int            `json:"noDataOffset" yaml:"noDataOffset"`
	ShutdownGrace model.Duration `json:"shutdownGrace" yaml:"shutdownGrace"`
}

// ClusterConfig holds the routing rules of this processing cluster.
type ClusterConfig struct {
	Name  string        `json:"name" yaml:"name"`
	Rules []RoutingRule `json:"rules" yaml:"rules"`
}

// RoutingRule maps targets to a cluster. Matcher is "true" (default) or a
// condition such as "gt:100", "lt:500", "eq:2", "in:2,3,4".
type RoutingRule struct {
	ClusterName string `json:"clusterName" yaml:"clusterName"`
	TargetType  string `json:"targetType" yaml:"targetType"`
	Matcher     string `json:"matcher" yaml:"matcher"`
}

// Load builds the config from env with an optional JSON/YAML file override
// given by path (usually the -f flag).
func Load(configFile string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			BindAddr: getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
			Bearer:   getEnv("OPS_API_BEARER", ""),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_URL", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Index: IndexConfig{
			Host:     getEnv("INDEX_DB_HOST", "localhost"),
			Port:     getEnvInt("INDEX_DB_PORT", 5432),
			User:     getEnv("INDEX_DB_USER", "alertpipe"),
			Password: getEnv("INDEX_DB_PASSWORD", "password"),
			DBName:   getEnv("INDEX_DB_NAME", "alertpipe"),
			SSLMode:  getEnv("INDEX_DB_SSLMODE", "disable"),
		},
		Pipeline: PipelineConfig{
			ConfigAPIBase:    getEnv("INSTALLED_APIS", ""),
			ConfigAPIBearer:  getEnv("CONFIG_API_BEARER", ""),
			ConfigAPITimeout: getEnvDuration("CONFIG_API_TIMEOUT", 10*time.Second),
			CacheRefresh:     getEnvDuration("CACHE_REFRESH_INTERVAL", time.Minute),
			GatewayURL:       getEnv("METRIC_AGG_GATEWAY_URL", "http://localhost:10205"),
			QueryTimeout:     getEnvDuration("DATASOURCE_QUERY_TIMEOUT", 30*time.Second),
			NoticeURL:        getEnv("NOTICE_GATEWAY_URL", "http://localhost:10206/send"),
			StreamPrefix:     getEnv("MQ_STREAM_PREFIX", "alertpipe"),
			StreamPartitions: getEnvInt("MQ_STREAM_PARTITIONS", 4),
			StreamMaxLen:     int64(getEnvInt("MQ_STREAM_MAXLEN", 100000)),
			TokenPerWindow:   getEnvInt("ACCESS_TIME_PER_WINDOW", 30),
			TokenWindow:      getEnvDuration("STRATEGY_TOKEN_TTL", 10*time.Minute),
			AccessWorkers:    getEnvInt("ACCESS_WORKERS", 4),
			DetectWorkers:    getEnvInt("DETECT_WORKERS", 4),
			TriggerWorkers:   getEnvInt("TRIGGER_WORKERS", 2),
			AlertShards:      getEnvInt("ALERT_SHARDS", 4),
			DispatchWorkers:  getEnvInt("DISPATCH_WORKERS", 2),
			NoDataOffset:     getEnvInt("NODATA_RUN_OFFSET", 55),
			ShutdownGrace:    getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),
		},
		Cluster: ClusterConfig{
			Name: getEnv("CLUSTER_NAME", "default"),
		},
	}

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			log.Err(err).Str("file", configFile).Msg("load config file failed")
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Pipeline.StreamPrefix == "" {
		cfg.Pipeline.StreamPrefix = "alertpipe"
	}
	if cfg.Pipeline.StreamPartitions <= 0 {
		cfg.Pipeline.StreamPartitions = 4
	}
	if cfg.Pipeline.TokenPerWindow <= 0 {
		cfg.Pipeline.TokenPerWindow = 30
	}
	if cfg.Pipeline.TokenWindow <= 0 {
		cfg.Pipeline.TokenWindow = model.Duration(10 * time.Minute)
	}
	if cfg.Pipeline.CacheRefresh <= 0 {
		cfg.Pipeline.CacheRefresh = model.Duration(time.Minute)
	}
	if cfg.Pipeline.AlertShards <= 0 {
		cfg.Pipeline.AlertShards = 1
	}
	if cfg.Pipeline.NoDataOffset < 0 || cfg.Pipeline.NoDataOffset > 59 {
		cfg.Pipeline.NoDataOffset = 55
	}
	if cfg.Pipeline.ShutdownGrace <= 0 {
		cfg.Pipeline.ShutdownGrace = model.Duration(30 * time.Second)
	}
	if cfg.Cluster.Name == "" {
		cfg.Cluster.Name = "default"
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}
	if strings.HasSuffix(filePath, ".yaml") || strings.HasSuffix(filePath, ".yml") {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
		}
		return nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}
	return nil
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

func getEnvDuration(key string, defaultValue time.Duration) model.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := model.ParseDuration(value); err == nil {
			return d
		}
		// plain seconds are accepted too, e.g. STRATEGY_TOKEN_TTL=600
		if n, err := strconv.Atoi(value); err == nil {
			return model.Duration(time.Duration(n) * time.Second)
		}
	}
	return model.Duration(defaultValue)
}
