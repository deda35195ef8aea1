package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/streamgate/paygate/internal/model"
	"github.com/streamgate/paygate/internal/pkg/logger"
)

type Config struct {
	Server    ServerConfig               `mapstructure:"server"`
	Log       LogConfig                  `mapstructure:"log"`
	Auth      AuthConfig                 `mapstructure:"auth"`
	Seller    SellerConfig               `mapstructure:"seller"`
	Payments  []model.PaymentDeclaration `mapstructure:"payments"`
	Engine    EngineConfig               `mapstructure:"engine"`
	Database  DatabaseConfig             `mapstructure:"database"`
	Redis     RedisConfig                `mapstructure:"redis"`
	Lightning LightningConfig            `mapstructure:"lightning"`
	EOS       EOSConfig                  `mapstructure:"eos"`
	Peers     PeersConfig                `mapstructure:"peers"`
	Buy       BuyConfig                  `mapstructure:"buy"`
	RateLimit RateLimitConfig            `mapstructure:"ratelimit"`
	Metrics   MetricsConfig              `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	// DecisionDir receives daily JSONL decision logs; empty disables them.
	DecisionDir string `mapstructure:"decision_dir"`
}

type AuthConfig struct {
	// AdminKey guards buying and the decision log; empty disables those routes.
	AdminKey string `mapstructure:"admin_key"`
}

type SellerConfig struct {
	ID string `mapstructure:"id"` // hex public key of this node
}

type EngineConfig struct {
	CacheCapacity     int `mapstructure:"cache_capacity"`
	ValidateTimeoutMs int `mapstructure:"validate_timeout_ms"`
}

func (e EngineConfig) ValidateTimeout() time.Duration {
	return time.Duration(e.ValidateTimeoutMs) * time.Millisecond
}

type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	DecisionRetentionDays  int    `mapstructure:"decision_retention_days"`
	CleanupIntervalMinutes int    `mapstructure:"cleanup_interval_minutes"`
}

type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	StreamPrefix string `mapstructure:"stream_prefix"`
	BlockMs      int    `mapstructure:"block_ms"`
}

type LightningConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Implementation string `mapstructure:"implementation"` // lnd or c-lightning
	NodeID         string `mapstructure:"node_id"`
	Address        string `mapstructure:"address"`
}

type EOSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	ChainID string `mapstructure:"chain_id"`
	RPC     string `mapstructure:"rpc"`
}

type PeersConfig struct {
	// Dial lists seller websocket endpoints this node keeps links to.
	Dial []string `mapstructure:"dial"`
}

// BuyConfig limits what this node pays remote sellers; zero means unlimited.
type BuyConfig struct {
	MaxAmount        float64 `mapstructure:"max_amount"`
	MaxDailyAmount   float64 `mapstructure:"max_daily_amount"`
	MaxDailyPayments int     `mapstructure:"max_daily_payments"`
}

type RateLimitConfig struct {
	QPS   float64 `mapstructure:"qps"`
	Burst int     `mapstructure:"burst"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// e.g. PAYGATE_REDIS_ADDR
	viper.SetEnvPrefix("paygate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	SetDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logger.Info("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("engine.cache_capacity", 500)
	v.SetDefault("engine.validate_timeout_ms", 20000)
	v.SetDefault("redis.stream_prefix", "paygate:payments")
	v.SetDefault("redis.block_ms", 5000)
	v.SetDefault("database.decision_retention_days", 30)
	v.SetDefault("database.cleanup_interval_minutes", 60)
	v.SetDefault("lightning.implementation", "lnd")
	v.SetDefault("eos.enabled", true)
	v.SetDefault("eos.rpc", "https://eos.greymass.com")
	v.SetDefault("eos.chain_id", "aca376f206b8fc25a6ed44dbdc66547c36c6c33e3a119ffbeaef943642f0e906")
	v.SetDefault("ratelimit.qps", 20)
	v.SetDefault("ratelimit.burst", 40)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
