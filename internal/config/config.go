package config

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Bidding   BiddingConfig   `mapstructure:"bidding"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Auction   AuctionConfig   `mapstructure:"auction"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Leader    LeaderConfig    `mapstructure:"leader"`
	Instance  InstanceConfig  `mapstructure:"instance"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	Host        string `mapstructure:"host"`
	BiddingPort int    `mapstructure:"bidding_port"`
}

type StoreConfig struct {
	// Driver is one of mysql, mongo or memory.
	Driver  string        `mapstructure:"driver"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CatalogConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SchedulerConfig struct {
	Spec         string        `mapstructure:"spec"`
	CloseTimeout time.Duration `mapstructure:"close_timeout"`
}

type BiddingConfig struct {
	Stream       string        `mapstructure:"stream"`
	Group        string        `mapstructure:"group"`
	Consumer     string        `mapstructure:"consumer"`
	Workers      int           `mapstructure:"workers"`
	BatchSize    int64         `mapstructure:"batch_size"`
	Block        time.Duration `mapstructure:"block"`
	EventChannel string        `mapstructure:"event_channel"`

	// PendingInterval is how often unacknowledged bids are re-read.
	PendingInterval time.Duration `mapstructure:"pending_interval"`
}

type AdmissionConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

type AuctionConfig struct {
	DefaultDuration time.Duration `mapstructure:"default_duration"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	SecretKey string `mapstructure:"secret_key"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
	AdminRole string `mapstructure:"admin_role"`
}

type LeaderConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type InstanceConfig struct {
	ID string `mapstructure:"id"`
}

type LoggerConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.bidding_port", 8081)
	v.SetDefault("store.driver", "mysql")
	v.SetDefault("store.timeout", 5*time.Second)
	v.SetDefault("mysql.dsn", "auction_user:auction_pass@tcp(localhost:3306)/auction_db?parseTime=true")
	v.SetDefault("mysql.max_open_conns", 25)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("mysql.migrate", true)
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "auction_db")
	v.SetDefault("mongo.collection", "auctions")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("catalog.base_url", "http://catalogservice:82")
	v.SetDefault("catalog.timeout", 5*time.Second)
	v.SetDefault("scheduler.spec", "@every 1m")
	v.SetDefault("scheduler.close_timeout", 15*time.Second)
	v.SetDefault("bidding.stream", "auction:bids")
	v.SetDefault("bidding.group", "auction-service")
	v.SetDefault("bidding.consumer", "bidding-service-1")
	v.SetDefault("bidding.workers", 8)
	v.SetDefault("bidding.batch_size", 32)
	v.SetDefault("bidding.block", 2*time.Second)
	v.SetDefault("bidding.event_channel", "auction_events")
	v.SetDefault("bidding.pending_interval", 30*time.Second)
	v.SetDefault("admission.max_retries", 5)
	v.SetDefault("auction.default_duration", 24*time.Hour)
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.secret_key", "default_secret")
	v.SetDefault("auth.issuer", "default_issuer")
	v.SetDefault("auth.audience", "http://localhost")
	v.SetDefault("auth.admin_role", "admin")
	v.SetDefault("leader.enabled", true)
	v.SetDefault("leader.ttl", 30*time.Second)
	v.SetDefault("instance.id", "auction-service-1")
	v.SetDefault("logger.level", "info")
}

var envBindings = map[string]string{
	"server.port":              "SERVER_PORT",
	"server.host":              "SERVER_HOST",
	"server.bidding_port":      "SERVER_BIDDING_PORT",
	"store.driver":             "STORE_DRIVER",
	"store.timeout":            "STORE_TIMEOUT",
	"mysql.dsn":                "MYSQL_DSN",
	"mysql.max_open_conns":     "MYSQL_MAX_OPEN_CONNS",
	"mysql.max_idle_conns":     "MYSQL_MAX_IDLE_CONNS",
	"mysql.conn_max_lifetime":  "MYSQL_CONN_MAX_LIFETIME",
	"mysql.migrate":            "MYSQL_MIGRATE",
	"mongo.uri":                "MONGO_URI",
	"mongo.database":           "MONGO_DATABASE",
	"mongo.collection":         "MONGO_COLLECTION",
	"redis.address":            "REDIS_ADDRESS",
	"redis.password":           "REDIS_PASSWORD",
	"redis.db":                 "REDIS_DB",
	"catalog.base_url":         "CATALOG_BASE_URL",
	"catalog.timeout":          "CATALOG_TIMEOUT",
	"scheduler.spec":           "SCHEDULER_SPEC",
	"scheduler.close_timeout":  "SCHEDULER_CLOSE_TIMEOUT",
	"bidding.stream":           "BIDDING_STREAM",
	"bidding.group":            "BIDDING_GROUP",
	"bidding.consumer":         "BIDDING_CONSUMER",
	"bidding.workers":          "BIDDING_WORKERS",
	"bidding.batch_size":       "BIDDING_BATCH_SIZE",
	"bidding.block":            "BIDDING_BLOCK",
	"bidding.event_channel":    "BIDDING_EVENT_CHANNEL",
	"bidding.pending_interval": "BIDDING_PENDING_INTERVAL",
	"admission.max_retries":    "ADMISSION_MAX_RETRIES",
	"auction.default_duration": "AUCTION_DEFAULT_DURATION",
	"auth.enabled":             "AUTH_ENABLED",
	"auth.secret_key":          "SECRET_KEY",
	"auth.issuer":              "ISSUER",
	"auth.audience":            "AUTH_AUDIENCE",
	"auth.admin_role":          "AUTH_ADMIN_ROLE",
	"leader.enabled":           "LEADER_ENABLED",
	"leader.ttl":               "LEADER_TTL",
	"instance.id":              "INSTANCE_ID",
	"logger.level":             "LOG_LEVEL",
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// Environment variable support
	v.AutomaticEnv()
	for key, env := range envBindings {
		// BindEnv only fails when no key is given.
		_ = v.BindEnv(key, env)
	}
	return v
}

func Load() (*Config, error) {
	v := newViper()

	// Configuration file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/auction-lifecycle/")

	// Read configuration file (optional - will use defaults/env vars if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "mysql", "mongo", "memory":
	default:
		return errors.Newf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Bidding.Workers <= 0 {
		return errors.Newf("config: bidding.workers must be positive, got %d", c.Bidding.Workers)
	}
	if c.Admission.MaxRetries <= 0 {
		return errors.Newf("config: admission.max_retries must be positive, got %d", c.Admission.MaxRetries)
	}
	if c.Auction.DefaultDuration <= 0 {
		return errors.New("config: auction.default_duration must be positive")
	}
	if c.Auth.Enabled && c.Auth.SecretKey == "" {
		return errors.New("config: auth.secret_key is required when auth is enabled")
	}
	if c.Leader.Enabled && c.Leader.TTL <= 0 {
		return errors.Newf("config: leader.ttl must be positive when leader election is enabled, got %s", c.Leader.TTL)
	}
	return nil
}

// GetConfigString returns a formatted string representation of the config
func (c *Config) GetConfigString() string {
	return fmt.Sprintf(
		"Server: %s:%d, Store: %s, Redis: %s, Catalog: %s, Instance: %s",
		c.Server.Host,
		c.Server.Port,
		c.Store.Driver,
		c.Redis.Address,
		c.Catalog.BaseURL,
		c.Instance.ID,
	)
}
