package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration. It is loaded once in main and
// passed explicitly into constructors; services never read viper themselves.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Orders   OrdersConfig
	Ledger   LedgerConfig
	Coupons  CouponConfig
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings. Redis is optional; the server
// runs without it.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// JWTConfig holds the token verification settings for the admin console.
type JWTConfig struct {
	SecretKey string
}

// OrdersConfig holds the order service client settings.
type OrdersConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

// LedgerConfig holds ledger tuning knobs.
type LedgerConfig struct {
	// LockTimeout bounds how long a mutation waits for an account row lock
	// before failing with an account-busy error.
	LockTimeout time.Duration
}

// CouponConfig holds coupon code generation settings.
type CouponConfig struct {
	CodePrefix string
	MaxRetries int
}

// Load reads .env plus environment overrides and materializes the Config.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig() // .env is optional; env vars and defaults still apply

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	viper.BindEnv("orders.base_url", "ORDERS_BASE_URL")
	viper.BindEnv("orders.request_timeout", "ORDERS_REQUEST_TIMEOUT")
	viper.BindEnv("orders.max_retries", "ORDERS_MAX_RETRIES")
	viper.BindEnv("orders.retry_backoff", "ORDERS_RETRY_BACKOFF")

	viper.BindEnv("server.port", "PORT")

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 15*time.Second)
	viper.SetDefault("server.idle_timeout", 60*time.Second)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", "5432")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.name", "luxe_loyalty")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("orders.base_url", "http://localhost:8000/api")
	viper.SetDefault("orders.request_timeout", 10*time.Second)
	viper.SetDefault("orders.max_retries", 3)
	viper.SetDefault("orders.retry_backoff", 500*time.Millisecond)

	viper.SetDefault("ledger.lock_timeout", 2*time.Second)

	viper.SetDefault("coupons.code_prefix", "LUX")
	viper.SetDefault("coupons.max_retries", 5)

	cfg := &Config{
		Server: ServerConfig{
			Port:         viper.GetString("server.port"),
			ReadTimeout:  viper.GetDuration("server.read_timeout"),
			WriteTimeout: viper.GetDuration("server.write_timeout"),
			IdleTimeout:  viper.GetDuration("server.idle_timeout"),
		},
		Database: DatabaseConfig{
			Host:            viper.GetString("database.host"),
			Port:            viper.GetString("database.port"),
			User:            viper.GetString("database.user"),
			Password:        viper.GetString("database.password"),
			Name:            viper.GetString("database.name"),
			SSLMode:         viper.GetString("database.ssl_mode"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Host:     viper.GetString("redis.host"),
			Port:     viper.GetString("redis.port"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			SecretKey: viper.GetString("jwt.secret_key"),
		},
		Orders: OrdersConfig{
			BaseURL:        viper.GetString("orders.base_url"),
			RequestTimeout: viper.GetDuration("orders.request_timeout"),
			MaxRetries:     viper.GetInt("orders.max_retries"),
			RetryBackoff:   viper.GetDuration("orders.retry_backoff"),
		},
		Ledger: LedgerConfig{
			LockTimeout: viper.GetDuration("ledger.lock_timeout"),
		},
		Coupons: CouponConfig{
			CodePrefix: viper.GetString("coupons.code_prefix"),
			MaxRetries: viper.GetInt("coupons.max_retries"),
		},
	}

	if cfg.JWT.SecretKey == "" {
		return nil, fmt.Errorf("config: JWT_SECRET_KEY is required")
	}
	if cfg.Coupons.MaxRetries <= 0 {
		return nil, fmt.Errorf("config: coupons.max_retries must be positive")
	}

	return cfg, nil
}
