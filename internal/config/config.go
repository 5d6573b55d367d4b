package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Gateway  GatewayConfig
	Dispatch DispatchConfig
	Log      LogConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type GatewayConfig struct {
	// Timeout bounds one send round trip to the provider.
	Timeout time.Duration
	// DelayMs is the send-delay hint forwarded with each message.
	DelayMs int
}

type DispatchConfig struct {
	Interval   time.Duration
	MaxRetries int
}

type LogConfig struct {
	Level  string
	Format string
}

func LoadAll() (*Config, error) {
	var errs []error

	postgresURL, err := requireEnv("POSTGRES_URL")
	if err != nil {
		errs = append(errs, err)
	}

	gatewayTimeout, err := getEnvInt("GATEWAY_TIMEOUT_SECONDS", 15)
	if err != nil {
		errs = append(errs, err)
	}
	gatewayDelay, err := getEnvInt("GATEWAY_SEND_DELAY_MS", 1000)
	if err != nil {
		errs = append(errs, err)
	}
	dispatchInterval, err := getEnvInt("DISPATCH_INTERVAL_SECONDS", 60)
	if err != nil {
		errs = append(errs, err)
	}
	maxRetries, err := getEnvInt("DISPATCH_MAX_RETRIES", 3)
	if err != nil {
		errs = append(errs, err)
	}

	redisCfg, err := loadRedisConfig()
	if err != nil {
		errs = append(errs, err)
	}

	if err := joinErrors(errs); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: postgresURL,
		},
		Gateway: GatewayConfig{
			Timeout: time.Duration(gatewayTimeout) * time.Second,
			DelayMs: gatewayDelay,
		},
		Dispatch: DispatchConfig{
			Interval:   time.Duration(dispatchInterval) * time.Second,
			MaxRetries: maxRetries,
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Redis: redisCfg,
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}
	ttl, err := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err != nil {
		return RedisConfig{}, err
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, nil
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.Dispatch.Interval <= 0 {
		errs = append(errs, errors.New("DISPATCH_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Dispatch.MaxRetries <= 0 {
		errs = append(errs, errors.New("DISPATCH_MAX_RETRIES must be > 0"))
	}
	if cfg.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT_SECONDS must be > 0"))
	}
	if cfg.Gateway.DelayMs < 0 {
		errs = append(errs, errors.New("GATEWAY_SEND_DELAY_MS must be >= 0"))
	}

	return joinErrors(errs)
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
