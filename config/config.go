// Package config loads service configuration with viper.
//
// Sources, lowest precedence first: built-in defaults, an optional config
// file, then environment variables prefixed KOS_ with dots replaced by
// underscores (database.dsn → KOS_DATABASE_DSN).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/warp/kos-engine/core"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Booking   BookingConfig   `mapstructure:"booking"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite or postgres
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Queue    string `mapstructure:"queue"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type GatewayConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	CallbackSecret string        `mapstructure:"callback_secret"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
}

type BookingConfig struct {
	CheckInGrace          time.Duration `mapstructure:"check_in_grace"`
	RenewalDepositExtends bool          `mapstructure:"renewal_deposit_extends"`
	FullPaymentLeaseTypes []string      `mapstructure:"full_payment_lease_types"`
}

type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	DueSoonWindow time.Duration `mapstructure:"due_soon_window"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/kos.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.queue", "kos:events")

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("gateway.base_url", "https://pay.example.com")
	v.SetDefault("gateway.callback_secret", "")
	v.SetDefault("gateway.token_ttl", 24*time.Hour)

	v.SetDefault("booking.check_in_grace", 0)
	v.SetDefault("booking.renewal_deposit_extends", false)
	v.SetDefault("booking.full_payment_lease_types", []string{"daily", "weekly"})

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Hour)
	v.SetDefault("scheduler.due_soon_window", 72*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads configuration. path may be empty to skip the file.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-supplied viper instance.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("KOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive, got %d", c.Server.Port)
	}
	for _, l := range c.Booking.FullPaymentLeaseTypes {
		if !core.LeaseType(l).Valid() {
			return fmt.Errorf("booking.full_payment_lease_types: unknown lease type %q", l)
		}
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return errors.New("scheduler.interval must be positive when the scheduler is enabled")
	}
	return nil
}

// Policy converts the booking section into core.Policy.
func (c Config) Policy() core.Policy {
	p := core.Policy{
		CheckInGrace:          c.Booking.CheckInGrace,
		RenewalDepositExtends: c.Booking.RenewalDepositExtends,
	}
	for _, l := range c.Booking.FullPaymentLeaseTypes {
		p.FullPaymentLeaseTypes = append(p.FullPaymentLeaseTypes, core.LeaseType(l))
	}
	return p
}
