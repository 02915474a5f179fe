package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Cron      CronConfig      `mapstructure:"cron"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Retention RetentionConfig `mapstructure:"retention"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type CronConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	ExpireRules      string `mapstructure:"expire_rules"`
	InstrumentSync   string `mapstructure:"instrument_sync"`
	FireLogRetention string `mapstructure:"fire_log_retention"`
}

type BrokerConfig struct {
	MarketFeedBase    string        `mapstructure:"market_feed_base"`
	PortfolioFeedBase string        `mapstructure:"portfolio_feed_base"`
	Timeout           time.Duration `mapstructure:"timeout"`

	// InstrumentSyncUser is whose broker session downloads the daily
	// instrument dump. The dump is identical for every user.
	InstrumentSyncUser string `mapstructure:"instrument_sync_user"`
}

type DaemonConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	TimeTolerance time.Duration `mapstructure:"time_tolerance"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
}

type RetentionConfig struct {
	FireLogMaxAge time.Duration `mapstructure:"fire_log_max_age"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.expire_rules", "@every 1m")
	// After the broker refreshes its instrument dump, before market open.
	v.SetDefault("cron.instrument_sync", "0 30 8 * * *")
	v.SetDefault("cron.fire_log_retention", "0 0 2 * * *")
	v.SetDefault("broker.timeout", "10s")
	v.SetDefault("daemon.poll_interval", "30s")
	v.SetDefault("daemon.time_tolerance", "60s")
	v.SetDefault("daemon.backoff_max", "2m")
	v.SetDefault("retention.fire_log_max_age", "720h")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
