package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"barreplay/internal/database"
	"barreplay/internal/logging"
	"barreplay/internal/market/huobi"
	"barreplay/internal/market/storage"
)

// DateLayout is the layout of start_date and end_date
const DateLayout = "2006-01-02"

// Config represents the application configuration
type Config struct {
	Replay      ReplayConfig      `yaml:"replay"`
	Session     SessionConfig     `yaml:"session"`
	Output      OutputConfig      `yaml:"output"`
	Logging     logging.LogConfig `yaml:"logging"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	NATS        NATSConfig        `yaml:"nats"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
}

// ReplayConfig describes what to backfill and how hard to push the remote
type ReplayConfig struct {
	Ticker            string        `yaml:"ticker"`
	Period            string        `yaml:"period"`
	StartDate         string        `yaml:"start_date"`
	EndDate           string        `yaml:"end_date"`
	Timezone          string        `yaml:"timezone"`
	RequestSize       int           `yaml:"request_size"`
	QueueSize         int           `yaml:"queue_size"`
	WindowTimeout     time.Duration `yaml:"window_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// Location loads the configured timezone, UTC when unset
func (r ReplayConfig) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(r.Timezone)
}

// Dates parses start_date and end_date in the configured timezone
func (r ReplayConfig) Dates() (start, end time.Time, err error) {
	loc, err := r.Location()
	if err != nil {
		return start, end, fmt.Errorf("invalid timezone: %w", err)
	}
	if start, err = time.ParseInLocation(DateLayout, r.StartDate, loc); err != nil {
		return start, end, fmt.Errorf("invalid start_date: %w", err)
	}
	if end, err = time.ParseInLocation(DateLayout, r.EndDate, loc); err != nil {
		return start, end, fmt.Errorf("invalid end_date: %w", err)
	}
	return start, end, nil
}

// SessionConfig represents the websocket endpoint and proxy
type SessionConfig struct {
	URL              string        `yaml:"url"`
	ProxyHost        string        `yaml:"proxy_host"`
	ProxyPort        int           `yaml:"proxy_port"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// Huobi converts to the session's own config
func (s SessionConfig) Huobi() huobi.SessionConfig {
	return huobi.SessionConfig{
		URL:              s.URL,
		ProxyHost:        s.ProxyHost,
		ProxyPort:        s.ProxyPort,
		HandshakeTimeout: s.HandshakeTimeout,
		WriteTimeout:     s.WriteTimeout,
	}
}

// OutputConfig represents where files are written
type OutputConfig struct {
	Dir    string `yaml:"dir"`
	Path   string `yaml:"path"` // overrides dir and the default file name
	Format string `yaml:"format"`
	Verify bool   `yaml:"verify"`
}

// DatabaseConfig represents the optional postgres sink
type DatabaseConfig struct {
	Enabled         bool `yaml:"enabled"`
	database.Config `yaml:",inline"`
}

// RedisConfig represents the run lock store
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// ObjectStoreConfig represents the optional bucket upload
type ObjectStoreConfig struct {
	Enabled                   bool `yaml:"enabled"`
	storage.ObjectStoreConfig `yaml:",inline"`
}

// NATSConfig represents run summary publishing
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// MonitoringConfig represents the metrics and status endpoint
type MonitoringConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	HistorySize int    `yaml:"history_size"` // finished runs kept for /runs
}

// ScheduleConfig represents scheduled daily backfills
type ScheduleConfig struct {
	Enabled bool     `yaml:"enabled"`
	Cron    string   `yaml:"cron"` // with seconds field
	Tickers []string `yaml:"tickers"`
	LagDays int      `yaml:"lag_days"`
}

// Defaults returns the configuration used when no file is given
func Defaults() *Config {
	return &Config{
		Replay: ReplayConfig{
			Ticker:        "eosusdt",
			Period:        "1min",
			Timezone:      "UTC",
			RequestSize:   300,
			QueueSize:     5,
			WindowTimeout: 30 * time.Second,
			MaxRetries:    3,
		},
		Session: SessionConfig{
			URL:              huobi.DefaultURL,
			HandshakeTimeout: 45 * time.Second,
			WriteTimeout:     10 * time.Second,
		},
		Output: OutputConfig{
			Dir:    "data",
			Format: "csv",
		},
		Logging: logging.LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Database: DatabaseConfig{
			Config: database.Config{
				Host:    "localhost",
				Port:    5432,
				SSLMode: "disable",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 4,
			LockTTL:  time.Hour,
		},
		NATS: NATSConfig{
			URL:     "nats://127.0.0.1:4222",
			Subject: "barreplay.runs",
		},
		Monitoring: MonitoringConfig{
			Addr:        ":9102",
			HistorySize: 100,
		},
		Schedule: ScheduleConfig{
			Cron:    "0 5 0 * * *",
			LagDays: 1,
		},
	}
}

// Load reads a YAML file over Defaults
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Defaults()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}
