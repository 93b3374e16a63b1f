package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"barreplay/internal/market/kline"
	"barreplay/internal/market/storage"
)

// Validator checks a loaded configuration
type Validator struct {
	config *Config
}

// NewValidator creates a validator for config
func NewValidator(config *Config) *Validator {
	return &Validator{
		config: config,
	}
}

// Validate reports every invalid section at once
func (v *Validator) Validate() error {
	var errors []string

	if err := v.validateReplay(); err != nil {
		errors = append(errors, fmt.Sprintf("replay: %v", err))
	}
	if err := v.validateSession(); err != nil {
		errors = append(errors, fmt.Sprintf("session: %v", err))
	}
	if err := v.validateOutput(); err != nil {
		errors = append(errors, fmt.Sprintf("output: %v", err))
	}
	if err := v.validateLogging(); err != nil {
		errors = append(errors, fmt.Sprintf("logging: %v", err))
	}
	if err := v.validateDatabase(); err != nil {
		errors = append(errors, fmt.Sprintf("database: %v", err))
	}
	if err := v.validateServices(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := v.validateSchedule(); err != nil {
		errors = append(errors, fmt.Sprintf("schedule: %v", err))
	}

	if len(errors) > 0 {
		return fmt.Errorf("invalid configuration:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

func (v *Validator) validateReplay() error {
	r := v.config.Replay

	if strings.TrimSpace(r.Ticker) == "" && !v.config.Schedule.Enabled {
		return fmt.Errorf("ticker must not be empty")
	}
	if _, err := kline.ParseInterval(r.Period); err != nil {
		return err
	}
	if r.RequestSize <= 0 {
		return fmt.Errorf("request_size must be positive, got %d", r.RequestSize)
	}
	if r.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", r.QueueSize)
	}
	if r.WindowTimeout < 0 || r.MaxRetries < 0 || r.RequestsPerSecond < 0 {
		return fmt.Errorf("window_timeout, max_retries and requests_per_second must not be negative")
	}
	if _, err := r.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", r.Timezone, err)
	}

	// scheduled runs compute their own dates
	if v.config.Schedule.Enabled {
		return nil
	}
	start, end, err := r.Dates()
	if err != nil {
		return err
	}
	if end.Before(start) {
		return fmt.Errorf("end_date %s is before start_date %s", r.EndDate, r.StartDate)
	}
	return nil
}

func (v *Validator) validateSession() error {
	s := v.config.Session

	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("url scheme must be ws or wss, got %q", u.Scheme)
	}
	if s.ProxyHost != "" && (s.ProxyPort <= 0 || s.ProxyPort > 65535) {
		return fmt.Errorf("invalid proxy port: %d", s.ProxyPort)
	}
	return nil
}

func (v *Validator) validateOutput() error {
	_, err := storage.ParseFormat(v.config.Output.Format)
	return err
}

func (v *Validator) validateLogging() error {
	if _, err := logrus.ParseLevel(v.config.Logging.Level); err != nil {
		return err
	}
	validFormats := []string{"", "text", "json"}
	if !slices.Contains(validFormats, strings.ToLower(v.config.Logging.Format)) {
		return fmt.Errorf("invalid format %q", v.config.Logging.Format)
	}
	return nil
}

func (v *Validator) validateDatabase() error {
	db := v.config.Database
	if !db.Enabled {
		return nil
	}

	if db.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if db.Port <= 0 || db.Port > 65535 {
		return fmt.Errorf("invalid port: %d", db.Port)
	}
	if db.User == "" {
		return fmt.Errorf("user must not be empty")
	}
	if db.DBName == "" {
		return fmt.Errorf("dbname must not be empty")
	}

	validSSLModes := []string{"", "disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, db.SSLMode) {
		return fmt.Errorf("invalid sslmode %q, valid values: %v", db.SSLMode, validSSLModes[1:])
	}
	return nil
}

func (v *Validator) validateServices() error {
	c := v.config
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis: addr must not be empty")
	}
	if c.ObjectStore.Enabled && (c.ObjectStore.Endpoint == "" || c.ObjectStore.Bucket == "") {
		return fmt.Errorf("object_store: endpoint and bucket must not be empty")
	}
	if c.NATS.Enabled && (c.NATS.URL == "" || c.NATS.Subject == "") {
		return fmt.Errorf("nats: url and subject must not be empty")
	}
	if c.Monitoring.Enabled && c.Monitoring.Addr == "" {
		return fmt.Errorf("monitoring: addr must not be empty")
	}
	if c.Monitoring.HistorySize < 0 {
		return fmt.Errorf("monitoring: history_size must not be negative")
	}
	return nil
}

func (v *Validator) validateSchedule() error {
	s := v.config.Schedule
	if !s.Enabled {
		return nil
	}
	if _, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(s.Cron); err != nil {
		return fmt.Errorf("invalid cron %q: %w", s.Cron, err)
	}
	if len(s.Tickers) == 0 && v.config.Replay.Ticker == "" {
		return fmt.Errorf("no tickers to backfill")
	}
	if s.LagDays < 0 {
		return fmt.Errorf("lag_days must not be negative")
	}
	return nil
}
