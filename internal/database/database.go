package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	apperrors "barreplay/internal/errors"
	"barreplay/internal/logging"
	"barreplay/internal/retry"
)

// DB represents the database connection
type DB struct {
	*sql.DB
	config *Config
	logger *logging.Logger
}

// Config represents database configuration
type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpen         int           `yaml:"max_open"`
	MaxIdle         int           `yaml:"max_idle"`
	Timeout         time.Duration `yaml:"timeout"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// DSN returns the lib/pq connection string
func (c *Config) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslmode)
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.MaxOpen <= 0 {
		c.MaxOpen = 10
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 15 * time.Minute
	}
}

// NewConnection opens the pool and pings it, retrying with backoff
func NewConnection(ctx context.Context, cfg *Config, logger *logging.Logger) (*DB, error) {
	cfg.setDefaults()
	logger = logging.OrGlobal(logger).WithField("component", "database")

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBConnection, "failed to open database", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCfg := retry.DefaultRetryConfig()
	pingCfg.InitialWait = time.Second
	err = retry.WithRetry(ctx, func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		if err := db.PingContext(pctx); err != nil {
			logger.WithError(err).Warn("Database ping failed")
			return apperrors.NewAppError(apperrors.ErrCodeDBConnection, "failed to ping database", err)
		}
		return nil
	}, pingCfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"host":     cfg.Host,
		"dbname":   cfg.DBName,
		"max_open": cfg.MaxOpen,
		"max_idle": cfg.MaxIdle,
	}).Info("Database connection established")

	return &DB{DB: db, config: cfg, logger: logger}, nil
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.PingContext(ctx)
}

// GetConfig returns the database configuration
func (db *DB) GetConfig() *Config {
	return db.config
}
