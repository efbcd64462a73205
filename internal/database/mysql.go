package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"iot-counter-backend/internal/errs"
	"iot-counter-backend/internal/models"
)

// MySQLConfig holds relational store settings
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MaxAttempts     int // 0 retries until ctx is done
}

// Store persists devices, pilot status, batches and the reset log
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open gorm handle
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the gorm handle for health checks
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ConnectMySQLWithRetry opens MySQL with exponential backoff capped at 30s
func ConnectMySQLWithRetry(ctx context.Context, cfg MySQLConfig, lg logrus.FieldLogger) (*gorm.DB, error) {
	var attempt int
	for {
		attempt++
		db, err := gorm.Open(mysql.Open(cfg.DSN), gormConfig())
		if err == nil {
			if sqlDB, derr := db.DB(); derr == nil {
				if cfg.MaxOpenConns > 0 {
					sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
				}
				if cfg.MaxIdleConns >= 0 {
					sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
				}
				if cfg.ConnMaxLifetime > 0 {
					sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
				}
			}
			lg.WithField("attempt", attempt).Info("Connected to MySQL")
			return db, nil
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return nil, fmt.Errorf("failed to connect to MySQL after %d attempts: %w", attempt, err)
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		lg.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "retry_in": sleep.String()}).Warn("Failed to connect to MySQL")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect to MySQL: %w", ctx.Err())
		case <-time.After(sleep):
		}
	}
}

// AutoMigrate creates or updates the relational tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Device{},
		&models.PilotStatus{},
		&models.Batch{},
		&models.ResetLogEntry{},
	)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			logger.Config{
				Colorful:                  false,
				LogLevel:                  logger.Error,
				SlowThreshold:             time.Second,
				IgnoreRecordNotFoundError: true,
			},
		),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: false,
		},
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// notFound maps gorm's missing-row error onto the shared taxonomy
func notFound(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.NotFound(kind, id)
	}
	return err
}
