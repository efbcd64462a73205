package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"

	"iot-counter-backend/internal/models"
)

const readingColumns = `timestamp, device_id, counter_1, counter_2, counter_3, counter_4`

// ClickHouseDB reads counter telemetry from the time-series store
type ClickHouseDB struct {
	conn   driver.Conn
	logger *logrus.Entry
}

// ClickHouseConfig holds connection settings
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(ctx context.Context, cfg ClickHouseConfig, logger logrus.FieldLogger) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	db := &ClickHouseDB{conn: conn, logger: logger.WithField("component", "clickhouse")}
	db.logger.WithField("addr", cfg.Addr).Info("Connected to ClickHouse")

	if err := db.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// InitSchema creates the telemetry tables if they don't exist
func (db *ClickHouseDB) InitSchema(ctx context.Context) error {
	for _, tableSQL := range AllTables() {
		if err := db.conn.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// SaveReading inserts one counter reading. Production ingestion writes
// through its own pipeline; this is used by tooling and tests.
func (db *ClickHouseDB) SaveReading(ctx context.Context, r *models.CounterReading) error {
	query := `
		INSERT INTO counter_readings (` + readingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	err := db.conn.Exec(ctx, query,
		r.Timestamp,
		r.DeviceID,
		r.Counter1,
		r.Counter2,
		r.Counter3,
		r.Counter4,
	)
	if err != nil {
		return fmt.Errorf("failed to insert counter reading: %w", err)
	}
	return nil
}

// LatestReading returns the most recent reading for a device
func (db *ClickHouseDB) LatestReading(ctx context.Context, deviceID string) (*models.CounterReading, bool, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM counter_readings
		WHERE device_id = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`
	return db.queryOne(ctx, query, deviceID)
}

// LatestReadingBefore returns the most recent reading strictly before t
func (db *ClickHouseDB) LatestReadingBefore(ctx context.Context, deviceID string, t time.Time) (*models.CounterReading, bool, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM counter_readings
		WHERE device_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT 1
	`
	return db.queryOne(ctx, query, deviceID, t)
}

// ReadingsInRange returns readings with from <= timestamp < to, oldest first
func (db *ClickHouseDB) ReadingsInRange(ctx context.Context, deviceID string, from, to time.Time) ([]models.CounterReading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM counter_readings
		WHERE device_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC
	`
	rows, err := db.conn.Query(ctx, query, deviceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query counter readings: %w", err)
	}
	defer rows.Close()

	var readings []models.CounterReading
	for rows.Next() {
		var r models.CounterReading
		if err := rows.Scan(&r.Timestamp, &r.DeviceID, &r.Counter1, &r.Counter2, &r.Counter3, &r.Counter4); err != nil {
			return nil, fmt.Errorf("failed to scan counter reading: %w", err)
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate counter readings: %w", err)
	}
	return readings, nil
}

func (db *ClickHouseDB) queryOne(ctx context.Context, query string, args ...any) (*models.CounterReading, bool, error) {
	var r models.CounterReading
	row := db.conn.QueryRow(ctx, query, args...)
	err := row.Scan(&r.Timestamp, &r.DeviceID, &r.Counter1, &r.Counter2, &r.Counter3, &r.Counter4)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read counter reading: %w", err)
	}
	return &r, true, nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		if err := db.conn.Close(); err != nil {
			return fmt.Errorf("failed to close ClickHouse connection: %w", err)
		}
		db.logger.Info("ClickHouse connection closed")
	}
	return nil
}
