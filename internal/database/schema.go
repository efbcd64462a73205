package database

// SQL schemas for the ClickHouse telemetry tables

const (
	// CounterReadingsTableSQL creates the counter_readings table.
	// Written by the ingestion pipeline; this service only reads it.
	CounterReadingsTableSQL = `
		CREATE TABLE IF NOT EXISTS counter_readings (
			timestamp DateTime64(3),
			device_id String,
			counter_1 Nullable(UInt64),
			counter_2 Nullable(UInt64),
			counter_3 Nullable(UInt64),
			counter_4 Nullable(UInt64)
		) ENGINE = MergeTree()
		ORDER BY (device_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`
)

// AllTables returns all table creation SQL statements
func AllTables() []string {
	return []string{
		CounterReadingsTableSQL,
	}
}
