package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb"
)

// Config holds database configuration.
type Config struct {
	// DataDir holds the duckdb/ directory. Empty keeps the journal in memory.
	DataDir string
	DBName  string
}

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	seq          BIGINT PRIMARY KEY,
	received_at  TIMESTAMP NOT NULL,
	title        VARCHAR,
	longitude    DOUBLE NOT NULL,
	latitude     DOUBLE NOT NULL,
	zoom         DOUBLE NOT NULL,
	layer_count  INTEGER NOT NULL,
	view_adopted BOOLEAN NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshot_layers (
	seq      BIGINT NOT NULL,
	position INTEGER NOT NULL,
	name     VARCHAR NOT NULL,
	hash     VARCHAR NOT NULL,
	vmin     DOUBLE NOT NULL,
	vmax     DOUBLE NOT NULL,
	min_zoom INTEGER NOT NULL,
	max_zoom INTEGER NOT NULL,
	visible  BOOLEAN NOT NULL
);`

// Open opens the DuckDB database and creates the journal tables.
func Open(cfg Config) (*sql.DB, error) {
	dsn := ""
	if cfg.DataDir != "" {
		duckdbDir := filepath.Join(cfg.DataDir, "duckdb")
		if err := os.MkdirAll(duckdbDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create duckdb directory: %w", err)
		}
		name := cfg.DBName
		if name == "" {
			name = "journal"
		}
		dsn = filepath.Join(duckdbDir, name+".duckdb")
	}

	conn, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(context.Background(), schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating journal tables: %w", err)
	}
	return conn, nil
}
