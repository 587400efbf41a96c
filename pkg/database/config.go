package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config describes the sqlite file backing the session store.
// BusyTimeout bounds how long a writer waits on a locked database; zero uses 5s.
type Config struct {
	DatabasePath    string        `json:"database_path"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	BusyTimeout     time.Duration `json:"busy_timeout"`
}

const defaultBusyTimeout = 5 * time.Second

func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./teleconsult.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		BusyTimeout:     defaultBusyTimeout,
	}
}

// Validate rejects pool settings sql.DB would silently treat as unlimited.
func (c *Config) Validate() error {
	switch {
	case c.DatabasePath == "":
		return errors.New("sqlite: database path is required")
	case c.MaxConnections <= 0:
		return errors.New("sqlite: max connections must be positive")
	case c.ConnMaxLifetime <= 0 || c.ConnMaxIdleTime <= 0:
		return errors.New("sqlite: connection lifetimes must be positive")
	case c.BusyTimeout < 0:
		return errors.New("sqlite: busy timeout cannot be negative")
	}
	return nil
}

func (c *Config) busyTimeout() time.Duration {
	if c.BusyTimeout == 0 {
		return defaultBusyTimeout
	}
	return c.BusyTimeout
}

// Open opens the sqlite database described by cfg and applies connection pragmas.
// TECHNICAL DISCOVERY: busy timeout and foreign keys go in the DSN so every pooled
// connection gets them, not only the first one
func Open(cfg *Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL",
		cfg.DatabasePath, cfg.busyTimeout().Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply sqlite pragmas: %w", err)
	}
	return db, nil
}

// Session rows are small and hot; a 64MB page cache keeps the whole working set resident.
const sqliteOptimizations = `
	PRAGMA synchronous = NORMAL;
	PRAGMA cache_size = -64000;
	PRAGMA temp_store = MEMORY;
`

func applySQLiteOptimizations(db *sql.DB) error {
	_, err := db.Exec(sqliteOptimizations)
	return err
}
