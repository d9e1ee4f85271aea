// Package db opens the gorm database and the optional Redis client.
package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"appforge/internal/logging"
	"appforge/pkg/models"
)

// Database wraps the gorm handle.
type Database struct {
	DB     *gorm.DB
	Driver string
}

// Config selects the driver: postgres when URL is set, sqlite otherwise.
type Config struct {
	URL        string
	SQLitePath string
	LogLevel   logger.LogLevel

	// SkipMigrate leaves the schema untouched.
	SkipMigrate bool
}

// Open connects and, unless SkipMigrate is set, migrates.
func Open(cfg Config) (*Database, error) {
	if cfg.LogLevel == 0 {
		cfg.LogLevel = logger.Warn
	}
	gormConfig := &gorm.Config{
		Logger:  logger.Default.LogMode(cfg.LogLevel),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		dialector gorm.Dialector
		driver    string
	)
	if strings.TrimSpace(cfg.URL) != "" {
		dialector, driver = postgres.Open(cfg.URL), "postgres"
	} else {
		path := cfg.SQLitePath
		if path == "" {
			path = "appforge.db"
		}
		dialector, driver = sqlite.Open(sqliteDSN(path)), "sqlite"
	}

	gdb, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if driver == "sqlite" {
		// one writer avoids SQLITE_BUSY under concurrent agent saves
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	d := &Database{DB: gdb, Driver: driver}
	if !cfg.SkipMigrate {
		if err := d.Migrate(); err != nil {
			return nil, err
		}
	}
	logging.L().Info("database connected", zap.String("driver", driver))
	return d, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?cache=shared"
	}
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Migrate creates or updates every table.
func (d *Database) Migrate() error {
	if err := d.DB.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// TableStatus reports whether a model's table exists.
type TableStatus struct {
	Table   string
	Present bool
}

// Status lists every model table and whether it exists.
func (d *Database) Status() ([]TableStatus, error) {
	out := make([]TableStatus, 0, len(models.All()))
	for _, m := range models.All() {
		stmt := &gorm.Statement{DB: d.DB}
		if err := stmt.Parse(m); err != nil {
			return nil, fmt.Errorf("failed to parse model: %w", err)
		}
		out = append(out, TableStatus{Table: stmt.Schema.Table, Present: d.DB.Migrator().HasTable(m)})
	}
	return out, nil
}

// Health pings the database.
func (d *Database) Health() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Ping()
}

// Close releases the connection pool.
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
