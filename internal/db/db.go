// Package db manages the dispatcher's database connection and migrations.
// It supports SQLite (via the modernc pure-Go driver, no CGO required) and
// PostgreSQL; migrations are embedded in the binary, one dialect per
// driver, and applied automatically on startup via golang-migrate.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Config holds what it takes to open a database connection. Driver
// defaults to "sqlite" if left empty.
type Config struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
	Logger *zap.Logger

	// LogLevel controls GORM's own logging; SlowQueryThreshold marks the
	// point at which a statement is logged as slow (0 picks a default
	// sized for the queue-frame append path).
	LogLevel           gormlogger.LogLevel
	SlowQueryThreshold time.Duration
}

// New opens a database connection, applies pending migrations, and
// returns the ready-to-use *gorm.DB instance.
func New(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("db: logger is required")
	}
	gormCfg := &gorm.Config{
		Logger: newQueryLogger(cfg.Logger, cfg.LogLevel, cfg.SlowQueryThreshold),
	}

	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
	)
	switch driver {
	case "sqlite":
		database, sqlDB, err = openSQLite(cfg.DSN, gormCfg)
	case "postgres":
		database, sqlDB, err = openPostgres(cfg.DSN, gormCfg)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q, use \"sqlite\" or \"postgres\"", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := migrateSchema(sqlDB, driver, cfg.Logger); err != nil {
		return nil, fmt.Errorf("db: migrations: %w", err)
	}
	return database, nil
}

// openSQLite opens the connection through database/sql with the modernc
// driver (registered as "sqlite") and hands the existing *sql.DB to GORM,
// so GORM never tries to dial with its default go-sqlite3 driver.
func openSQLite(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db: open sqlite: %w", err)
	}
	// One connection, full stop. SQLite allows a single writer, and every
	// hot statement here is a write (frame appends, result saves), so a
	// second connection buys nothing but "database is locked" errors.
	sqlDB.SetMaxOpenConns(1)

	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: init gorm with sqlite: %w", err)
	}
	return database, sqlDB, nil
}

func openPostgres(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error) {
	database, err := gorm.Open(gormpostgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: open postgres: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("db: get sql.DB: %w", err)
	}
	// The concurrency here is one single-row append per in-flight judge
	// run plus the occasional gateway replay, not a request-per-client
	// web tier. Eight connections outruns any realistic worker pool, and
	// idle ones are recycled quickly because traffic is bursty around
	// runs rather than steady.
	sqlDB.SetMaxOpenConns(8)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	return database, sqlDB, nil
}

// Ping verifies that the database connection is still alive.
func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("db: ping: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// migrateSchema applies pending up-migrations from the embedded dialect
// directory for the active driver. A schema that is already current is
// not an error.
func migrateSchema(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("load %s migrations: %w", driver, err)
	}

	var instance migratedb.Driver
	switch driver {
	case "sqlite":
		instance, err = migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	case "postgres":
		instance, err = migratepg.WithInstance(sqlDB, &migratepg.Config{})
	}
	if err != nil {
		return fmt.Errorf("create %s migrate driver: %w", driver, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, instance)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		log.Debug("database schema already current")
	case err != nil:
		return fmt.Errorf("apply migrations: %w", err)
	default:
		log.Info("database schema migrated", zap.String("driver", driver))
	}
	return nil
}
