// Package testutil provides shared setup for integration tests that need a
// real Postgres instance. Tests skip gracefully when TEST_DATABASE_URL is
// unset (SPEC_FULL.md §10).
package testutil

import (
	"errors"
	"os"
	"sync"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/arclight/paperforge/internal/data/repos/jobstore"
	"github.com/arclight/paperforge/internal/pkg/logger"
	"github.com/arclight/paperforge/internal/progressbus"
)

var errMissingDSN = errors.New("missing TEST_DATABASE_URL")

var (
	dbOnce sync.Once
	db     *gorm.DB
	dbErr  error

	logOnce sync.Once
	logg    *logger.Logger
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	logOnce.Do(func() {
		var err error
		logg, err = logger.New("test")
		if err != nil {
			tb.Fatalf("failed to init logger: %v", err)
		}
	})
	return logg
}

// DB returns a shared *gorm.DB for the process, migrated for the Job Store
// and Progress Bus schemas. It calls tb.Skip if TEST_DATABASE_URL is unset.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dbOnce.Do(func() {
		dsn := os.Getenv("TEST_DATABASE_URL")
		if dsn == "" {
			dbErr = errMissingDSN
			return
		}

		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
		})
		if err != nil {
			dbErr = err
			return
		}

		if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
			dbErr = err
			return
		}

		if err := jobstore.AutoMigrate(db); err != nil {
			dbErr = err
			return
		}
		if err := progressbus.AutoMigrate(db); err != nil {
			dbErr = err
			return
		}
	})

	if errors.Is(dbErr, errMissingDSN) {
		tb.Skip("set TEST_DATABASE_URL to run repo integration tests")
	}
	if dbErr != nil {
		tb.Fatalf("failed to init test db: %v", dbErr)
	}
	return db
}

// SQLiteDB returns a fresh in-memory SQLite-backed *gorm.DB, migrated for
// the Job Store and Progress Bus schemas. It never skips: unlike DB, it
// needs no external service, so it suits fast tests that want a real
// `database/sql` round-trip without Postgres's SKIP LOCKED semantics (those
// are covered separately by the Postgres-only tests gated on
// TEST_DATABASE_URL). No test in the repository calls it.
func SQLiteDB(tb testing.TB) *gorm.DB {
	tb.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open sqlite test db: %v", err)
	}
	if err := jobstore.AutoMigrate(db); err != nil {
		tb.Fatalf("migrate jobs: %v", err)
	}
	if err := progressbus.AutoMigrate(db); err != nil {
		tb.Fatalf("migrate progress events: %v", err)
	}
	return db
}

func Tx(tb testing.TB, db *gorm.DB) *gorm.DB {
	tb.Helper()
	tx := db.Begin()
	if tx.Error != nil {
		tb.Fatalf("begin tx: %v", tx.Error)
	}
	tb.Cleanup(func() {
		_ = tx.Rollback().Error
	})
	return tx
}
