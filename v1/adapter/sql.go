package adapter

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
)

// Clock expressions evaluating to the current database time in epoch
// milliseconds, keyed by gorm dialector name. Each must read the same instant
// every time it appears within one statement: upserts compare against and
// extend from "now" several times.
var nowMillis = map[string]string{
	"sqlite":   "CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)",
	"postgres": "CAST(EXTRACT(EPOCH FROM statement_timestamp()) * 1000 AS BIGINT)",
}

// NowMillis returns the SQL expression that reads the clock of the database
// db is connected to, as epoch milliseconds. Using the server clock keeps
// every client on the same time line regardless of local skew.
func NowMillis(db *gorm.DB) (string, error) {
	name := db.Dialector.Name()
	expr, ok := nowMillis[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", warperrors.ErrUnsupportedDialect, name)
	}
	return expr, nil
}

// Millis converts d to whole milliseconds, rounding up so that a positive
// duration never becomes zero.
func Millis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}

// EnsureTable creates table from model when it does not exist yet.
func EnsureTable(db *gorm.DB, table string, model any) error {
	if db.Migrator().HasTable(table) {
		return nil
	}
	if err := db.Table(table).AutoMigrate(model); err != nil {
		return fmt.Errorf("migrate %s: %w", table, err)
	}
	return nil
}
