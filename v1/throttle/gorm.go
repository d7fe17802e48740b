package throttle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mirkobrombin/go-warden/v1/adapter"
)

// gormThrottle is the row model of the throttling table. Exp holds the end
// of the window as epoch milliseconds of the database clock.
type gormThrottle struct {
	Resource string `gorm:"primaryKey;column:resource"`
	Hits     int64  `gorm:"column:hits;not null;default:0"`
	Exp      int64  `gorm:"column:exp;not null;index"`
}

// Gorm implements Storage on a relational database through GORM. Windows
// are evaluated against the database clock; expired rows are deleted by a
// gated cleanup on Increment.
type Gorm struct {
	db   *gorm.DB
	opts options
	now  string
	gate *cleanupGate
}

// NewGorm returns a throttling storage on db, creating the table if needed.
func NewGorm(db *gorm.DB, opts ...Option) (*Gorm, error) {
	o := newOptions(opts)
	now, err := adapter.NowMillis(db)
	if err != nil {
		return nil, err
	}
	if err := adapter.EnsureTable(db, o.tableName, &gormThrottle{}); err != nil {
		return nil, err
	}
	return &Gorm{
		db:   db,
		opts: o,
		now:  now,
		gate: newCleanupGate(o.cleanupInterval, o.now()),
	}, nil
}

func (g *Gorm) table(ctx context.Context) *gorm.DB {
	return g.db.WithContext(ctx).Table(g.opts.tableName)
}

// Increment implements Storage.Increment. The upsert restarts an expired
// window and otherwise only bumps the hits; both statements share one
// transaction so the returned count is the one this call produced.
func (g *Gorm) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := validateIncrement(key, ttl); err != nil {
		return 0, err
	}
	cctx, cancel := context.WithTimeout(ctx, g.opts.timeout)
	defer cancel()

	ms := adapter.Millis(ttl)
	exp := clause.Column{Table: g.opts.tableName, Name: "exp"}
	hits := clause.Column{Table: g.opts.tableName, Name: "hits"}
	var count int64
	err := g.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Table(g.opts.tableName).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "resource"}},
			DoUpdates: clause.Assignments(map[string]any{
				"hits": gorm.Expr("CASE WHEN ? <= "+g.now+" THEN 1 ELSE ? + 1 END", exp, hits),
				"exp":  gorm.Expr("CASE WHEN ? <= "+g.now+" THEN "+g.now+" + ? ELSE ? END", exp, ms, exp),
			}),
		}).Create(map[string]any{
			"resource": key,
			"hits":     1,
			"exp":      gorm.Expr(g.now+" + ?", ms),
		}).Error
		if err != nil {
			return err
		}
		return tx.Table(g.opts.tableName).Select("hits").Where("resource = ?", key).Scan(&count).Error
	})
	if err != nil {
		return 0, fmt.Errorf("increment throttle: %w", err)
	}

	if g.gate.due(g.opts.now()) {
		g.cleanup(context.WithoutCancel(ctx), ttl)
	}
	return count, nil
}

// cleanup deletes windows that ended more than the configured number of
// window lengths ago. Failures are logged and never reach the caller.
func (g *Gorm) cleanup(ctx context.Context, ttl time.Duration) {
	cctx, cancel := context.WithTimeout(ctx, g.opts.timeout)
	defer cancel()
	keep := adapter.Millis(time.Duration(g.opts.cleanupWindows) * ttl)
	res := g.table(cctx).Where("exp < "+g.now+" - ?", keep).Delete(&gormThrottle{})
	if res.Error != nil {
		g.opts.logger.Warn("cleaning up expired throttling windows",
			zap.String("table", g.opts.tableName), zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		g.opts.logger.Debug("expired throttling windows removed",
			zap.String("table", g.opts.tableName), zap.Int64("rows", res.RowsAffected))
	}
}

// HitCount implements Storage.HitCount.
func (g *Gorm) HitCount(ctx context.Context, key string) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	cctx, cancel := context.WithTimeout(ctx, g.opts.timeout)
	defer cancel()

	var hits []int64
	err := g.table(cctx).Where("resource = ? AND exp > "+g.now, key).Limit(1).Pluck("hits", &hits).Error
	if err != nil {
		return 0, fmt.Errorf("throttle hit count: %w", err)
	}
	if len(hits) == 0 {
		return 0, nil
	}
	return hits[0], nil
}

// FlushAll implements Storage.FlushAll.
func (g *Gorm) FlushAll(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, g.opts.timeout)
	defer cancel()
	err := g.table(cctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&gormThrottle{}).Error
	if err != nil {
		return fmt.Errorf("flush throttles: %w", err)
	}
	return nil
}
