package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mirkobrombin/go-warden/v1/adapter"
)

const (
	defaultGormTableName = "resource_locks"
	defaultGormOpTimeout = 5 * time.Second
	defaultRetention     = 20 * time.Minute
)

// gormLock is the row model of the lock table. Exp holds the expiration as
// epoch milliseconds of the database clock, NULL for leases that never
// expire.
type gormLock struct {
	Resource string `gorm:"primaryKey;column:resource"`
	LockID   string `gorm:"column:lock_id;not null"`
	Exp      *int64 `gorm:"column:exp;index"`
}

// Gorm implements Storage and Inspector on a relational database through
// GORM. Every mutation is a single conditional statement; time is always read
// from the database clock.
type Gorm struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
	retention time.Duration
	now       string
}

// GormOption configures a Gorm storage.
type GormOption func(*Gorm)

// WithGormTableName sets the lock table name.
func WithGormTableName(name string) GormOption {
	return func(g *Gorm) {
		g.tableName = name
	}
}

// WithGormTimeout sets the timeout applied to every statement.
func WithGormTimeout(d time.Duration) GormOption {
	return func(g *Gorm) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithExpiredRetention sets how long expired rows are kept before Insert
// reclaims them. Rows are deleted once they are expired for twice this
// period; a resource's own expired row is always reclaimed by Insert.
func WithExpiredRetention(d time.Duration) GormOption {
	return func(g *Gorm) {
		if d > 0 {
			g.retention = d
		}
	}
}

// NewGorm returns a lock storage on db, creating the lock table if needed.
func NewGorm(db *gorm.DB, opts ...GormOption) (*Gorm, error) {
	g := &Gorm{
		db:        db,
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
		retention: defaultRetention,
	}
	for _, opt := range opts {
		opt(g)
	}
	now, err := adapter.NowMillis(db)
	if err != nil {
		return nil, err
	}
	g.now = now
	if err := adapter.EnsureTable(db, g.tableName, &gormLock{}); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gorm) table(ctx context.Context) *gorm.DB {
	return g.db.WithContext(ctx).Table(g.tableName)
}

func (g *Gorm) valid() string {
	return "(exp IS NULL OR exp > " + g.now + ")"
}

func (g *Gorm) expiry(ttl time.Duration) any {
	if ttl == 0 {
		return nil
	}
	return gorm.Expr(g.now+" + ?", adapter.Millis(ttl))
}

// Insert implements Storage.Insert. Expired rows of key, and rows expired
// long ago for any key, are deleted first; the insert itself relies on the
// primary key so only one concurrent caller can win.
func (g *Gorm) Insert(ctx context.Context, key, lockID string, ttl time.Duration) (bool, error) {
	if err := validateInsert(key, lockID, ttl); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := g.table(cctx).
		Where("(resource = ? AND exp IS NOT NULL AND exp <= "+g.now+") OR exp < "+g.now+" - ?", key, adapter.Millis(2*g.retention)).
		Delete(&gormLock{}).Error
	if err != nil {
		return false, fmt.Errorf("purge expired locks: %w", err)
	}

	res := g.table(cctx).Clauses(clause.OnConflict{DoNothing: true}).Create(map[string]any{
		"resource": key,
		"lock_id":  lockID,
		"exp":      g.expiry(ttl),
	})
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	if res.Error != nil {
		return false, fmt.Errorf("insert lock: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReplaceIfEqual implements Storage.ReplaceIfEqual.
func (g *Gorm) ReplaceIfEqual(ctx context.Context, key, newLockID, expectedLockID string, ttl time.Duration) (bool, error) {
	if err := validateInsert(key, newLockID, ttl); err != nil {
		return false, err
	}
	if err := validateLockID(expectedLockID); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res := g.table(cctx).
		Where("resource = ? AND lock_id = ? AND "+g.valid(), key, expectedLockID).
		Updates(map[string]any{"lock_id": newLockID, "exp": g.expiry(ttl)})
	if res.Error != nil {
		return false, fmt.Errorf("replace lock: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RemoveIfEqual implements Storage.RemoveIfEqual.
func (g *Gorm) RemoveIfEqual(ctx context.Context, key, expectedLockID string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if err := validateLockID(expectedLockID); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res := g.table(cctx).
		Where("resource = ? AND lock_id = ? AND "+g.valid(), key, expectedLockID).
		Delete(&gormLock{})
	if res.Error != nil {
		return false, fmt.Errorf("remove lock: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

type gormLockView struct {
	Resource  string
	LockID    string
	Exp       *int64
	Remaining *int64
}

func (g *Gorm) query(ctx context.Context) *gorm.DB {
	return g.table(ctx).
		Select("resource, lock_id, exp, exp - " + g.now + " AS remaining").
		Where(g.valid())
}

// Expiration implements Storage.Expiration.
func (g *Gorm) Expiration(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := validateKey(key); err != nil {
		return 0, false, err
	}
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var rows []gormLockView
	if err := g.query(cctx).Where("resource = ?", key).Limit(1).Scan(&rows).Error; err != nil {
		return 0, false, fmt.Errorf("lock expiration: %w", err)
	}
	if len(rows) == 0 || rows[0].Remaining == nil || *rows[0].Remaining <= 0 {
		return 0, false, nil
	}
	return time.Duration(*rows[0].Remaining) * time.Millisecond, true, nil
}

// Exists implements Storage.Exists.
func (g *Gorm) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var n int64
	if err := g.table(cctx).Where("resource = ? AND "+g.valid(), key).Count(&n).Error; err != nil {
		return false, fmt.Errorf("lock exists: %w", err)
	}
	return n > 0, nil
}

func (v gormLockView) record() Record {
	r := Record{Resource: v.Resource, LockID: v.LockID}
	if v.Exp != nil {
		exp := time.UnixMilli(*v.Exp)
		r.ExpiresAt = &exp
	}
	return r
}

// Get implements Inspector.Get.
func (g *Gorm) Get(ctx context.Context, key string) (*Record, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var rows []gormLockView
	if err := g.query(cctx).Where("resource = ?", key).Limit(1).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0].record()
	return &r, nil
}

// List implements Inspector.List.
func (g *Gorm) List(ctx context.Context, prefix string) ([]Record, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var rows []gormLockView
	err := g.query(cctx).
		Where(`resource LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%").
		Order("resource").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, v := range rows {
		out = append(out, v.record())
	}
	return out, nil
}

// Count implements Inspector.Count.
func (g *Gorm) Count(ctx context.Context) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var n int64
	if err := g.table(cctx).Where(g.valid()).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count locks: %w", err)
	}
	return n, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
