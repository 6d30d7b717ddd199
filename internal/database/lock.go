package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-energy/internal/lockkey"
	"github.com/ksred/klear-energy/internal/types"
)

// AcquireXactLock takes the transaction-scoped lock for key on tx. There is no unlock:
// the lock is released when tx commits or rolls back.
//
// PostgreSQL uses pg_advisory_xact_lock. Other stores upsert the exposure_locks row for the
// key, which holds the row write lock until the transaction ends.
func AcquireXactLock(tx *gorm.DB, key lockkey.Key) error {
	if tx.Dialector.Name() == "postgres" {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?, ?)", key.Hi, key.Lo).Error; err != nil {
			return fmt.Errorf("failed to acquire advisory lock %s: %w", key, err)
		}
		return nil
	}

	row := types.ExposureLock{KeyHi: key.Hi, KeyLo: key.Lo, AcquiredAt: time.Now().UTC()}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key_hi"}, {Name: "key_lo"}},
		DoUpdates: clause.AssignmentColumns([]string{"acquired_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to acquire lock row %s: %w", key, err)
	}
	return nil
}

// WithTransaction runs fn inside one transaction. The transaction is rolled back when fn
// returns an error or panics and committed otherwise.
func WithTransaction(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) (err error) {
	tx := db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return types.Persistence("begin transaction", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return types.Persistence("commit transaction", err)
	}
	return nil
}

// WithLock runs fn in a transaction holding the lock for (organizationID, bucket).
func WithLock(ctx context.Context, db *gorm.DB, organizationID, bucket string, fn func(tx *gorm.DB) error) error {
	key := lockkey.Derive(organizationID, bucket)
	return WithTransaction(ctx, db, func(tx *gorm.DB) error {
		if err := AcquireXactLock(tx, key); err != nil {
			return types.Persistence("acquire lock", err)
		}
		return fn(tx)
	})
}
