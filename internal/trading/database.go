package trading

import (
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-energy/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(tx *gorm.DB, order *types.Order) error {
	return tx.Create(order).Error
}

// GetOrder retrieves an order by its ID, returning nil when it does not exist
func (d *Database) GetOrder(tx *gorm.DB, orderID string) (*types.Order, error) {
	var orders []types.Order
	if err := tx.Where("order_id = ?", orderID).Limit(1).Find(&orders).Error; err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	return &orders[0], nil
}

func (d *Database) GetOrderByOrderIDAndOrganizationID(tx *gorm.DB, orderID, organizationID string) (*types.Order, error) {
	var orders []types.Order
	if err := tx.Where("order_id = ? AND organization_id = ?", orderID, organizationID).Limit(1).Find(&orders).Error; err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	return &orders[0], nil
}

// UpdateOrderIfStatus writes updates only while the order still has the observed status.
// It reports whether the row was changed.
func (d *Database) UpdateOrderIfStatus(tx *gorm.DB, orderID, observed string, updates map[string]interface{}) (bool, error) {
	result := tx.Model(&types.Order{}).
		Where("order_id = ? AND status = ?", orderID, observed).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListOrders retrieves an organization's orders, newest first, optionally filtered by status
func (d *Database) ListOrders(tx *gorm.DB, organizationID string, statuses []string, limit int) ([]types.Order, error) {
	query := tx.Where("organization_id = ?", organizationID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var orders []types.Order
	if err := query.Order("created_at DESC, id DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// GetProduct retrieves a product by symbol, returning nil when it does not exist
func (d *Database) GetProduct(tx *gorm.DB, symbol string) (*types.Product, error) {
	var products []types.Product
	if err := tx.Where("symbol = ?", symbol).Limit(1).Find(&products).Error; err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, nil
	}
	return &products[0], nil
}

// GetIdempotencyRecord retrieves a live idempotency record, returning nil when none exists
func (d *Database) GetIdempotencyRecord(tx *gorm.DB, organizationID, key string, now time.Time) (*types.IdempotencyRecord, error) {
	var records []types.IdempotencyRecord
	if err := tx.
		Where("organization_id = ? AND idempotency_key = ? AND expires_at > ?", organizationID, key, now).
		Limit(1).
		Find(&records).Error; err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// SaveIdempotencyRecord stores the record, replacing an expired one under the same key
func (d *Database) SaveIdempotencyRecord(tx *gorm.DB, record *types.IdempotencyRecord) error {
	if err := tx.Unscoped().
		Where("organization_id = ? AND idempotency_key = ?", record.OrganizationID, record.IdempotencyKey).
		Delete(&types.IdempotencyRecord{}).Error; err != nil {
		return err
	}
	return tx.Create(record).Error
}

// DB returns the handle reads run on outside a transaction
func (d *Database) DB() *gorm.DB {
	return d.db
}
