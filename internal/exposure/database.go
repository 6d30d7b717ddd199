package exposure

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-energy/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// committedRow is one order's contribution to a bucket
type committedRow struct {
	Status      string
	RequestedMW decimal.Decimal
	FilledMW    decimal.Decimal
}

// GetContractsInForce retrieves the organization's active contracts that are valid at asOf
func (d *Database) GetContractsInForce(tx *gorm.DB, organizationID string, asOf time.Time) ([]types.Contract, error) {
	asOf = asOf.UTC()
	var contracts []types.Contract
	if err := tx.
		Where("organization_id = ? AND is_active = ? AND valid_from <= ? AND valid_to > ?",
			organizationID, true, asOf, asOf).
		Order("contract_id").
		Find(&contracts).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch contracts in force: %w", err)
	}
	return contracts, nil
}

// GetCommittedRows retrieves the committed orders of an organization whose product belongs
// to the profile and starts delivering in year
func (d *Database) GetCommittedRows(tx *gorm.DB, organizationID, profile string, year int, excludeOrderID string) ([]committedRow, error) {
	yearStart := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	yearEnd := yearStart.AddDate(1, 0, 0)

	query := tx.Model(&types.Order{}).
		Select("orders.status, orders.requested_mw, orders.filled_mw").
		Joins("JOIN products ON products.symbol = orders.product_symbol AND products.deleted_at IS NULL").
		Where("orders.organization_id = ? AND orders.status IN ?", organizationID, types.CommittedStatuses).
		Where("products.profile = ? AND products.delivery_start >= ? AND products.delivery_start < ?",
			profile, yearStart, yearEnd)
	if excludeOrderID != "" {
		query = query.Where("orders.order_id <> ?", excludeOrderID)
	}

	var rows []committedRow
	if err := query.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch committed orders: %w", err)
	}
	return rows, nil
}

// GetProduct retrieves a product by symbol, returning nil when it does not exist
func (d *Database) GetProduct(tx *gorm.DB, symbol string) (*types.Product, error) {
	var products []types.Product
	if err := tx.Where("symbol = ?", symbol).Limit(1).Find(&products).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch product: %w", err)
	}
	if len(products) == 0 {
		return nil, nil
	}
	return &products[0], nil
}

// DB returns the handle read-only queries run on when no transaction is supplied
func (d *Database) DB() *gorm.DB {
	return d.db
}
