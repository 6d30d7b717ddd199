package migrations

import (
	"gorm.io/gorm"
)

// AddOrderIndexes adds the indexes the expiry sweep and exposure sums rely on
func AddOrderIndexes(db *gorm.DB) error {
	indexes := []string{
		// Expiry candidates per organization
		`CREATE INDEX IF NOT EXISTS idx_orders_org_status_valid_until
		 ON orders(organization_id, status, valid_until)`,

		// Committed exposure per organization and product
		`CREATE INDEX IF NOT EXISTS idx_orders_org_product_status
		 ON orders(organization_id, product_symbol, status)`,

		// Contracts in force for an organization
		`CREATE INDEX IF NOT EXISTS idx_contracts_org_active
		 ON contracts(organization_id, is_active, valid_to)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
