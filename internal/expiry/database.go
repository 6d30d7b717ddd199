package expiry

import (
	"fmt"
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

// GetExpiryCandidates retrieves the IDs of an organization's open orders whose validity
// deadline is before asOf
func (d *Database) GetExpiryCandidates(tx *gorm.DB, organizationID string, asOf time.Time) ([]string, error) {
	var ids []string
	if err := tx.Model(&types.Order{}).
		Where("organization_id = ? AND status IN ? AND valid_until < ?", organizationID, types.OpenStatuses, asOf.UTC()).
		Order("valid_until, id").
		Pluck("order_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch expiry candidates: %w", err)
	}
	return ids, nil
}

// GetOrganizationsWithCandidates retrieves every organization that has at least one
// expiry candidate
func (d *Database) GetOrganizationsWithCandidates(tx *gorm.DB, asOf time.Time) ([]string, error) {
	var orgs []string
	if err := tx.Model(&types.Order{}).
		Distinct("organization_id").
		Where("status IN ? AND valid_until < ?", types.OpenStatuses, asOf.UTC()).
		Order("organization_id").
		Pluck("organization_id", &orgs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch organizations with expiry candidates: %w", err)
	}
	return orgs, nil
}

func (d *Database) DB() *gorm.DB {
	return d.db
}
