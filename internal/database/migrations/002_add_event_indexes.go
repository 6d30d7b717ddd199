package migrations

import (
	"gorm.io/gorm"
)

// AddEventIndexes adds indexes for the audit trail and the notification inbox
func AddEventIndexes(db *gorm.DB) error {
	indexes := []string{
		// Audit viewer reads events of one order in order
		`CREATE INDEX IF NOT EXISTS idx_order_events_order_created
		 ON order_events(order_id, created_at)`,

		// Inbox listing newest first
		`CREATE INDEX IF NOT EXISTS idx_notifications_user_created
		 ON notifications(user_id, created_at)`,

		// Users to notify per organization and role
		`CREATE INDEX IF NOT EXISTS idx_users_org_role
		 ON users(organization_id, role)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
