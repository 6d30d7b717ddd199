package events

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

func (d *Database) CreateEvent(tx *gorm.DB, event *types.OrderEvent) error {
	return tx.Create(event).Error
}

func (d *Database) CreateNotifications(tx *gorm.DB, notifications []types.Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	return tx.Create(&notifications).Error
}

// GetUsersByRole retrieves the organization's users holding one of the roles
func (d *Database) GetUsersByRole(tx *gorm.DB, organizationID string, roles []string) ([]types.User, error) {
	var users []types.User
	if len(roles) == 0 {
		return users, nil
	}
	if err := tx.
		Where("organization_id = ? AND role IN ?", organizationID, roles).
		Order("user_id").
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch users by role: %w", err)
	}
	return users, nil
}

// GetEvents retrieves the audit trail of an order, oldest first
func (d *Database) GetEvents(tx *gorm.DB, orderID string) ([]types.OrderEvent, error) {
	var events []types.OrderEvent
	if err := tx.Where("order_id = ?", orderID).Order("created_at, id").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// GetNotifications retrieves a user's notifications, newest first
func (d *Database) GetNotifications(tx *gorm.DB, userID string, unreadOnly bool, limit int) ([]types.Notification, error) {
	query := tx.Where("user_id = ?", userID)
	if unreadOnly {
		query = query.Where("is_read = ?", false)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var notifications []types.Notification
	if err := query.Order("created_at DESC, id DESC").Find(&notifications).Error; err != nil {
		return nil, err
	}
	return notifications, nil
}

func (d *Database) CountUnread(tx *gorm.DB, userID string) (int64, error) {
	var count int64
	err := tx.Model(&types.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&count).Error
	return count, err
}

// MarkRead flags one notification of the user as read. It reports whether the notification
// belongs to the user.
func (d *Database) MarkRead(tx *gorm.DB, userID, notificationID string, at time.Time) (bool, error) {
	var n types.Notification
	result := tx.Where("notification_id = ? AND user_id = ?", notificationID, userID).Limit(1).Find(&n)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	if n.IsRead {
		return true, nil
	}

	err := tx.Model(&types.Notification{}).
		Where("notification_id = ? AND is_read = ?", notificationID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": at}).Error
	return true, err
}

func (d *Database) MarkAllRead(tx *gorm.DB, userID string, at time.Time) (int64, error) {
	result := tx.Model(&types.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": at})
	return result.RowsAffected, result.Error
}

// DB returns the handle read-only queries run on when no transaction is supplied
func (d *Database) DB() *gorm.DB {
	return d.db
}
