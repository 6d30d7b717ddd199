package types

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Order event types
const (
	EventDraftCreated      = "DRAFT_CREATED"
	EventSubmitted         = "SUBMITTED"
	EventApprovalRequested = "APPROVAL_REQUESTED"
	EventFill              = "FILL"
	EventRejected          = "REJECTED"
	EventExpired           = "EXPIRED"
)

// OrderEvent is the append-only audit record of one order transition.
type OrderEvent struct {
	gorm.Model `json:"-"`
	EventID    string         `gorm:"uniqueIndex" json:"event_id"`
	OrderID    string         `gorm:"index" json:"order_id"`
	EventType  string         `json:"event_type"`
	ActorID    *string        `json:"actor_id"` // nil for system events such as expiry
	FromStatus string         `json:"from_status"`
	ToStatus   string         `json:"to_status"`
	Payload    datatypes.JSON `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Notification is the per-recipient projection of an OrderEvent.
type Notification struct {
	gorm.Model     `json:"-"`
	NotificationID string     `gorm:"uniqueIndex" json:"notification_id"`
	EventID        string     `gorm:"index" json:"event_id"`
	OrderID        string     `json:"order_id"`
	UserID         string     `gorm:"index:idx_notifications_user_read" json:"user_id"`
	EventType      string     `json:"event_type"`
	IsRead         bool       `gorm:"index:idx_notifications_user_read" json:"is_read"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ExposureLock backs the per organization/bucket lock on stores without advisory locks.
type ExposureLock struct {
	KeyHi      int32 `gorm:"primaryKey;autoIncrement:false"`
	KeyLo      int32 `gorm:"primaryKey;autoIncrement:false"`
	AcquiredAt time.Time
}
