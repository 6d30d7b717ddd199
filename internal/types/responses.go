package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExposureBucket reports committed quantity against the yearly cap of one bucket
type ExposureBucket struct {
	Bucket    string              `json:"bucket"`
	Committed decimal.Decimal     `json:"committed_mw"`
	Limit     decimal.NullDecimal `json:"limit_mw"`
	Headroom  decimal.NullDecimal `json:"headroom_mw"`
}

// ExposureResponse represents the exposure view of an organization
type ExposureResponse struct {
	OrganizationID string           `json:"organization_id"`
	AsOf           time.Time        `json:"as_of"`
	Buckets        []ExposureBucket `json:"buckets"`
}

// SweepResponse represents the result of an expiry sweep
type SweepResponse struct {
	OrganizationID string    `json:"organization_id,omitempty"`
	Expired        int       `json:"expired"`
	AsOf           time.Time `json:"as_of"`
}

// UnreadCountResponse represents the unread notification counter of a user
type UnreadCountResponse struct {
	UserID string `json:"user_id"`
	Unread int64  `json:"unread"`
}
