package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order statuses
const (
	StatusDraft           = "DRAFT"
	StatusSubmitted       = "SUBMITTED"
	StatusNeedsApproval   = "NEEDS_APPROVAL"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusRejected        = "REJECTED"
	StatusExpired         = "EXPIRED"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Quantity units. An order is expressed in exactly one of them.
const (
	UnitMW      = "MW"
	UnitPercent = "PERCENT"
)

// Delivery profiles. The profile is the risk bucket an order is locked and limited under.
const (
	ProfileBase = "BASE"
	ProfilePeak = "PEAK"
)

// User roles
const (
	RoleClient   = "CLIENT"
	RoleApprover = "APPROVER"
	RoleManager  = "MANAGER"
	RoleTrader   = "TRADER"
	RoleAdmin    = "ADMIN"
)

type Organization struct {
	gorm.Model     `json:"-"`
	OrganizationID string `gorm:"uniqueIndex" json:"organization_id"`
	Name           string `json:"name"`
}

type User struct {
	gorm.Model     `json:"-"`
	UserID         string `gorm:"uniqueIndex" json:"user_id"`
	OrganizationID string `gorm:"index" json:"organization_id"`
	Name           string `json:"name"`
	Role           string `json:"role"` // CLIENT, APPROVER, MANAGER, TRADER, ADMIN
	APIKey         string `gorm:"index" json:"-"`
	APISecretHash  string `json:"-"` // bcrypt
}

type Product struct {
	gorm.Model    `json:"-"`
	Symbol        string    `gorm:"uniqueIndex" json:"symbol"`
	Profile       string    `json:"profile"` // BASE or PEAK
	Period        string    `json:"period"`   // Y, Q, M
	DeliveryStart time.Time `json:"delivery_start"`
	DeliveryEnd   time.Time `json:"delivery_end"`
}

// DeliveryYear is the calendar year the product starts delivering in.
func (p *Product) DeliveryYear() int {
	return p.DeliveryStart.UTC().Year()
}

// Bucket returns the yearly-limit bucket key of the product, e.g. "BASE:2026".
func (p *Product) Bucket() string {
	return BucketKey(p.Profile, p.DeliveryYear())
}

// QuantityScale is the number of decimal places MW and percent quantities are stored with.
const QuantityScale = 6

// FitsQuantityScale reports whether d can be stored without rounding.
func FitsQuantityScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(QuantityScale))
}

// BucketKey builds the canonical "{PROFILE}:{YEAR}" key used for yearly limits.
func BucketKey(profile string, year int) string {
	return fmt.Sprintf("%s:%d", strings.ToUpper(strings.TrimSpace(profile)), year)
}

// ParseBucket splits a "{PROFILE}:{YEAR}" bucket key. The profile is upper-cased and the
// year must be written with four digits.
func ParseBucket(key string) (string, int, error) {
	profile, yearStr, ok := strings.Cut(strings.TrimSpace(key), ":")
	profile = strings.ToUpper(strings.TrimSpace(profile))
	yearStr = strings.TrimSpace(yearStr)
	if !ok || profile == "" || len(yearStr) != 4 {
		return "", 0, fmt.Errorf("malformed bucket key %q", key)
	}
	year, err := strconv.Atoi(yearStr)
	if err != nil || year < 1000 {
		return "", 0, fmt.Errorf("malformed bucket key %q", key)
	}
	return profile, year, nil
}

// CanonicalBucket rewrites a bucket key into its canonical form, e.g. "base:2026" to "BASE:2026".
func CanonicalBucket(key string) (string, error) {
	profile, year, err := ParseBucket(key)
	if err != nil {
		return "", err
	}
	return BucketKey(profile, year), nil
}

// CanonicalLimits rewrites every key of a yearly limit map into canonical form. Two keys
// naming the same bucket are rejected.
func CanonicalLimits(limits map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(limits))
	for key, v := range limits {
		bucket, err := CanonicalBucket(key)
		if err != nil {
			return nil, err
		}
		if _, dup := out[bucket]; dup {
			return nil, fmt.Errorf("duplicate yearly limit for bucket %s", bucket)
		}
		out[bucket] = v
	}
	return out, nil
}

type Contract struct {
	gorm.Model      `json:"-"`
	ContractID      string                     `gorm:"uniqueIndex" json:"contract_id"`
	OrganizationID  string                     `gorm:"index" json:"organization_id"`
	AllowedProducts []string                   `gorm:"serializer:json" json:"allowed_products"`
	MaxOrderMW      decimal.NullDecimal        `gorm:"type:decimal(20,6)" json:"max_order_mw"`
	YearlyLimits    map[string]decimal.Decimal `gorm:"serializer:json" json:"yearly_limits"`
	IsActive        bool                       `json:"is_active"`
	ValidFrom       time.Time                  `json:"valid_from"`
	ValidTo         time.Time                  `json:"valid_to"`
}

// BeforeSave stores the profile upper-cased so bucket lookups match.
func (p *Product) BeforeSave(tx *gorm.DB) error {
	p.Profile = strings.ToUpper(strings.TrimSpace(p.Profile))
	if p.Profile == "" {
		return fmt.Errorf("product %s: profile is required", p.Symbol)
	}
	return nil
}

// BeforeSave canonicalizes the yearly limit keys; a malformed key fails the write.
func (c *Contract) BeforeSave(tx *gorm.DB) error {
	limits, err := CanonicalLimits(c.YearlyLimits)
	if err != nil {
		return fmt.Errorf("contract %s: %w", c.ContractID, err)
	}
	c.YearlyLimits = limits
	return nil
}

// Allows reports whether the contract lists the product symbol.
func (c *Contract) Allows(symbol string) bool {
	for _, s := range c.AllowedProducts {
		if s == symbol {
			return true
		}
	}
	return false
}

// InForce reports whether the contract is active and inside its validity window at asOf.
func (c *Contract) InForce(asOf time.Time) bool {
	return c.IsActive && !c.ValidFrom.After(asOf) && c.ValidTo.After(asOf)
}

type Order struct {
	gorm.Model     `json:"-"`
	OrderID        string              `gorm:"uniqueIndex" json:"order_id"`
	OrderNumber    string              `gorm:"uniqueIndex" json:"order_number"`
	OrganizationID string              `gorm:"index:idx_orders_org_status" json:"organization_id"`
	CreatedBy      string              `json:"created_by"`
	ProductSymbol  string              `gorm:"index" json:"product_symbol"`
	Side           string              `json:"side"` // BUY or SELL
	Quantity       decimal.Decimal     `gorm:"type:decimal(20,6)" json:"quantity"`
	Unit           string              `json:"unit"` // MW or PERCENT
	RequestedMW    decimal.Decimal     `gorm:"type:decimal(20,6)" json:"requested_mw"`
	LimitPrice     decimal.NullDecimal `gorm:"type:decimal(20,6)" json:"limit_price"`
	ValidUntil     time.Time           `gorm:"index" json:"valid_until"`
	Status         string              `gorm:"index:idx_orders_org_status" json:"status"`
	FilledMW       decimal.Decimal     `gorm:"type:decimal(20,6)" json:"filled_mw"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// RemainingMW is the part of the order that has not been filled yet.
func (o *Order) RemainingMW() decimal.Decimal {
	return o.RequestedMW.Sub(o.FilledMW)
}

// NewOrder carries a client's order request before it is persisted.
type NewOrder struct {
	OrganizationID string              `json:"-"`
	CreatedBy      string              `json:"-"`
	ProductSymbol  string              `json:"product_symbol" binding:"required"`
	Side           string              `json:"side" binding:"required"`
	Quantity       decimal.Decimal     `json:"quantity"`
	Unit           string              `json:"unit"`
	LimitPrice     decimal.NullDecimal `json:"limit_price"`
	ValidUntil     time.Time           `json:"valid_until"`
	IdempotencyKey string              `json:"-"`
}

// IdempotencyRecord maps a client supplied Idempotency-Key to the order it created.
type IdempotencyRecord struct {
	gorm.Model
	OrganizationID string    `gorm:"uniqueIndex:idx_idempotency_org_key" json:"organization_id"`
	IdempotencyKey string    `gorm:"uniqueIndex:idx_idempotency_org_key" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
