package database

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-energy/internal/types"
)

// Fixture is the reference data a local or simulated deployment starts with.
type Fixture struct {
	Organizations []OrganizationFixture `yaml:"organizations"`
	Users         []UserFixture         `yaml:"users"`
	Products      []ProductFixture      `yaml:"products"`
	Contracts     []ContractFixture     `yaml:"contracts"`
}

type OrganizationFixture struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type UserFixture struct {
	ID             string `yaml:"id"`
	OrganizationID string `yaml:"organization_id"`
	Name           string `yaml:"name"`
	Role           string `yaml:"role"`
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
}

type ProductFixture struct {
	Symbol        string    `yaml:"symbol"`
	Profile       string    `yaml:"profile"`
	Period        string    `yaml:"period"`
	DeliveryStart time.Time `yaml:"delivery_start"`
	DeliveryEnd   time.Time `yaml:"delivery_end"`
}

type ContractFixture struct {
	ID              string            `yaml:"id"`
	OrganizationID  string            `yaml:"organization_id"`
	AllowedProducts []string          `yaml:"allowed_products"`
	MaxOrderMW      string            `yaml:"max_order_mw"`
	YearlyLimits    map[string]string `yaml:"yearly_limits"`
	IsActive        bool              `yaml:"is_active"`
	ValidFrom       time.Time         `yaml:"valid_from"`
	ValidTo         time.Time         `yaml:"valid_to"`
}

// LoadFixture reads a YAML fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}

	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	return &f, nil
}

// SeedFromFile loads a fixture file and upserts it.
func SeedFromFile(ctx context.Context, db *gorm.DB, path string) error {
	f, err := LoadFixture(path)
	if err != nil {
		return err
	}
	return Seed(ctx, db, f)
}

// Seed upserts the fixture's reference data in one transaction, keyed by business identifier.
func Seed(ctx context.Context, db *gorm.DB, f *Fixture) error {
	contracts := make([]types.Contract, 0, len(f.Contracts))
	for _, c := range f.Contracts {
		contract, err := c.toContract()
		if err != nil {
			return err
		}
		contracts = append(contracts, contract)
	}

	users := make([]types.User, 0, len(f.Users))
	for _, u := range f.Users {
		user := types.User{UserID: u.ID, OrganizationID: u.OrganizationID, Name: u.Name, Role: u.Role, APIKey: u.APIKey}
		if u.APISecret != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(u.APISecret), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("user %s: failed to hash api secret: %w", u.ID, err)
			}
			user.APISecretHash = string(hash)
		}
		users = append(users, user)
	}

	return WithTransaction(ctx, db, func(tx *gorm.DB) error {
		for _, o := range f.Organizations {
			org := types.Organization{OrganizationID: o.ID, Name: o.Name}
			if err := upsert(tx, "organization_id", []string{"name"}, &org); err != nil {
				return err
			}
		}
		for i := range users {
			cols := []string{"organization_id", "name", "role", "api_key", "api_secret_hash"}
			if err := upsert(tx, "user_id", cols, &users[i]); err != nil {
				return err
			}
		}
		for _, p := range f.Products {
			product := types.Product{
				Symbol:        p.Symbol,
				Profile:       p.Profile,
				Period:        p.Period,
				DeliveryStart: p.DeliveryStart,
				DeliveryEnd:   p.DeliveryEnd,
			}
			if err := upsert(tx, "symbol", []string{"profile", "period", "delivery_start", "delivery_end"}, &product); err != nil {
				return err
			}
		}
		for i := range contracts {
			cols := []string{"organization_id", "allowed_products", "max_order_mw", "yearly_limits", "is_active", "valid_from", "valid_to"}
			if err := upsert(tx, "contract_id", cols, &contracts[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsert(tx *gorm.DB, key string, columns []string, value interface{}) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: key}},
		DoUpdates: clause.AssignmentColumns(append(columns, "updated_at")),
	}).Create(value).Error
	if err != nil {
		return fmt.Errorf("failed to seed %T: %w", value, err)
	}
	return nil
}

func (c ContractFixture) toContract() (types.Contract, error) {
	contract := types.Contract{
		ContractID:      c.ID,
		OrganizationID:  c.OrganizationID,
		AllowedProducts: c.AllowedProducts,
		YearlyLimits:    make(map[string]decimal.Decimal, len(c.YearlyLimits)),
		IsActive:        c.IsActive,
		ValidFrom:       c.ValidFrom,
		ValidTo:         c.ValidTo,
	}

	if c.MaxOrderMW != "" {
		maxMW, err := decimal.NewFromString(c.MaxOrderMW)
		if err != nil {
			return contract, fmt.Errorf("contract %s: invalid max_order_mw: %w", c.ID, err)
		}
		contract.MaxOrderMW = decimal.NewNullDecimal(maxMW)
	}

	for bucket, limit := range c.YearlyLimits {
		v, err := decimal.NewFromString(limit)
		if err != nil {
			return contract, fmt.Errorf("contract %s: invalid yearly limit for %s: %w", c.ID, bucket, err)
		}
		contract.YearlyLimits[bucket] = v
	}

	limits, err := types.CanonicalLimits(contract.YearlyLimits)
	if err != nil {
		return contract, fmt.Errorf("contract %s: %w", c.ID, err)
	}
	contract.YearlyLimits = limits

	return contract, nil
}
