package database_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-energy/internal/config"
	"github.com/ksred/klear-energy/internal/database"
	"github.com/ksred/klear-energy/internal/database/dbtest"
	"github.com/ksred/klear-energy/internal/types"
)

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := database.Open(config.DatabaseConfig{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}

func TestSeed_UpsertsByBusinessKey(t *testing.T) {
	h := dbtest.NewTestHelper(t)
	f := dbtest.BasicFixture("org-1")
	h.Seed(f)

	f.Contracts[0].MaxOrderMW = "75"
	f.Contracts[0].YearlyLimits["BASE:2027"] = "10"
	h.Seed(f)

	var contracts []types.Contract
	require.NoError(t, h.DB.Where("organization_id = ?", "org-1").Find(&contracts).Error)
	require.Len(t, contracts, 1)
	assert.Equal(t, "75", contracts[0].MaxOrderMW.Decimal.String())
	assert.Equal(t, "10", contracts[0].YearlyLimits["BASE:2027"].String())
	assert.Equal(t, []string{"BASE_Y_26"}, contracts[0].AllowedProducts)

	var users int64
	require.NoError(t, h.DB.Model(&types.User{}).Where("organization_id = ?", "org-1").Count(&users).Error)
	assert.EqualValues(t, 4, users)
}

func TestSeedFromFile(t *testing.T) {
	h := dbtest.NewTestHelper(t)
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
organizations:
  - id: org-y
    name: Yaml Energy
products:
  - symbol: PEAK_Q1_27
    profile: PEAK
    period: Q
    delivery_start: 2027-01-01T00:00:00Z
    delivery_end: 2027-04-01T00:00:00Z
contracts:
  - id: c-y
    organization_id: org-y
    allowed_products: [PEAK_Q1_27]
    yearly_limits:
      "PEAK:2027": "30.5"
    is_active: true
    valid_from: 2025-01-01T00:00:00Z
    valid_to: 2030-01-01T00:00:00Z
`), 0o600))

	require.NoError(t, database.SeedFromFile(context.Background(), h.DB, path))

	var product types.Product
	require.NoError(t, h.DB.Where("symbol = ?", "PEAK_Q1_27").First(&product).Error)
	assert.Equal(t, "PEAK:2027", product.Bucket())

	var contract types.Contract
	require.NoError(t, h.DB.Where("contract_id = ?", "c-y").First(&contract).Error)
	assert.False(t, contract.MaxOrderMW.Valid)
	assert.Equal(t, "30.5", contract.YearlyLimits["PEAK:2027"].String())
}

func TestSeed_InvalidDecimal(t *testing.T) {
	h := dbtest.NewTestHelper(t)
	f := dbtest.BasicFixture("org-1")
	f.Contracts[0].MaxOrderMW = "fifty"
	assert.Error(t, database.Seed(context.Background(), h.DB, f))
}

func TestSeed_CanonicalizesBucketKeysAndProfiles(t *testing.T) {
	h := dbtest.NewTestHelper(t)
	f := dbtest.BasicFixture("org-1")
	f.Contracts[0].YearlyLimits = map[string]string{"base:2027": "40", " Peak:2026 ": "15"}
	f.Products = append(f.Products, database.ProductFixture{
		Symbol:        "PEAK_Y_28",
		Profile:       "peak",
		Period:        "Y",
		DeliveryStart: time.Date(2028, 1, 1, 0, 0, 0, 0, time.UTC),
		DeliveryEnd:   time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	h.Seed(f)

	var contract types.Contract
	require.NoError(t, h.DB.Where("organization_id = ?", "org-1").First(&contract).Error)
	assert.Len(t, contract.YearlyLimits, 2)
	assert.Equal(t, "40", contract.YearlyLimits["BASE:2027"].String())
	assert.Equal(t, "15", contract.YearlyLimits["PEAK:2026"].String())

	var product types.Product
	require.NoError(t, h.DB.Where("symbol = ?", "PEAK_Y_28").First(&product).Error)
	assert.Equal(t, "PEAK", product.Profile)
	assert.Equal(t, "PEAK:2028", product.Bucket())
}

func TestSeed_RejectsMalformedBucketKey(t *testing.T) {
	h := dbtest.NewTestHelper(t)
	for _, key := range []string{"BASE:26", "BASE-2026", ":2026"} {
		f := dbtest.BasicFixture("org-1")
		f.Contracts[0].YearlyLimits = map[string]string{key: "10"}
		assert.Error(t, database.Seed(context.Background(), h.DB, f), key)
	}

	var count int64
	require.NoError(t, h.DB.Model(&types.Contract{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestContractWrite_CanonicalizesOutsideSeed(t *testing.T) {
	h := dbtest.NewTestHelper(t)

	contract := types.Contract{
		ContractID:     "c-direct",
		OrganizationID: "org-1",
		YearlyLimits:   map[string]decimal.Decimal{"base:2026": decimal.NewFromInt(5)},
		IsActive:       true,
	}
	require.NoError(t, h.DB.Create(&contract).Error)

	var stored types.Contract
	require.NoError(t, h.DB.Where("contract_id = ?", "c-direct").First(&stored).Error)
	assert.Contains(t, stored.YearlyLimits, "BASE:2026")
	assert.NotContains(t, stored.YearlyLimits, "base:2026")

	stored.YearlyLimits = map[string]decimal.Decimal{"BASE:2O26": decimal.NewFromInt(5)}
	assert.Error(t, h.DB.Save(&stored).Error)
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	h := dbtest.NewTestHelper(t)
	boom := errors.New("boom")

	err := database.WithTransaction(context.Background(), h.DB, func(tx *gorm.DB) error {
		require.NoError(t, tx.Create(&types.Organization{OrganizationID: "org-rb"}).Error)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, h.DB.Model(&types.Organization{}).Where("organization_id = ?", "org-rb").Count(&count).Error)
	assert.Zero(t, count)
}

func TestWithTransaction_RollsBackOnPanic(t *testing.T) {
	h := dbtest.NewTestHelper(t)

	assert.Panics(t, func() {
		_ = database.WithTransaction(context.Background(), h.DB, func(tx *gorm.DB) error {
			require.NoError(t, tx.Create(&types.Organization{OrganizationID: "org-panic"}).Error)
			panic("handler bug")
		})
	})

	var count int64
	require.NoError(t, h.DB.Model(&types.Organization{}).Where("organization_id = ?", "org-panic").Count(&count).Error)
	assert.Zero(t, count)
}

func TestWithLock_SerializesSameKey(t *testing.T) {
	h := dbtest.NewTestHelper(t)

	var inside, overlaps int32
	var wg conc.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Go(func() {
			err := database.WithLock(context.Background(), h.DB, "org-1", "BASE", func(tx *gorm.DB) error {
				if atomic.AddInt32(&inside, 1) > 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&overlaps))

	var locks int64
	require.NoError(t, h.DB.Model(&types.ExposureLock{}).Count(&locks).Error)
	assert.EqualValues(t, 1, locks)
}
