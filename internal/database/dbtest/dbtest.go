// Package dbtest opens throwaway migrated stores and reference fixtures for package tests.
package dbtest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-energy/internal/config"
	"github.com/ksred/klear-energy/internal/database"
)

// TestHelper provides a migrated throwaway SQLite store for tests
type TestHelper struct {
	DB *gorm.DB
	T  testing.TB
}

// NewTestHelper opens a file backed SQLite database in a temp dir. Transactions begin
// IMMEDIATE so concurrent writers queue on the busy timeout instead of failing.
func NewTestHelper(t testing.TB) *TestHelper {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_txlock=immediate&_journal_mode=WAL",
		filepath.Join(t.TempDir(), "klear_test.db"))

	db, err := database.NewDatabase(config.DatabaseConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	return &TestHelper{DB: db, T: t}
}

// Seed upserts the fixture and fails the test on error
func (h *TestHelper) Seed(f *database.Fixture) {
	h.T.Helper()
	require.NoError(h.T, database.Seed(context.Background(), h.DB, f))
}

// BasicFixture returns one organization with a client, approver, manager and trader, the
// BASE_Y_26, PEAK_Y_26 and BASE_Y_27 products and a single contract allowing BASE_Y_26
// with a 50 MW per-order cap and a 100 MW yearly cap on BASE:2026.
func BasicFixture(orgID string) *database.Fixture {
	year := func(y int) (time.Time, time.Time) {
		return time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(y+1, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	s26, e26 := year(2026)
	s27, e27 := year(2027)

	return &database.Fixture{
		Organizations: []database.OrganizationFixture{{ID: orgID, Name: "Stadtwerke " + orgID}},
		Users: []database.UserFixture{
			{ID: orgID + "-client", OrganizationID: orgID, Name: "Client", Role: "CLIENT"},
			{ID: orgID + "-approver", OrganizationID: orgID, Name: "Approver", Role: "APPROVER"},
			{ID: orgID + "-manager", OrganizationID: orgID, Name: "Manager", Role: "MANAGER"},
			{ID: orgID + "-trader", OrganizationID: orgID, Name: "Trader", Role: "TRADER"},
		},
		Products: []database.ProductFixture{
			{Symbol: "BASE_Y_26", Profile: "BASE", Period: "Y", DeliveryStart: s26, DeliveryEnd: e26},
			{Symbol: "PEAK_Y_26", Profile: "PEAK", Period: "Y", DeliveryStart: s26, DeliveryEnd: e26},
			{Symbol: "BASE_Y_27", Profile: "BASE", Period: "Y", DeliveryStart: s27, DeliveryEnd: e27},
		},
		Contracts: []database.ContractFixture{{
			ID:              orgID + "-contract",
			OrganizationID:  orgID,
			AllowedProducts: []string{"BASE_Y_26"},
			MaxOrderMW:      "50",
			YearlyLimits:    map[string]string{"BASE:2026": "100"},
			IsActive:        true,
			ValidFrom:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			ValidTo:         time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
	}
}
